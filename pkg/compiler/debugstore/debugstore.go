// Package debugstore persists the debug-info and source-map artifacts a
// compile can optionally produce (SPEC_FULL.md §7 External Interfaces),
// keyed by the same program hash pkg/compiler/cache uses. These artifacts
// are for external debugger tooling and are themselves out of scope for
// the compiler core (spec §1); only their storage is in scope here.
package debugstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
)

// ErrNotFound is returned when no artifact is stored for a given digest.
var ErrNotFound = errors.New("debugstore: artifact not found")

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("debugstore: closed")

// Bucket names for BoltDB.
var (
	bucketDebugInfo = []byte("debug_info")
	bucketSourceMap = []byte("source_map")
)

// InstructionSpan maps one encoded instruction's word offset back to the
// source location that produced it.
type InstructionSpan struct {
	WordOffset int
	Span       ast.Span
	Function   string
}

// DebugInfo is a compile's full instruction→span table.
type DebugInfo struct {
	Spans []InstructionSpan
}

// SourceMap is the original source text a compile was run against, stored
// verbatim so a debugger can resolve an InstructionSpan to actual text.
type SourceMap struct {
	Filename string
	Source   string
}

// Config holds store configuration, mirroring pkg/blockstore.Config's
// shape at a much smaller scale (no pruning: debug artifacts are cheap and
// keyed by content hash, so there is nothing to expire on its own clock).
type Config struct {
	// Path is the file path for the database.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path, NoSync: false, ReadOnly: false}
}

// Store persists DebugInfo/SourceMap artifacts keyed by a caller-supplied
// content digest (pkg/compiler/cache.Key, typically).
type Store struct {
	db     *bolt.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a debug store at config.Path.
func Open(config Config) (*Store, error) {
	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	opts := &bolt.Options{Timeout: 5 * time.Second, ReadOnly: config.ReadOnly}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return store, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDebugInfo, bucketSourceMap} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PutDebugInfo stores info under digest.
func (s *Store) PutDebugInfo(digest []byte, info *DebugInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := encode(info)
	if err != nil {
		return fmt.Errorf("encode debug info: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDebugInfo).Put(digest, data)
	})
}

// GetDebugInfo retrieves the debug info stored under digest.
func (s *Store) GetDebugInfo(digest []byte) (*DebugInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var info DebugInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketDebugInfo).Get(digest)
		if val == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PutSourceMap stores sm under digest.
func (s *Store) PutSourceMap(digest []byte, sm *SourceMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := encode(sm)
	if err != nil {
		return fmt.Errorf("encode source map: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSourceMap).Put(digest, data)
	})
}

// GetSourceMap retrieves the source map stored under digest.
func (s *Store) GetSourceMap(digest []byte) (*SourceMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var sm SourceMap
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketSourceMap).Get(digest)
		if val == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(val)).Decode(&sm)
	})
	if err != nil {
		return nil, err
	}
	return &sm, nil
}

// Sync flushes pending writes to disk.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Sync()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
