// Package cache implements the content-addressed compile cache
// (SPEC_FULL.md §3 domain-stack wiring): a badger-backed store keyed by a
// blake3 digest of the source text plus the options that affect codegen,
// holding gzip-compressed ELF object bytes. A cache hit skips the entire
// lower/optimize/regalloc/encode/verify/elf pipeline for byte-identical
// recompiles (spec §8 #1's determinism invariant is what makes this safe).
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// ErrClosed is returned when operating on a closed cache.
var ErrClosed = errors.New("cache closed")

// ErrMiss is returned by Get when key has no cached entry.
var ErrMiss = errors.New("cache miss")

// prefixObject is the key prefix for cached ELF objects.
// Key format: prefixObject + digest (32 bytes, blake3).
var prefixObject = []byte{0x01}

// Config mirrors pkg/accounts.BadgerDBConfig's shape (same underlying
// store, a much smaller working set).
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool
}

// DefaultConfig returns a configuration tuned for a small, frequently-hit
// cache rather than account-store-scale data volumes.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
	}
}

// Cache is a badger-backed store of compiled ELF objects keyed by content
// hash.
type Cache struct {
	db     *badger.DB
	hits   atomic.Uint64
	misses atomic.Uint64
	closed atomic.Bool
}

// Open creates or opens a compile cache at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Cache{db: db}, nil
}

// Key returns the cache key for a compile of source under the given
// codegen options. debugInfo/sourceMap are folded in because they change
// the artifacts a given compile produces even when the ELF bytes
// themselves wouldn't, keeping debugstore lookups (keyed the same way)
// consistent with what this cache returns.
func Key(source string, versionTag string, debugInfo, sourceMap bool) []byte {
	h := blake3.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(versionTag))
	h.Write([]byte{0, boolByte(debugInfo), boolByte(sourceMap)})
	return h.Sum(nil)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func objectKey(digest []byte) []byte {
	key := make([]byte, 1+len(digest))
	key[0] = prefixObject[0]
	copy(key[1:], digest)
	return key
}

// Get returns the cached ELF bytes for digest, or ErrMiss if absent.
func (c *Cache) Get(digest []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(digest))
		if err == badger.ErrKeyNotFound {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decompressed, err := gunzip(val)
			if err != nil {
				return err
			}
			out = decompressed
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrMiss) {
			c.misses.Add(1)
		}
		return nil, err
	}
	c.hits.Add(1)
	return out, nil
}

// Put stores obj (the final ELF object bytes) under digest, gzip-compressed.
func (c *Cache) Put(digest []byte, obj []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	compressed, err := gzipBytes(obj)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(digest), compressed)
	})
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAll(r)
}

func readAll(r *gzip.Reader) ([]byte, error) {
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Stats reports cumulative hit/miss counts since Open.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// RunGC runs badger's value-log garbage collection.
func (c *Cache) RunGC() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.RunValueLogGC(0.5)
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	return c.db.Close()
}
