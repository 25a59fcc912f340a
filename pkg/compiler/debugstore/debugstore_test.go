package debugstore

import (
	"path/filepath"
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "debug.db"))
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetDebugInfoMissReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetDebugInfo([]byte("nope")); err != ErrNotFound {
		t.Fatalf("GetDebugInfo on empty store = %v, want ErrNotFound", err)
	}
}

func TestPutThenGetDebugInfoRoundTrips(t *testing.T) {
	s := newTestStore(t)
	digest := []byte("digest-1")
	info := &DebugInfo{Spans: []InstructionSpan{
		{WordOffset: 0, Span: ast.Span{Line: 1, Column: 1}, Function: "entrypoint"},
		{WordOffset: 4, Span: ast.Span{Line: 2, Column: 3}, Function: "entrypoint"},
	}}
	if err := s.PutDebugInfo(digest, info); err != nil {
		t.Fatalf("PutDebugInfo: %v", err)
	}
	got, err := s.GetDebugInfo(digest)
	if err != nil {
		t.Fatalf("GetDebugInfo: %v", err)
	}
	if len(got.Spans) != 2 || got.Spans[1].WordOffset != 4 {
		t.Fatalf("GetDebugInfo = %+v, want 2 spans with the second at word offset 4", got.Spans)
	}
}

func TestPutThenGetSourceMapRoundTrips(t *testing.T) {
	s := newTestStore(t)
	digest := []byte("digest-2")
	sm := &SourceMap{Filename: "vault.solisp", Source: "(sol_log_ \"hi\")"}
	if err := s.PutSourceMap(digest, sm); err != nil {
		t.Fatalf("PutSourceMap: %v", err)
	}
	got, err := s.GetSourceMap(digest)
	if err != nil {
		t.Fatalf("GetSourceMap: %v", err)
	}
	if got.Filename != sm.Filename || got.Source != sm.Source {
		t.Fatalf("GetSourceMap = %+v, want %+v", got, sm)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "debug.db"))
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.GetDebugInfo([]byte("x")); err != ErrClosed {
		t.Errorf("GetDebugInfo after Close = %v, want ErrClosed", err)
	}
}
