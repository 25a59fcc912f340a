package cache

import "testing"

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetMissReturnsErrMiss(t *testing.T) {
	c := newTestCache(t)
	key := Key("(sol_log_ \"hi\")", "V1", false, false)
	if _, err := c.Get(key); err != ErrMiss {
		t.Fatalf("Get on empty cache = %v, want ErrMiss", err)
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t)
	key := Key("(sol_log_ \"hi\")", "V1", false, false)
	obj := []byte{0x7f, 'E', 'L', 'F', 1, 2, 3, 4, 5}
	if err := c.Put(key, obj); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(obj) {
		t.Fatalf("Get = %v, want %v", got, obj)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 0 {
		t.Errorf("Stats = (%d,%d), want (1,0)", hits, misses)
	}
}

func TestKeyDiffersByVersion(t *testing.T) {
	k1 := Key("same source", "V1", false, false)
	k2 := Key("same source", "V2", false, false)
	if string(k1) == string(k2) {
		t.Errorf("expected V1 and V2 to key differently")
	}
}

func TestClosedCacheRejectsOperations(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	c, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.Get(Key("x", "V1", false, false)); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}
