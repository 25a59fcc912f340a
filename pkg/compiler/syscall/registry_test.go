package syscall

import "testing"

func TestMurmur3HashKnownValue(t *testing.T) {
	// sol_log_ is the most frequently emitted syscall name; any regression
	// in the hash would silently corrupt V2 CALL encoding (invariant 5).
	h1 := Murmur3Hash("sol_log_")
	h2 := Murmur3Hash("sol_log_")
	if h1 != h2 {
		t.Fatalf("hash not stable across calls: %#x vs %#x", h1, h2)
	}
	if h1 == 0 {
		t.Fatalf("hash of non-empty string must not be zero")
	}
	if h1 != 0x207559bd {
		t.Fatalf("Murmur3Hash(\"sol_log_\") = %#x, want 0x207559bd", h1)
	}
}

func TestMurmur3HashDistinctNames(t *testing.T) {
	a := Murmur3Hash("sol_log_")
	b := Murmur3Hash("sol_log_64_")
	if a == b {
		t.Fatalf("distinct names hashed to same value %#x", a)
	}
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.RecordCallSite("sol_log_pubkey", 4)
	r.RecordCallSite("sol_log_", 1)
	r.RecordCallSite("sol_log_", 9)

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Name != "sol_log_pubkey" {
		t.Errorf("entries[0].Name = %q, want sol_log_pubkey (insertion order, not hash order)", entries[0].Name)
	}
	if entries[1].Name != "sol_log_" {
		t.Errorf("entries[1].Name = %q, want sol_log_", entries[1].Name)
	}
	if len(entries[1].CallSites) != 2 {
		t.Errorf("len(entries[1].CallSites) = %d, want 2", len(entries[1].CallSites))
	}
}

func TestResolveCaches(t *testing.T) {
	r := NewRegistry()
	h1 := r.Resolve("sol_sha256")
	h2 := r.Resolve("sol_sha256")
	if h1 != h2 {
		t.Fatalf("Resolve returned different hashes for same name")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
