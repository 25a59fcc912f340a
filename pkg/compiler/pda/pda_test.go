package pda

import "testing"

func TestCreateDeterministic(t *testing.T) {
	var programID [32]byte
	programID[0] = 1
	seeds := [][]byte{[]byte("vault"), {0, 1, 2, 3}}

	a, err1 := Create(seeds, programID)
	b, err2 := Create(seeds, programID)
	if err1 != nil && err2 != nil {
		// Both must fail identically if the seed happens to land on-curve.
		if err1 != err2 {
			t.Fatalf("nondeterministic errors: %v vs %v", err1, err2)
		}
		return
	}
	if err1 != nil || err2 != nil {
		t.Fatalf("nondeterministic success/failure: %v vs %v", err1, err2)
	}
	if a != b {
		t.Fatalf("Create is not deterministic: %x vs %x", a, b)
	}
}

func TestFindReturnsOffCurveAddress(t *testing.T) {
	var programID [32]byte
	programID[0] = 7
	seeds := [][]byte{[]byte("mint-authority")}

	addr, bump, err := Find(seeds, programID)
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if onCurve(addr) {
		t.Fatalf("Find returned an on-curve address")
	}

	seedsWithBump := append(append([][]byte{}, seeds...), []byte{bump})
	recomputed, err := Create(seedsWithBump, programID)
	if err != nil {
		t.Fatalf("recomputing with discovered bump failed: %v", err)
	}
	if recomputed != addr {
		t.Fatalf("Find's address does not match Create with its own bump")
	}
}

func TestCreateRejectsTooManySeeds(t *testing.T) {
	var programID [32]byte
	seeds := make([][]byte, MaxSeeds+1)
	for i := range seeds {
		seeds[i] = []byte{byte(i)}
	}
	if _, err := Create(seeds, programID); err != ErrMaxSeedsExceeded {
		t.Fatalf("Create() error = %v, want ErrMaxSeedsExceeded", err)
	}
}
