// Package pda implements compile-time Program Derived Address folding,
// used by the derive-pda/find-pda intrinsic handlers to evaluate calls
// whose program-id and seeds are all literal.
package pda

import (
	"crypto/sha256"
	"errors"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// Limits mirror the runtime's own (sol_create_program_address /
// sol_try_find_program_address), so a constant-folded address is
// byte-identical to what the syscall would have produced at run time.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var (
	ErrMaxSeedsExceeded      = errors.New("pda: max seeds exceeded")
	ErrMaxSeedLengthExceeded = errors.New("pda: max seed length exceeded")
	ErrOnCurve               = errors.New("pda: derived address is a valid ed25519 point")
	ErrNoViableBump          = errors.New("pda: unable to find a viable bump seed")
)

var marker = []byte("ProgramDerivedAddress")

// Create derives a program address from seeds and programID, replicating
// Solana's CreateProgramAddress: sha256(seeds || programID || marker),
// rejected if the result happens to be a valid point on the ed25519 curve.
func Create(seeds [][]byte, programID [32]byte) ([32]byte, error) {
	var out [32]byte
	if len(seeds) > MaxSeeds {
		return out, ErrMaxSeedsExceeded
	}
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return out, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write(marker)
	sum := h.Sum(nil)
	copy(out[:], sum)

	if onCurve(out) {
		return out, ErrOnCurve
	}
	return out, nil
}

// Find iterates bump seeds from 255 down to 0, appending each as an extra
// seed, and returns the first address Create accepts (the canonical,
// off-curve PDA) along with its bump.
func Find(seeds [][]byte, programID [32]byte) (addr [32]byte, bump uint8, err error) {
	trial := make([][]byte, len(seeds)+1)
	copy(trial, seeds)
	for b := 255; b >= 0; b-- {
		trial[len(seeds)] = []byte{byte(b)}
		a, e := Create(trial, programID)
		if e == nil {
			return a, uint8(b), nil
		}
	}
	return addr, 0, ErrNoViableBump
}

// onCurve reports whether point, interpreted as a compressed Edwards
// y-coordinate (sign bit of x in the top bit), lies on the ed25519 curve
// -x^2 + y^2 = 1 + d*x^2*y^2. curve25519 supplies the field prime; the
// Legendre-symbol residue check below is the same one Solana's runtime
// applies when deciding whether a derived address must be rejected as a
// valid (and therefore potentially forgeable) keypair.
func onCurve(point [32]byte) bool {
	p := fieldPrime()

	d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), p))
	d.Mod(d, p)

	yBytes := make([]byte, 32)
	copy(yBytes, point[:])
	yBytes[31] &= 0x7F

	y := new(big.Int)
	for i := 31; i >= 0; i-- {
		y.Lsh(y, 8)
		y.Or(y, big.NewInt(int64(yBytes[i])))
	}
	if y.Cmp(p) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p)

	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, p)

	den := new(big.Int).Mul(d, y2)
	den.Add(den, big.NewInt(1))
	den.Mod(den, p)

	denInv := new(big.Int).ModInverse(den, p)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, p)

	exp := new(big.Int).Sub(p, big.NewInt(1))
	exp.Rsh(exp, 1)
	legendre := new(big.Int).Exp(x2, exp, p)

	return legendre.Cmp(big.NewInt(1)) == 0 || x2.Sign() == 0
}

// fieldPrime returns 2^255 - 19, ed25519's field prime, sized from
// curve25519.ScalarSize (32 bytes = 256 bits, one bit wider than the prime
// itself) rather than a bare magic number.
func fieldPrime() *big.Int {
	bits := curve25519.ScalarSize*8 - 1 // 255
	p := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	p.Sub(p, big.NewInt(19))
	return p
}
