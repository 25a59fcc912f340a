// Package abi parses source-level pubkey literals and names the well-known
// program and sysvar addresses the intrinsic table targets.
package abi

import (
	"fmt"

	"github.com/fortiblox/solisp/internal/types"
)

// Pubkey is a 32-byte address, reusing the base58-aware type the rest of
// the module (and its teacher lineage) already defines.
type Pubkey = types.Pubkey

// ParsePubkeyLiteral decodes a base58-encoded pubkey literal such as the
// program-id argument of derive-pda/find-pda. It is the
// compile-time counterpart of the runtime base58 decode the loader/VM side
// performs when materialising account keys.
func ParsePubkeyLiteral(s string) (Pubkey, error) {
	pk, err := types.PubkeyFromBase58(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("invalid pubkey literal %q: %w", s, err)
	}
	return pk, nil
}

// Well-known program addresses, named the same way source programs refer
// to them via the `system-transfer`/`spl-token-*` intrinsics.
var (
	SystemProgram = types.SystemProgramAddr
	BPFLoader     = types.BPFLoaderAddr

	// SPLTokenProgram is not in the teacher's native-program table (it is
	// an SPL, not a native, program); its address is well known and fixed
	// across Solana/X1 deployments.
	SPLTokenProgram = mustParse("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

// Well-known sysvar addresses. No intrinsic reads them: clock-unix-timestamp
// obtains the Clock sysvar through the sol_get_clock_sysvar syscall.
var (
	ClockSysvar = types.SysvarClockAddr
	RentSysvar  = types.SysvarRentAddr
)

func mustParse(s string) Pubkey {
	pk, err := ParsePubkeyLiteral(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// SystemInstruction is the 4-byte little-endian discriminator prefixing a
// System Program instruction payload.
type SystemInstruction uint32

const (
	SystemInstructionCreateAccount SystemInstruction = 0
	SystemInstructionTransfer      SystemInstruction = 2
	SystemInstructionAllocate      SystemInstruction = 8
)

// SPLTokenInstruction is the 1-byte discriminator prefixing an SPL Token
// instruction payload.
type SPLTokenInstruction uint8

const (
	SPLTokenInstructionTransfer SPLTokenInstruction = 3
	SPLTokenInstructionMintTo   SPLTokenInstruction = 7
	SPLTokenInstructionBurn     SPLTokenInstruction = 8
	SPLTokenInstructionClose    SPLTokenInstruction = 9
)
