package regalloc

import (
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ir"
)

func TestAllocateSimpleFrameAssignsDistinctRegisters(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	a := f.NewVReg()
	b := f.NewVReg()
	dst := f.NewVReg()
	f.Emit(ir.ConstI64(a, 2))
	f.Emit(ir.ConstI64(b, 3))
	f.Emit(ir.BinOp(ir.OpAdd, dst, a, b))
	f.Emit(ir.Return(dst))

	alloc, err := Allocate(f, nil, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	seen := map[PhysReg]bool{}
	for _, v := range []ir.VReg{a, b, dst} {
		r, ok := alloc.Reg[v]
		if !ok {
			if _, spilled := alloc.Spilled[v]; !spilled {
				t.Fatalf("vreg %v has neither a register nor a spill slot", v)
			}
			continue
		}
		if r == R6 || r == R7 || r == R10 {
			t.Fatalf("vreg %v assigned reserved register %v", v, r)
		}
		if seen[r] {
			t.Fatalf("register %v double-booked among simultaneously live values", r)
		}
		seen[r] = true
	}
}

func TestAllocateReservesAccountsBaseAndInstructionData(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	accBase := f.NewVReg()
	instrData := f.NewVReg()
	other := f.NewVReg()
	f.Emit(ir.ConstPtr(accBase, 0x400000000, ir.RegType{}))
	f.Emit(ir.ConstPtr(instrData, 0x400000000, ir.RegType{}))
	f.Emit(ir.ConstI64(other, 1))
	f.Emit(ir.Return(other))

	alloc, err := Allocate(f, &accBase, &instrData)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if alloc.Reg[accBase] != R6 {
		t.Errorf("accounts-base must be pinned to R6, got %v", alloc.Reg[accBase])
	}
	if alloc.Reg[instrData] != R7 {
		t.Errorf("instruction-data must be pinned to R7, got %v", alloc.Reg[instrData])
	}
	if r, ok := alloc.Reg[other]; ok && (r == R6 || r == R7) {
		t.Errorf("general-purpose vreg must not reuse a reserved register, got %v", r)
	}
}

func TestAllocateSpillsAcrossCallSiteForLiveCallerSaveRegister(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	live := f.NewVReg()
	f.Emit(ir.ConstI64(live, 42))
	f.Emit(ir.CallSyscall(0, false, "sol_log_compute_units_", nil))
	f.Emit(ir.Return(live))

	alloc, err := Allocate(f, nil, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	reg, ok := alloc.Reg[live]
	if !ok {
		t.Fatalf("expected live to hold a register, got spilled")
	}
	isCallerSave := false
	for _, c := range callerSavePool {
		if c == reg {
			isCallerSave = true
		}
	}
	if !isCallerSave {
		// A callee-save assignment needs no call-site save/restore; that's a
		// valid allocation too, so only assert the invariant when it applies.
		return
	}
	found := false
	for _, s := range alloc.CallSiteSpills {
		if s.VReg == live && s.CallIndex == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a call-site spill recorded for %v across instruction 1", live)
	}
}

func TestAllocateFailsWhenLiveValuesExceedCapacity(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	var vregs []ir.VReg
	const n = 600 // far beyond 6 general registers + 4096/8 spill slots combined
	for i := 0; i < n; i++ {
		v := f.NewVReg()
		vregs = append(vregs, v)
		f.Emit(ir.ConstI64(v, int64(i)))
	}
	// A single final use of every vreg keeps all n intervals simultaneously
	// live from their own definition through this instruction.
	f.Emit(ir.CallSyscall(0, false, "sol_log_", vregs))

	_, err := Allocate(f, nil, nil)
	if err == nil {
		t.Fatalf("expected TooManyLiveValues, got success")
	}
}
