package codegen

import (
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/regalloc"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
)

func buildSimpleAddModule() *ir.Module {
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	a := f.NewVReg()
	b := f.NewVReg()
	dst := f.NewVReg()
	f.Emit(ir.ConstI64(a, 2))
	f.Emit(ir.ConstI64(b, 3))
	f.Emit(ir.BinOp(ir.OpAdd, dst, a, b))
	f.Emit(ir.Return(dst))
	return m
}

func allocateAll(t *testing.T, m *ir.Module) map[string]*regalloc.Allocation {
	t.Helper()
	out := make(map[string]*regalloc.Allocation)
	for _, f := range m.Functions {
		alloc, err := regalloc.Allocate(f, nil, nil)
		if err != nil {
			t.Fatalf("Allocate(%s): %v", f.Name, err)
		}
		out[f.Name] = alloc
	}
	return out
}

func TestEncodeSimpleAddEndsWithExit(t *testing.T) {
	m := buildSimpleAddModule()
	allocs := allocateAll(t, m)
	prog, err := Encode(m, allocs, syscall.NewRegistry(), V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(prog.Words) == 0 {
		t.Fatalf("expected non-empty word stream")
	}
	last := sbpf.Instruction(prog.Words[len(prog.Words)-1])
	if last.Op() != sbpf.OpExit {
		t.Fatalf("expected last word to be EXIT, got opcode %#x", last.Op())
	}
}

func TestEncodeJumpOffsetIsRelativeToNextInstruction(t *testing.T) {
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	cond := f.NewVReg()
	zero := f.NewVReg()
	result := f.NewVReg()
	exit := f.NewLabel()
	f.Emit(ir.ConstI64(cond, 1))
	f.Emit(ir.ConstI64(zero, 0))
	f.Emit(ir.JumpIf(ir.CondEq, cond, zero, exit))
	f.Emit(ir.ConstI64(result, 42))
	f.Emit(ir.LabelInstr(exit))
	f.Emit(ir.Return(result))

	allocs := allocateAll(t, m)
	prog, err := Encode(m, allocs, syscall.NewRegistry(), V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var jumpIdx = -1
	for i, w := range prog.Words {
		if sbpf.Instruction(w).Op() == sbpf.OpJeqReg {
			jumpIdx = i
		}
	}
	if jumpIdx == -1 {
		t.Fatalf("expected a JeqReg instruction in the stream")
	}
	off := sbpf.Instruction(prog.Words[jumpIdx]).Off()
	target := jumpIdx + 1 + int(off)
	if target < 0 || target >= len(prog.Words) {
		t.Fatalf("resolved jump target %d out of range [0,%d)", target, len(prog.Words))
	}
}

func TestEncodeSyscallCallV1EmitsRelocation(t *testing.T) {
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	f.Emit(ir.CallSyscall(0, false, "sol_log_compute_units_", nil))
	zero := f.NewVReg()
	f.Emit(ir.ConstI64(zero, 0))
	f.Emit(ir.Return(zero))

	allocs := allocateAll(t, m)
	prog, err := Encode(m, allocs, syscall.NewRegistry(), V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(prog.Relocations) != 1 {
		t.Fatalf("expected exactly one relocation, got %d", len(prog.Relocations))
	}
	reloc := prog.Relocations[0]
	if reloc.Symbol != "sol_log_compute_units_" {
		t.Errorf("unexpected relocation symbol %q", reloc.Symbol)
	}
	callIdx := int(reloc.Offset-4) / 8
	callWord := sbpf.Instruction(prog.Words[callIdx])
	if callWord.Op() != sbpf.OpCall || callWord.Imm() != -1 {
		t.Errorf("expected CALL imm=-1 at the relocated word, got op=%#x imm=%d", callWord.Op(), callWord.Imm())
	}
}

func TestEncodeSyscallCallV2EncodesHashDirectly(t *testing.T) {
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	f.Emit(ir.CallSyscall(0, false, "sol_log_compute_units_", nil))
	zero := f.NewVReg()
	f.Emit(ir.ConstI64(zero, 0))
	f.Emit(ir.Return(zero))

	allocs := allocateAll(t, m)
	reg := syscall.NewRegistry()
	prog, err := Encode(m, allocs, reg, V2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(prog.Relocations) != 0 {
		t.Fatalf("V2 must not emit relocations, got %d", len(prog.Relocations))
	}
	wantHash := int32(syscall.Murmur3Hash("sol_log_compute_units_"))
	found := false
	for _, w := range prog.Words {
		in := sbpf.Instruction(w)
		if in.Op() == sbpf.OpCall && in.Imm() == wantHash {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a CALL word carrying the syscall's Murmur3 hash as imm")
	}
}
