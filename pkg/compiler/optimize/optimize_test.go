package optimize

import (
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ir"
)

func TestConstantFoldAdd(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	a := f.NewVReg()
	b := f.NewVReg()
	dst := f.NewVReg()
	f.Emit(ir.ConstI64(a, 2))
	f.Emit(ir.ConstI64(b, 3))
	f.Emit(ir.BinOp(ir.OpAdd, dst, a, b))

	constantFold(f)

	last := f.Instrs[len(f.Instrs)-1]
	if last.Op != ir.OpConstI64 || last.Imm != 5 {
		t.Fatalf("expected folded ConstI64(5), got %+v", last)
	}
}

func TestConstantFoldSkipsDivByZero(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	a := f.NewVReg()
	zero := f.NewVReg()
	dst := f.NewVReg()
	f.Emit(ir.ConstI64(a, 10))
	f.Emit(ir.ConstI64(zero, 0))
	f.Emit(ir.BinOp(ir.OpDiv, dst, a, zero))

	constantFold(f)

	last := f.Instrs[len(f.Instrs)-1]
	if last.Op != ir.OpDiv {
		t.Fatalf("division by a folded zero must not be constant-folded, got %+v", last)
	}
}

func TestDeadBlockEliminateRemovesUnreachableAfterUnconditionalJump(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	end := f.NewLabel()
	dead := f.NewVReg()
	live := f.NewVReg()

	f.Emit(ir.Jump(end))
	f.Emit(ir.ConstI64(dead, 999)) // unreachable
	f.Emit(ir.LabelInstr(end))
	f.Emit(ir.ConstI64(live, 1))
	f.Emit(ir.Return(live))

	deadBlockEliminate(f)

	for _, in := range f.Instrs {
		if in.Op == ir.OpConstI64 && in.Imm == 999 {
			t.Fatalf("unreachable instruction was not eliminated")
		}
	}
	if f.Instrs[len(f.Instrs)-1].Op != ir.OpReturn {
		t.Fatalf("expected trailing Return to survive")
	}
}

func TestCopyPropagateSingleBlock(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	b := f.NewVReg()
	a := f.NewVReg()
	f.Emit(ir.ConstI64(b, 7))
	f.Emit(ir.Move(a, b))
	f.Emit(ir.Return(a))

	copyPropagate(f)

	ret := f.Instrs[len(f.Instrs)-1]
	if ret.Op != ir.OpReturn || ret.A != b {
		t.Fatalf("expected Return to read b directly after copy propagation, got %+v", ret)
	}
}

func TestCopyPropagateGivesUpAcrossBlocks(t *testing.T) {
	f := ir.NewFrame("entrypoint")
	b := f.NewVReg()
	a := f.NewVReg()
	mid := f.NewLabel()

	f.Emit(ir.ConstI64(b, 7))
	f.Emit(ir.Move(a, b))
	f.Emit(ir.Jump(mid))
	f.Emit(ir.LabelInstr(mid))
	f.Emit(ir.Return(a))

	copyPropagate(f)

	ret := f.Instrs[len(f.Instrs)-1]
	if ret.A != a {
		t.Fatalf("cross-block use must not be propagated, got Return reading %v want %v", ret.A, a)
	}
}
