package lower

import (
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
	"github.com/fortiblox/solisp/pkg/compiler/intrinsics"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
)

func newBuilder() (*Builder, *ir.Frame) {
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	accBase := f.NewVReg()
	f.Emit(ir.ConstPtr(accBase, sbpf.VaddrInput, ir.InstructionDataPointer()))
	ctx := &intrinsics.Context{Syscalls: syscall.NewRegistry(), Module: m, AccountsBase: accBase}
	return NewBuilder(m, ctx), f
}

func sym(name string) ast.Symbol        { return ast.Symbol{Name: name} }
func intLit(v int64) ast.IntLit         { return ast.IntLit{Value: v} }
func strLit(v string) ast.StringLit     { return ast.StringLit{Value: v} }
func list(elems ...ast.Node) ast.List   { return ast.List{Elements: elems} }

// S1: `(sol_log_ "Hello from Solisp!")` (spec §8) compiled verbatim.
func TestBuildEntrySolLogLiteral(t *testing.T) {
	b, f := newBuilder()
	program := []ast.Node{
		list(sym("sol_log_"), strLit("Hello from Solisp!")),
	}
	if err := b.BuildEntry(program); err != nil {
		t.Fatalf("BuildEntry: %v", err)
	}
	var calls int
	for _, instr := range f.Instrs {
		if instr.Op == ir.OpCallSyscall && instr.Name == "sol_log_" {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("expected exactly one sol_log_ CallSyscall, got %d", calls)
	}
	if len(b.Module.Strings) != 1 || b.Module.Strings[0].Value != "Hello from Solisp!" {
		t.Errorf("expected the literal to be interned into the string pool, got %+v", b.Module.Strings)
	}
}

// `(+ 2 3)` as the sole top-level form.
func TestBuildEntrySimpleArithmetic(t *testing.T) {
	b, f := newBuilder()
	program := []ast.Node{list(sym("+"), intLit(2), intLit(3))}
	if err := b.BuildEntry(program); err != nil {
		t.Fatalf("BuildEntry: %v", err)
	}
	last := f.Instrs[len(f.Instrs)-1]
	if last.Op != ir.OpReturn {
		t.Fatalf("expected trailing Return, got %v", last.Op)
	}
	foundAdd := false
	for _, instr := range f.Instrs {
		if instr.Op == ir.OpAdd {
			foundAdd = true
		}
	}
	if !foundAdd {
		t.Errorf("expected an Add instruction in the lowered program")
	}
}

// S3-equivalent: `(define i 0) (while (< i 5) (set! i (+ i 1))) i`
func TestBuildEntryWhileLoopUsesRealMove(t *testing.T) {
	b, f := newBuilder()
	program := []ast.Node{
		list(sym("define"), sym("i"), intLit(0)),
		list(sym("while"), list(sym("<"), sym("i"), intLit(5)),
			list(sym("set!"), sym("i"), list(sym("+"), sym("i"), intLit(1))),
		),
		sym("i"),
	}
	if err := b.BuildEntry(program); err != nil {
		t.Fatalf("BuildEntry: %v", err)
	}

	var moves, jumps, backJumps int
	for i, instr := range f.Instrs {
		switch instr.Op {
		case ir.OpMove:
			moves++
		case ir.OpJumpIf:
			jumps++
		case ir.OpJump:
			// A backward jump's target label was defined before this
			// instruction's own index (the loop head).
			for j := 0; j < i; j++ {
				if f.Instrs[j].Op == ir.OpLabel && f.Instrs[j].Label == instr.Target {
					backJumps++
					break
				}
			}
		}
	}
	if moves == 0 {
		t.Errorf("set! must emit a real Move instruction, found none")
	}
	if jumps == 0 {
		t.Errorf("while must emit a conditional JumpIf, found none")
	}
	if backJumps == 0 {
		t.Errorf("while must emit a backward branch to the loop head, found none")
	}
}

// S5: `(if (account-is-signer 0) 0 1)` (spec §8) — an intrinsic condition
// feeding directly into lowerCond without an intermediate boolean
// materialisation.
func TestBuildEntryIfOverIntrinsicCondition(t *testing.T) {
	b, f := newBuilder()
	program := []ast.Node{
		list(sym("if"), list(sym("account-is-signer"), intLit(0)), intLit(0), intLit(1)),
	}
	if err := b.BuildEntry(program); err != nil {
		t.Fatalf("BuildEntry: %v", err)
	}
	var loads int
	for _, instr := range f.Instrs {
		if instr.Op == ir.OpLoad && instr.Size == 1 {
			loads++
		}
	}
	if loads != 1 {
		t.Errorf("expected exactly one 1-byte load for the account-is-signer flag, got %d", loads)
	}
}

func TestUnboundSymbolError(t *testing.T) {
	b, _ := newBuilder()
	program := []ast.Node{sym("never-defined")}
	if err := b.BuildEntry(program); err == nil {
		t.Fatalf("expected UnboundSymbolError")
	}
}

func TestNotImplementedForm(t *testing.T) {
	b, _ := newBuilder()
	program := []ast.Node{list(sym("PARALLEL"), intLit(1))}
	if err := b.BuildEntry(program); err == nil {
		t.Fatalf("expected NotImplementedError for PARALLEL")
	}
}

func TestBreakOutsideLoopIsError(t *testing.T) {
	b, _ := newBuilder()
	program := []ast.Node{list(sym("break"))}
	if err := b.BuildEntry(program); err == nil {
		t.Fatalf("expected an error for break outside a loop")
	}
}
