// Package lower implements the AST → IR builder (spec §4.B): literal and
// variable lowering, define/set!/if/while desugaring, and call dispatch
// between the intrinsic table and user-defined functions.
package lower

import (
	"github.com/fortiblox/solisp/pkg/compiler/ast"
	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/intrinsics"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
)

// notImplementedForms names source forms meaningful only to the
// interpreter (spec §4.B), never lowered to bytecode.
var notImplementedForms = map[string]bool{
	"PARALLEL": true,
	"DECISION": true,
	"WAIT":     true,
}

var binaryOps = map[string]ir.Op{
	"+":  ir.OpAdd,
	"-":  ir.OpSub,
	"*":  ir.OpMul,
	"/":  ir.OpDiv,
	"%":  ir.OpMod,
	"&":  ir.OpAnd,
	"|":  ir.OpOr,
	"^":  ir.OpXor,
	"<<": ir.OpShl,
	">>": ir.OpShr,
}

var compareOps = map[string]ir.Cond{
	"<":  ir.CondLt,
	"<=": ir.CondLe,
	">":  ir.CondGt,
	">=": ir.CondGe,
	"=":  ir.CondEq,
	"!=": ir.CondNe,
}

// Builder holds the per-compile state threaded through every lowerExpr
// call: the module being assembled and the intrinsic dispatch context.
type Builder struct {
	Module *ir.Module
	Ctx    *intrinsics.Context
}

// NewBuilder returns a Builder over module. ctx carries the AccountsBase
// and InstructionData VRegs the register allocator pins to R6/R7.
func NewBuilder(module *ir.Module, ctx *intrinsics.Context) *Builder {
	return &Builder{Module: module, Ctx: ctx}
}

// BuildEntry lowers a top-level program (a sequence of forms) into the
// module's entry frame, returning it with a trailing Return of the last
// form's value (spec §8 S1-S6: the program's final expression is the
// result).
func (b *Builder) BuildEntry(body []ast.Node) error {
	frame := b.Module.EntryFrame()
	var last ir.VReg
	hasLast := false
	for _, n := range body {
		v, _, err := b.lowerExpr(frame, n)
		if err != nil {
			return err
		}
		last = v
		hasLast = true
	}
	if !hasLast {
		zero := frame.NewVReg()
		frame.Emit(ir.ConstI64(zero, 0))
		last = zero
	}
	frame.Emit(ir.Return(last))
	return nil
}

// lowerExpr lowers one AST node to a VReg holding its value.
func (b *Builder) lowerExpr(frame *ir.Frame, n ast.Node) (ir.VReg, ir.RegType, error) {
	switch node := n.(type) {
	case ast.IntLit:
		dst := frame.NewVReg()
		frame.Emit(ir.ConstI64(dst, node.Value))
		return dst, ir.ValueType(8, true), nil

	case ast.FloatLit:
		return 0, ir.RegType{}, diag.NotImplemented(node.Span, "floating-point literal")

	case ast.StringLit:
		off := b.Module.InternString(node.Value)
		dst := frame.NewVReg()
		rt := ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}
		frame.Emit(ir.ConstPtr(dst, sbpf.VaddrProgram+uint64(off), rt))
		return dst, rt, nil

	case ast.Symbol:
		if v, rt, ok := frame.Lookup(node.Name); ok {
			return v, rt, nil
		}
		return 0, ir.RegType{}, diag.UnboundSymbol(node.Span, node.Name)

	case ast.List:
		return b.lowerList(frame, node)

	default:
		return 0, ir.RegType{}, diag.NotImplemented(ast.Span{}, "unknown AST node")
	}
}

func (b *Builder) lowerList(frame *ir.Frame, n ast.List) (ir.VReg, ir.RegType, error) {
	name, ok := ast.HeadSymbol(n)
	if !ok {
		return 0, ir.RegType{}, diag.NotImplemented(n.Span, "call with non-symbol operator")
	}
	args := n.Args()

	if notImplementedForms[name] {
		return 0, ir.RegType{}, diag.NotImplemented(n.Span, name)
	}

	switch name {
	case "define":
		return b.lowerDefine(frame, n.Span, args)
	case "set!":
		return b.lowerSet(frame, n.Span, args)
	case "if":
		return b.lowerIf(frame, n.Span, args)
	case "while":
		return b.lowerWhile(frame, n.Span, args)
	case "for":
		return b.lowerFor(frame, n.Span, args)
	case "do", "begin":
		return b.lowerSeq(frame, n.Span, args)
	case "break":
		return b.lowerBreak(frame, n.Span)
	case "continue":
		return b.lowerContinue(frame, n.Span)
	}

	if op, ok := binaryOps[name]; ok {
		return b.lowerBinary(frame, n.Span, op, args)
	}
	if cond, ok := compareOps[name]; ok {
		return b.lowerCompareValue(frame, n.Span, cond, args)
	}

	// Intrinsic dispatch wins over user-defined lookup (spec §4.A
	// tie-break rule): an intrinsic name always resolves here first.
	if entry, ok := intrinsics.Lookup(name); ok {
		return b.lowerIntrinsicCall(frame, n.Span, entry, args)
	}

	return b.lowerUserCall(frame, n.Span, name, args)
}

func (b *Builder) lowerDefine(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) != 2 {
		return 0, ir.RegType{}, diag.Arity(span, "define", 2, len(args))
	}
	sym, ok := args[0].(ast.Symbol)
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "define", "first argument must be a name")
	}
	v, rt, err := b.lowerExpr(frame, args[1])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	frame.Bind(sym.Name, v, rt)
	return v, rt, nil
}

// lowerSet implements `set! name expr`: requires a prior `define`, and
// emits a real Move into the existing VReg rather than rebinding the name
// to a fresh one — loop mutation observed by later iterations depends on
// this (spec §4.B).
func (b *Builder) lowerSet(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) != 2 {
		return 0, ir.RegType{}, diag.Arity(span, "set!", 2, len(args))
	}
	sym, ok := args[0].(ast.Symbol)
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "set!", "first argument must be a name")
	}
	existing, rt, ok := frame.Lookup(sym.Name)
	if !ok {
		return 0, ir.RegType{}, diag.UnboundSymbol(span, sym.Name)
	}
	v, _, err := b.lowerExpr(frame, args[1])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	frame.Emit(ir.Move(existing, v))
	return existing, rt, nil
}

// lowerCond lowers a boolean condition so that control jumps to falseLabel
// when it is false (zero). Comparison operators are special-cased into a
// single JumpIf on their operands; anything else is evaluated to a value
// and compared against zero, matching the representation account-is-signer/
// account-is-writable already use (spec §8 S5).
func (b *Builder) lowerCond(frame *ir.Frame, n ast.Node, falseLabel ir.Label) error {
	if list, ok := n.(ast.List); ok {
		if name, ok := ast.HeadSymbol(list); ok {
			if cond, ok := compareOps[name]; ok {
				args := list.Args()
				if len(args) != 2 {
					return diag.Arity(list.Span, name, 2, len(args))
				}
				a, _, err := b.lowerExpr(frame, args[0])
				if err != nil {
					return err
				}
				c, _, err := b.lowerExpr(frame, args[1])
				if err != nil {
					return err
				}
				frame.Emit(ir.JumpIf(cond.Negate(), a, c, falseLabel))
				return nil
			}
		}
	}
	v, _, err := b.lowerExpr(frame, n)
	if err != nil {
		return err
	}
	zero := frame.NewVReg()
	frame.Emit(ir.ConstI64(zero, 0))
	frame.Emit(ir.JumpIf(ir.CondEq, v, zero, falseLabel))
	return nil
}

// lowerCompareValue lowers a comparison appearing outside a condition
// position (e.g. bound by `define`) into a materialised 0/1 value, using
// the same both-arms-produce-a-value pattern spec §4.B prescribes for `if`.
func (b *Builder) lowerCompareValue(frame *ir.Frame, span ast.Span, cond ir.Cond, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) != 2 {
		return 0, ir.RegType{}, diag.Arity(span, "comparison", 2, len(args))
	}
	a, _, err := b.lowerExpr(frame, args[0])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	c, _, err := b.lowerExpr(frame, args[1])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	falseLabel := frame.NewLabel()
	endLabel := frame.NewLabel()
	dst := frame.NewVReg()
	frame.Emit(ir.JumpIf(cond.Negate(), a, c, falseLabel))
	frame.Emit(ir.ConstI64(dst, 1))
	frame.Emit(ir.Jump(endLabel))
	frame.Emit(ir.LabelInstr(falseLabel))
	frame.Emit(ir.ConstI64(dst, 0))
	frame.Emit(ir.LabelInstr(endLabel))
	return dst, ir.BoolType(), nil
}

// lowerIf implements spec §4.B: cond lowered and compared, then-branch,
// jump to end, else-label, else-branch, end-label. Both arms must produce a
// value; a fresh VReg is allocated and both arms Move into it.
func (b *Builder) lowerIf(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) != 3 {
		return 0, ir.RegType{}, diag.Arity(span, "if", 3, len(args))
	}
	elseLabel := frame.NewLabel()
	endLabel := frame.NewLabel()
	if err := b.lowerCond(frame, args[0], elseLabel); err != nil {
		return 0, ir.RegType{}, err
	}

	result := frame.NewVReg()
	thenVal, thenType, err := b.lowerExpr(frame, args[1])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	frame.Emit(ir.Move(result, thenVal))
	frame.Emit(ir.Jump(endLabel))

	frame.Emit(ir.LabelInstr(elseLabel))
	elseVal, _, err := b.lowerExpr(frame, args[2])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	frame.Emit(ir.Move(result, elseVal))
	frame.Emit(ir.LabelInstr(endLabel))

	return result, thenType, nil
}

// lowerWhile implements spec §4.B: Label(head); cond; JumpIf(EQ, c, 0,
// exit); body; Jump(head); Label(exit). break/continue resolve against the
// frame's loop label stack.
func (b *Builder) lowerWhile(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) < 2 {
		return 0, ir.RegType{}, diag.Arity(span, "while", 2, len(args))
	}
	head := frame.NewLabel()
	exit := frame.NewLabel()
	frame.Emit(ir.LabelInstr(head))
	if err := b.lowerCond(frame, args[0], exit); err != nil {
		return 0, ir.RegType{}, err
	}

	frame.PushLoop(head, exit)
	frame.PushScope()
	for _, stmt := range args[1:] {
		if _, _, err := b.lowerExpr(frame, stmt); err != nil {
			frame.PopScope()
			frame.PopLoop()
			return 0, ir.RegType{}, err
		}
	}
	frame.PopScope()
	frame.PopLoop()

	frame.Emit(ir.Jump(head))
	frame.Emit(ir.LabelInstr(exit))

	zero := frame.NewVReg()
	frame.Emit(ir.ConstI64(zero, 0))
	return zero, ir.ValueType(8, true), nil
}

// lowerFor desugars `(for (var seq) body...)` over a fixed-size array
// literal into an index-bounded while, with no iterator protocol at the
// bytecode level (spec §4.B).
func (b *Builder) lowerFor(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) < 2 {
		return 0, ir.RegType{}, diag.Arity(span, "for", 2, len(args))
	}
	binding, ok := args[0].(ast.List)
	if !ok || len(binding.Elements) != 2 {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "for", "expected (var seq) binding form")
	}
	varSym, ok := binding.Elements[0].(ast.Symbol)
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "for", "loop variable must be a name")
	}
	seq, ok := binding.Elements[1].(ast.List)
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "for", "sequence must be a literal array/range form")
	}
	elemName, _ := ast.HeadSymbol(seq)
	if elemName != "array" && elemName != "range" {
		return 0, ir.RegType{}, diag.NotImplemented(span, "for over non-literal sequence")
	}

	frame.PushScope()
	defer frame.PopScope()

	idx := frame.NewVReg()
	frame.Emit(ir.ConstI64(idx, 0))

	var count int64
	var elems []ast.Node
	if elemName == "array" {
		elems = seq.Args()
		count = int64(len(elems))
	} else { // range: (range n)
		rangeArgs := seq.Args()
		if len(rangeArgs) != 1 {
			return 0, ir.RegType{}, diag.Arity(span, "range", 1, len(rangeArgs))
		}
		lit, ok := rangeArgs[0].(ast.IntLit)
		if !ok {
			return 0, ir.RegType{}, diag.IntrinsicArg(span, "range", "bound must be a literal integer")
		}
		count = lit.Value
	}

	limit := frame.NewVReg()
	frame.Emit(ir.ConstI64(limit, count))

	head := frame.NewLabel()
	exit := frame.NewLabel()
	frame.Emit(ir.LabelInstr(head))
	frame.Emit(ir.JumpIf(ir.CondGe, idx, limit, exit))

	frame.PushLoop(head, exit)
	frame.PushScope()
	frame.Bind(varSym.Name, idx, ir.ValueType(8, true))
	for _, stmt := range args[1:] {
		if _, _, err := b.lowerExpr(frame, stmt); err != nil {
			frame.PopScope()
			frame.PopLoop()
			return 0, ir.RegType{}, err
		}
	}
	frame.PopScope()
	frame.PopLoop()

	one := frame.NewVReg()
	frame.Emit(ir.ConstI64(one, 1))
	frame.Emit(ir.BinOp(ir.OpAdd, idx, idx, one))
	frame.Emit(ir.Jump(head))
	frame.Emit(ir.LabelInstr(exit))

	zero := frame.NewVReg()
	frame.Emit(ir.ConstI64(zero, 0))
	return zero, ir.ValueType(8, true), nil
}

func (b *Builder) lowerSeq(frame *ir.Frame, span ast.Span, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) == 0 {
		zero := frame.NewVReg()
		frame.Emit(ir.ConstI64(zero, 0))
		return zero, ir.ValueType(8, true), nil
	}
	frame.PushScope()
	defer frame.PopScope()
	var v ir.VReg
	var rt ir.RegType
	for _, n := range args {
		var err error
		v, rt, err = b.lowerExpr(frame, n)
		if err != nil {
			return 0, ir.RegType{}, err
		}
	}
	return v, rt, nil
}

func (b *Builder) lowerBreak(frame *ir.Frame, span ast.Span) (ir.VReg, ir.RegType, error) {
	_, exit, ok := frame.CurrentLoop()
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "break", "not inside a loop")
	}
	frame.Emit(ir.Jump(exit))
	return 0, ir.RegType{}, nil
}

func (b *Builder) lowerContinue(frame *ir.Frame, span ast.Span) (ir.VReg, ir.RegType, error) {
	head, _, ok := frame.CurrentLoop()
	if !ok {
		return 0, ir.RegType{}, diag.IntrinsicArg(span, "continue", "not inside a loop")
	}
	frame.Emit(ir.Jump(head))
	return 0, ir.RegType{}, nil
}

func (b *Builder) lowerBinary(frame *ir.Frame, span ast.Span, op ir.Op, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if len(args) != 2 {
		return 0, ir.RegType{}, diag.Arity(span, op.String(), 2, len(args))
	}
	a, _, err := b.lowerExpr(frame, args[0])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	c, _, err := b.lowerExpr(frame, args[1])
	if err != nil {
		return 0, ir.RegType{}, err
	}
	dst := frame.NewVReg()
	idx := frame.Emit(ir.BinOp(op, dst, a, c))
	rt := ir.ValueType(8, true)
	frame.Instrs[idx].ResultType = rt
	return dst, rt, nil
}

func (b *Builder) lowerIntrinsicCall(frame *ir.Frame, span ast.Span, entry intrinsics.Entry, args []ast.Node) (ir.VReg, ir.RegType, error) {
	if entry.Arity >= 0 && len(args) != entry.Arity {
		return 0, ir.RegType{}, diag.Arity(span, entry.Name, entry.Arity, len(args))
	}
	lowered, err := b.lowerIntrinsicArgs(frame, args)
	if err != nil {
		return 0, ir.RegType{}, err
	}
	res, err := entry.Handler(b.Ctx, frame, span, lowered)
	if err != nil {
		return 0, ir.RegType{}, err
	}
	if !res.HasValue {
		zero := frame.NewVReg()
		frame.Emit(ir.ConstI64(zero, 0))
		return zero, ir.ValueType(8, true), nil
	}
	return res.VReg, res.Type, nil
}

// lowerIntrinsicArgs lowers each argument, additionally capturing literal
// int/string values so handlers that require a compile-time constant
// (account index, mem-load/mem-store offset, PDA seeds) can check for one.
// A string literal argument is not lowered: it carries only its value, and
// its VReg is left zero.
func (b *Builder) lowerIntrinsicArgs(frame *ir.Frame, args []ast.Node) ([]intrinsics.Arg, error) {
	out := make([]intrinsics.Arg, len(args))
	for i, n := range args {
		switch lit := n.(type) {
		case ast.IntLit:
			out[i] = intrinsics.Arg{IsIntLiteral: true, IntValue: lit.Value, Type: ir.ValueType(8, true)}
			v, _, err := b.lowerExpr(frame, n)
			if err != nil {
				return nil, err
			}
			out[i].VReg = v
		case ast.StringLit:
			out[i] = intrinsics.Arg{IsStringLiteral: true, StringValue: lit.Value, Type: ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}}
		default:
			v, rt, err := b.lowerExpr(frame, n)
			if err != nil {
				return nil, err
			}
			out[i] = intrinsics.Arg{VReg: v, Type: rt}
		}
	}
	return out, nil
}

// lowerUserCall lowers a direct call to a user-defined function (spec
// §4.B): arguments are lowered left to right and placed as Call args;
// excess arguments raise ArityError (BPF has no variadic calling
// convention).
func (b *Builder) lowerUserCall(frame *ir.Frame, span ast.Span, name string, args []ast.Node) (ir.VReg, ir.RegType, error) {
	callee := b.Module.FindFunction(name)
	if callee == nil {
		return 0, ir.RegType{}, diag.UnboundSymbol(span, name)
	}
	if len(args) > 5 {
		return 0, ir.RegType{}, diag.Arity(span, name, 5, len(args))
	}
	argRegs := make([]ir.VReg, len(args))
	for i, a := range args {
		v, _, err := b.lowerExpr(frame, a)
		if err != nil {
			return 0, ir.RegType{}, err
		}
		argRegs[i] = v
	}
	dst := frame.NewVReg()
	frame.Emit(ir.Call(dst, true, name, argRegs))
	return dst, ir.ValueType(8, true), nil
}
