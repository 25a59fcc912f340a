// Package intrinsics implements the compiler's built-in operator table
// (spec §4.A): the account-access, memory, syscall-wrapper, CPI, and PDA
// forms that lower directly to IR instead of going through user-defined
// call dispatch. Intrinsics always win name resolution over a user
// definition of the same name (spec §4.A tie-break rule).
package intrinsics

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/solisp/pkg/compiler/abi"
	"github.com/fortiblox/solisp/pkg/compiler/ast"
	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/pda"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
)

// Context threads the per-compile state an intrinsic handler needs: the
// syscall registry (so a handler can resolve/record a call site) and the
// module being built (so a handler can intern strings/blobs or define
// helper functions). AccountsBase and InstructionData are bound once, by
// compiler.Compile, to entry-frame VRegs loaded with sbpf.VaddrInput; the
// register allocator pins them to R6/R7 for the whole function.
type Context struct {
	Syscalls        *syscall.Registry
	Module          *ir.Module
	AccountsBase    ir.VReg
	InstructionData ir.VReg
}

// Arg is an already-lowered call argument: its VReg/RegType, plus a
// compile-time literal value when the builder could determine one. Several
// intrinsics (account-lamports, mem-load/mem-store, derive-pda with literal
// seeds) require a literal and raise IntrinsicArgError otherwise.
type Arg struct {
	VReg ir.VReg
	Type ir.RegType

	IsIntLiteral bool
	IntValue     int64

	IsStringLiteral bool
	StringValue     string
}

// Result is what a handler hands back to the builder: the VReg (if any)
// holding the intrinsic's value, and its static type.
type Result struct {
	VReg     ir.VReg
	Type     ir.RegType
	HasValue bool
}

func value(v ir.VReg, rt ir.RegType) (Result, error) {
	return Result{VReg: v, Type: rt, HasValue: true}, nil
}

func noValue() (Result, error) {
	return Result{}, nil
}

// Handler implements one intrinsic. frame is the function currently being
// lowered; span is the call site's source location for error reporting.
type Handler func(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error)

// Entry pairs an intrinsic's name with its handler and expected arity.
// Arity is -1 for variadic forms (sol_log_64_, system-transfer's CPI
// wrappers taking a variable signer-seed list is handled by the seed
// argument itself being a list, not variadic call arguments).
type Entry struct {
	Name   string
	Arity  int
	Handler Handler
}

var table map[string]Entry

func init() {
	table = make(map[string]Entry)
	register := func(e Entry) { table[e.Name] = e }

	// Account field accessors (spec §4.A).
	register(Entry{"account-lamports", 1, accountLamports})
	register(Entry{"account-data-len", 1, accountDataLen})
	register(Entry{"account-data-ptr", 1, accountDataPtr})
	register(Entry{"account-pubkey", 1, accountPubkey})
	register(Entry{"account-owner", 1, accountOwner})
	register(Entry{"account-is-signer", 1, isSigner})
	register(Entry{"account-is-writable", 1, isWritable})
	// SPEC_FULL.md §5.A also lists these under the shorter, unprefixed
	// spelling; kept as aliases so both names resolve to the same handler.
	register(Entry{"is-signer", 1, isSigner})
	register(Entry{"is-writable", 1, isWritable})
	register(Entry{"assert-signer", 1, assertSigner})
	register(Entry{"assert-writable", 1, assertWritable})
	register(Entry{"assert-owner", 2, assertOwner})

	// Raw memory access (SPEC_FULL.md §5.A), literal-offset required so the
	// encoder always has a constant displacement to fold into the Load/
	// Store instruction word. Each width gets its own intrinsic name (the
	// bit width, not byte width, matching source-level naming conventions
	// elsewhere in the table) rather than inferring size from context.
	widths := map[string]int{"8": 1, "16": 2, "32": 4, "64": 8}
	for suffix, sz := range widths {
		register(Entry{"mem-load" + suffix, -1, memLoad(sz)})
		register(Entry{"mem-store" + suffix, -1, memStore(sz)})
	}

	// Logging syscall wrappers, named after the runtime syscalls they wrap
	// directly (spec §4.A: "sol_log_, sol_log_64_, sol_log_pubkey place
	// arguments in R1..R5 then CallSyscall"; spec §8 S1 calls `sol_log_` as
	// source syntax, not a hyphenated alias).
	register(Entry{"sol_log_", 1, solLog})
	register(Entry{"sol_log_64_", -1, solLog64})
	register(Entry{"sol_log_pubkey", 1, solLogPubkey})
	register(Entry{"sol_log_compute_units_", 0, solLogComputeUnits})

	// Cross-program invocation.
	register(Entry{"system-transfer", 3, systemTransfer})
	register(Entry{"spl-token-transfer", 4, splTokenTransfer})

	// Program derived addresses.
	register(Entry{"derive-pda", -1, derivePda})
	register(Entry{"find-pda", -1, findPda})

	// Sysvars.
	register(Entry{"clock-unix-timestamp", 0, clockUnixTimestamp})

	// Errors / assertions.
	register(Entry{"require", 1, requireTrue})

	// Compile-time blake3 folding (SPEC_FULL.md §3 domain-stack wiring).
	register(Entry{"blake3-const", -1, blake3Const})
	register(Entry{"define-account", 1, defineAccount})
}

// Lookup returns the intrinsic registered under name, and ok=false if name
// is not an intrinsic (the builder then falls through to user-defined
// function dispatch).
func Lookup(name string) (Entry, bool) {
	e, ok := table[name]
	return e, ok
}

func addrOf(frame *ir.Frame, base ir.VReg, offset int64, rt ir.RegType) ir.VReg {
	dst := frame.NewVReg()
	frame.Emit(ir.BinOpImm(ir.OpAdd, dst, base, offset))
	frame.Instrs[len(frame.Instrs)-1].ResultType = rt
	return dst
}

func requireLiteralIndex(span ast.Span, intrinsic string, args []Arg, i int) (int64, error) {
	if i >= len(args) || !args[i].IsIntLiteral {
		return 0, diag.IntrinsicArg(span, intrinsic, "account index must be a compile-time integer literal")
	}
	return args[i].IntValue, nil
}

func accountRecordOffset(idx int64, fieldOff int64) int64 {
	return idx*sbpf.AccountRecordSize + fieldOff
}

func accountLamports(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-lamports", args, 0)
	if err != nil {
		return Result{}, err
	}
	dst := frame.NewVReg()
	off := accountRecordOffset(idx, sbpf.AccountOffLamports)
	rt := ir.ValueType(8, false)
	frame.Emit(ir.LoadN(8, dst, ctx.AccountsBase, off, rt))
	return value(dst, rt)
}

func accountDataLen(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-data-len", args, 0)
	if err != nil {
		return Result{}, err
	}
	dst := frame.NewVReg()
	off := accountRecordOffset(idx, sbpf.AccountOffDataLen)
	rt := ir.ValueType(8, false)
	frame.Emit(ir.LoadN(8, dst, ctx.AccountsBase, off, rt))
	return value(dst, rt)
}

func accountDataPtr(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-data-ptr", args, 0)
	if err != nil {
		return Result{}, err
	}
	rt := ir.AccountDataPointer(int(idx), true)
	off := accountRecordOffset(idx, sbpf.AccountOffData)
	return value(addrOf(frame, ctx.AccountsBase, off, rt), rt)
}

func accountPubkey(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-pubkey", args, 0)
	if err != nil {
		return Result{}, err
	}
	rt := ir.AccountFieldPointer(int(idx), ir.Align1)
	off := accountRecordOffset(idx, sbpf.AccountOffPubkey)
	return value(addrOf(frame, ctx.AccountsBase, off, rt), rt)
}

func accountOwner(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-owner", args, 0)
	if err != nil {
		return Result{}, err
	}
	rt := ir.AccountFieldPointer(int(idx), ir.Align1)
	off := accountRecordOffset(idx, sbpf.AccountOffOwner)
	return value(addrOf(frame, ctx.AccountsBase, off, rt), rt)
}

func loadFlagByte(ctx *Context, frame *ir.Frame, idx int64, fieldOff int64) ir.VReg {
	dst := frame.NewVReg()
	off := accountRecordOffset(idx, fieldOff)
	frame.Emit(ir.LoadN(1, dst, ctx.AccountsBase, off, ir.BoolType()))
	return dst
}

func isSigner(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-is-signer", args, 0)
	if err != nil {
		return Result{}, err
	}
	return value(loadFlagByte(ctx, frame, idx, sbpf.AccountOffIsSigner), ir.BoolType())
}

func isWritable(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "account-is-writable", args, 0)
	if err != nil {
		return Result{}, err
	}
	return value(loadFlagByte(ctx, frame, idx, sbpf.AccountOffIsWritable), ir.BoolType())
}

// emitTrapUnless emits: if flag == 0, call sol_panic_. Used by assert-signer/
// assert-writable/assert-owner to turn a missing precondition into an
// immediate program abort rather than undefined downstream behaviour.
func emitTrapUnless(frame *ir.Frame, ctx *Context, flag ir.VReg) {
	zero := frame.NewVReg()
	frame.Emit(ir.ConstI64(zero, 0))
	ok := frame.NewLabel()
	frame.Emit(ir.JumpIf(ir.CondNe, flag, zero, ok))
	ctx.Syscalls.RecordCallSite("sol_panic_", frame.Emit(ir.CallSyscall(0, false, "sol_panic_", nil)))
	frame.Emit(ir.LabelInstr(ok))
}

func assertSigner(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "assert-signer", args, 0)
	if err != nil {
		return Result{}, err
	}
	flag := loadFlagByte(ctx, frame, idx, sbpf.AccountOffIsSigner)
	emitTrapUnless(frame, ctx, flag)
	return noValue()
}

func assertWritable(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "assert-writable", args, 0)
	if err != nil {
		return Result{}, err
	}
	flag := loadFlagByte(ctx, frame, idx, sbpf.AccountOffIsWritable)
	emitTrapUnless(frame, ctx, flag)
	return noValue()
}

// assertOwner compares account idx's 32-byte owner field against a literal
// pubkey argument (or a pointer to a pubkey) via sol_memcmp_, trapping on
// mismatch.
func assertOwner(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx, err := requireLiteralIndex(span, "assert-owner", args, 0)
	if err != nil {
		return Result{}, err
	}
	expected := args[1].VReg
	if args[1].IsStringLiteral {
		pk, err := abi.ParsePubkeyLiteral(args[1].StringValue)
		if err != nil {
			return Result{}, diag.IntrinsicArg(span, "assert-owner", err.Error())
		}
		expected = frame.NewVReg()
		blobOff := ctx.Module.InternBlob(pk.Bytes())
		frame.Emit(ir.ConstPtr(expected, sbpf.VaddrProgram+uint64(blobOff), ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}))
	} else if !args[1].Type.IsPointer() {
		return Result{}, diag.IntrinsicArg(span, "assert-owner", "expected a pubkey pointer as the second argument")
	}
	ownerOff := accountRecordOffset(idx, sbpf.AccountOffOwner)
	ownerPtr := addrOf(frame, ctx.AccountsBase, ownerOff, ir.AccountFieldPointer(int(idx), ir.Align1))

	lenReg := frame.NewVReg()
	frame.Emit(ir.ConstI64(lenReg, 32))
	cmp := frame.NewVReg()
	ctx.Syscalls.RecordCallSite("sol_memcmp_", frame.Emit(ir.CallSyscall(cmp, true, "sol_memcmp_", []ir.VReg{ownerPtr, expected, lenReg})))

	zero := frame.NewVReg()
	frame.Emit(ir.ConstI64(zero, 0))
	ok := frame.NewLabel()
	frame.Emit(ir.JumpIf(ir.CondEq, cmp, zero, ok))
	ctx.Syscalls.RecordCallSite("sol_panic_", frame.Emit(ir.CallSyscall(0, false, "sol_panic_", nil)))
	frame.Emit(ir.LabelInstr(ok))
	return noValue()
}

// memLoad returns a handler for a fixed access width that loads from
// args[0] (a pointer) at the literal byte offset args[1].
func memLoad(size int) Handler {
	return func(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
		if !args[0].Type.IsPointer() {
			return Result{}, diag.IntrinsicArg(span, "mem-load", "first argument must be a pointer")
		}
		if len(args) < 2 || !args[1].IsIntLiteral {
			return Result{}, diag.IntrinsicArg(span, "mem-load", "offset must be a compile-time integer literal")
		}
		if !args[0].Type.CheckAccess(size) {
			return Result{}, diag.IntrinsicArg(span, "mem-load", "access width exceeds the pointer's known alignment")
		}
		dst := frame.NewVReg()
		rt := ir.ValueType(size, false)
		frame.Emit(ir.LoadN(size, dst, args[0].VReg, args[1].IntValue, rt))
		return value(dst, rt)
	}
}

// memStore returns a handler storing args[2] to args[0] (a pointer) at the
// literal byte offset args[1].
func memStore(size int) Handler {
	return func(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
		if !args[0].Type.IsPointer() {
			return Result{}, diag.IntrinsicArg(span, "mem-store", "first argument must be a pointer")
		}
		if len(args) < 3 || !args[1].IsIntLiteral {
			return Result{}, diag.IntrinsicArg(span, "mem-store", "offset must be a compile-time integer literal")
		}
		if !args[0].Type.Writable {
			return Result{}, diag.IntrinsicArg(span, "mem-store", "pointer target is not writable")
		}
		if !args[0].Type.CheckAccess(size) {
			return Result{}, diag.IntrinsicArg(span, "mem-store", "access width exceeds the pointer's known alignment")
		}
		frame.Emit(ir.StoreN(size, args[0].VReg, args[1].IntValue, args[2].VReg))
		return noValue()
	}
}

func internStringArg(ctx *Context, a Arg) (int, int, error) {
	if !a.IsStringLiteral {
		return 0, 0, diag.IntrinsicArg(ast.Span{}, "sol_log_", "expects a string literal")
	}
	off := ctx.Module.InternString(a.StringValue)
	return off, len(a.StringValue), nil
}

func solLog(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	off, n, err := internStringArg(ctx, args[0])
	if err != nil {
		return Result{}, err
	}
	ptr := frame.NewVReg()
	frame.Emit(ir.ConstPtr(ptr, sbpf.VaddrProgram+uint64(off), ir.RegType{Kind: ir.KindPointer, Region: ir.RegionUnknown, Align: ir.Align1}))
	length := frame.NewVReg()
	frame.Emit(ir.ConstI64(length, int64(n)))
	idx := frame.Emit(ir.CallSyscall(0, false, "sol_log_", []ir.VReg{ptr, length}))
	ctx.Syscalls.RecordCallSite("sol_log_", idx)
	return noValue()
}

func solLog64(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if len(args) > 5 {
		return Result{}, diag.Arity(span, "sol_log_64_", 5, len(args))
	}
	regs := make([]ir.VReg, 5)
	for i := 0; i < 5; i++ {
		if i < len(args) {
			regs[i] = args[i].VReg
		} else {
			zero := frame.NewVReg()
			frame.Emit(ir.ConstI64(zero, 0))
			regs[i] = zero
		}
	}
	idx := frame.Emit(ir.CallSyscall(0, false, "sol_log_64_", regs))
	ctx.Syscalls.RecordCallSite("sol_log_64_", idx)
	return noValue()
}

func solLogPubkey(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if !args[0].Type.IsPointer() {
		return Result{}, diag.IntrinsicArg(span, "sol_log_pubkey", "expected a pubkey pointer")
	}
	idx := frame.Emit(ir.CallSyscall(0, false, "sol_log_pubkey", []ir.VReg{args[0].VReg}))
	ctx.Syscalls.RecordCallSite("sol_log_pubkey", idx)
	return noValue()
}

func solLogComputeUnits(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	idx := frame.Emit(ir.CallSyscall(0, false, "sol_log_compute_units_", nil))
	ctx.Syscalls.RecordCallSite("sol_log_compute_units_", idx)
	return noValue()
}

// --- Cross-program invocation -------------------------------------------
//
// Layout grounded on the runtime's sol_invoke_signed_c contract
// (SolInstruction{program_id*8, accounts*8, account_len:8, data*8,
// data_len:8} = 40 bytes, followed by one packed SolAccountMeta{pubkey*8,
// is_writable:1, is_signer:1} = 10 bytes per account). The compiler
// materialises this descriptor at fixed constant offsets from the heap
// base: the header at heap+0, the account metas right after it, then the
// instruction payload. Each CPI handler loads the heap base with its own
// ConstPtr, and that VReg is used only up to the syscall.

const (
	solInstructionSize = 40
	solAccountMetaSize = 10
)

func emitHeapStore(frame *ir.Frame, heapBase ir.VReg, off int64, size int, src ir.VReg) {
	frame.Emit(ir.StoreN(size, heapBase, off, src))
}

func emitHeapStoreImm(frame *ir.Frame, heapBase ir.VReg, off int64, size int, imm int64) {
	frame.Emit(ir.StoreImmN(size, heapBase, off, imm))
}

// systemTransfer lowers (system-transfer from-idx to-idx amount) into a CPI
// to the System Program's Transfer instruction (discriminator 2, spec §4.A
// example).
func systemTransfer(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	fromIdx, err := requireLiteralIndex(span, "system-transfer", args, 0)
	if err != nil {
		return Result{}, err
	}
	toIdx, err := requireLiteralIndex(span, "system-transfer", args, 1)
	if err != nil {
		return Result{}, err
	}
	amount := args[2].VReg

	heapBase := frame.NewVReg()
	frame.Emit(ir.ConstPtr(heapBase, sbpf.VaddrHeap, ir.HeapPointer(true)))

	// Instruction payload: [u32 discriminator=2][u64 amount], at heap+payloadOff.
	const payloadOff = int64(solInstructionSize + 2*solAccountMetaSize)
	emitHeapStoreImm(frame, heapBase, payloadOff, 4, int64(abi.SystemInstructionTransfer))
	emitHeapStore(frame, heapBase, payloadOff+4, 8, amount)

	// Account metas: from (signer, writable), to (not signer, writable).
	fromPubkey := addrOf(frame, ctx.AccountsBase, accountRecordOffset(fromIdx, sbpf.AccountOffPubkey), ir.AccountFieldPointer(int(fromIdx), ir.Align1))
	toPubkey := addrOf(frame, ctx.AccountsBase, accountRecordOffset(toIdx, sbpf.AccountOffPubkey), ir.AccountFieldPointer(int(toIdx), ir.Align1))

	const metasOff = int64(solInstructionSize)
	emitHeapStore(frame, heapBase, metasOff, 8, fromPubkey)
	emitHeapStoreImm(frame, heapBase, metasOff+8, 1, 1) // is_writable
	emitHeapStoreImm(frame, heapBase, metasOff+9, 1, 1) // is_signer
	emitHeapStore(frame, heapBase, metasOff+solAccountMetaSize, 8, toPubkey)
	emitHeapStoreImm(frame, heapBase, metasOff+solAccountMetaSize+8, 1, 1) // is_writable
	emitHeapStoreImm(frame, heapBase, metasOff+solAccountMetaSize+9, 1, 0) // is_signer

	// SolInstruction header at heap+0.
	sysProgram := frame.NewVReg()
	sysBlobOff := ctx.Module.InternBlob(abi.SystemProgram.Bytes())
	frame.Emit(ir.ConstPtr(sysProgram, sbpf.VaddrProgram+uint64(sysBlobOff), ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}))
	emitHeapStore(frame, heapBase, 0, 8, sysProgram)
	accountsPtr := addrOf(frame, heapBase, metasOff, ir.HeapPointer(false))
	emitHeapStore(frame, heapBase, 8, 8, accountsPtr)
	emitHeapStoreImm(frame, heapBase, 16, 8, 2) // account_len
	dataPtr := addrOf(frame, heapBase, payloadOff, ir.HeapPointer(false))
	emitHeapStore(frame, heapBase, 24, 8, dataPtr)
	emitHeapStoreImm(frame, heapBase, 32, 8, 12) // data_len: 4 + 8

	idx := frame.Emit(ir.CallSyscall(0, false, "sol_invoke_signed_c", []ir.VReg{heapBase}))
	ctx.Syscalls.RecordCallSite("sol_invoke_signed_c", idx)
	return noValue()
}

// splTokenTransfer lowers (spl-token-transfer src-idx dst-idx authority-idx
// amount) into a CPI to the SPL Token program's Transfer instruction
// (discriminator 3).
func splTokenTransfer(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	srcIdx, err := requireLiteralIndex(span, "spl-token-transfer", args, 0)
	if err != nil {
		return Result{}, err
	}
	dstIdx, err := requireLiteralIndex(span, "spl-token-transfer", args, 1)
	if err != nil {
		return Result{}, err
	}
	authIdx, err := requireLiteralIndex(span, "spl-token-transfer", args, 2)
	if err != nil {
		return Result{}, err
	}
	amount := args[3].VReg

	heapBase := frame.NewVReg()
	frame.Emit(ir.ConstPtr(heapBase, sbpf.VaddrHeap, ir.HeapPointer(true)))

	const payloadOff = int64(solInstructionSize + 3*solAccountMetaSize)
	emitHeapStoreImm(frame, heapBase, payloadOff, 1, int64(abi.SPLTokenInstructionTransfer))
	emitHeapStore(frame, heapBase, payloadOff+8, 8, amount) // 8-byte aligned amount field follows discriminator+padding

	metas := []struct {
		idx      int64
		writable int64
		signer   int64
	}{
		{srcIdx, 1, 0},
		{dstIdx, 1, 0},
		{authIdx, 0, 1},
	}
	const metasOff = int64(solInstructionSize)
	for i, m := range metas {
		pubkey := addrOf(frame, ctx.AccountsBase, accountRecordOffset(m.idx, sbpf.AccountOffPubkey), ir.AccountFieldPointer(int(m.idx), ir.Align1))
		off := metasOff + int64(i)*solAccountMetaSize
		emitHeapStore(frame, heapBase, off, 8, pubkey)
		emitHeapStoreImm(frame, heapBase, off+8, 1, m.writable)
		emitHeapStoreImm(frame, heapBase, off+9, 1, m.signer)
	}

	tokenProgram := frame.NewVReg()
	blobOff := ctx.Module.InternBlob(abi.SPLTokenProgram.Bytes())
	frame.Emit(ir.ConstPtr(tokenProgram, sbpf.VaddrProgram+uint64(blobOff), ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}))
	emitHeapStore(frame, heapBase, 0, 8, tokenProgram)
	accountsPtr := addrOf(frame, heapBase, metasOff, ir.HeapPointer(false))
	emitHeapStore(frame, heapBase, 8, 8, accountsPtr)
	emitHeapStoreImm(frame, heapBase, 16, 8, int64(len(metas)))
	dataPtr := addrOf(frame, heapBase, payloadOff, ir.HeapPointer(false))
	emitHeapStore(frame, heapBase, 24, 8, dataPtr)
	emitHeapStoreImm(frame, heapBase, 32, 8, 16) // data_len: 1 (+ 7 pad) + 8

	idx := frame.Emit(ir.CallSyscall(0, false, "sol_invoke_signed_c", []ir.VReg{heapBase}))
	ctx.Syscalls.RecordCallSite("sol_invoke_signed_c", idx)
	return noValue()
}

// --- Program derived addresses ------------------------------------------

func literalSeeds(args []Arg) ([][]byte, bool) {
	seeds := make([][]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		if a.IsStringLiteral {
			seeds = append(seeds, []byte(a.StringValue))
			continue
		}
		if a.IsIntLiteral {
			seeds = append(seeds, []byte{byte(a.IntValue)})
			continue
		}
		return nil, false
	}
	return seeds, true
}

// derivePda folds (derive-pda program-id seed...) into a constant address
// when program-id and every seed are compile-time literals (SPEC_FULL.md
// §5.D PDA constant-folding supplement). Any non-literal seed is rejected
// with IntrinsicArgError; no sol_create_program_address call is emitted.
func derivePda(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if len(args) < 2 {
		return Result{}, diag.Arity(span, "derive-pda", 2, len(args))
	}
	if !args[0].IsStringLiteral {
		return Result{}, diag.IntrinsicArg(span, "derive-pda", "program-id must be a literal pubkey string")
	}
	programID, err := abi.ParsePubkeyLiteral(args[0].StringValue)
	if err != nil {
		return Result{}, diag.IntrinsicArg(span, "derive-pda", err.Error())
	}
	seeds, ok := literalSeeds(args)
	if !ok {
		return Result{}, diag.IntrinsicArg(span, "derive-pda", "every seed must be a compile-time literal")
	}
	addr, err := pda.Create(seeds, [32]byte(programID))
	if err != nil {
		return Result{}, diag.IntrinsicArg(span, "derive-pda", err.Error())
	}
	off := ctx.Module.InternBlob(addr[:])
	dst := frame.NewVReg()
	rt := ir.RegType{Kind: ir.KindPointer, Region: ir.RegionUnknown, Align: ir.Align1}
	frame.Emit(ir.ConstPtr(dst, sbpf.VaddrProgram+uint64(off), rt))
	return value(dst, rt)
}

// findPda folds (find-pda program-id seed...) the same way derivePda does,
// but searches bump seeds 255..0 (pda.Find) for an off-curve address. Only
// the address is returned, as one ConstPtr; the bump seed found is not
// returned to the program.
func findPda(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if len(args) < 2 {
		return Result{}, diag.Arity(span, "find-pda", 2, len(args))
	}
	if !args[0].IsStringLiteral {
		return Result{}, diag.IntrinsicArg(span, "find-pda", "program-id must be a literal pubkey string")
	}
	programID, err := abi.ParsePubkeyLiteral(args[0].StringValue)
	if err != nil {
		return Result{}, diag.IntrinsicArg(span, "find-pda", err.Error())
	}
	seeds, ok := literalSeeds(args)
	if !ok {
		return Result{}, diag.IntrinsicArg(span, "find-pda", "find-pda requires literal seeds at compile time")
	}
	addr, _, err := pda.Find(seeds, [32]byte(programID))
	if err != nil {
		return Result{}, diag.IntrinsicArg(span, "find-pda", err.Error())
	}
	off := ctx.Module.InternBlob(addr[:])
	dst := frame.NewVReg()
	rt := ir.RegType{Kind: ir.KindPointer, Region: ir.RegionUnknown, Align: ir.Align1}
	frame.Emit(ir.ConstPtr(dst, sbpf.VaddrProgram+uint64(off), rt))
	return value(dst, rt)
}

// --- Compile-time blake3 folding --------------------------------------------
//
// Grounded on the runtime's own sol_blake3 syscall body
// (pkg/svm/syscall/syscall.go), which hashes caller-supplied slices with
// github.com/zeebo/blake3 at execution time. Here the same library folds a
// literal-only hash at compile time instead, so the result never costs a
// syscall or compute units at run time (SPEC_FULL.md §3 domain-stack wiring).

func literalBytes(args []Arg) ([]byte, bool) {
	var buf []byte
	for _, a := range args {
		switch {
		case a.IsStringLiteral:
			buf = append(buf, a.StringValue...)
		case a.IsIntLiteral:
			buf = append(buf, byte(a.IntValue))
		default:
			return nil, false
		}
	}
	return buf, true
}

// blake3Const lowers (blake3-const literal...) into a pointer to the
// 32-byte blake3 digest of the concatenated literal arguments, folded and
// interned at compile time.
func blake3Const(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if len(args) == 0 {
		return Result{}, diag.Arity(span, "blake3-const", 1, len(args))
	}
	data, ok := literalBytes(args)
	if !ok {
		return Result{}, diag.IntrinsicArg(span, "blake3-const", "every argument must be a compile-time string or integer literal")
	}
	h := blake3.New()
	h.Write(data)
	sum := h.Sum(nil)
	off := ctx.Module.InternBlob(sum)
	dst := frame.NewVReg()
	rt := ir.RegType{Kind: ir.KindPointer, Region: ir.RegionUnknown, Align: ir.Align1}
	frame.Emit(ir.ConstPtr(dst, sbpf.VaddrProgram+uint64(off), rt))
	return value(dst, rt)
}

// defineAccount lowers (define-account "Name") into the 8-byte blake3-derived
// discriminator Anchor-style account tagging uses, embedded directly as a
// ConstI64 rather than a pointer (the discriminator is compared by value,
// never dereferenced).
func defineAccount(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if !args[0].IsStringLiteral {
		return Result{}, diag.IntrinsicArg(span, "define-account", "account name must be a compile-time string literal")
	}
	h := blake3.New()
	h.Write([]byte(args[0].StringValue))
	sum := h.Sum(nil)
	tag := int64(binary.LittleEndian.Uint64(sum[:8]))
	dst := frame.NewVReg()
	frame.Emit(ir.ConstI64(dst, tag))
	return value(dst, ir.ValueType(8, true))
}

// --- Sysvars --------------------------------------------------------------

func clockUnixTimestamp(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	heapBase := frame.NewVReg()
	frame.Emit(ir.ConstPtr(heapBase, sbpf.VaddrHeap, ir.HeapPointer(true)))
	idx := frame.Emit(ir.CallSyscall(0, false, "sol_get_clock_sysvar", []ir.VReg{heapBase}))
	ctx.Syscalls.RecordCallSite("sol_get_clock_sysvar", idx)

	// Clock layout: slot:8, epoch_start_timestamp:8, epoch:8,
	// leader_schedule_epoch:8, unix_timestamp:8 (i64, last field).
	dst := frame.NewVReg()
	rt := ir.ValueType(8, true)
	frame.Emit(ir.LoadN(8, dst, heapBase, 32, rt))
	return value(dst, rt)
}

// --- Errors / assertions ---------------------------------------------------

// requireTrue lowers (require cond) to a trap-unless-nonzero check, the
// bytecode-level equivalent of an Anchor-style require! macro.
func requireTrue(ctx *Context, frame *ir.Frame, span ast.Span, args []Arg) (Result, error) {
	if !args[0].Type.IsValue() && !(args[0].Type.Kind == ir.KindBool) {
		return Result{}, diag.IntrinsicArg(span, "require", "condition must be a value or boolean")
	}
	emitTrapUnless(frame, ctx, args[0].VReg)
	return noValue()
}
