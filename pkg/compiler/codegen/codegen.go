// Package codegen implements the instruction selector and encoder (spec
// §4.F): it lowers a register-allocated ir.Module into a flat stream of
// sBPF instruction words, resolving branch and call targets in a second
// pass once every label/function position is known.
package codegen

import (
	"fmt"
	"math"

	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/regalloc"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
)

// Version selects the CALL-to-syscall encoding: V1 resolves syscalls by
// dynamic relocation (imm=-1 plus an R_BPF_64_32 entry), V2 bakes the
// Murmur3 hash directly into imm (spec §4.H).
type Version int

const (
	V1 Version = iota
	V2
)

// Relocation is one R_BPF_64_32 entry the ELF writer must emit for V1
// objects: Offset is the byte position, within .text, of the 32-bit imm
// field a loader patches with the resolved syscall address.
type Relocation struct {
	Offset uint64
	Symbol string
}

// Program is the encoder's output: the module's entire instruction stream
// (every function concatenated, entry function first), plus whatever the
// ELF writer and verifier need to place and bound it.
type Program struct {
	Words           []uint64
	Relocations     []Relocation          // empty for V2
	FuncWordOffset  map[string]int        // function name -> word index of its first instruction
	FrameStackBytes map[string]int        // function name -> total stack bytes it reserves (spill slots + call-arg staging)
	DirectCalls     []DirectCall          // every OpCall edge, by function name (not syscalls)
}

// DirectCall is one user-function call edge, recorded by name rather than by
// inspecting encoded CALL imm bytes: V1's syscalls encode imm=-1 and V2's
// bake in a Murmur3 hash, so a CALL word's bit pattern alone can't reliably
// distinguish a direct call from a syscall. The verifier's call-depth check
// (spec §4.G) consumes this list directly instead.
type DirectCall struct {
	Caller  string
	WordIdx int
	Callee  string
}

// scratch register numbers, matching regalloc's reservation: R0 and R5 are
// never assigned to a VReg by the allocator, so the encoder is always free
// to clobber them to fill a spilled operand or stage a call argument.
const (
	scratchA = uint8(regalloc.R0)
	scratchB = uint8(regalloc.R5)
	r10      = uint8(regalloc.R10)
)

// Encode lowers every function in module into one concatenated sBPF
// instruction stream. allocations must contain one *regalloc.Allocation per
// function, keyed by ir.Frame.Name.
func Encode(module *ir.Module, allocations map[string]*regalloc.Allocation, syscalls *syscall.Registry, version Version) (*Program, error) {
	e := &encoder{
		syscalls:        syscalls,
		version:         version,
		funcWordIdx:     make(map[string]int),
		frameStackBytes: make(map[string]int),
	}
	for _, frame := range module.Functions {
		alloc, ok := allocations[frame.Name]
		if !ok {
			return nil, fmt.Errorf("codegen: no register allocation for function %q", frame.Name)
		}
		if err := e.encodeFunction(frame, alloc); err != nil {
			return nil, err
		}
	}
	var directCalls []DirectCall
	for _, pc := range e.pendingCalls {
		target, ok := e.funcWordIdx[pc.callee]
		if !ok {
			return nil, fmt.Errorf("codegen: call to undefined function %q", pc.callee)
		}
		delta := int64(target) - int64(pc.wordIdx+1)
		if delta < math.MinInt32 || delta > math.MaxInt32 {
			return nil, diag.BranchOutOfRange(pc.wordIdx, int(delta))
		}
		e.patchImm(pc.wordIdx, int32(delta))
		directCalls = append(directCalls, DirectCall{Caller: pc.caller, WordIdx: pc.wordIdx, Callee: pc.callee})
	}

	return &Program{
		Words:           e.words,
		Relocations:     e.relocs,
		FuncWordOffset:  e.funcWordIdx,
		FrameStackBytes: e.frameStackBytes,
		DirectCalls:     directCalls,
	}, nil
}

type pendingJump struct {
	wordIdx int
	target  ir.Label
}

type pendingCall struct {
	wordIdx int
	callee  string
	caller  string
}

type encoder struct {
	syscalls *syscall.Registry
	version  Version

	words  []uint64
	relocs []Relocation

	funcWordIdx     map[string]int
	frameStackBytes map[string]int

	// Per-function state, reset at the start of each encodeFunction call.
	alloc            *regalloc.Allocation
	currentFunc      string
	labelWordIdx     map[ir.Label]int
	pendingJumpsCur  []pendingJump
	nextScratchOff   int64

	pendingCalls []pendingCall // cross-function; resolved once, at the very end
}

func (e *encoder) emitWord(w uint64) int {
	e.words = append(e.words, w)
	return len(e.words) - 1
}

func (e *encoder) patchOff(idx int, off int16) {
	w := sbpf.Instruction(e.words[idx])
	e.words[idx] = sbpf.Encode(w.Op(), w.Dst(), w.Src(), off, w.Imm())
}

func (e *encoder) patchImm(idx int, imm int32) {
	w := sbpf.Instruction(e.words[idx])
	e.words[idx] = sbpf.Encode(w.Op(), w.Dst(), w.Src(), w.Off(), imm)
}

// reg returns the physical register currently holding v's value, filling it
// into scratch from its spill slot first if necessary.
func (e *encoder) reg(v ir.VReg, scratch uint8) uint8 {
	if r, ok := e.alloc.Reg[v]; ok {
		return uint8(r)
	}
	off := e.alloc.Spilled[v]
	e.emitWord(sbpf.Encode(sbpf.OpLdxdw, scratch, r10, int16(off), 0))
	return scratch
}

// dest returns the register a result should be computed into (work), plus
// whether it must subsequently be spilled back to the stack via finishDest.
func (e *encoder) dest(v ir.VReg, scratch uint8) (work uint8, spillOff int64, spilled bool) {
	if r, ok := e.alloc.Reg[v]; ok {
		return uint8(r), 0, false
	}
	return scratch, e.alloc.Spilled[v], true
}

func (e *encoder) finishDest(spilled bool, work uint8, off int64) {
	if spilled {
		e.emitWord(sbpf.Encode(sbpf.OpStxdw, r10, work, int16(off), 0))
	}
}

// ensureAddr returns a (baseReg, offset) pair that fits directly into a
// Load/Store instruction's src/off fields, materialising base+offset into
// scratch via MOV+ADD when offset overflows the signed 16-bit off field
// (this happens past roughly account index 3, since AccountRecordSize is
// 10336 bytes — spec §3's offset field is too narrow for higher account
// indices on its own).
func (e *encoder) ensureAddr(baseReg uint8, offset int64, scratch uint8) (uint8, int16) {
	if offset >= math.MinInt16 && offset <= math.MaxInt16 {
		return baseReg, int16(offset)
	}
	if baseReg != scratch {
		e.emitWord(sbpf.Encode(sbpf.OpMov64Reg, scratch, baseReg, 0, 0))
	}
	e.emitWord(sbpf.Encode(sbpf.OpAdd64Imm, scratch, 0, 0, int32(offset)))
	return scratch, 0
}

func (e *encoder) emitLoadImm(reg uint8, v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		e.emitWord(sbpf.Encode(sbpf.OpMov64Imm, reg, 0, 0, int32(v)))
		return
	}
	lo := int32(uint32(v))
	hi := int32(uint32(v >> 32))
	e.emitWord(sbpf.Encode(sbpf.OpLddw, reg, 0, 0, lo))
	e.emitWord(sbpf.Encode(0x00, 0, 0, 0, hi))
}

func (e *encoder) stageSlot() int64 {
	e.nextScratchOff -= 8
	return e.nextScratchOff
}

// stageArgs stores every arg's current value to a scratch stack slot, then
// reloads them in order into R1..R5. Staging through memory rather than
// moving registers directly sidesteps the classic parallel-move clobbering
// problem (arg 2's value might currently live in the very register arg 1
// needs to land in).
func (e *encoder) stageArgs(args []ir.VReg) error {
	argRegs := [5]uint8{uint8(regalloc.R1), uint8(regalloc.R2), uint8(regalloc.R3), uint8(regalloc.R4), uint8(regalloc.R5)}
	if len(args) > len(argRegs) {
		return fmt.Errorf("codegen: call takes %d arguments, sBPF allows at most 5", len(args))
	}
	slots := make([]int64, len(args))
	for i, a := range args {
		v := e.reg(a, scratchA)
		off := e.stageSlot()
		slots[i] = off
		e.emitWord(sbpf.Encode(sbpf.OpStxdw, r10, v, int16(off), 0))
	}
	for i, off := range slots {
		e.emitWord(sbpf.Encode(sbpf.OpLdxdw, argRegs[i], r10, int16(off), 0))
	}
	return nil
}

func (e *encoder) finishCallResult(hasDst bool, dst ir.VReg) {
	if !hasDst {
		return
	}
	work, spillOff, spilled := e.dest(dst, scratchA)
	if work != uint8(regalloc.R0) {
		e.emitWord(sbpf.Encode(sbpf.OpMov64Reg, work, uint8(regalloc.R0), 0, 0))
	}
	e.finishDest(spilled, work, spillOff)
}

func (e *encoder) encodeFunction(frame *ir.Frame, alloc *regalloc.Allocation) error {
	e.alloc = alloc
	e.currentFunc = frame.Name
	e.labelWordIdx = make(map[ir.Label]int)
	e.pendingJumpsCur = nil
	e.nextScratchOff = -int64(alloc.StackBytes)

	e.funcWordIdx[frame.Name] = len(e.words)

	for i, in := range frame.Instrs {
		// Caller-save registers live across this call are saved before it
		// and reloaded after it (alloc.CallSiteSpills).
		var saves []regalloc.CallSiteSpill
		for _, s := range alloc.CallSiteSpills {
			if s.CallIndex == i {
				saves = append(saves, s)
				e.emitWord(sbpf.Encode(sbpf.OpStxdw, r10, uint8(s.Reg), int16(s.StackOffset), 0))
			}
		}
		if err := e.encodeInstr(in); err != nil {
			return err
		}
		for _, s := range saves {
			e.emitWord(sbpf.Encode(sbpf.OpLdxdw, uint8(s.Reg), r10, int16(s.StackOffset), 0))
		}
	}

	for _, pj := range e.pendingJumpsCur {
		target, ok := e.labelWordIdx[pj.target]
		if !ok {
			return fmt.Errorf("codegen: unresolved branch target in function %q", frame.Name)
		}
		delta := target - (pj.wordIdx + 1)
		if delta < math.MinInt16 || delta > math.MaxInt16 {
			return diag.BranchOutOfRange(pj.wordIdx, delta)
		}
		e.patchOff(pj.wordIdx, int16(delta))
	}

	used := int(-e.nextScratchOff)
	e.frameStackBytes[frame.Name] = used
	if used > sbpf.StackFrameSize {
		return diag.TooManyLiveValues(frame.Name, used/8)
	}
	return nil
}

func (e *encoder) encodeInstr(in ir.Instr) error {
	switch in.Op {
	case ir.OpConstI64, ir.OpConstPtr:
		work, off, spilled := e.dest(in.Dst, scratchA)
		e.emitLoadImm(work, in.Imm)
		e.finishDest(spilled, work, off)

	case ir.OpMove:
		aReg := e.reg(in.A, scratchA)
		work, off, spilled := e.dest(in.Dst, scratchA)
		if work != aReg {
			e.emitWord(sbpf.Encode(sbpf.OpMov64Reg, work, aReg, 0, 0))
		}
		e.finishDest(spilled, work, off)

	case ir.OpLoad:
		baseReg := e.reg(in.Base, scratchA)
		addrReg, off16 := e.ensureAddr(baseReg, in.Offset, scratchA)
		work, spillOff, spilled := e.dest(in.Dst, scratchA)
		e.emitWord(sbpf.Encode(loadOpcode(in.Size), work, addrReg, off16, 0))
		e.finishDest(spilled, work, spillOff)

	case ir.OpStore:
		baseReg := e.reg(in.Base, scratchA)
		addrReg, off16 := e.ensureAddr(baseReg, in.Offset, scratchA)
		if in.StoreImm {
			e.emitWord(sbpf.Encode(storeImmOpcode(in.Size), addrReg, 0, off16, int32(in.Imm)))
		} else {
			srcReg := e.reg(in.StoreSrc, scratchB)
			e.emitWord(sbpf.Encode(storeRegOpcode(in.Size), addrReg, srcReg, off16, 0))
		}

	case ir.OpJumpIf:
		aReg := e.reg(in.A, scratchA)
		bReg := e.reg(in.B, scratchB)
		idx := e.emitWord(sbpf.Encode(jumpOpcode(in.Cond), aReg, bReg, 0, 0))
		e.pendingJumpsCur = append(e.pendingJumpsCur, pendingJump{wordIdx: idx, target: in.Target})

	case ir.OpJump:
		idx := e.emitWord(sbpf.Encode(sbpf.OpJa, 0, 0, 0, 0))
		e.pendingJumpsCur = append(e.pendingJumpsCur, pendingJump{wordIdx: idx, target: in.Target})

	case ir.OpCallSyscall:
		if err := e.stageArgs(in.Args); err != nil {
			return err
		}
		var imm int32
		if e.version == V1 {
			imm = -1
		} else {
			imm = int32(e.syscalls.Resolve(in.Name))
		}
		idx := e.emitWord(sbpf.Encode(sbpf.OpCall, 0, 0, 0, imm))
		if e.version == V1 {
			e.relocs = append(e.relocs, Relocation{Offset: uint64(idx)*8 + 4, Symbol: in.Name})
		}
		e.finishCallResult(in.HasDst, in.Dst)

	case ir.OpCall:
		if err := e.stageArgs(in.Args); err != nil {
			return err
		}
		idx := e.emitWord(sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0))
		e.pendingCalls = append(e.pendingCalls, pendingCall{wordIdx: idx, callee: in.Name, caller: e.currentFunc})
		e.finishCallResult(in.HasDst, in.Dst)

	case ir.OpReturn:
		srcReg := e.reg(in.A, scratchA)
		if srcReg != uint8(regalloc.R0) {
			e.emitWord(sbpf.Encode(sbpf.OpMov64Reg, uint8(regalloc.R0), srcReg, 0, 0))
		}
		e.emitWord(sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0))

	case ir.OpLabel:
		e.labelWordIdx[in.Label] = len(e.words)

	case ir.OpFrameAlloc:
		// No bytecode: sBPF has no stack-adjustment instruction. Frame size
		// is a verifier-time bound (spec §4.G), not an encoded operation.

	default:
		if in.Op.IsBinaryALU() {
			return e.encodeALU(in)
		}
		return fmt.Errorf("codegen: unhandled IR op %v", in.Op)
	}
	return nil
}

func (e *encoder) encodeALU(in ir.Instr) error {
	aReg := e.reg(in.A, scratchA)
	work, spillOff, spilled := e.dest(in.Dst, scratchA)
	if work != aReg {
		e.emitWord(sbpf.Encode(sbpf.OpMov64Reg, work, aReg, 0, 0))
	}
	if in.BIsImm {
		if in.Imm >= math.MinInt32 && in.Imm <= math.MaxInt32 {
			e.emitWord(sbpf.Encode(aluImmOpcode(in.Op), work, 0, 0, int32(in.Imm)))
		} else {
			e.emitLoadImm(scratchB, in.Imm)
			e.emitWord(sbpf.Encode(aluRegOpcode(in.Op), work, scratchB, 0, 0))
		}
	} else {
		bReg := e.reg(in.B, scratchB)
		e.emitWord(sbpf.Encode(aluRegOpcode(in.Op), work, bReg, 0, 0))
	}
	e.finishDest(spilled, work, spillOff)
	return nil
}

func loadOpcode(size int) uint8 {
	switch size {
	case 1:
		return sbpf.OpLdxb
	case 2:
		return sbpf.OpLdxh
	case 4:
		return sbpf.OpLdxw
	default:
		return sbpf.OpLdxdw
	}
}

func storeImmOpcode(size int) uint8 {
	switch size {
	case 1:
		return sbpf.OpStb
	case 2:
		return sbpf.OpSth
	case 4:
		return sbpf.OpStw
	default:
		return sbpf.OpStdw
	}
}

func storeRegOpcode(size int) uint8 {
	switch size {
	case 1:
		return sbpf.OpStxb
	case 2:
		return sbpf.OpStxh
	case 4:
		return sbpf.OpStxw
	default:
		return sbpf.OpStxdw
	}
}

func jumpOpcode(cond ir.Cond) uint8 {
	switch cond {
	case ir.CondEq:
		return sbpf.OpJeqReg
	case ir.CondNe:
		return sbpf.OpJneReg
	case ir.CondLt:
		return sbpf.OpJsltReg
	case ir.CondLe:
		return sbpf.OpJsleReg
	case ir.CondGt:
		return sbpf.OpJsgtReg
	default: // ir.CondGe
		return sbpf.OpJsgeReg
	}
}

func aluImmOpcode(op ir.Op) uint8 {
	switch op {
	case ir.OpAdd:
		return sbpf.OpAdd64Imm
	case ir.OpSub:
		return sbpf.OpSub64Imm
	case ir.OpMul:
		return sbpf.OpMul64Imm
	case ir.OpDiv:
		return sbpf.OpDiv64Imm
	case ir.OpMod:
		return sbpf.OpMod64Imm
	case ir.OpAnd:
		return sbpf.OpAnd64Imm
	case ir.OpOr:
		return sbpf.OpOr64Imm
	case ir.OpXor:
		return sbpf.OpXor64Imm
	case ir.OpShl:
		return sbpf.OpLsh64Imm
	case ir.OpShr:
		return sbpf.OpRsh64Imm
	default: // ir.OpSar
		return sbpf.OpArsh64Imm
	}
}

func aluRegOpcode(op ir.Op) uint8 {
	switch op {
	case ir.OpAdd:
		return sbpf.OpAdd64Reg
	case ir.OpSub:
		return sbpf.OpSub64Reg
	case ir.OpMul:
		return sbpf.OpMul64Reg
	case ir.OpDiv:
		return sbpf.OpDiv64Reg
	case ir.OpMod:
		return sbpf.OpMod64Reg
	case ir.OpAnd:
		return sbpf.OpAnd64Reg
	case ir.OpOr:
		return sbpf.OpOr64Reg
	case ir.OpXor:
		return sbpf.OpXor64Reg
	case ir.OpShl:
		return sbpf.OpLsh64Reg
	case ir.OpShr:
		return sbpf.OpRsh64Reg
	default: // ir.OpSar
		return sbpf.OpArsh64Reg
	}
}
