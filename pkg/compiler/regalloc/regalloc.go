// Package regalloc implements the linear-scan register allocator (spec
// §4.E): VReg live-interval computation, physical register assignment
// honoring the sBPF calling convention, and stack-slot spilling when
// physical registers run out.
package regalloc

import (
	"sort"

	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
)

// PhysReg is a physical sBPF register number, 0..10.
type PhysReg int

const (
	R0  PhysReg = 0 // return / scratch
	R1  PhysReg = 1
	R2  PhysReg = 2
	R3  PhysReg = 3
	R4  PhysReg = 4
	R5  PhysReg = 5 // R1..R5: caller-save argument registers
	R6  PhysReg = 6 // reserved: input/accounts-base pointer
	R7  PhysReg = 7 // reserved: instruction-data pointer
	R8  PhysReg = 8
	R9  PhysReg = 9  // R8..R9: callee-save
	R10 PhysReg = 10 // read-only frame pointer, never general-allocatable
)

// R5 is deliberately excluded from the caller-save pool: the encoder
// reserves R0 and R5 as its own spill-fill scratch registers (spec §4.F
// leaves scratch-register policy to the allocator/encoder pairing; without
// a reserved pair, materialising two simultaneously-spilled operands for a
// single comparison or ALU instruction would have nowhere safe to land).
var callerSavePool = []PhysReg{R1, R2, R3, R4}
var calleeSavePool = []PhysReg{R8, R9}

// longLivedThreshold: intervals spanning more instructions than this prefer
// a callee-save register (spec §4.E: "preferring callee-save for
// long-lived intervals and caller-save for short-lived").
const longLivedThreshold = 8

// spillSlotBytes is the width of every spill slot; every VReg this
// compiler produces is at most 8 bytes wide (spec §3 VReg contract).
const spillSlotBytes = 8

// maxStackBytes mirrors sbpf.StackFrameSize; duplicated here (rather than
// imported) to keep regalloc free of a dependency on the encoder-facing
// sbpf package, which it has no other reason to import.
const maxStackBytes = 4096

// Interval is one VReg's live range, expressed as instruction indices
// within Frame.Instrs: [Start, End], both inclusive, Start is the defining
// instruction's index.
type Interval struct {
	VReg  ir.VReg
	Start int
	End   int
}

// CallSiteSpill records that VReg v, live across call-site instruction
// index CallIndex, must be stored to StackOffset before the call and
// reloaded after it, because its assigned physical register is caller-save
// and therefore clobbered by every CALL (spec §4.E).
type CallSiteSpill struct {
	CallIndex   int
	VReg        ir.VReg
	Reg         PhysReg
	StackOffset int64
}

// Allocation is the regalloc pass's output, consumed by the instruction
// selector/encoder (spec §4.F).
type Allocation struct {
	// Reg holds the physical register assigned to every non-spilled VReg
	// for its entire lifetime.
	Reg map[ir.VReg]PhysReg

	// Spilled holds VRegs that never hold a physical register and instead
	// live permanently at a stack offset (assigned when the physical
	// register pool is exhausted).
	Spilled map[ir.VReg]int64

	// CallSiteSpills lists the caller-save saves/restores the encoder must
	// emit around each CallSyscall/Call instruction.
	CallSiteSpills []CallSiteSpill

	// StackBytes is the total spill-slot space (bytes) the function's
	// prologue must reserve via FrameAlloc.
	StackBytes int
}

// Allocate runs linear-scan register allocation over frame. accountsBase
// and instructionData, if non-nil, are VRegs the builder bound to R6/R7 for
// the lifetime of the entry frame (spec §4.D: the input pointer and
// instruction-data pointer); they are pre-assigned and excluded from the
// general pool for the whole function, not just their own live range,
// since any later reuse of R6/R7 for an unrelated value would resurrect
// the "register clobbering" bug class spec §4.E calls out by name.
func Allocate(frame *ir.Frame, accountsBase, instructionData *ir.VReg) (*Allocation, error) {
	intervals := computeIntervals(frame)
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].Start < intervals[j].Start })

	alloc := &Allocation{Reg: make(map[ir.VReg]PhysReg), Spilled: make(map[ir.VReg]int64)}

	reserved := map[ir.VReg]PhysReg{}
	if accountsBase != nil {
		reserved[*accountsBase] = R6
		alloc.Reg[*accountsBase] = R6
	}
	if instructionData != nil {
		reserved[*instructionData] = R7
		alloc.Reg[*instructionData] = R7
	}

	free := make(map[PhysReg]bool)
	for _, r := range callerSavePool {
		free[r] = true
	}
	for _, r := range calleeSavePool {
		free[r] = true
	}

	type active struct {
		interval Interval
		reg      PhysReg
	}
	var activeList []active
	nextSpillOffset := int64(0)

	expire := func(start int) {
		kept := activeList[:0]
		for _, a := range activeList {
			if a.interval.End < start {
				free[a.reg] = true
			} else {
				kept = append(kept, a)
			}
		}
		activeList = kept
	}

	pickFree := func(longLived bool) (PhysReg, bool) {
		pool := callerSavePool
		if longLived {
			pool = calleeSavePool
		}
		for _, r := range pool {
			if free[r] {
				return r, true
			}
		}
		// Fall back to the other pool if the preferred one is exhausted.
		otherPool := callerSavePool
		if !longLived {
			otherPool = calleeSavePool
		}
		for _, r := range otherPool {
			if free[r] {
				return r, true
			}
		}
		return 0, false
	}

	for _, iv := range intervals {
		if _, ok := reserved[iv.VReg]; ok {
			continue
		}
		expire(iv.Start)

		longLived := iv.End-iv.Start > longLivedThreshold
		reg, ok := pickFree(longLived)
		if !ok {
			if nextSpillOffset+spillSlotBytes > maxStackBytes {
				return nil, diag.TooManyLiveValues(frame.Name, len(intervals))
			}
			nextSpillOffset += spillSlotBytes
			alloc.Spilled[iv.VReg] = -nextSpillOffset
			continue
		}
		free[reg] = false
		alloc.Reg[iv.VReg] = reg
		activeList = append(activeList, active{interval: iv, reg: reg})
	}
	alloc.StackBytes = int(nextSpillOffset)

	alloc.CallSiteSpills = computeCallSiteSpills(frame, alloc, intervals, &nextSpillOffset)
	alloc.StackBytes = int(nextSpillOffset)
	if alloc.StackBytes > maxStackBytes {
		return nil, diag.TooManyLiveValues(frame.Name, len(intervals))
	}

	return alloc, nil
}

// computeCallSiteSpills finds every CallSyscall/Call site where a VReg
// holding a caller-save register is still live afterward, and assigns it a
// dedicated stack slot for the encoder to save/restore around the call.
func computeCallSiteSpills(frame *ir.Frame, alloc *Allocation, intervals []Interval, nextSpillOffset *int64) []CallSiteSpill {
	intervalOf := make(map[ir.VReg]Interval, len(intervals))
	for _, iv := range intervals {
		intervalOf[iv.VReg] = iv
	}
	isCallerSave := func(r PhysReg) bool {
		for _, c := range callerSavePool {
			if c == r {
				return true
			}
		}
		return false
	}

	var spills []CallSiteSpill
	slotFor := make(map[ir.VReg]int64)
	for i, in := range frame.Instrs {
		if in.Op != ir.OpCallSyscall && in.Op != ir.OpCall {
			continue
		}
		for vreg, reg := range alloc.Reg {
			if !isCallerSave(reg) {
				continue
			}
			iv, ok := intervalOf[vreg]
			if !ok || iv.Start >= i || iv.End <= i {
				continue // not live across this call site
			}
			off, ok := slotFor[vreg]
			if !ok {
				*nextSpillOffset += spillSlotBytes
				off = -*nextSpillOffset
				slotFor[vreg] = off
			}
			spills = append(spills, CallSiteSpill{CallIndex: i, VReg: vreg, Reg: reg, StackOffset: off})
		}
	}
	sort.Slice(spills, func(i, j int) bool {
		if spills[i].CallIndex != spills[j].CallIndex {
			return spills[i].CallIndex < spills[j].CallIndex
		}
		return spills[i].VReg < spills[j].VReg
	})
	return spills
}

// computeIntervals derives each VReg's [def-index, last-use-index] by a
// forward definition scan plus a backward last-use scan over the linear
// IR (spec §4.E: "Compute live intervals by a backward pass").
func computeIntervals(frame *ir.Frame) []Interval {
	def := make(map[ir.VReg]int)
	for i, in := range frame.Instrs {
		if in.HasDst {
			if _, ok := def[in.Dst]; !ok {
				def[in.Dst] = i
			}
		}
	}

	lastUse := make(map[ir.VReg]int)
	for i := len(frame.Instrs) - 1; i >= 0; i-- {
		in := frame.Instrs[i]
		for _, v := range uses(in) {
			if _, ok := lastUse[v]; !ok {
				lastUse[v] = i
			}
		}
	}

	intervals := make([]Interval, 0, len(def))
	for v, start := range def {
		end := start
		if u, ok := lastUse[v]; ok && u > end {
			end = u
		}
		intervals = append(intervals, Interval{VReg: v, Start: start, End: end})
	}
	return intervals
}

func uses(in ir.Instr) []ir.VReg {
	var out []ir.VReg
	switch in.Op {
	case ir.OpMove:
		out = append(out, in.A)
	case ir.OpJumpIf:
		out = append(out, in.A, in.B)
	case ir.OpLoad:
		out = append(out, in.Base)
	case ir.OpStore:
		out = append(out, in.Base)
		if !in.StoreImm {
			out = append(out, in.StoreSrc)
		}
	case ir.OpReturn:
		out = append(out, in.A)
	case ir.OpCallSyscall, ir.OpCall:
		out = append(out, in.Args...)
	default:
		if in.Op.IsBinaryALU() {
			out = append(out, in.A)
			if !in.BIsImm {
				out = append(out, in.B)
			}
		}
	}
	return out
}
