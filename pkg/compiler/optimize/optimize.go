// Package optimize implements the light IR optimiser (spec §4.D): constant
// folding, dead-block elimination, and single-basic-block copy propagation.
// It deliberately does not perform CSE, loop-invariant code motion, or
// strength reduction — predictable compute-unit cost matters more here than
// aggressive optimisation.
package optimize

import "github.com/fortiblox/solisp/pkg/compiler/ir"

// Run applies every pass to frame's instruction stream in place, in the
// fixed order constant-fold -> dead-block-eliminate -> copy-propagate
// (each pass benefits from the one before it: folding can make a branch's
// condition constant, which dead-block elimination then acts on).
func Run(frame *ir.Frame) {
	constantFold(frame)
	deadBlockEliminate(frame)
	copyPropagate(frame)
}

// constantFold replaces BinOp(dst, a, b) with ConstI64(dst, f(a,b)) when
// both operands trace to known integer constants. Division/modulo by a
// zero divisor is never folded — it stays a runtime trap (spec §4.D).
func constantFold(frame *ir.Frame) {
	// A VReg defined more than once (set!, a for-loop counter) does not
	// hold one constant value, so only single-definition VRegs are tracked.
	defs := make(map[ir.VReg]int)
	for _, in := range frame.Instrs {
		if in.HasDst {
			defs[in.Dst]++
		}
	}
	known := make(map[ir.VReg]int64)
	for i := range frame.Instrs {
		in := &frame.Instrs[i]
		switch in.Op {
		case ir.OpConstI64:
			if defs[in.Dst] == 1 {
				known[in.Dst] = in.Imm
			}
			continue
		}
		if !in.Op.IsBinaryALU() {
			continue
		}
		a, aok := known[in.A]
		var c int64
		cok := false
		if in.BIsImm {
			c, cok = in.Imm, true
		} else {
			c, cok = known[in.B]
		}
		if !aok || !cok {
			continue
		}
		if (in.Op == ir.OpDiv || in.Op == ir.OpMod) && c == 0 {
			continue
		}
		folded, ok := fold(in.Op, a, c)
		if !ok {
			continue
		}
		dst := in.Dst
		rt := in.ResultType
		*in = ir.ConstI64(dst, folded)
		in.ResultType = rt
		if defs[dst] == 1 {
			known[dst] = folded
		}
	}
}

func fold(op ir.Op, a, b int64) (int64, bool) {
	switch op {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpDiv:
		return a / b, true
	case ir.OpMod:
		return a % b, true
	case ir.OpAnd:
		return a & b, true
	case ir.OpOr:
		return a | b, true
	case ir.OpXor:
		return a ^ b, true
	case ir.OpShl:
		return a << uint64(b), true
	case ir.OpShr:
		return int64(uint64(a) >> uint64(b)), true
	case ir.OpSar:
		return a >> uint64(b), true
	default:
		return 0, false
	}
}

// deadBlockEliminate removes any instruction unreachable from the frame's
// entry by straight-line/branch control flow, and drops labels referenced
// only by the instructions it removed.
func deadBlockEliminate(frame *ir.Frame) {
	n := len(frame.Instrs)
	if n == 0 {
		return
	}
	labelIndex := make(map[ir.Label]int)
	for i, in := range frame.Instrs {
		if in.Op == ir.OpLabel {
			labelIndex[in.Label] = i
		}
	}

	reachable := make([]bool, n)
	var walk func(i int)
	walk = func(i int) {
		if i < 0 || i >= n || reachable[i] {
			return
		}
		reachable[i] = true
		in := frame.Instrs[i]
		switch in.Op {
		case ir.OpJump:
			walk(labelIndex[in.Target])
		case ir.OpJumpIf:
			walk(labelIndex[in.Target])
			walk(i + 1)
		case ir.OpReturn:
			// No fallthrough.
		default:
			walk(i + 1)
		}
	}
	walk(0)

	removedRefs := make(map[ir.Label]bool)
	keptRefs := make(map[ir.Label]bool)
	for i, in := range frame.Instrs {
		if in.Op == ir.OpJump || in.Op == ir.OpJumpIf {
			if reachable[i] {
				keptRefs[in.Target] = true
			} else {
				removedRefs[in.Target] = true
			}
		}
	}

	out := frame.Instrs[:0]
	for i, in := range frame.Instrs {
		if !reachable[i] {
			continue
		}
		if in.Op == ir.OpLabel && removedRefs[in.Label] && !keptRefs[in.Label] {
			continue
		}
		out = append(out, in)
	}
	frame.Instrs = out
}

// copyPropagate substitutes b for a wherever a Move(a, b) is followed only
// by reads of a within the same basic block (spec §4.D: "conservative —
// gives up on any cross-block use"). Basic block boundaries fall after any
// branch/return and before any label.
func copyPropagate(frame *ir.Frame) {
	blocks := splitBlocks(frame.Instrs)
	totalUses := countUses(frame.Instrs, 0, len(frame.Instrs))

	for _, blk := range blocks {
		inBlockUses := countUses(frame.Instrs, blk.start, blk.end)
		for i := blk.start; i < blk.end; i++ {
			in := &frame.Instrs[i]
			if in.Op != ir.OpMove {
				continue
			}
			a, b := in.Dst, in.A
			if totalUses[a] != inBlockUses[a] {
				continue // used outside this block; not safe to eliminate
			}
			// Every read of a after the Move is in [i+1, blk.end) and now
			// reads b instead. The Move itself stays in the stream and is
			// still allocated and encoded like any other instruction.
			substitute(frame.Instrs, i+1, blk.end, a, b)
		}
	}
}

type block struct{ start, end int }

func splitBlocks(instrs []ir.Instr) []block {
	var blocks []block
	start := 0
	for i, in := range instrs {
		switch in.Op {
		case ir.OpLabel:
			if i > start {
				blocks = append(blocks, block{start, i})
			}
			start = i
		case ir.OpJump, ir.OpJumpIf, ir.OpReturn:
			blocks = append(blocks, block{start, i + 1})
			start = i + 1
		}
	}
	if start < len(instrs) {
		blocks = append(blocks, block{start, len(instrs)})
	}
	return blocks
}

func countUses(instrs []ir.Instr, from, to int) map[ir.VReg]int {
	counts := make(map[ir.VReg]int)
	use := func(v ir.VReg) { counts[v]++ }
	for i := from; i < to; i++ {
		in := instrs[i]
		switch in.Op {
		case ir.OpMove:
			use(in.A)
		case ir.OpJumpIf:
			use(in.A)
			use(in.B)
		case ir.OpLoad:
			use(in.Base)
		case ir.OpStore:
			use(in.Base)
			if !in.StoreImm {
				use(in.StoreSrc)
			}
		case ir.OpReturn:
			use(in.A)
		case ir.OpCallSyscall, ir.OpCall:
			for _, a := range in.Args {
				use(a)
			}
		default:
			if in.Op.IsBinaryALU() {
				use(in.A)
				if !in.BIsImm {
					use(in.B)
				}
			}
		}
	}
	return counts
}

func substitute(instrs []ir.Instr, from, to int, old, replacement ir.VReg) {
	rewrite := func(v *ir.VReg) {
		if *v == old {
			*v = replacement
		}
	}
	for i := from; i < to; i++ {
		in := &instrs[i]
		switch in.Op {
		case ir.OpMove:
			rewrite(&in.A)
		case ir.OpJumpIf:
			rewrite(&in.A)
			rewrite(&in.B)
		case ir.OpLoad:
			rewrite(&in.Base)
		case ir.OpStore:
			rewrite(&in.Base)
			if !in.StoreImm {
				rewrite(&in.StoreSrc)
			}
		case ir.OpReturn:
			rewrite(&in.A)
		case ir.OpCallSyscall, ir.OpCall:
			for j := range in.Args {
				rewrite(&in.Args[j])
			}
		default:
			if in.Op.IsBinaryALU() {
				rewrite(&in.A)
				if !in.BIsImm {
					rewrite(&in.B)
				}
			}
		}
	}
}
