// Package verify implements the static verifier (spec §4.G): a pass over
// the fully encoded word stream that rejects anything the Solana runtime's
// own loader would reject, plus a few defensive checks on invariants the
// earlier passes are supposed to already guarantee. It runs after codegen
// and before the ELF writer, and never disassembles — it walks
// codegen.Program directly.
package verify

import (
	"fmt"

	"github.com/fortiblox/solisp/pkg/compiler/codegen"
	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
)

// Verify runs every static check spec §4.G requires over prog. It returns
// the first violation found, carrying the offending word index.
func Verify(prog *codegen.Program) error {
	if err := verifyInstructions(prog); err != nil {
		return err
	}
	if err := verifyFunctionsTerminate(prog); err != nil {
		return err
	}
	if err := verifyStackDepth(prog); err != nil {
		return err
	}
	if err := verifyCallDepth(prog); err != nil {
		return err
	}
	return nil
}

// verifyInstructions walks the word stream once, checking register ranges,
// LDDW pairing, and branch-target bounds instruction by instruction.
func verifyInstructions(prog *codegen.Program) error {
	words := prog.Words
	n := len(words)

	directCallTarget := make(map[int]string, len(prog.DirectCalls))
	for _, dc := range prog.DirectCalls {
		directCallTarget[dc.WordIdx] = dc.Callee
	}

	for i := 0; i < n; i++ {
		in := sbpf.Instruction(words[i])
		op := in.Op()

		if op == sbpf.OpLddw {
			if i+1 >= n {
				return diag.Verifier(i, "LDDW is missing its second instruction slot")
			}
			if sbpf.Instruction(words[i+1]).Op() != 0x00 {
				return diag.Verifier(i, "LDDW second slot must carry opcode 0x00")
			}
			i++ // consume the second slot; it is not itself a valid instruction
			continue
		}

		if in.Dst() > 10 {
			return diag.Verifier(i, fmt.Sprintf("destination register %d out of range 0..10", in.Dst()))
		}
		if in.Src() > 10 {
			return diag.Verifier(i, fmt.Sprintf("source register %d out of range 0..10", in.Src()))
		}

		class := op & 0x07
		writesDst := class == sbpf.ClassAlu64 || class == sbpf.ClassAlu || class == sbpf.ClassLdx
		if writesDst && in.Dst() == 10 {
			return diag.Verifier(i, "r10 is the read-only frame pointer and can never be a destination")
		}

		if op == sbpf.OpCall || op == sbpf.OpExit {
			if op == sbpf.OpCall {
				if callee, ok := directCallTarget[i]; ok {
					target := i + 1 + int(in.Imm())
					if target < 0 || target >= n {
						return diag.Verifier(i, fmt.Sprintf("call to %q resolves outside the instruction stream", callee))
					}
				}
				// Syscall calls (V1 imm=-1, V2 imm=Murmur3 hash) carry no
				// in-stream branch target; nothing further to check here.
			}
			continue
		}

		if sbpf.IsJump(op) {
			target := i + 1 + int(in.Off())
			if target < 0 || target >= n {
				return diag.Verifier(i, fmt.Sprintf("branch target %d out of range [0,%d)", target, n))
			}
		}

		if isDivOrModImm(op) && in.Imm() == 0 {
			return diag.Verifier(i, "division or modulo by a constant zero")
		}
	}
	return nil
}

func isDivOrModImm(op uint8) bool {
	switch op {
	case sbpf.OpDiv64Imm, sbpf.OpMod64Imm, sbpf.OpDiv32Imm, sbpf.OpMod32Imm:
		return true
	default:
		return false
	}
}

// verifyFunctionsTerminate checks that every function's instruction range
// ends in EXIT. The encoder never emits a function body that falls off the
// end any other way (every IR frame ends in Return, lowered straight to
// EXIT), so this is a direct structural check rather than a full
// control-flow reachability analysis.
func verifyFunctionsTerminate(prog *codegen.Program) error {
	ranges := functionRanges(prog)
	for name, r := range ranges {
		if r.end <= r.start {
			return diag.Verifier(r.start, fmt.Sprintf("function %q has an empty body", name))
		}
		last := sbpf.Instruction(prog.Words[r.end-1])
		if last.Op() != sbpf.OpExit {
			return diag.Verifier(r.end-1, fmt.Sprintf("function %q does not end in EXIT", name))
		}
	}
	return nil
}

// verifyStackDepth re-checks the per-function stack bound codegen already
// enforces at encode time (defense in depth: the verifier is the last gate
// before an object leaves the compiler, and should not trust an earlier
// pass's bookkeeping blindly).
func verifyStackDepth(prog *codegen.Program) error {
	for name, bytes := range prog.FrameStackBytes {
		if bytes > sbpf.StackFrameSize {
			return diag.Verifier(prog.FuncWordOffset[name], fmt.Sprintf("function %q reserves %d stack bytes, exceeding the %d-byte frame limit", name, bytes, sbpf.StackFrameSize))
		}
	}
	return nil
}

// verifyCallDepth walks the direct-call graph (user functions calling user
// functions; syscalls never appear here) and rejects any cycle or any path
// longer than sbpf.MaxCallDepth. A cycle always implies unbounded
// recursion, which exceeds the depth limit regardless of where it's cut.
func verifyCallDepth(prog *codegen.Program) error {
	adj := make(map[string][]codegen.DirectCall)
	for _, dc := range prog.DirectCalls {
		adj[dc.Caller] = append(adj[dc.Caller], dc)
	}

	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int)
	height := make(map[string]int) // frames on the longest chain starting at fn, fn included

	var walk func(fn string, depth int) error
	walk = func(fn string, depth int) error {
		if depth > sbpf.MaxCallDepth {
			edges := adj[fn]
			idx := 0
			if len(edges) > 0 {
				idx = edges[0].WordIdx
			}
			return diag.Verifier(idx, fmt.Sprintf("call depth exceeds the %d-frame limit at function %q", sbpf.MaxCallDepth, fn))
		}
		switch state[fn] {
		case inStack:
			return diag.Verifier(prog.FuncWordOffset[fn], fmt.Sprintf("recursive call cycle through function %q", fn))
		case done:
			if depth+height[fn]-1 > sbpf.MaxCallDepth {
				return diag.Verifier(prog.FuncWordOffset[fn], fmt.Sprintf("call depth exceeds the %d-frame limit at function %q", sbpf.MaxCallDepth, fn))
			}
			return nil
		}
		state[fn] = inStack
		h := 1
		for _, dc := range adj[fn] {
			if err := walk(dc.Callee, depth+1); err != nil {
				return err
			}
			if height[dc.Callee]+1 > h {
				h = height[dc.Callee] + 1
			}
		}
		height[fn] = h
		state[fn] = done
		return nil
	}

	for name := range prog.FuncWordOffset {
		if state[name] == done {
			continue
		}
		if err := walk(name, 1); err != nil {
			return err
		}
	}
	return nil
}

type wordRange struct{ start, end int }

// functionRanges derives each function's [start,end) word range from
// FuncWordOffset, sorted by starting offset so every function's end is the
// next function's start (or the end of the stream for the last one).
func functionRanges(prog *codegen.Program) map[string]wordRange {
	type pair struct {
		name string
		off  int
	}
	pairs := make([]pair, 0, len(prog.FuncWordOffset))
	for name, off := range prog.FuncWordOffset {
		pairs = append(pairs, pair{name, off})
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].off < pairs[j-1].off; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	out := make(map[string]wordRange, len(pairs))
	for i, p := range pairs {
		end := len(prog.Words)
		if i+1 < len(pairs) {
			end = pairs[i+1].off
		}
		out[p.name] = wordRange{start: p.off, end: end}
	}
	return out
}
