// Package compiler is solisp's top-level entry point (spec §2/§6): it
// threads a parsed program through every backend stage — AST → IR, light
// optimisation, register allocation, instruction selection/encoding,
// static verification, and ELF packaging — and returns the final byte
// vector. The lexer/parser that produces the AST is out of scope (spec
// §1); Compile's input is already-parsed source.
package compiler

import (
	"errors"
	"fmt"

	"github.com/fortiblox/solisp/pkg/compiler/ast"
	"github.com/fortiblox/solisp/pkg/compiler/cache"
	"github.com/fortiblox/solisp/pkg/compiler/codegen"
	"github.com/fortiblox/solisp/pkg/compiler/debugstore"
	"github.com/fortiblox/solisp/pkg/compiler/elf"
	"github.com/fortiblox/solisp/pkg/compiler/intrinsics"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/lower"
	"github.com/fortiblox/solisp/pkg/compiler/optimize"
	"github.com/fortiblox/solisp/pkg/compiler/regalloc"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
	"github.com/fortiblox/solisp/pkg/compiler/verify"
)

// CompileOptions configures one Compile call (spec §6's CompileOptions).
// Cache and DebugStore are both optional; a nil Cache always misses, a nil
// DebugStore skips debug-info/source-map persistence entirely regardless of
// DebugInfo/SourceMap.
type CompileOptions struct {
	// Version selects the V1 dynamic-relocation or V2 static-hash syscall
	// encoding (spec §4.H).
	Version codegen.Version

	// OptLevel is 0 or 1; 1 runs the optimiser pass (spec §4.D) over every
	// function before register allocation.
	OptLevel int

	// ComputeBudget is advisory (spec §6); it is carried straight through
	// to CompileResult.EstimatedCU rather than derived from the encoded
	// instruction stream, matching spec.md's "baked into a header
	// comment/log" wording. Defaults to 200000 when zero.
	ComputeBudget uint32

	// Source is the original program text. It is never parsed here — it is
	// used only to key the compile cache and, if requested, to populate
	// the stored source map.
	Source string

	// Filename labels the source map entry, when SourceMap is set.
	Filename string

	// DebugInfo requests an instruction→function debug table be persisted
	// to DebugStore.
	DebugInfo bool

	// SourceMap requests Source/Filename be persisted to DebugStore.
	SourceMap bool

	Cache      *cache.Cache
	DebugStore *debugstore.Store
}

const defaultComputeBudget = 200_000

// CompileResult is everything a successful Compile call produces (spec §6).
type CompileResult struct {
	// Object is the final ELF64 byte vector.
	Object []byte

	// SBPFInstructionCount is the number of 8-byte instruction words in
	// Object's .text section.
	SBPFInstructionCount int

	// EstimatedCU carries CompileOptions.ComputeBudget through unchanged
	// (spec §6: advisory, not computed from the instruction stream).
	EstimatedCU uint32

	// SyscallNames lists every syscall this program calls, in first-use
	// order.
	SyscallNames []string

	// Warnings is always empty today: no warning-producing analysis pass
	// exists yet (spec §7 names unused-local and constant-condition-branch
	// as warning categories; neither is implemented).
	Warnings []string

	// Digest is the cache/debug-store key this compile was filed under
	// (nil if neither Cache nor a debug artifact was requested).
	Digest []byte

	// CacheHit reports whether Object came from CompileOptions.Cache
	// rather than a fresh run of the pipeline.
	CacheHit bool
}

func versionTag(v codegen.Version) string {
	if v == codegen.V2 {
		return "V2"
	}
	return "V1"
}

// Compile lowers program through every backend stage and returns the final
// ELF object (spec §2: "source text -> ... -> byte vector", minus the
// lexer/parser stage this package doesn't own).
func Compile(program []ast.Node, opts CompileOptions) (*CompileResult, error) {
	var digest []byte
	wantDigest := opts.Cache != nil || opts.DebugStore != nil && (opts.DebugInfo || opts.SourceMap)
	if wantDigest {
		digest = cache.Key(opts.Source, versionTag(opts.Version), opts.DebugInfo, opts.SourceMap)
	}

	budget := opts.ComputeBudget
	if budget == 0 {
		budget = defaultComputeBudget
	}

	// A cache hit returns only the ELF bytes (spec §7's round-trip
	// determinism invariant guarantees they're byte-identical to a fresh
	// compile) plus EstimatedCU, which needs no recomputation. The other
	// CompileResult fields describe the pipeline run that produced the
	// object, not the object itself, and are not reconstructed from cache.
	if opts.Cache != nil {
		if obj, err := opts.Cache.Get(digest); err == nil {
			return &CompileResult{Object: obj, EstimatedCU: budget, Digest: digest, CacheHit: true}, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("compile cache lookup: %w", err)
		}
	}

	module := ir.NewModule("entrypoint")
	entry := module.EntryFrame()

	accountsBase := entry.NewVReg()
	entry.Emit(ir.ConstPtr(accountsBase, sbpf.VaddrInput, ir.RegType{Kind: ir.KindPointer, Region: ir.RegionInputBuffer, Align: ir.Align8}))
	instructionData := entry.NewVReg()
	entry.Emit(ir.ConstPtr(instructionData, sbpf.VaddrInput, ir.InstructionDataPointer()))

	ctx := &intrinsics.Context{
		Syscalls:        syscall.NewRegistry(),
		Module:          module,
		AccountsBase:    accountsBase,
		InstructionData: instructionData,
	}

	builder := lower.NewBuilder(module, ctx)
	if err := builder.BuildEntry(program); err != nil {
		return nil, err
	}

	allocations := make(map[string]*regalloc.Allocation, len(module.Functions))
	for _, fn := range module.Functions {
		if opts.OptLevel >= 1 {
			optimize.Run(fn)
		}

		var ab, id *ir.VReg
		if fn.Name == module.Entry {
			ab, id = &accountsBase, &instructionData
		}
		alloc, err := regalloc.Allocate(fn, ab, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name, err)
		}
		allocations[fn.Name] = alloc
	}

	prog, err := codegen.Encode(module, allocations, ctx.Syscalls, opts.Version)
	if err != nil {
		return nil, err
	}

	if err := verify.Verify(prog); err != nil {
		return nil, err
	}

	obj, err := elf.Write(prog, module, opts.Version)
	if err != nil {
		return nil, err
	}

	if opts.Cache != nil {
		if err := opts.Cache.Put(digest, obj); err != nil {
			return nil, fmt.Errorf("compile cache store: %w", err)
		}
	}
	if opts.DebugStore != nil {
		if opts.DebugInfo {
			if err := opts.DebugStore.PutDebugInfo(digest, buildDebugInfo(prog)); err != nil {
				return nil, fmt.Errorf("debug info store: %w", err)
			}
		}
		if opts.SourceMap {
			sm := &debugstore.SourceMap{Filename: opts.Filename, Source: opts.Source}
			if err := opts.DebugStore.PutSourceMap(digest, sm); err != nil {
				return nil, fmt.Errorf("source map store: %w", err)
			}
		}
	}

	var syscallNames []string
	for _, sc := range ctx.Syscalls.Entries() {
		syscallNames = append(syscallNames, sc.Name)
	}

	return &CompileResult{
		Object:               obj,
		SBPFInstructionCount: len(prog.Words),
		EstimatedCU:          budget,
		SyscallNames:         syscallNames,
		Digest:               digest,
	}, nil
}

// buildDebugInfo records each function's starting word offset. Finer-
// grained instruction-to-source spans aren't tracked through lowering yet
// (ir.Instr carries no ast.Span), so this is function-level only.
func buildDebugInfo(prog *codegen.Program) *debugstore.DebugInfo {
	info := &debugstore.DebugInfo{}
	for name, off := range prog.FuncWordOffset {
		info.Spans = append(info.Spans, debugstore.InstructionSpan{
			WordOffset: off,
			Function:   name,
		})
	}
	return info
}
