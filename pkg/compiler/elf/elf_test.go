package elf

import (
	"encoding/binary"
	"testing"

	"github.com/fortiblox/solisp/pkg/compiler/codegen"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/regalloc"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
	"github.com/fortiblox/solisp/pkg/compiler/syscall"
)

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

func readEhdr(t *testing.T, obj []byte) (phoff, shoff int, flags uint32, phnum, shnum uint16) {
	t.Helper()
	if len(obj) < 64 {
		t.Fatalf("object too short for an ELF header: %d bytes", len(obj))
	}
	if obj[0] != 0x7f || obj[1] != 'E' || obj[2] != 'L' || obj[3] != 'F' {
		t.Fatalf("missing ELF magic, got % x", obj[:4])
	}
	machine := binary.LittleEndian.Uint16(obj[18:20])
	if machine != elfMachineBPF {
		t.Fatalf("e_machine = %d, want %d", machine, elfMachineBPF)
	}
	flags = binary.LittleEndian.Uint32(obj[48:52])
	phoff = int(binary.LittleEndian.Uint64(obj[32:40]))
	shoff = int(binary.LittleEndian.Uint64(obj[40:48]))
	phnum = binary.LittleEndian.Uint16(obj[56:58])
	shnum = binary.LittleEndian.Uint16(obj[60:62])
	return
}

func phdrAt(obj []byte, phoff, i int) (pType, pFlags uint32, offset int, vaddr uint64, filesz int) {
	base := phoff + i*56
	pType = binary.LittleEndian.Uint32(obj[base:])
	pFlags = binary.LittleEndian.Uint32(obj[base+4:])
	offset = int(binary.LittleEndian.Uint64(obj[base+8:]))
	vaddr = binary.LittleEndian.Uint64(obj[base+16:])
	filesz = int(binary.LittleEndian.Uint64(obj[base+32:]))
	return
}

// buildLogModule lowers a single sol_log_ call that logs an interned string,
// the simplest program exercising both a syscall relocation and a rodata
// reference in one pass.
func buildLogModule(t *testing.T) (*ir.Module, *syscall.Registry) {
	t.Helper()
	m := ir.NewModule("entrypoint")
	f := m.EntryFrame()
	off := m.InternString("hello")
	ptr := f.NewVReg()
	length := f.NewVReg()
	f.Emit(ir.ConstPtr(ptr, sbpf.VaddrProgram+uint64(off), ir.RegType{Kind: ir.KindPointer, Align: ir.Align1}))
	f.Emit(ir.ConstI64(length, 5))
	idx := f.Emit(ir.CallSyscall(0, false, "sol_log_", []ir.VReg{ptr, length}))
	reg := syscall.NewRegistry()
	reg.RecordCallSite("sol_log_", idx)
	ret := f.NewVReg()
	f.Emit(ir.ConstI64(ret, 0))
	f.Emit(ir.Return(ret))
	return m, reg
}

func TestWriteV1HasExactlyThreeProgramHeaders(t *testing.T) {
	m, reg := buildLogModule(t)
	allocs := allocateAll(t, m)
	prog, err := codegen.Encode(m, allocs, reg, codegen.V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	obj, err := Write(prog, m, codegen.V1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _, flags, phnum, _ := readEhdr(t, obj)
	if phnum != 3 {
		t.Fatalf("phnum = %d, want 3", phnum)
	}
	if flags != efSbfV1 {
		t.Fatalf("e_flags = %#x, want %#x", flags, efSbfV1)
	}
}

func TestWriteV1RodataSegmentStartsAtVaddrProgram(t *testing.T) {
	m, reg := buildLogModule(t)
	allocs := allocateAll(t, m)
	prog, err := codegen.Encode(m, allocs, reg, codegen.V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	obj, err := Write(prog, m, codegen.V1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	phoff, _, _, phnum, _ := readEhdr(t, obj)
	found := false
	for i := 0; i < int(phnum); i++ {
		pType, _, _, vaddr, _ := phdrAt(obj, phoff, i)
		if pType == ptLoad && vaddr == sbpf.VaddrProgram {
			found = true
		}
	}
	if !found {
		t.Fatalf("no PT_LOAD segment based at sbpf.VaddrProgram (%#x)", uint64(sbpf.VaddrProgram))
	}
}

func TestWriteV1EmitsOneRelocationPerCallSite(t *testing.T) {
	m, reg := buildLogModule(t)
	allocs := allocateAll(t, m)
	prog, err := codegen.Encode(m, allocs, reg, codegen.V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(prog.Relocations) != 1 {
		t.Fatalf("len(Relocations) = %d, want 1", len(prog.Relocations))
	}
	obj, err := Write(prog, m, codegen.V1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(obj) == 0 {
		t.Fatalf("Write produced an empty object")
	}
}

func TestWriteV2HasNoDynamicProgramHeader(t *testing.T) {
	m, reg := buildLogModule(t)
	allocs := allocateAll(t, m)
	prog, err := codegen.Encode(m, allocs, reg, codegen.V2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(prog.Relocations) != 0 {
		t.Fatalf("V2 must carry no relocations, got %d", len(prog.Relocations))
	}
	obj, err := Write(prog, m, codegen.V2)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	phoff, _, flags, phnum, _ := readEhdr(t, obj)
	if flags != efSbfV2 {
		t.Fatalf("e_flags = %#x, want %#x", flags, efSbfV2)
	}
	for i := 0; i < int(phnum); i++ {
		pType, _, _, _, _ := phdrAt(obj, phoff, i)
		if pType == ptDynamic {
			t.Fatalf("V2 object must not carry a PT_DYNAMIC header")
		}
	}
}

func TestWriteRejectsEmptyProgram(t *testing.T) {
	prog := &codegen.Program{}
	if _, err := Write(prog, nil, codegen.V1); err == nil {
		t.Fatalf("expected an error writing an empty program")
	}
}

func TestWriteV1TextSegmentCoversEveryWord(t *testing.T) {
	m, reg := buildLogModule(t)
	allocs := allocateAll(t, m)
	prog, err := codegen.Encode(m, allocs, reg, codegen.V1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	obj, err := Write(prog, m, codegen.V1)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	phoff, _, _, phnum, _ := readEhdr(t, obj)
	for i := 0; i < int(phnum); i++ {
		pType, pFlags, offset, _, filesz := phdrAt(obj, phoff, i)
		if pType != ptLoad || pFlags&pfX == 0 {
			continue
		}
		if filesz < len(prog.Words)*8 {
			t.Fatalf(".text PT_LOAD filesz = %d, want at least %d", filesz, len(prog.Words)*8)
		}
		for i, w := range prog.Words {
			got := binary.LittleEndian.Uint64(obj[offset+i*8:])
			if got != w {
				t.Fatalf("word %d in .text = %#x, want %#x", i, got, w)
			}
		}
		return
	}
	t.Fatalf("no executable PT_LOAD segment found")
}
