// Package elf assembles the compiler's final output: a minimal but
// loader-compliant ELF64 object wrapping a codegen.Program (spec §4.H).
// It is loader.go's ELF parsing run in reverse — same field layout, same
// constant names, opposite direction — plus the V1 dynamic-relocation and
// V2 static-hash section sets the loader already knows how to read.
package elf

import (
	"encoding/binary"

	"github.com/fortiblox/solisp/pkg/compiler/codegen"
	"github.com/fortiblox/solisp/pkg/compiler/diag"
	"github.com/fortiblox/solisp/pkg/compiler/ir"
	"github.com/fortiblox/solisp/pkg/compiler/sbpf"
)

// ELF class.
const elfClass64 = 2

// ELF data encoding.
const elfDataLSB = 1

const evCurrent = 1

// ELF type: shared object, matching Solana's on-chain program convention.
const elfTypeDyn = 3

// ELF machine: spec §4.H names EM_BPF (247) as the machine value to emit,
// though a real loader also accepts 263 (EM_SBF) when reading one back.
const elfMachineBPF = 247

// e_flags per sBPF wire-format version.
const (
	efSbfV1 = 0x0
	efSbfV2 = 0x20
)

// Section types.
const (
	shtNull     = 0
	shtProgbits = 1
	shtStrtab   = 3
	shtRel      = 9
	shtDynsym   = 11
	shtDynamic  = 6
)

// Section flags.
const (
	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecInstr = 0x4
)

// Program header types/flags.
const (
	ptLoad    = 1
	ptDynamic = 2

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// Dynamic tags spec §4.H requires in `.dynamic` (V1 only).
const (
	dtSymtab  = 6
	dtStrtab  = 5
	dtRel     = 17
	dtRelsz   = 18
	dtRelent  = 19
	dtTextrel = 22
	dtNull    = 0
)

// Symbol binding/type for `.dynsym` entries (spec §4.H: STT_NOTYPE,
// STB_GLOBAL, SHN_UNDEF — every syscall is an unresolved external symbol).
const (
	stbGlobal = 1
	sttNotype = 0
	shnUndef  = 0
)

// rBpf6432 is the R_BPF_64_32 relocation type (value 10, spec §4.H/GLOSSARY).
const rBpf6432 = 10

// textVaddr is the .text segment's virtual address. sBPF branches and calls
// are encoded as PC-relative slot deltas (spec §4.F), never absolute
// addresses, so this value is arbitrary as long as it's consistent with
// e_entry; kept at a small conventional offset the way a hand-built Solana
// ELF typically does.
const textVaddr = 0x120

// buf is a small append-only byte builder, standing in for
// encoding/binary.Write over a struct: writing every ELF field by explicit
// byte offset (as loader.go's parseHeader reads them) leaves no risk of Go
// struct-layout padding silently misplacing a field.
type buf struct{ b []byte }

func (w *buf) u8(v uint8)   { w.b = append(w.b, v) }
func (w *buf) bytes(v []byte) { w.b = append(w.b, v...) }
func (w *buf) pad(n int)    { w.b = append(w.b, make([]byte, n)...) }

func (w *buf) u16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *buf) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *buf) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *buf) i64(v int64) { w.u64(uint64(v)) }

func (w *buf) len() int { return len(w.b) }

// stringTable is an append-only NUL-terminated byte pool (`.dynstr`,
// `.shstrtab`), mirroring the interning pattern ir.Module uses for rodata.
type stringTable struct {
	data []byte
}

func newStringTable() *stringTable { return &stringTable{data: []byte{0}} }

func (t *stringTable) add(s string) uint32 {
	off := uint32(len(t.data))
	t.data = append(t.data, []byte(s)...)
	t.data = append(t.data, 0)
	return off
}

// Write assembles the ELF object for prog. module supplies the rodata pool
// (interned strings and blobs); the V1 dynamic-symbol set is taken from
// prog.Relocations, one symbol per distinct syscall name in first-seen
// order, so symbol indices are deterministic.
func Write(prog *codegen.Program, module *ir.Module, version codegen.Version) ([]byte, error) {
	if len(prog.Words) == 0 {
		return nil, diag.ElfLayout("cannot emit an ELF object for an empty program")
	}

	text := make([]byte, len(prog.Words)*8)
	for i, w := range prog.Words {
		binary.LittleEndian.PutUint64(text[i*8:], w)
	}

	rodata := buildRodata(module)

	if version == codegen.V2 {
		return writeV2(text, rodata)
	}
	return writeV1(text, rodata, prog.Relocations)
}

// buildRodata lays out the module's interned strings and blobs at the exact
// byte offsets ir.Module.InternString/InternBlob already handed out (both
// draw from one shared counter, so their offsets never collide whichever
// order items were interned in). The ELF writer places this pool's virtual
// address at sbpf.VaddrProgram exactly, so a constant's runtime address is
// VaddrProgram+offset with no further adjustment — matching how the
// intrinsics package already computes ConstPtr addresses.
func buildRodata(module *ir.Module) []byte {
	if module == nil {
		return nil
	}
	size := 0
	for _, s := range module.Strings {
		if end := s.Offset + len(s.Value) + 1; end > size {
			size = end
		}
	}
	for _, b := range module.Blobs {
		if end := b.Offset + len(b.Value); end > size {
			size = end
		}
	}
	out := make([]byte, size)
	for _, s := range module.Strings {
		copy(out[s.Offset:], s.Value)
		out[s.Offset+len(s.Value)] = 0
	}
	for _, b := range module.Blobs {
		copy(out[b.Offset:], b.Value)
	}
	if len(out) == 0 {
		out = make([]byte, 8) // keep the PT_LOAD segment non-empty
	}
	return out
}

// align8 rounds n up to the next multiple of 8, the alignment `.dynamic`
// and `.rel.dyn` entries require for their 8/16-byte fields.
func align8(n int) int { return (n + 7) &^ 7 }

func writePhdr(w *buf, pType, pFlags uint32, offset int, vaddr uint64, size int) {
	w.u32(pType)
	w.u32(pFlags)
	w.u64(uint64(offset))
	w.u64(vaddr)
	w.u64(vaddr)
	w.u64(uint64(size))
	w.u64(uint64(size))
	w.u64(0x1000)
}

func writeShdr(w *buf, name uint32, shType uint32, flags uint64, addr uint64, offset, size int, link, info uint32, align uint64, entsize int) {
	w.u32(name)
	w.u32(shType)
	w.u64(flags)
	w.u64(addr)
	w.u64(uint64(offset))
	w.u64(uint64(size))
	w.u32(link)
	w.u32(info)
	w.u64(align)
	w.u64(uint64(entsize))
}

func writeEhdr(w *buf, entry uint64, phoff, shoff int, flags uint32, phnum, shnum, shstrndx uint16) {
	w.bytes([]byte{0x7f, 'E', 'L', 'F'})
	w.u8(elfClass64)
	w.u8(elfDataLSB)
	w.u8(evCurrent)
	w.u8(0) // ELFOSABI_NONE
	w.pad(8)
	w.u16(elfTypeDyn)
	w.u16(elfMachineBPF)
	w.u32(evCurrent)
	w.u64(entry)
	w.u64(uint64(phoff))
	w.u64(uint64(shoff))
	w.u32(flags)
	w.u16(64) // e_ehsize
	w.u16(56) // e_phentsize
	w.u16(phnum)
	w.u16(64) // e_shentsize
	w.u16(shnum)
	w.u16(shstrndx)
}

// writeV2 packages the static-hash object: two PT_LOAD segments (.text,
// .rodata), no relocation machinery at all (spec §4.H: "relocation-related
// sections and dynamic entries are omitted").
func writeV2(text, rodata []byte) ([]byte, error) {
	shstrtab := newStringTable()
	textName := shstrtab.add(".text")
	rodataName := shstrtab.add(".rodata")
	shstrtabName := shstrtab.add(".shstrtab")

	const numPhdrs = 2
	const numSections = 4 // NULL, .text, .rodata, .shstrtab

	ehdrSize, phdrSize := 64, 56
	phdrOff := ehdrSize
	textOff := phdrOff + phdrSize*numPhdrs
	rodataOff := textOff + len(text)
	shstrtabOff := rodataOff + len(rodata)
	shdrOff := align8(shstrtabOff + len(shstrtab.data))

	w := &buf{}
	writeEhdr(w, textVaddr, phdrOff, shdrOff, efSbfV2, numPhdrs, numSections, numSections-1)

	writePhdr(w, ptLoad, pfR|pfX, textOff, textVaddr, len(text))
	writePhdr(w, ptLoad, pfR|pfW, rodataOff, sbpf.VaddrProgram, len(rodata))

	if w.len() != textOff {
		return nil, diag.ElfLayout("program header table did not end at the expected .text offset")
	}
	w.bytes(text)
	w.bytes(rodata)
	w.bytes(shstrtab.data)
	w.pad(shdrOff - w.len())

	writeShdr(w, 0, shtNull, 0, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(w, textName, shtProgbits, shfAlloc|shfExecInstr, textVaddr, textOff, len(text), 0, 0, 8, 0)
	writeShdr(w, rodataName, shtProgbits, shfAlloc|shfWrite, sbpf.VaddrProgram, rodataOff, len(rodata), 0, 0, 1, 0)
	writeShdr(w, shstrtabName, shtStrtab, 0, 0, shstrtabOff, len(shstrtab.data), 0, 0, 1, 0)

	return w.b, nil
}

// writeV1 packages the dynamic-relocation object: PT_LOAD #1 (.text, R+X),
// PT_LOAD #2 (rodata + dynamic-linking metadata, R+W), PT_DYNAMIC pointing
// at `.dynamic` within PT_LOAD #2 — exactly 3 program headers, matching
// spec §4.H's "observed deployment requirement" invariant. Rodata is
// placed at the very start of PT_LOAD #2 so its virtual address is
// sbpf.VaddrProgram exactly, matching how intrinsics.go's ConstPtr
// addresses compute string/blob pointers.
func writeV1(text, rodata []byte, relocs []codegen.Relocation) ([]byte, error) {
	dynstr := newStringTable()
	syscallSymIdx := make(map[string]int, len(relocs))
	syscallNameOff := make(map[string]uint32, len(relocs))
	var syscallNames []string
	for _, r := range relocs {
		if _, ok := syscallSymIdx[r.Symbol]; ok {
			continue
		}
		syscallSymIdx[r.Symbol] = len(syscallNames) + 1 // +1: index 0 is the NULL symbol
		syscallNames = append(syscallNames, r.Symbol)
		syscallNameOff[r.Symbol] = dynstr.add(r.Symbol)
	}

	shstrtab := newStringTable()
	textName := shstrtab.add(".text")
	rodataName := shstrtab.add(".rodata")
	dynamicName := shstrtab.add(".dynamic")
	dynsymName := shstrtab.add(".dynsym")
	dynstrName := shstrtab.add(".dynstr")
	reldynName := shstrtab.add(".rel.dyn")
	shstrtabName := shstrtab.add(".shstrtab")

	const numPhdrs = 3
	const numSections = 8 // NULL, .text, .rodata, .dynamic, .dynsym, .dynstr, .rel.dyn, .shstrtab
	const dynsymEntSize = 24
	const reldynEntSize = 16
	const dynamicEntSize = 16
	const numDynTags = 7 // SYMTAB, STRTAB, REL, RELSZ, RELENT, TEXTREL, NULL

	ehdrSize, phdrSize := 64, 56
	phdrOff := ehdrSize
	textOff := phdrOff + phdrSize*numPhdrs

	rodataOff := textOff + len(text) // start of PT_LOAD #2, vaddr == sbpf.VaddrProgram
	dynamicOff := align8(rodataOff + len(rodata))
	dynamicSize := numDynTags * dynamicEntSize
	dynsymOff := dynamicOff + dynamicSize
	dynsymSize := dynsymEntSize * (1 + len(syscallNames))
	dynstrOff := dynsymOff + dynsymSize
	dynstrSize := len(dynstr.data)
	reldynOff := align8(dynstrOff + dynstrSize)
	reldynSize := reldynEntSize * len(relocs)
	shstrtabOff := reldynOff + reldynSize
	shdrOff := align8(shstrtabOff + len(shstrtab.data))

	dynLoadSize := (reldynOff + reldynSize) - rodataOff
	vaddrOf := func(fileOff int) uint64 { return sbpf.VaddrProgram + uint64(fileOff-rodataOff) }

	w := &buf{}
	writeEhdr(w, textVaddr, phdrOff, shdrOff, efSbfV1, numPhdrs, numSections, numSections-1)

	writePhdr(w, ptLoad, pfR|pfX, textOff, textVaddr, len(text))
	writePhdr(w, ptLoad, pfR|pfW, rodataOff, sbpf.VaddrProgram, dynLoadSize)
	writePhdr(w, ptDynamic, pfR|pfW, dynamicOff, vaddrOf(dynamicOff), dynamicSize)

	if w.len() != textOff {
		return nil, diag.ElfLayout("program header table did not end at the expected .text offset")
	}
	w.bytes(text)
	w.bytes(rodata)
	w.pad(dynamicOff - (rodataOff + len(rodata)))

	dynsymVaddr := vaddrOf(dynsymOff)
	dynstrVaddr := vaddrOf(dynstrOff)
	reldynVaddr := vaddrOf(reldynOff)

	w.u64(dtSymtab)
	w.u64(dynsymVaddr)
	w.u64(dtStrtab)
	w.u64(dynstrVaddr)
	w.u64(dtRel)
	w.u64(reldynVaddr)
	w.u64(dtRelsz)
	w.u64(uint64(reldynSize))
	w.u64(dtRelent)
	w.u64(uint64(reldynEntSize))
	w.u64(dtTextrel)
	w.u64(0)
	w.u64(dtNull)
	w.u64(0)

	w.pad(24) // NULL dynsym entry
	for _, name := range syscallNames {
		w.u32(syscallNameOff[name])
		w.u8((stbGlobal << 4) | sttNotype)
		w.u8(0)
		w.u16(shnUndef)
		w.u64(0)
		w.u64(0)
	}
	w.bytes(dynstr.data)
	w.pad(reldynOff - (dynstrOff + dynstrSize))

	for _, r := range relocs {
		symIdx := syscallSymIdx[r.Symbol]
		w.u64(textVaddr + r.Offset)
		w.u64((uint64(symIdx) << 32) | rBpf6432)
	}

	w.bytes(shstrtab.data)
	w.pad(shdrOff - w.len())

	writeShdr(w, 0, shtNull, 0, 0, 0, 0, 0, 0, 0, 0)
	writeShdr(w, textName, shtProgbits, shfAlloc|shfExecInstr, textVaddr, textOff, len(text), 0, 0, 8, 0)
	writeShdr(w, rodataName, shtProgbits, shfAlloc|shfWrite, sbpf.VaddrProgram, rodataOff, len(rodata), 0, 0, 1, 0)
	writeShdr(w, dynamicName, shtDynamic, shfAlloc|shfWrite, vaddrOf(dynamicOff), dynamicOff, dynamicSize, 5, 0, 8, dynamicEntSize)
	writeShdr(w, dynsymName, shtDynsym, shfAlloc, dynsymVaddr, dynsymOff, dynsymSize, 5, 1, 8, dynsymEntSize)
	writeShdr(w, dynstrName, shtStrtab, shfAlloc, dynstrVaddr, dynstrOff, dynstrSize, 0, 0, 1, 0)
	writeShdr(w, reldynName, shtRel, shfAlloc, reldynVaddr, reldynOff, reldynSize, 4, 0, 8, reldynEntSize)
	writeShdr(w, shstrtabName, shtStrtab, 0, 0, shstrtabOff, len(shstrtab.data), 0, 0, 1, 0)

	return w.b, nil
}
