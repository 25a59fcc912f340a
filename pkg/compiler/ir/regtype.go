package ir

// MemoryRegion identifies which addressable region a Pointer RegType refers
// to. This is supplemental static provenance tracking (SPEC_FULL.md §4,
// grounded on original_source's memory_model.rs) layered on top of the
// required IR alphabet; it changes no wire format and is consulted only by
// the builder's own intrinsic argument checks, never by the encoder.
type MemoryRegion int

const (
	RegionUnknown MemoryRegion = iota
	RegionInputBuffer
	RegionAccount    // account record N, fixed-size (spec §3)
	RegionAccountData
	RegionHeap
	RegionInstructionData
	RegionStack
	RegionProgramID
)

// Alignment is the required alignment, in bytes, of a pointer's target.
type Alignment int

const (
	Align1 Alignment = 1
	Align2 Alignment = 2
	Align4 Alignment = 4
	Align8 Alignment = 8
)

// AlignmentFromSize returns the natural alignment for an access of the
// given width (1, 2, 4, or 8 bytes).
func AlignmentFromSize(size int) Alignment {
	switch size {
	case 1:
		return Align1
	case 2:
		return Align2
	case 4:
		return Align4
	default:
		return Align8
	}
}

// RegKind distinguishes a plain integer value from a pointer/boolean/
// unknown result.
type RegKind int

const (
	KindUnknown RegKind = iota
	KindValue
	KindPointer
	KindBool
)

// RegType is the static type the builder assigns to a VReg's defining
// instruction. mem-load/mem-store and the account intrinsics use it to
// reject a misaligned or region-confused access at compile time
// (IntrinsicArgError) instead of emitting bytecode that traps at run time.
type RegType struct {
	Kind RegKind

	// Value fields (Kind == KindValue).
	Size   int // 1, 2, 4, or 8 bytes
	Signed bool

	// Pointer fields (Kind == KindPointer).
	Region      MemoryRegion
	AccountIdx  int // valid when Region is RegionAccount/RegionAccountData and known at compile time
	BoundsKnown bool
	BoundsLo    int64
	BoundsHi    int64
	Align       Alignment
	Writable    bool
}

// ValueType builds a plain integer RegType.
func ValueType(size int, signed bool) RegType {
	return RegType{Kind: KindValue, Size: size, Signed: signed}
}

// BoolType builds a boolean RegType (represented as a 0/1 64-bit value).
func BoolType() RegType {
	return RegType{Kind: KindBool, Size: 8}
}

// AccountDataPointer builds a pointer into account idx's data region.
func AccountDataPointer(idx int, writable bool) RegType {
	return RegType{
		Kind:     KindPointer,
		Region:   RegionAccountData,
		AccountIdx: idx,
		Align:    Align1,
		Writable: writable,
	}
}

// AccountFieldPointer builds a pointer to a fixed field inside account
// idx's fixed-size record (e.g. the pubkey or owner field).
func AccountFieldPointer(idx int, align Alignment) RegType {
	return RegType{
		Kind:   KindPointer,
		Region: RegionAccount,
		AccountIdx: idx,
		Align:  align,
	}
}

// HeapPointer builds a pointer into the heap region.
func HeapPointer(writable bool) RegType {
	return RegType{Kind: KindPointer, Region: RegionHeap, Align: Align8, Writable: writable}
}

// InstructionDataPointer builds a pointer into the instruction-data region.
func InstructionDataPointer() RegType {
	return RegType{Kind: KindPointer, Region: RegionInstructionData, Align: Align1}
}

// IsPointer reports whether rt is a pointer-kind type.
func (rt RegType) IsPointer() bool { return rt.Kind == KindPointer }

// IsValue reports whether rt is a plain value-kind type.
func (rt RegType) IsValue() bool { return rt.Kind == KindValue }

// CheckAccess validates that an access of width accessSize at a pointer
// RegType is alignment-compatible, returning ok=false if the access would
// be region-confused (e.g. an 8-byte load where the pointer type asserts
// 1-byte alignment only). This is advisory static checking: it catches
// bugs earlier than the runtime trap, never more and never less.
func (rt RegType) CheckAccess(accessSize int) bool {
	if rt.Kind != KindPointer {
		return false
	}
	return int(rt.Align) >= accessSize
}
