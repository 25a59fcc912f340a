package ir

// Frame is one function's IR: its instruction stream, local-name bindings,
// and the allocators (label, VReg, stack-slot) scoped to it.
type Frame struct {
	Name         string
	Instrs       []Instr
	locals       []scope // stack of lexical scopes; locals[0] is function-outer
	nextVReg     VReg
	nextLabel    Label
	stackOffset  int // running negative displacement from R10, in bytes
	loopLabels   []loopCtx
}

type scope struct {
	names map[string]VReg
	types map[string]RegType
}

type loopCtx struct {
	headLabel Label
	exitLabel Label
}

// NewFrame returns an empty frame for a function named name.
func NewFrame(name string) *Frame {
	f := &Frame{Name: name}
	f.PushScope()
	return f
}

// PushScope opens a new lexical scope (block, loop body, if-arm).
func (f *Frame) PushScope() {
	f.locals = append(f.locals, scope{names: make(map[string]VReg), types: make(map[string]RegType)})
}

// PopScope closes the innermost lexical scope.
func (f *Frame) PopScope() {
	f.locals = f.locals[:len(f.locals)-1]
}

// NewVReg allocates a fresh virtual register.
func (f *Frame) NewVReg() VReg {
	v := f.nextVReg
	f.nextVReg++
	return v
}

// NewLabel allocates a fresh branch-target label.
func (f *Frame) NewLabel() Label {
	l := f.nextLabel
	f.nextLabel++
	return l
}

// Emit appends an instruction to the frame's linear stream and returns its
// index, useful for call-site bookkeeping.
func (f *Frame) Emit(i Instr) int {
	f.Instrs = append(f.Instrs, i)
	return len(f.Instrs) - 1
}

// Bind associates name with vreg in the innermost scope (define / set!
// target creation; shadowing is allowed per spec §4.B).
func (f *Frame) Bind(name string, vreg VReg, rt RegType) {
	top := &f.locals[len(f.locals)-1]
	top.names[name] = vreg
	top.types[name] = rt
}

// Lookup resolves name from the innermost scope outward. ok=false means
// the name is unbound (UnboundSymbolError at the call site).
func (f *Frame) Lookup(name string) (VReg, RegType, bool) {
	for i := len(f.locals) - 1; i >= 0; i-- {
		if v, ok := f.locals[i].names[name]; ok {
			return v, f.locals[i].types[name], true
		}
	}
	return 0, RegType{}, false
}

// AllocStackSlot reserves bytes on the stack and returns the (negative)
// displacement from R10 to use for subsequent loads/stores into it.
func (f *Frame) AllocStackSlot(bytes int) int64 {
	f.stackOffset -= bytes
	return int64(f.stackOffset)
}

// PushLoop registers the head/exit labels of the loop currently being
// lowered, consulted by break/continue.
func (f *Frame) PushLoop(head, exit Label) {
	f.loopLabels = append(f.loopLabels, loopCtx{headLabel: head, exitLabel: exit})
}

// PopLoop discards the innermost loop context.
func (f *Frame) PopLoop() {
	f.loopLabels = f.loopLabels[:len(f.loopLabels)-1]
}

// CurrentLoop returns the innermost loop's head/exit labels. ok=false
// means break/continue appeared outside any loop.
func (f *Frame) CurrentLoop() (head, exit Label, ok bool) {
	if len(f.loopLabels) == 0 {
		return 0, 0, false
	}
	top := f.loopLabels[len(f.loopLabels)-1]
	return top.headLabel, top.exitLabel, true
}

// StringConst is one interned string-literal entry in the module's string
// pool, addressed by a ConstPtr to its Offset within the rodata region.
type StringConst struct {
	Value  string
	Offset int
}

// FieldType describes one field of a StructDef.
type FieldType struct {
	Name   string
	Offset int
	Size   int // 1, 2, 4, or 8
	Signed bool
}

// StructDef describes a struct layout (field name → offset/size) kept in
// Module.Structs. The intrinsic table has no handler that registers or
// reads one.
type StructDef struct {
	Name   string
	Fields []FieldType
	Size   int
}

// FieldOffset returns the byte offset of field name within the struct, or
// ok=false if no such field exists.
func (s StructDef) FieldOffset(name string) (FieldType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldType{}, false
}

// BlobConst is an interned fixed-size binary constant (a folded PDA address,
// a well-known pubkey, ...), distinct from StringConst because it carries no
// NUL terminator — nothing but the IR builder ever treats rodata bytes as a
// C string.
type BlobConst struct {
	Value  string // raw bytes, not textual; string used only as an immutable byte container
	Offset int
}

// Module is the top-level unit the IR builder produces: one or more
// functions plus module-global constants placed in the rodata-equivalent
// region (spec §3).
type Module struct {
	Functions  []*Frame
	Entry      string // name of the entrypoint function
	Strings    []StringConst
	Blobs      []BlobConst
	Structs    map[string]StructDef
	rodataBytes int // shared running offset: strings and blobs interleave in intern order
}

// NewModule returns an empty module whose entrypoint function is
// pre-created and bound as Entry.
func NewModule(entryName string) *Module {
	m := &Module{Entry: entryName, Structs: make(map[string]StructDef)}
	m.Functions = append(m.Functions, NewFrame(entryName))
	return m
}

// EntryFrame returns the entrypoint function's Frame.
func (m *Module) EntryFrame() *Frame {
	return m.Functions[0]
}

// InternString adds s to the module's string pool if not already present
// and returns its byte offset within the rodata region. Offsets are handed
// out from the same counter InternBlob uses, so every interned constant's
// offset is directly usable as a final rodata address (sbpf.VaddrProgram +
// offset) regardless of how many strings or blobs precede it.
func (m *Module) InternString(s string) int {
	for _, existing := range m.Strings {
		if existing.Value == s {
			return existing.Offset
		}
	}
	off := m.rodataBytes
	m.Strings = append(m.Strings, StringConst{Value: s, Offset: off})
	m.rodataBytes += len(s) + 1 // NUL-terminated, matching sol_log_ contract
	return off
}

// InternBlob adds raw byte constant b to the module's blob pool if not
// already present and returns its byte offset within the rodata region,
// drawn from the same counter InternString uses (see its comment).
func (m *Module) InternBlob(b []byte) int {
	s := string(b)
	for _, existing := range m.Blobs {
		if existing.Value == s {
			return existing.Offset
		}
	}
	off := m.rodataBytes
	m.Blobs = append(m.Blobs, BlobConst{Value: s, Offset: off})
	m.rodataBytes += len(b)
	return off
}

// DefineFunction appends a new, empty function frame to the module and
// returns it. User-defined function calls (spec §4.B) are always direct;
// closures are never emitted.
func (m *Module) DefineFunction(name string) *Frame {
	f := NewFrame(name)
	m.Functions = append(m.Functions, f)
	return f
}

// FindFunction returns the function named name, or nil.
func (m *Module) FindFunction(name string) *Frame {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}
