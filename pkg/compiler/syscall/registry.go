// Package syscall maintains the compiler's name -> Murmur3 hash table for
// Solana syscalls and records call sites for relocation.
package syscall

// Entry is one syscall referenced by a compiled module.
//
// Invariant (spec §4.C): for any CALL instruction at index i whose imm
// field is -1 (V1) or hash (V2), i must appear in exactly one Entry's
// CallSites list.
type Entry struct {
	Name       string
	Hash       uint32
	CallSites  []int // instruction indices, in first-seen order
}

// Registry is a per-compile, insertion-ordered name -> Entry table. It is
// never a process-wide singleton: each Compiler owns one (spec §5, §9
// "Global state avoidance").
type Registry struct {
	byName  map[string]*Entry
	order   []string // insertion order, preserved for deterministic iteration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Entry)}
}

// Resolve returns the Murmur3 hash for name, registering the name on first
// reference. Subsequent calls return the cached value.
func (r *Registry) Resolve(name string) uint32 {
	e := r.entry(name)
	return e.Hash
}

// RecordCallSite appends instructionIndex to name's call-site list,
// registering name if this is its first reference.
func (r *Registry) RecordCallSite(name string, instructionIndex int) {
	e := r.entry(name)
	e.CallSites = append(e.CallSites, instructionIndex)
}

func (r *Registry) entry(name string) *Entry {
	if e, ok := r.byName[name]; ok {
		return e
	}
	e := &Entry{Name: name, Hash: Murmur3Hash(name)}
	r.byName[name] = e
	r.order = append(r.order, name)
	return e
}

// Entries returns all registered entries in insertion order, not hash
// order, so compiler.Compile's syscall name list is stable across repeated
// compiles of the same source.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of distinct syscalls referenced so far.
func (r *Registry) Len() int { return len(r.order) }

// Murmur3Hash computes the 32-bit Murmur3 hash of name (seed 0), matching
// the hash function used by the Solana sBPF loader to resolve relocated
// syscall symbols.
func Murmur3Hash(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}

// KnownSyscalls lists Solana runtime syscall names by name. It is not
// exhaustive of the runtime's syscall surface, and the intrinsic table
// emits calls to only some of these names.
var KnownSyscalls = []string{
	"sol_log_",
	"sol_log_64_",
	"sol_log_pubkey",
	"sol_log_compute_units_",
	"sol_log_data",
	"sol_memcpy_",
	"sol_memmove_",
	"sol_memset_",
	"sol_memcmp_",
	"sol_alloc_free_",
	"sol_sha256",
	"sol_keccak256",
	"sol_blake3",
	"abort",
	"sol_panic_",
	"sol_set_return_data",
	"sol_get_return_data",
	"sol_get_stack_height",
	"sol_create_program_address",
	"sol_try_find_program_address",
	"sol_invoke_signed_c",
	"sol_get_clock_sysvar",
	"sol_get_rent_sysvar",
}
