package sbpf

// Virtual address regions. These four regions are fixed by the Solana sBPF
// runtime and are identical for every deployed program; the compiler bakes
// them into intrinsic expansions rather than discovering them at run time.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program code
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Serialized accounts + instruction data
)

// Stack and call-depth limits.
const (
	StackFrameSize = 4096 // 4 KB per frame
	MaxCallDepth   = 5    // Maximum nested CALL depth (CALL to CALL, not to syscalls)
)

// Heap limits.
const (
	HeapDefault = 32768  // 32 KB default heap made available to CPI descriptors
	HeapMax     = 262144 // 256 KB max heap
)

// Program-size limits enforced by the verifier.
const (
	MaxInstructions = 65536 // Maximum instruction slot count (LDDW counts as 2)
)

// AccountRecordSize is the fixed size, in bytes, of one serialized account
// record in the input buffer. It assumes data_len=0 for every account (see
// DESIGN.md Open Question decision #2); the compiler does not currently
// support accounts with nonzero data_len.
const AccountRecordSize = 10336

// Account field offsets within one AccountRecordSize-byte record.
const (
	AccountOffIsSigner   = 1
	AccountOffIsWritable = 2
	AccountOffExecutable = 3
	AccountOffPubkey     = 8  // 32 bytes
	AccountOffOwner      = 40 // 32 bytes
	AccountOffLamports   = 72 // u64
	AccountOffDataLen    = 80 // u64
	AccountOffData       = 88 // variable, fixed here at data_len=0
)
