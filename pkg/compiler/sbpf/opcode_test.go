package sbpf

import "testing"

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		op   uint8
		dst  uint8
		src  uint8
		off  int16
		imm  int32
	}{
		{"mov64 imm", OpMov64Imm, 0, 0, 0, 42},
		{"exit", OpExit, 0, 0, 0, 0},
		{"call syscall", OpCall, 0, 0, 0, -1},
		{"jeq imm negative offset", OpJeqImm, 3, 0, -7, 0},
		{"store negative imm", OpStdw, 10, 0, -8, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Encode(tt.op, tt.dst, tt.src, tt.off, tt.imm)
			ins := Instruction(raw)
			if got := ins.Op(); got != tt.op {
				t.Errorf("Op() = %#x, want %#x", got, tt.op)
			}
			if got := ins.Dst(); got != tt.dst {
				t.Errorf("Dst() = %d, want %d", got, tt.dst)
			}
			if got := ins.Src(); got != tt.src {
				t.Errorf("Src() = %d, want %d", got, tt.src)
			}
			if got := ins.Off(); got != tt.off {
				t.Errorf("Off() = %d, want %d", got, tt.off)
			}
			if got := ins.Imm(); got != tt.imm {
				t.Errorf("Imm() = %d, want %d", got, tt.imm)
			}
		})
	}
}

func TestSizeLddwIsTwoSlots(t *testing.T) {
	if Size(OpLddw) != 2 {
		t.Errorf("Size(OpLddw) = %d, want 2", Size(OpLddw))
	}
	if Size(OpMov64Imm) != 1 {
		t.Errorf("Size(OpMov64Imm) = %d, want 1", Size(OpMov64Imm))
	}
}

func TestIsJump(t *testing.T) {
	if !IsJump(OpJa) {
		t.Errorf("IsJump(OpJa) = false, want true")
	}
	if !IsJump(OpCall) {
		t.Errorf("IsJump(OpCall) = false, want true")
	}
	if IsJump(OpMov64Imm) {
		t.Errorf("IsJump(OpMov64Imm) = true, want false")
	}
}

func TestSyscallCallWordV1(t *testing.T) {
	// S4: V1 encodes CALL with imm=-1, patched later by relocation.
	raw := Encode(OpCall, 0, 0, 0, -1)
	want := []byte{0x85, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff}
	var got [8]byte
	for i := 0; i < 8; i++ {
		got[i] = byte(raw >> (8 * i))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}
