package decoder

import (
	"testing"

	"ia32sim/mmu"
)

func load(t *testing.T, program []byte) *mmu.MMU {
	t.Helper()
	m := mmu.New(65536)
	if err := m.LoadProgram(program, 0x1000); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDecodeMovImm32(t *testing.T) {
	m := load(t, []byte{0xB8, 0x2A, 0x00, 0x00, 0x00})
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Mnemonic != "MOV" || ins.Size != 5 {
		t.Fatalf("got %+v", ins)
	}
	if ins.Operands[0].RegName() != "EAX" || ins.Operands[1].Immediate != 42 {
		t.Fatalf("got operands %+v", ins.Operands)
	}
}

func TestDecodeADDRegisterForm(t *testing.T) {
	m := load(t, []byte{0x01, 0xD8}) // ADD EAX, EBX
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Mnemonic != "ADD" || ins.Size != 2 {
		t.Fatalf("got %+v", ins)
	}
	if ins.Operands[0].RegName() != "EAX" || ins.Operands[1].RegName() != "EBX" {
		t.Fatalf("got operands %+v", ins.Operands)
	}
}

func TestDecodeModRMDisplacement(t *testing.T) {
	// ADD [ECX+0x10], EAX: 01 41 10
	m := load(t, []byte{0x01, 0x41, 0x10})
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Size != 3 {
		t.Fatalf("got size %d, want 3", ins.Size)
	}
	rm := ins.Operands[0]
	if rm.Kind != RegisterIndirectDisplacement || rm.Displacement != 0x10 || rm.DisplacementSize != 1 {
		t.Fatalf("got rm operand %+v", rm)
	}
}

func TestDecodeALUGroupImm8NotSignExtended(t *testing.T) {
	// ADD EAX, 0xFF via 0x83 /0 — the immediate must be stored raw, not
	// sign-extended, per the decoder contract.
	m := load(t, []byte{0x83, 0xC0, 0xFF})
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Mnemonic != "ADD" {
		t.Fatalf("got mnemonic %s", ins.Mnemonic)
	}
	if ins.Operands[1].Immediate != 0xFF {
		t.Fatalf("got immediate %#x, want 0xff raw", ins.Operands[1].Immediate)
	}
}

func TestDecodeUnknownOpcodeFails(t *testing.T) {
	m := load(t, []byte{0x0E}) // not in the opcode table
	if _, err := New(m).Decode(0x1000); err == nil {
		t.Fatal("expected a decode error for an unmapped opcode")
	}
}

func TestDecodeUnknownGroupSubopFails(t *testing.T) {
	// 0x0F 0xC7 with ModR/M.reg = 0 is neither RDRAND(/6) nor RDSEED(/7).
	m := load(t, []byte{0x0F, 0xC7, 0x00})
	if _, err := New(m).Decode(0x1000); err == nil {
		t.Fatal("expected a decode error for an invalid group subop")
	}
}

func TestDecodeTwoByteEscape(t *testing.T) {
	m := load(t, []byte{0x0F, 0x31}) // RDTSC
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Mnemonic != "RDTSC" || ins.Size != 2 {
		t.Fatalf("got %+v", ins)
	}
}

func TestDecodeShortJumpRel8(t *testing.T) {
	m := load(t, []byte{0x74, 0x05}) // JZ +5
	ins, err := New(m).Decode(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins.Mnemonic != "JZ" || ins.Size != 2 || ins.Operands[0].Width != 1 {
		t.Fatalf("got %+v", ins)
	}
}
