package decoder

import (
	"fmt"

	"ia32sim/errs"
	"ia32sim/mmu"
)

// Decoder decodes instructions from a byte stream held in an MMU (spec
// §4.2). It carries no architectural state of its own.
type Decoder struct {
	m *mmu.MMU
}

// New creates a Decoder bound to the given MMU.
func New(m *mmu.MMU) *Decoder {
	return &Decoder{m: m}
}

// aluSubopNames indexes the ModR/M.reg field of the 0x81/0x83 ALU group.
var aluSubopNames = [8]string{"ADD", "OR", "ADC", "SBB", "AND", "SUB", "XOR", "CMP"}

// group3SubopNames indexes the ModR/M.reg field of the 0xF7 group.
var group3SubopNames = [8]string{"TEST", "TEST", "NOT", "NEG", "MUL", "IMUL", "DIV", "IDIV"}

// condNames indexes the low nibble of 0x70-0x7F (and mirrors 0x0F 0x8C's JL).
var condNames = [16]string{
	"JO", "JNO", "JC", "JNC", "JZ", "JNZ", "JBE", "JA",
	"JS", "JNS", "JP", "JNP", "JL", "JGE", "JLE", "JG",
}

// Decode reads a single instruction at the given virtual address (spec
// §4.2 "decode(vaddr)"). Bytes outside the closed opcode table (and
// undefined group sub-opcodes) surface as a DecodeError.
func (d *Decoder) Decode(vaddr uint32) (*Instruction, error) {
	cur := newCursor(d.m, vaddr)
	opcode, err := cur.fetch8()
	if err != nil {
		return nil, err
	}

	var ins *Instruction
	switch {
	case opcode == 0x0F:
		ins, err = d.decodeTwoByte(cur)
	default:
		ins, err = d.decodeOneByte(cur, opcode)
	}
	if err != nil {
		return nil, err
	}
	ins.Size = cur.size()
	return ins, nil
}

func decodeErr(vaddr uint32, opcode byte, reason string) error {
	return &errs.DecodeError{Addr: vaddr, Opcode: opcode, Reason: reason}
}

func (d *Decoder) decodeOneByte(cur *cursor, opcode byte) (*Instruction, error) {
	switch {
	case opcode == 0x00 || opcode == 0x01:
		return d.decodeRMtoReg(cur, opcode, "ADD", width(opcode, 0x00))
	case opcode == 0x02 || opcode == 0x03:
		return d.decodeRegToRM(cur, opcode, "ADD", width(opcode, 0x02))
	case opcode == 0x08 || opcode == 0x09:
		return d.decodeRMtoReg(cur, opcode, "OR", width(opcode, 0x08))
	case opcode == 0x20 || opcode == 0x21:
		return d.decodeRMtoReg(cur, opcode, "AND", width(opcode, 0x20))
	case opcode == 0x25:
		return d.decodeEAXImm32(cur, opcode, "AND")
	case opcode == 0x28 || opcode == 0x29:
		return d.decodeRMtoReg(cur, opcode, "SUB", width(opcode, 0x28))
	case opcode == 0x30 || opcode == 0x31:
		return d.decodeRMtoReg(cur, opcode, "XOR", width(opcode, 0x30))
	case opcode == 0x35:
		return d.decodeEAXImm32(cur, opcode, "XOR")
	case opcode == 0x38 || opcode == 0x39:
		return d.decodeRMtoReg(cur, opcode, "CMP", width(opcode, 0x38))
	case opcode == 0x3D:
		return d.decodeEAXImm32(cur, opcode, "CMP")
	case opcode >= 0x40 && opcode <= 0x47:
		return regOnly(opcode, "INC", opcode-0x40), nil
	case opcode >= 0x48 && opcode <= 0x4F:
		return regOnly(opcode, "DEC", opcode-0x48), nil
	case opcode >= 0x50 && opcode <= 0x57:
		return regOnly(opcode, "PUSH", opcode-0x50), nil
	case opcode >= 0x58 && opcode <= 0x5F:
		return regOnly(opcode, "POP", opcode-0x58), nil
	case opcode == 0x63:
		rm, reg, err := decodeModRM(cur, 4)
		if err != nil {
			return nil, err
		}
		return &Instruction{Opcode: opcode, Mnemonic: "MOVSXD", Operands: []Operand{reg, rm}}, nil
	case opcode >= 0x70 && opcode <= 0x7F:
		disp, err := cur.fetch8()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: condNames[opcode-0x70],
			Operands: []Operand{{Kind: Immediate, Immediate: uint32(disp), Width: 1}},
		}, nil
	case opcode == 0x81 || opcode == 0x83:
		return d.decodeALUGroup(cur, opcode)
	case opcode == 0x85:
		rm, reg, err := decodeModRM(cur, 4)
		if err != nil {
			return nil, err
		}
		return &Instruction{Opcode: opcode, Mnemonic: "TEST", Operands: []Operand{rm, reg}}, nil
	case opcode == 0x87:
		rm, reg, err := decodeModRM(cur, 4)
		if err != nil {
			return nil, err
		}
		return &Instruction{Opcode: opcode, Mnemonic: "XCHG", Operands: []Operand{rm, reg}}, nil
	case opcode == 0x88 || opcode == 0x89:
		return d.decodeRMtoReg(cur, opcode, "MOV", width(opcode, 0x88))
	case opcode == 0x90:
		return &Instruction{Opcode: opcode, Mnemonic: "NOP"}, nil
	case opcode == 0x9C:
		return &Instruction{Opcode: opcode, Mnemonic: "PUSHF"}, nil
	case opcode == 0x9D:
		return &Instruction{Opcode: opcode, Mnemonic: "POPF"}, nil
	case opcode == 0xA3:
		addr, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: Memory, Address: addr, Width: 4},
				{Kind: Register, RegisterIndex: 0, Width: 4},
			},
		}, nil
	case opcode >= 0xB0 && opcode <= 0xB7:
		imm, err := cur.fetch8()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: Register, RegisterIndex: opcode - 0xB0, Width: 1},
				{Kind: Immediate, Immediate: uint32(imm), Width: 1},
			},
		}, nil
	case opcode >= 0xB8 && opcode <= 0xBF:
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "MOV",
			Operands: []Operand{
				{Kind: Register, RegisterIndex: opcode - 0xB8, Width: 4},
				{Kind: Immediate, Immediate: imm, Width: 4},
			},
		}, nil
	case opcode == 0xC1:
		return d.decodeShiftGroup(cur, opcode, true)
	case opcode == 0xC3:
		return &Instruction{Opcode: opcode, Mnemonic: "RET"}, nil
	case opcode == 0xCD:
		imm, err := cur.fetch8()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "INT",
			Operands: []Operand{{Kind: Immediate, Immediate: uint32(imm), Width: 1}},
		}, nil
	case opcode == 0xD1:
		return d.decodeShiftGroup(cur, opcode, false)
	case opcode == 0xE8:
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "CALL",
			Operands: []Operand{{Kind: Immediate, Immediate: imm, Width: 4}},
		}, nil
	case opcode == 0xE9:
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "JMP",
			Operands: []Operand{{Kind: Immediate, Immediate: imm, Width: 4}},
		}, nil
	case opcode == 0xEB:
		imm, err := cur.fetch8()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: "JMP",
			Operands: []Operand{{Kind: Immediate, Immediate: uint32(imm), Width: 1}},
		}, nil
	case opcode == 0xF4:
		return &Instruction{Opcode: opcode, Mnemonic: "HLT"}, nil
	case opcode == 0xF7:
		return d.decodeGroup3(cur, opcode)
	case opcode == 0xFA:
		return &Instruction{Opcode: opcode, Mnemonic: "CLI"}, nil
	case opcode == 0xFB:
		return &Instruction{Opcode: opcode, Mnemonic: "STI"}, nil
	case opcode == 0xFC:
		return &Instruction{Opcode: opcode, Mnemonic: "CLD"}, nil
	case opcode == 0xFD:
		return &Instruction{Opcode: opcode, Mnemonic: "STD"}, nil
	default:
		return nil, decodeErr(cur.start, opcode, "unknown opcode")
	}
}

func (d *Decoder) decodeTwoByte(cur *cursor) (*Instruction, error) {
	opcode2, err := cur.fetch8()
	if err != nil {
		return nil, err
	}
	switch opcode2 {
	case 0x31:
		return &Instruction{Opcode: opcode2, Mnemonic: "RDTSC"}, nil
	case 0xAF:
		rm, reg, err := decodeModRM(cur, 4)
		if err != nil {
			return nil, err
		}
		return &Instruction{Opcode: opcode2, Mnemonic: "IMUL2", Operands: []Operand{reg, rm}}, nil
	case 0xC7:
		rm, reg, err := decodeModRM(cur, 4)
		if err != nil {
			return nil, err
		}
		switch reg.RegisterIndex {
		case 6:
			return &Instruction{Opcode: opcode2, Mnemonic: "RDRAND", Operands: []Operand{rm}}, nil
		case 7:
			return &Instruction{Opcode: opcode2, Mnemonic: "RDSEED", Operands: []Operand{rm}}, nil
		default:
			return nil, decodeErr(cur.start, opcode2, fmt.Sprintf("invalid 0x0F 0xC7 group subop %d", reg.RegisterIndex))
		}
	case 0x8C:
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode2, Mnemonic: "JL",
			Operands: []Operand{{Kind: Immediate, Immediate: imm, Width: 4}},
		}, nil
	default:
		return nil, decodeErr(cur.start, opcode2, "unknown two-byte extension")
	}
}

func (d *Decoder) decodeALUGroup(cur *cursor, opcode byte) (*Instruction, error) {
	rm, reg, err := decodeModRM(cur, 4)
	if err != nil {
		return nil, err
	}
	mnemonic := aluSubopNames[reg.RegisterIndex&7]
	if opcode == 0x81 {
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: mnemonic,
			Operands: []Operand{rm, {Kind: Immediate, Immediate: imm, Width: 4}},
		}, nil
	}
	imm, err := cur.fetch8()
	if err != nil {
		return nil, err
	}
	return &Instruction{
		Opcode: opcode, Mnemonic: mnemonic,
		Operands: []Operand{rm, {Kind: Immediate, Immediate: uint32(imm), Width: 1}},
	}, nil
}

func (d *Decoder) decodeGroup3(cur *cursor, opcode byte) (*Instruction, error) {
	rm, reg, err := decodeModRM(cur, 4)
	if err != nil {
		return nil, err
	}
	mnemonic := group3SubopNames[reg.RegisterIndex&7]
	if reg.RegisterIndex <= 1 {
		imm, err := cur.fetch32()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: mnemonic,
			Operands: []Operand{rm, {Kind: Immediate, Immediate: imm, Width: 4}},
		}, nil
	}
	return &Instruction{Opcode: opcode, Mnemonic: mnemonic, Operands: []Operand{rm}}, nil
}

func (d *Decoder) decodeShiftGroup(cur *cursor, opcode byte, hasImm8 bool) (*Instruction, error) {
	rm, reg, err := decodeModRM(cur, 4)
	if err != nil {
		return nil, err
	}
	var mnemonic string
	switch reg.RegisterIndex {
	case 4:
		mnemonic = "SHL"
	case 5:
		mnemonic = "SHR"
	default:
		return nil, decodeErr(cur.start, opcode, fmt.Sprintf("invalid shift group subop %d", reg.RegisterIndex))
	}
	if hasImm8 {
		imm, err := cur.fetch8()
		if err != nil {
			return nil, err
		}
		return &Instruction{
			Opcode: opcode, Mnemonic: mnemonic,
			Operands: []Operand{rm, {Kind: Immediate, Immediate: uint32(imm), Width: 1}},
		}, nil
	}
	return &Instruction{
		Opcode: opcode, Mnemonic: mnemonic,
		Operands: []Operand{rm, {Kind: Immediate, Immediate: 1, Width: 1}},
	}, nil
}

// decodeRMtoReg decodes the (r/m, reg) direction-bit-0 family: 0x00/01, 0x08/09, …
func (d *Decoder) decodeRMtoReg(cur *cursor, opcode byte, mnemonic string, w int) (*Instruction, error) {
	rm, reg, err := decodeModRM(cur, w)
	if err != nil {
		return nil, err
	}
	return &Instruction{Opcode: opcode, Mnemonic: mnemonic, Operands: []Operand{rm, reg}}, nil
}

// decodeRegToRM decodes the (reg, r/m) reversed-direction family: 0x02/03.
func (d *Decoder) decodeRegToRM(cur *cursor, opcode byte, mnemonic string, w int) (*Instruction, error) {
	rm, reg, err := decodeModRM(cur, w)
	if err != nil {
		return nil, err
	}
	return &Instruction{Opcode: opcode, Mnemonic: mnemonic, Operands: []Operand{reg, rm}}, nil
}

func (d *Decoder) decodeEAXImm32(cur *cursor, opcode byte, mnemonic string) (*Instruction, error) {
	imm, err := cur.fetch32()
	if err != nil {
		return nil, err
	}
	return &Instruction{
		Opcode: opcode, Mnemonic: mnemonic,
		Operands: []Operand{
			{Kind: Register, RegisterIndex: 0, Width: 4},
			{Kind: Immediate, Immediate: imm, Width: 4},
		},
	}, nil
}

// width returns 1 if opcode is the "even" byte-sized member of an
// even/odd opcode pair (base), else 4.
func width(opcode, base byte) int {
	if opcode == base {
		return 1
	}
	return 4
}

func regOnly(opcode byte, mnemonic string, regIndex byte) *Instruction {
	return &Instruction{
		Opcode: opcode, Mnemonic: mnemonic,
		Operands: []Operand{{Kind: Register, RegisterIndex: regIndex, Width: 4}},
	}
}
