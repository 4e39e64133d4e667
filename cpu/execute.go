package cpu

import (
	"math"
	"math/rand"
	"time"

	"ia32sim/decoder"
	"ia32sim/errs"
)

// conditionTrue evaluates a Jcc mnemonic against the current flags (spec
// §4.3's condition table). Shared by the 0x70-0x7F short jumps and the
// 0x0F 0x8C near JL.
func conditionTrue(mnemonic string, f Flags) (bool, bool) {
	switch mnemonic {
	case "JO":
		return f.OF, true
	case "JNO":
		return !f.OF, true
	case "JC":
		return f.CF, true
	case "JNC":
		return !f.CF, true
	case "JZ":
		return f.ZF, true
	case "JNZ":
		return !f.ZF, true
	case "JBE":
		return f.CF || f.ZF, true
	case "JA":
		return !f.CF && !f.ZF, true
	case "JS":
		return f.SF, true
	case "JNS":
		return !f.SF, true
	case "JP":
		return f.PF, true
	case "JNP":
		return !f.PF, true
	case "JL":
		return f.SF != f.OF, true
	case "JGE":
		return f.SF == f.OF, true
	case "JLE":
		return f.ZF || (f.SF != f.OF), true
	case "JG":
		return !f.ZF && (f.SF == f.OF), true
	default:
		return false, false
	}
}

// jumpTo sets EIP from a jump-shaped operand: a width-1 operand is a
// signed rel8 offset added to eip0 (the opcode's own address); a width-4
// operand is an absolute target, per the simulator's deliberate departure
// from real IA-32 documented in spec §9.
func (c *CPU) jumpTo(op decoder.Operand, eip0 uint32) {
	if op.Width == 1 {
		c.eip = eip0 + uint32(int32(int8(byte(op.Immediate))))
		return
	}
	c.eip = op.Immediate
}

// execute carries out a decoded instruction's architectural effects. eip0
// is the address of the instruction being executed (EIP before this step
// advances it), needed by CALL/JMP/Jcc.
func (c *CPU) execute(ins *decoder.Instruction, eip0 uint32) error {
	switch ins.Mnemonic {
	case "NOP":
		return nil

	case "MOV", "MOVSXD":
		src, err := c.readOperand(ins.Operands[1])
		if err != nil {
			return err
		}
		return c.writeOperand(ins.Operands[0], src)

	case "ADD":
		return c.execALU(ins, func(a, b uint32) uint32 {
			r := a + b
			c.flags.updateAdd(a, b, r)
			return r
		})
	case "ADC":
		return c.execALU(ins, func(a, b uint32) uint32 {
			carryIn := c.flags.CF
			r := a + b
			if carryIn {
				r++
			}
			c.flags.updateAdc(a, b, carryIn, r)
			return r
		})
	case "SUB":
		return c.execALU(ins, func(a, b uint32) uint32 {
			r := a - b
			c.flags.updateSub(a, b, r)
			return r
		})
	case "SBB":
		return c.execALU(ins, func(a, b uint32) uint32 {
			carryIn := c.flags.CF
			r := a - b
			if carryIn {
				r--
			}
			c.flags.updateSbb(a, b, carryIn, r)
			return r
		})
	case "AND":
		return c.execALU(ins, func(a, b uint32) uint32 {
			r := a & b
			c.flags.updateLogic(r)
			return r
		})
	case "OR":
		return c.execALU(ins, func(a, b uint32) uint32 {
			r := a | b
			c.flags.updateLogic(r)
			return r
		})
	case "XOR":
		return c.execALU(ins, func(a, b uint32) uint32 {
			r := a ^ b
			c.flags.updateLogic(r)
			return r
		})
	case "CMP":
		a, b, err := c.readBoth(ins)
		if err != nil {
			return err
		}
		c.flags.updateSub(a, b, a-b)
		return nil
	case "TEST":
		a, b, err := c.readBoth(ins)
		if err != nil {
			return err
		}
		c.flags.updateLogic(a & b)
		return nil

	case "INC":
		old := c.regs.read32(ins.Operands[0].RegisterIndex)
		r := old + 1
		c.flags.updateAdd(old, 1, r)
		c.regs.write32(ins.Operands[0].RegisterIndex, r)
		return nil
	case "DEC":
		old := c.regs.read32(ins.Operands[0].RegisterIndex)
		r := old - 1
		c.flags.updateSub(old, 1, r)
		c.regs.write32(ins.Operands[0].RegisterIndex, r)
		return nil

	case "NOT":
		v, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		return c.writeOperand(ins.Operands[0], ^v)
	case "NEG":
		v, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		c.flags.CF = v != 0
		return c.writeOperand(ins.Operands[0], -v)

	case "SHL":
		return c.execShift(ins, true)
	case "SHR":
		return c.execShift(ins, false)

	case "XCHG":
		a, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		b, err := c.readOperand(ins.Operands[1])
		if err != nil {
			return err
		}
		if err := c.writeOperand(ins.Operands[0], b); err != nil {
			return err
		}
		return c.writeOperand(ins.Operands[1], a)

	case "MUL":
		src, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		eax := uint64(c.regs.read32(regEAX))
		product := eax * uint64(src)
		c.regs.write32(regEAX, uint32(product))
		c.regs.write32(regEDX, 0)
		overflow := product > 0xFFFFFFFF
		c.flags.CF = overflow
		c.flags.OF = overflow
		return nil
	case "IMUL":
		src, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		product := int64(int32(c.regs.read32(regEAX))) * int64(int32(src))
		c.regs.write32(regEAX, uint32(int32(product)))
		c.regs.write32(regEDX, 0)
		overflow := product < math.MinInt32 || product > math.MaxInt32
		c.flags.CF = overflow
		c.flags.OF = overflow
		return nil
	case "IMUL2":
		dstVal, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		srcVal, err := c.readOperand(ins.Operands[1])
		if err != nil {
			return err
		}
		product := int64(int32(dstVal)) * int64(int32(srcVal))
		result := uint32(int32(product))
		overflow := product < math.MinInt32 || product > math.MaxInt32
		c.flags.CF = overflow
		c.flags.OF = overflow
		c.flags.updateZSP(result)
		return c.writeOperand(ins.Operands[0], result)

	case "DIV":
		divisor, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		if divisor == 0 {
			return &errs.DivideByZero{}
		}
		dividend := c.regs.read32(regEAX)
		c.regs.write32(regEAX, dividend/divisor)
		c.regs.write32(regEDX, dividend%divisor)
		return nil
	case "IDIV":
		divisorU, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		divisor := int32(divisorU)
		if divisor == 0 {
			return &errs.DivideByZero{}
		}
		dividend := int64(int32(c.regs.read32(regEAX)))
		quotient := dividend / int64(divisor)
		remainder := dividend % int64(divisor)
		if quotient < math.MinInt32 || quotient > math.MaxInt32 {
			return &errs.DivideOverflow{}
		}
		c.regs.write32(regEAX, uint32(int32(quotient)))
		c.regs.write32(regEDX, uint32(int32(remainder)))
		return nil

	case "PUSH":
		v, err := c.readOperand(ins.Operands[0])
		if err != nil {
			return err
		}
		return c.push(v)
	case "POP":
		v, err := c.pop()
		if err != nil {
			return err
		}
		return c.writeOperand(ins.Operands[0], v)

	case "PUSHF":
		return c.push(c.flags.Pack())
	case "POPF":
		v, err := c.pop()
		if err != nil {
			return err
		}
		c.flags = Unpack(v)
		c.interruptEnabled = c.flags.IF
		return nil

	case "CALL":
		// The return address is the instruction immediately following
		// CALL (spec §8 property 5), computed manually here since the
		// jump below takes the place of the step loop's auto-advance.
		if err := c.push(eip0 + uint32(ins.Size)); err != nil {
			return err
		}
		c.jumpTo(ins.Operands[0], eip0)
		return nil
	case "RET":
		v, err := c.pop()
		if err != nil {
			return err
		}
		c.eip = v
		return nil
	case "JMP":
		c.jumpTo(ins.Operands[0], eip0)
		return nil

	case "INT":
		c.interrupts++
		return nil
	case "HLT":
		c.halted = true
		return nil
	case "CLI":
		c.flags.IF = false
		c.interruptEnabled = false
		return nil
	case "STI":
		c.flags.IF = true
		c.interruptEnabled = true
		return nil
	case "CLD":
		c.flags.DF = false
		return nil
	case "STD":
		c.flags.DF = true
		return nil

	case "RDRAND", "RDSEED":
		v := rand.Uint32()
		c.flags.CF = true
		c.flags.OF = false
		c.flags.SF = false
		c.flags.ZF = false
		c.flags.AF = false
		c.flags.PF = false
		return c.writeOperand(ins.Operands[0], v)
	case "RDTSC":
		ticks := uint64(time.Now().UnixMicro())
		c.regs.write32(regEAX, uint32(ticks))
		c.regs.write32(regEDX, uint32(ticks>>32))
		return nil

	default:
		if taken, ok := conditionTrue(ins.Mnemonic, c.flags); ok {
			if taken {
				c.jumpTo(ins.Operands[0], eip0)
			}
			return nil
		}
		return &errs.DecodeError{Addr: eip0, Opcode: ins.Opcode, Reason: "unimplemented mnemonic " + ins.Mnemonic}
	}
}

// execALU applies a two-operand ALU op whose first operand is both the
// source and destination, writing the result back unless it is an
// operand kind that forbids it (it never is here: ALU destinations are
// always REGISTER or memory-addressable).
func (c *CPU) execALU(ins *decoder.Instruction, op func(a, b uint32) uint32) error {
	a, b, err := c.readBoth(ins)
	if err != nil {
		return err
	}
	return c.writeOperand(ins.Operands[0], op(a, b))
}

func (c *CPU) readBoth(ins *decoder.Instruction) (a, b uint32, err error) {
	a, err = c.readOperand(ins.Operands[0])
	if err != nil {
		return 0, 0, err
	}
	b, err = c.readOperand(ins.Operands[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (c *CPU) execShift(ins *decoder.Instruction, left bool) error {
	pre, err := c.readOperand(ins.Operands[0])
	if err != nil {
		return err
	}
	countVal, err := c.readOperand(ins.Operands[1])
	if err != nil {
		return err
	}
	count := uint(countVal) & 31
	var result uint32
	if left {
		result = pre << count
		c.flags.updateShl(pre, count, result)
	} else {
		result = pre >> count
		c.flags.updateShr(pre, count, result)
	}
	return c.writeOperand(ins.Operands[0], result)
}

func (c *CPU) push(v uint32) error {
	esp := c.regs.read32(regESP) - 4
	if err := c.mmu.WriteDWord(esp, v); err != nil {
		return err
	}
	c.regs.write32(regESP, esp)
	return nil
}

func (c *CPU) pop() (uint32, error) {
	esp := c.regs.read32(regESP)
	v, err := c.mmu.ReadDWord(esp)
	if err != nil {
		return 0, err
	}
	c.regs.write32(regESP, esp+4)
	return v, nil
}
