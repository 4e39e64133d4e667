package decoder

import "ia32sim/errs"

// decodeModRM reads a ModR/M byte and any trailing displacement, following
// the standard IA-32 layout (spec §4.2 "ModR/M decoding"). width is the
// operand access width (1 or 4) shared by both the r/m and reg operands.
// It returns the r/m operand first and the register operand second,
// matching the decoder's [operand0, operand1] convention for non-reversed
// opcodes; callers needing the reversed (reg, r/m) order swap them.
func decodeModRM(cur *cursor, width int) (rm Operand, reg Operand, err error) {
	b, err := cur.fetch8()
	if err != nil {
		return Operand{}, Operand{}, err
	}
	mod := b >> 6
	regField := (b >> 3) & 7
	rmField := b & 7

	reg = Operand{Kind: Register, RegisterIndex: regField, Width: width}

	switch mod {
	case 0b11:
		rm = Operand{Kind: Register, RegisterIndex: rmField, Width: width}
	case 0b00:
		if rmField == 5 {
			addr, ferr := cur.fetch32()
			if ferr != nil {
				return Operand{}, Operand{}, ferr
			}
			rm = Operand{Kind: Memory, Address: addr, Width: width}
		} else {
			rm = Operand{Kind: RegisterIndirect, RegisterIndex: rmField, Width: width}
		}
	case 0b01:
		disp, ferr := cur.fetch8()
		if ferr != nil {
			return Operand{}, Operand{}, ferr
		}
		rm = Operand{
			Kind: RegisterIndirectDisplacement, RegisterIndex: rmField, Width: width,
			Displacement: uint32(disp), DisplacementSize: 1,
		}
	case 0b10:
		disp, ferr := cur.fetch32()
		if ferr != nil {
			return Operand{}, Operand{}, ferr
		}
		rm = Operand{
			Kind: RegisterIndirectDisplacement, RegisterIndex: rmField, Width: width,
			Displacement: disp, DisplacementSize: 4,
		}
	default:
		return Operand{}, Operand{}, &errs.DecodeError{Reason: "unreachable ModR/M mod field"}
	}

	return rm, reg, nil
}
