package decoder

import (
	"fmt"
	"strings"
)

// String renders an Instruction the way the teacher's disasm.go renders a
// decoded PDP-11 word: mnemonic followed by its comma-separated operands.
func (ins Instruction) String() string {
	if len(ins.Operands) == 0 {
		return ins.Mnemonic
	}
	parts := make([]string, len(ins.Operands))
	for i, op := range ins.Operands {
		parts[i] = op.String()
	}
	return ins.Mnemonic + " " + strings.Join(parts, ", ")
}

// String renders a single operand in an assembler-ish syntax for debugging.
func (o Operand) String() string {
	switch o.Kind {
	case Register:
		return o.RegName()
	case Immediate:
		return fmt.Sprintf("%#x", o.Immediate)
	case Memory:
		return fmt.Sprintf("[%#x]", o.Address)
	case RegisterIndirect:
		return fmt.Sprintf("[%s]", o.RegName())
	case RegisterIndirectDisplacement:
		return fmt.Sprintf("[%s+%#x]", o.RegName(), o.Displacement)
	default:
		return "???"
	}
}
