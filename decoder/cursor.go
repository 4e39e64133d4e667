package decoder

import "ia32sim/mmu"

// cursor walks forward through memory from a decode's starting virtual
// address, accumulating the byte count that becomes Instruction.Size. Every
// fetch goes through the MMU's normal read path, so decoding warms the TLB
// and cache exactly like any other access (spec §4.2, intentional).
type cursor struct {
	m     *mmu.MMU
	start uint32
	pos   uint32
}

func newCursor(m *mmu.MMU, start uint32) *cursor {
	return &cursor{m: m, start: start}
}

func (c *cursor) fetch8() (byte, error) {
	b, err := c.m.ReadByte(c.start + c.pos)
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

func (c *cursor) fetch32() (uint32, error) {
	v, err := c.m.ReadDWord(c.start + c.pos)
	if err != nil {
		return 0, err
	}
	c.pos += 4
	return v, nil
}

func (c *cursor) size() int { return int(c.pos) }
