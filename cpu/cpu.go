// Package cpu implements the fetch-decode-execute step loop, architectural
// registers and flags, and breakpoint bookkeeping described in spec §4.3-4.4.
// It owns an mmu.MMU and a decoder.Decoder by composition; the decoder reads
// through that same MMU (spec §5 "Shared-resource policy").
package cpu

import (
	"log/slog"
	"os"

	"ia32sim/decoder"
	"ia32sim/mmu"
)

// CPU owns architectural state, a breakpoint set, and the MMU/Decoder pair
// it drives each step.
type CPU struct {
	regs             registerFile
	flags            Flags
	eip              uint32
	halted           bool
	interruptEnabled bool

	mmu *mmu.MMU
	dec *decoder.Decoder

	breakpoints map[uint32]struct{}

	instructionCount uint64
	cycleCount       uint64
	interrupts       uint64

	log *slog.Logger
}

// New creates a CPU with its own memorySize-byte MMU, reset to its
// power-on state (spec §3 "CPU state", ESP starts at 0xFFFF).
func New(memorySize uint32) *CPU {
	c := &CPU{
		mmu:         mmu.New(memorySize),
		breakpoints: make(map[uint32]struct{}),
		log:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
	c.dec = decoder.New(c.mmu)
	c.resetArchitecturalState()
	return c
}

// SetLogger overrides the CPU's structured logger and forwards it to the MMU.
func (c *CPU) SetLogger(l *slog.Logger) {
	c.log = l
	c.mmu.SetLogger(l)
}

func (c *CPU) resetArchitecturalState() {
	c.regs = registerFile{}
	c.regs.write32(regESP, 0xFFFF)
	c.flags = Flags{}
	c.eip = 0
	c.halted = false
	c.interruptEnabled = false
	c.instructionCount = 0
	c.cycleCount = 0
	c.interrupts = 0
}

// Reset reinitializes registers, flags, EIP, halted state, and every
// counter, and resets the MMU's caches, page directory, frames and pinning
// (spec §3 "Lifecycle"); physical memory contents are kept. Breakpoints are
// a debugging aid and survive reset.
func (c *CPU) Reset() {
	c.resetArchitecturalState()
	c.mmu.Reset()
}

// LoadProgram writes bytes through the MMU (pinning their pages) and
// positions EIP at the load address, the natural entry point for a freshly
// loaded program (spec §6 "loadProgram(bytes, addr=0)").
func (c *CPU) LoadProgram(program []byte, addr uint32) error {
	if err := c.mmu.LoadProgram(program, addr); err != nil {
		return err
	}
	c.eip = addr
	return nil
}

// Step executes exactly one instruction (spec §4.4). If the CPU is
// halted, Step is a no-op. Decode and execute errors propagate to the
// caller with EIP left at its pre-step value; counters are only advanced
// once the instruction completes successfully.
func (c *CPU) Step() error {
	if c.halted {
		return nil
	}

	eip0 := c.eip
	ins, err := c.dec.Decode(eip0)
	if err != nil {
		return err
	}

	if err := c.execute(ins, eip0); err != nil {
		return err
	}

	c.instructionCount++
	c.cycleCount += costOf(ins.Mnemonic)

	if c.eip == eip0 {
		c.eip = eip0 + uint32(ins.Size)
	}
	return nil
}

// RunUntilBreakpoint repeats Step while the CPU is neither halted nor
// sitting on a breakpoint address.
func (c *CPU) RunUntilBreakpoint() error {
	for !c.halted && !c.IsAtBreakpoint() {
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

// IsHalted reports whether HLT has executed since the last reset.
func (c *CPU) IsHalted() bool { return c.halted }

// IsAtBreakpoint reports whether EIP currently sits on a breakpoint.
func (c *CPU) IsAtBreakpoint() bool {
	_, ok := c.breakpoints[c.eip]
	return ok
}

// SetBreakpoint arms a breakpoint at a virtual address.
func (c *CPU) SetBreakpoint(addr uint32) { c.breakpoints[addr] = struct{}{} }

// RemoveBreakpoint disarms a breakpoint.
func (c *CPU) RemoveBreakpoint(addr uint32) { delete(c.breakpoints, addr) }

// ClearBreakpoints disarms every breakpoint.
func (c *CPU) ClearBreakpoints() { c.breakpoints = make(map[uint32]struct{}) }

// GetInstructionAt decodes the instruction at a virtual address without
// affecting CPU state beyond the MMU's normal TLB/cache traffic.
func (c *CPU) GetInstructionAt(addr uint32) (*decoder.Instruction, error) {
	return c.dec.Decode(addr)
}

// GetInstructionsAt decodes up to count consecutive instructions starting
// at addr, stopping early and returning what was collected if decoding
// fails partway through (spec §4.4 "Disassembly helper").
func (c *CPU) GetInstructionsAt(addr uint32, count int) []*decoder.Instruction {
	out := make([]*decoder.Instruction, 0, count)
	for i := 0; i < count; i++ {
		ins, err := c.dec.Decode(addr)
		if err != nil {
			break
		}
		out = append(out, ins)
		addr += uint32(ins.Size)
	}
	return out
}

// GetMMU returns the CPU's MMU.
func (c *CPU) GetMMU() *mmu.MMU { return c.mmu }

// GetDecoder returns the CPU's decoder.
func (c *CPU) GetDecoder() *decoder.Decoder { return c.dec }
