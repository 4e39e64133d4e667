package cpu

// CPUState is a deep-copied snapshot of architectural state for dashboards
// and tests (spec §6 "getState"). SegmentRegisters/ControlRegisters are
// inert placeholders carried for observability only (spec §3).
type CPUState struct {
	Registers         map[string]uint32
	Flags             Flags
	EIP               uint32
	Halted            bool
	InterruptEnabled  bool
	SegmentRegisters  map[string]uint32
	ControlRegisters  map[string]uint32
	InstructionCount  uint64
	CycleCount        uint64
}

// CPUStatistics merges the CPU's own counters with a fresh MMU snapshot
// (spec §9 "Statistics aggregation").
type CPUStatistics struct {
	InstructionCount uint64
	CycleCount       uint64
	Interrupts       uint64
	Utilization      float64
	TLBHits          uint64
	TLBMisses        uint64
	PageFaults       uint64
	CacheHits        uint64
	CacheMisses      uint64
	TLBHitRate       float64
	CacheHitRate     float64
}

var registerNames = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// GetState returns a deep copy of the CPU's architectural state.
func (c *CPU) GetState() CPUState {
	regs := make(map[string]uint32, 8)
	for i, name := range registerNames {
		regs[name] = c.regs[i]
	}
	return CPUState{
		Registers:        regs,
		Flags:            c.flags,
		EIP:              c.eip,
		Halted:           c.halted,
		InterruptEnabled: c.interruptEnabled,
		SegmentRegisters: map[string]uint32{"CS": 0, "DS": 0, "ES": 0, "SS": 0, "FS": 0, "GS": 0},
		ControlRegisters: map[string]uint32{"CR0": 0, "CR2": 0, "CR3": 0, "CR4": 0},
		InstructionCount: c.instructionCount,
		CycleCount:       c.cycleCount,
	}
}

// GetStatistics merges the CPU's instruction/cycle counters with the MMU's
// access counters and derives utilization, never propagating NaN (spec §9).
func (c *CPU) GetStatistics() CPUStatistics {
	mmuStats := c.mmu.GetStatistics()
	var utilization float64
	if c.cycleCount > 0 {
		utilization = (float64(c.instructionCount) / float64(c.cycleCount)) * 100
	}
	return CPUStatistics{
		InstructionCount: c.instructionCount,
		CycleCount:       c.cycleCount,
		Interrupts:       c.interrupts,
		Utilization:      utilization,
		TLBHits:          mmuStats.TLBHits,
		TLBMisses:        mmuStats.TLBMisses,
		PageFaults:       mmuStats.PageFaults,
		CacheHits:        mmuStats.CacheHits,
		CacheMisses:      mmuStats.CacheMisses,
		TLBHitRate:       mmuStats.TLBHitRate,
		CacheHitRate:     mmuStats.CacheHitRate,
	}
}
