// Package mmu implements the physical memory store and the
// virtual-to-physical translation, TLB, and two-level cache hierarchy
// described in spec §4.1. It owns the only copy of physical memory; the
// cpu and decoder packages reach it exclusively through this type.
package mmu

import (
	"log/slog"
	"os"

	"ia32sim/errs"
)

const (
	// PageSize is the fixed size of a virtual/physical page.
	PageSize = 4096
	// CacheLineSize is the size of a cache line (64-byte aligned).
	CacheLineSize = 64
	// TLBCapacity is the number of resident TLB entries before FIFO eviction.
	TLBCapacity = 64
	// L1Capacity is the number of resident L1 cache lines.
	L1Capacity = 256
	// L2Capacity is the number of resident L2 cache lines (unbounded in
	// spec; this module picks a larger, still-finite bound and an LRU policy).
	L2Capacity = 2048
)

// PageTableEntry models the observability fields of an IA-32 page table
// entry (spec §3). Only Present and FrameNumber affect translation
// semantics; the rest are recorded for state dumps.
type PageTableEntry struct {
	Present       bool
	Writable      bool
	UserMode      bool
	WriteThrough  bool
	CacheDisabled bool
	Accessed      bool
	Dirty         bool
	FrameNumber   uint32
}

// Statistics is a snapshot of the MMU's access counters plus derived rates.
type Statistics struct {
	TLBHits      uint64
	TLBMisses    uint64
	PageFaults   uint64
	CacheHits    uint64
	CacheMisses  uint64
	TLBHitRate   float64
	CacheHitRate float64
}

// MMU owns the physical byte store, the page directory, the free-frame and
// protected-page sets, the TLB, and the L1/L2 caches.
type MMU struct {
	memory []byte

	pageDirectory map[uint32]PageTableEntry
	pageOrder     []uint32 // insertion order of resident pages, for replacement

	freeFrames map[uint32]struct{}
	protected  map[uint32]struct{}

	tlb *tlb
	l1  *cache
	l2  *cache
	clk uint64 // shared logical clock driving cache LRU ordering

	stats Statistics

	log *slog.Logger
}

// New allocates a flat memorySize-byte physical store with every frame free.
func New(memorySize uint32) *MMU {
	frameCount := memorySize / PageSize
	free := make(map[uint32]struct{}, frameCount)
	for f := uint32(0); f < frameCount; f++ {
		free[f] = struct{}{}
	}
	return &MMU{
		memory:        make([]byte, memorySize),
		pageDirectory: make(map[uint32]PageTableEntry),
		freeFrames:    free,
		protected:     make(map[uint32]struct{}),
		tlb:           newTLB(TLBCapacity),
		l1:            newCache(L1Capacity),
		l2:            newCache(L2Capacity),
		log:           slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

// SetLogger overrides the MMU's structured logger (default discards below
// Error level). Tests and the CLI can pass a Debug-level logger to observe
// TLB/cache traffic.
func (m *MMU) SetLogger(l *slog.Logger) { m.log = l }

func splitAddr(vaddr uint32) (page uint32, offset uint32) {
	return vaddr / PageSize, vaddr % PageSize
}

// translate resolves a virtual address to its physical frame, servicing the
// TLB, walking the page directory on a miss, and allocating a fresh frame on
// a page fault (spec §4.1 "Address translation").
func (m *MMU) translate(vaddr uint32) (frame uint32, err error) {
	page, _ := splitAddr(vaddr)

	if f, ok := m.tlb.lookup(page); ok {
		m.stats.TLBHits++
		m.log.Debug("tlb hit", "page", page, "frame", f)
		return f, nil
	}
	m.stats.TLBMisses++

	pte, ok := m.pageDirectory[page]
	if !ok || !pte.Present {
		m.stats.PageFaults++
		m.log.Debug("page fault", "page", page)
		frame, err = m.allocateFrame(page)
		if err != nil {
			return 0, err
		}
		pte = PageTableEntry{Present: true, Writable: true, FrameNumber: frame}
		m.pageDirectory[page] = pte
		m.pageOrder = append(m.pageOrder, page)
	} else {
		frame = pte.FrameNumber
	}

	if evicted, had := m.tlb.insert(page, frame); had {
		m.log.Debug("tlb evict", "page", evicted)
	}
	return frame, nil
}

// allocateFrame picks a free frame, or evicts the first (insertion-order)
// unprotected resident page if none is free (spec §4.1 "Frame allocation
// policy").
func (m *MMU) allocateFrame(forPage uint32) (uint32, error) {
	if f, ok := m.minFreeFrame(); ok {
		delete(m.freeFrames, f)
		return f, nil
	}

	for i, victimPage := range m.pageOrder {
		if _, isProtected := m.protected[victimPage]; isProtected {
			continue
		}
		victim := m.pageDirectory[victimPage]
		m.pageOrder = append(m.pageOrder[:i:i], m.pageOrder[i+1:]...)
		delete(m.pageDirectory, victimPage)
		m.tlb.invalidate(victimPage)
		m.log.Debug("page replaced", "victim_page", victimPage, "for_page", forPage, "frame", victim.FrameNumber)
		return victim.FrameNumber, nil
	}

	return 0, &errs.OutOfPhysicalMemory{}
}

func (m *MMU) minFreeFrame() (uint32, bool) {
	var best uint32
	found := false
	for f := range m.freeFrames {
		if !found || f < best {
			best = f
			found = true
		}
	}
	return best, found
}

func (m *MMU) physicalAddr(frame, offset uint32) uint32 { return frame*PageSize + offset }

// readPhysical performs the cache-mediated read described in spec §4.1
// "Cache hierarchy (read path)".
func (m *MMU) readPhysical(paddr uint32, size int) ([]byte, error) {
	if err := m.checkBounds(paddr, size); err != nil {
		return nil, err
	}

	line := (paddr / CacheLineSize) * CacheLineSize
	m.clk++
	if e, ok := m.l1.lookup(line); ok && e.valid {
		m.stats.CacheHits++
		e.lastAccess = m.clk
		m.log.Debug("cache hit", "level", 1, "line", line)
	} else if e, ok := m.l2.lookup(line); ok {
		m.stats.CacheHits++
		e.lastAccess = m.clk
		m.log.Debug("cache hit", "level", 2, "line", line)
		m.l1.insert(line, &cacheEntry{valid: true, lastAccess: m.clk})
	} else {
		m.stats.CacheMisses++
		m.log.Debug("cache miss", "line", line)
		m.l1.insert(line, &cacheEntry{valid: true, lastAccess: m.clk})
	}

	return m.memory[paddr : paddr+uint32(size)], nil
}

// writePhysical performs the write-through write described in spec §4.1
// "Cache hierarchy (write path)".
func (m *MMU) writePhysical(paddr uint32, data []byte) error {
	if err := m.checkBounds(paddr, len(data)); err != nil {
		return err
	}
	copy(m.memory[paddr:], data)

	line := (paddr / CacheLineSize) * CacheLineSize
	m.l1.invalidate(line)
	m.l2.invalidate(line)
	return nil
}

func (m *MMU) checkBounds(paddr uint32, size int) error {
	if uint64(paddr)+uint64(size) > uint64(len(m.memory)) {
		return &errs.MemoryAccessViolation{Addr: paddr, Size: size}
	}
	return nil
}

func (m *MMU) accessPhysical(vaddr uint32) (uint32, error) {
	_, offset := splitAddr(vaddr)
	frame, err := m.translate(vaddr)
	if err != nil {
		return 0, err
	}
	return m.physicalAddr(frame, offset), nil
}

// ReadByte reads one byte at the given virtual address.
func (m *MMU) ReadByte(vaddr uint32) (byte, error) {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return 0, err
	}
	b, err := m.readPhysical(paddr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadWord reads a little-endian 16-bit value at the given virtual address.
func (m *MMU) ReadWord(vaddr uint32) (uint16, error) {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return 0, err
	}
	b, err := m.readPhysical(paddr, 2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// ReadDWord reads a little-endian 32-bit value at the given virtual address.
func (m *MMU) ReadDWord(vaddr uint32) (uint32, error) {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return 0, err
	}
	b, err := m.readPhysical(paddr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// WriteByte writes one byte at the given virtual address.
func (m *MMU) WriteByte(vaddr uint32, v byte) error {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return err
	}
	return m.writePhysical(paddr, []byte{v})
}

// WriteWord writes a little-endian 16-bit value at the given virtual address.
func (m *MMU) WriteWord(vaddr uint32, v uint16) error {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return err
	}
	return m.writePhysical(paddr, []byte{byte(v), byte(v >> 8)})
}

// WriteDWord writes a little-endian 32-bit value at the given virtual address.
func (m *MMU) WriteDWord(vaddr uint32, v uint32) error {
	paddr, err := m.accessPhysical(vaddr)
	if err != nil {
		return err
	}
	return m.writePhysical(paddr, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// LoadProgram writes bytes sequentially starting at startAddr and pins every
// page the range overlaps against replacement (spec §4.1 "loadProgram").
func (m *MMU) LoadProgram(program []byte, startAddr uint32) error {
	for i, b := range program {
		if err := m.WriteByte(startAddr+uint32(i), b); err != nil {
			return err
		}
	}
	if len(program) == 0 {
		return nil
	}
	startPage, _ := splitAddr(startAddr)
	endPage, _ := splitAddr(startAddr + uint32(len(program)) - 1)
	for p := startPage; p <= endPage; p++ {
		m.ProtectPage(p)
	}
	return nil
}

// ProtectPage pins a page number against replacement.
func (m *MMU) ProtectPage(page uint32) { m.protected[page] = struct{}{} }

// UnprotectPage releases a page number for replacement.
func (m *MMU) UnprotectPage(page uint32) { delete(m.protected, page) }

// UnprotectAllPages releases every pinned page.
func (m *MMU) UnprotectAllPages() { m.protected = make(map[uint32]struct{}) }

// FreePage unconditionally removes a page's mapping: its page-directory
// entry, its TLB entry, and returns its frame to the free set.
func (m *MMU) FreePage(page uint32) {
	pte, ok := m.pageDirectory[page]
	if !ok {
		return
	}
	delete(m.pageDirectory, page)
	for i, p := range m.pageOrder {
		if p == page {
			m.pageOrder = append(m.pageOrder[:i:i], m.pageOrder[i+1:]...)
			break
		}
	}
	m.tlb.invalidate(page)
	m.freeFrames[pte.FrameNumber] = struct{}{}
}

// ClearCaches invalidates the TLB, L1, and L2 caches without touching the
// page directory or protected set.
func (m *MMU) ClearCaches() {
	m.tlb.clear()
	m.l1.clear()
	m.l2.clear()
}

// ResetStatistics zeroes every access counter.
func (m *MMU) ResetStatistics() { m.stats = Statistics{} }

// GetStatistics returns a snapshot of the counters with derived hit rates,
// never propagating NaN when a denominator is zero (spec §4.1).
func (m *MMU) GetStatistics() Statistics {
	s := m.stats
	if total := s.TLBHits + s.TLBMisses; total > 0 {
		s.TLBHitRate = float64(s.TLBHits) / float64(total)
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(total)
	}
	return s
}

// Reset reinitializes the MMU's bookkeeping to its power-on state: every
// cache and the page directory are cleared, every frame is freed, and every
// page is unprotected (spec §3 "Lifecycle"). The physical byte store is not
// zeroed. Pinning is re-established only by a subsequent LoadProgram.
func (m *MMU) Reset() {
	m.ClearCaches()
	m.pageDirectory = make(map[uint32]PageTableEntry)
	m.pageOrder = nil
	m.UnprotectAllPages()
	m.freeFrames = make(map[uint32]struct{}, len(m.memory)/PageSize)
	for f := uint32(0); f < uint32(len(m.memory))/PageSize; f++ {
		m.freeFrames[f] = struct{}{}
	}
	m.ResetStatistics()
}

// MemorySize returns the physical memory size in bytes.
func (m *MMU) MemorySize() uint32 { return uint32(len(m.memory)) }
