package riscv64

import (
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
)

// Translate returns the physical address that corresponds to virtAddr under
// the address space rooted at rootFrame, or ErrInvalidMapping if no mapping
// covers it.
func Translate(rootFrame pmm.Frame, virtAddr mem.VirtAddr) (mem.PhysAddr, error) {
	pte, err := pteForAddress(rootFrame, virtAddr)
	if err != nil {
		return 0, err
	}
	return mem.PhysAddr(pte.Frame().Address()).Add(PageOffset(virtAddr)), nil
}

// PageOffset returns the offset of virtAddr within its containing page.
func PageOffset(virtAddr mem.VirtAddr) uintptr {
	return uintptr(virtAddr) & (uintptr(mem.PageSize) - 1)
}

// pteForAddress walks down to the final-level page table entry for
// virtAddr, returning ErrInvalidMapping if any level along the way is not
// present.
func pteForAddress(rootFrame pmm.Frame, virtAddr mem.VirtAddr) (*pageTableEntry, error) {
	var (
		entry *pageTableEntry
		err   error
	)

	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagValid) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if pte.isLeaf() || level == pageLevels-1 {
			entry = pte
			return false
		}

		return true
	})

	return entry, err
}
