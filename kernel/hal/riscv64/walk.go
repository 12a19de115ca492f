package riscv64

import (
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"unsafe"
)

// entryPtrFn resolves the virtual address of a page table entry given the
// physical frame holding the table and the entry's index within it. It is
// swapped out in tests so walk() can be exercised against a plain byte
// slice instead of real physical memory.
var entryPtrFn = func(tableFrame pmm.Frame, index uintptr) unsafe.Pointer {
	tableVirt := mem.PhysAddr(tableFrame.Address()).ToVirt()
	return unsafe.Pointer(tableVirt.Add(index << mem.PointerShift).Raw())
}

// pageTableWalker is called by walk with the page table entry that
// corresponds to each paging level in turn. Returning false aborts the walk.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr starting at rootFrame,
// calling walkFn once per level. Unlike the x86 recursive-mapping scheme
// this teacher's own walker relied on, table addresses are resolved through
// the physical-memory map: every address space's tables are reachable
// regardless of which one is currently active, since phys_to_virt needs no
// mapping installed in the address space being walked.
func walk(rootFrame pmm.Frame, virtAddr mem.VirtAddr, walkFn pageTableWalker) {
	tableFrame := rootFrame

	for level := uint8(0); level < pageLevels; level++ {
		shift := pageLevelShifts[pageLevels-1-level]
		bits := pageLevelBits[pageLevels-1-level]
		index := (uintptr(virtAddr) >> shift) & ((1 << bits) - 1)

		pte := (*pageTableEntry)(entryPtrFn(tableFrame, index))
		if !walkFn(level, pte) {
			return
		}

		if level+1 < pageLevels {
			tableFrame = pte.Frame()
		}
	}
}
