package riscv64

import (
	"k23/kernel"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
)

// FrameAllocatorFn allocates a single physical frame, used by Map to
// materialize intermediate page tables on demand.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	errNoHugePageSupport = &kernel.Error{Module: "riscv64", Class: kernel.ErrClassInvalidArgument, Message: "huge pages are not supported"}

	// zeroNewTableFn clears a freshly allocated intermediate table before
	// it is linked into the tree. Swapped out in tests.
	zeroNewTableFn = func(frame pmm.Frame) {
		kernel.Memset(mem.PhysAddr(frame.Address()).ToVirt().Raw(), 0, uintptr(mem.PageSize))
	}
)

// Map establishes a mapping from virtAddr to frame in the address space
// rooted at rootFrame, allocating and zeroing any missing intermediate page
// tables via allocFrame. Superpages are not supported: an intermediate
// entry that is already a leaf causes an error rather than being split.
func Map(rootFrame pmm.Frame, virtAddr mem.VirtAddr, frame pmm.Frame, flags PageTableEntryFlag, allocFrame FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagValid)
			return true
		}

		if pte.HasFlags(FlagValid) && pte.isLeaf() {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagValid) {
			newTable, allocErr := allocFrame()
			if allocErr != nil {
				err = allocErr
				return false
			}

			*pte = 0
			pte.SetFrame(newTable)
			pte.SetFlags(FlagValid)
			zeroNewTableFn(newTable)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via Map. It does not free
// the underlying frame or any now-empty intermediate tables; callers own
// frame lifetime (see kernel/mem/vmo). Most callers want UnmapFreeing
// instead, which also reclaims intermediate tables left empty by the
// removal.
func Unmap(rootFrame pmm.Frame, virtAddr mem.VirtAddr) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.ClearFlags(FlagValid)
			return true
		}

		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidMapping
			return false
		}

		if pte.isLeaf() {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// tableEntries is the fixed fan-out of a Sv39/Sv48 page table: every level
// indexes 9 VPN bits, so every table (root or intermediate) holds 512
// entries regardless of level.
const tableEntries = 512

// tableEmpty reports whether every entry of the table at tableFrame is
// invalid.
func tableEmpty(tableFrame pmm.Frame) bool {
	for i := uintptr(0); i < tableEntries; i++ {
		pte := (*pageTableEntry)(entryPtrFn(tableFrame, i))
		if pte.HasFlags(FlagValid) {
			return false
		}
	}
	return true
}

// UnmapFreeing removes a mapping previously installed via Map, additionally
// reclaiming via freeFrame any intermediate page table that the removal
// leaves with no valid entries. freeFrame is called at most pageLevels-1
// times, innermost table first, and only for tables this call emptied (a
// table that was already non-empty before this unmap, or stays non-empty
// after, is left alone).
func UnmapFreeing(rootFrame pmm.Frame, virtAddr mem.VirtAddr, freeFrame FrameAllocatorFreeFn) *kernel.Error {
	_, err := unmapFreeingLevel(rootFrame, virtAddr, 0, freeFrame)
	return err
}

// FrameAllocatorFreeFn releases a single physical frame, used by
// UnmapFreeing to reclaim intermediate page tables left empty by a removal.
type FrameAllocatorFreeFn func(pmm.Frame) *kernel.Error

// unmapFreeingLevel clears the PTE for virtAddr at level, recursing first so
// deeper levels are cleared (and, if applicable, reclaimed) before this
// level's own emptiness is checked. It returns whether the table at level
// is now fully empty, so the caller (one level up) knows whether to
// reclaim its own entry pointing at it.
func unmapFreeingLevel(tableFrame pmm.Frame, virtAddr mem.VirtAddr, level uint8, freeFrame FrameAllocatorFreeFn) (empty bool, err *kernel.Error) {
	shift := pageLevelShifts[pageLevels-1-level]
	bits := pageLevelBits[pageLevels-1-level]
	index := (uintptr(virtAddr) >> shift) & ((1 << bits) - 1)
	pte := (*pageTableEntry)(entryPtrFn(tableFrame, index))

	if level == pageLevels-1 {
		if !pte.HasFlags(FlagValid) {
			return false, ErrInvalidMapping
		}
		pte.ClearFlags(FlagValid)
		return tableEmpty(tableFrame), nil
	}

	if !pte.HasFlags(FlagValid) {
		return false, ErrInvalidMapping
	}
	if pte.isLeaf() {
		return false, errNoHugePageSupport
	}

	child := pte.Frame()
	childEmpty, cerr := unmapFreeingLevel(child, virtAddr, level+1, freeFrame)
	if cerr != nil {
		return false, cerr
	}
	if childEmpty {
		*pte = 0
		if freeFrame != nil {
			if ferr := freeFrame(child); ferr != nil {
				return false, ferr
			}
		}
	}
	return tableEmpty(tableFrame), nil
}

// Protect updates the permission flags of an existing mapping in place,
// preserving its frame. If the existing entry is marked FlagCopyOnWrite —
// meaning its frame is still a shared reference awaiting the real copy,
// not a uniquely owned page — Protect never grants hardware write even if
// the caller's flags ask for it: widening a CoW mapping to RW must still
// fault on the next store so the copy happens, rather than letting the
// store land directly on the (possibly shared) frame. The CoW bit itself
// is preserved across the update for the same reason.
func Protect(rootFrame pmm.Frame, virtAddr mem.VirtAddr, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			if !pte.HasFlags(FlagValid) {
				err = ErrInvalidMapping
				return false
			}
			frame := pte.Frame()
			newFlags := flags
			if pte.HasFlags(FlagCopyOnWrite) {
				newFlags = (newFlags &^ FlagWrite) | FlagCopyOnWrite
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(newFlags | FlagValid)
			return true
		}

		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	return err
}
