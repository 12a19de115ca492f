package riscv64

import (
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// fakeTables lets tests stand in a small forest of page tables addressed by
// frame number without touching real physical memory.
type fakeTables map[pmm.Frame]*[512]pageTableEntry

func (f fakeTables) entryPtr(tableFrame pmm.Frame, index uintptr) unsafe.Pointer {
	table, ok := f[tableFrame]
	if !ok {
		t := new([512]pageTableEntry)
		f[tableFrame] = t
		table = t
	}
	return unsafe.Pointer(&table[index])
}

func TestWalkVisitsEveryLevel(t *testing.T) {
	defer func(orig func(pmm.Frame, uintptr) unsafe.Pointer) { entryPtrFn = orig }(entryPtrFn)

	tables := make(fakeTables)
	entryPtrFn = tables.entryPtr

	rootFrame := pmm.Frame(1)

	// Link root -> level1 -> ... -> leaf frame chain so every intermediate
	// level reports present.
	nextFrame := pmm.Frame(2)
	virtAddr := mem.VirtAddr(0x8040_0000)

	var levels []uint8
	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		levels = append(levels, level)
		if level == pageLevels-1 {
			pte.SetFlags(FlagValid | FlagRead)
			pte.SetFrame(nextFrame + 100)
			return true
		}
		pte.SetFlags(FlagValid)
		pte.SetFrame(nextFrame)
		nextFrame++
		return true
	})

	if len(levels) != pageLevels {
		t.Fatalf("expected walk to visit %d levels; visited %d", pageLevels, len(levels))
	}
	for i, l := range levels {
		if int(l) != i {
			t.Fatalf("expected level %d to be visited in order; got %d at position %d", i, l, i)
		}
	}
}

func TestWalkAbortsOnFalse(t *testing.T) {
	defer func(orig func(pmm.Frame, uintptr) unsafe.Pointer) { entryPtrFn = orig }(entryPtrFn)

	tables := make(fakeTables)
	entryPtrFn = tables.entryPtr

	calls := 0
	walk(pmm.Frame(1), mem.VirtAddr(0x1000), func(level uint8, pte *pageTableEntry) bool {
		calls++
		return false
	})

	if calls != 1 {
		t.Fatalf("expected walk to stop after the first callback; got %d calls", calls)
	}
}
