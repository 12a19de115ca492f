package riscv64

import (
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"testing"
	"unsafe"
)

func TestPageOffset(t *testing.T) {
	specs := []struct {
		addr mem.VirtAddr
		exp  uintptr
	}{
		{0, 0},
		{4095, 4095},
		{4096, 0},
		{4096 + 42, 42},
	}

	for i, s := range specs {
		if got := PageOffset(s.addr); got != s.exp {
			t.Errorf("[spec %d] expected offset %d; got %d", i, s.exp, got)
		}
	}
}

func TestTranslate(t *testing.T) {
	defer func(orig func(pmm.Frame, uintptr) unsafe.Pointer) { entryPtrFn = orig }(entryPtrFn)

	tables := make(fakeTables)
	entryPtrFn = tables.entryPtr

	rootFrame := pmm.Frame(1)
	targetFrame := pmm.Frame(77)
	virtAddr := mem.VirtAddr(0x8040_0000 + 0x123)

	// Pre-populate every level as present so pteForAddress reaches the leaf.
	nextFrame := pmm.Frame(2)
	walk(rootFrame, virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			pte.SetFlags(FlagValid | FlagRead)
			pte.SetFrame(targetFrame)
			return true
		}
		pte.SetFlags(FlagValid)
		pte.SetFrame(nextFrame)
		nextFrame++
		return true
	})

	got, err := Translate(rootFrame, virtAddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exp := mem.PhysAddr(targetFrame.Address()).Add(0x123)
	if got != exp {
		t.Fatalf("expected physical address %v; got %v", exp, got)
	}
}

func TestTranslateMissingMapping(t *testing.T) {
	defer func(orig func(pmm.Frame, uintptr) unsafe.Pointer) { entryPtrFn = orig }(entryPtrFn)

	tables := make(fakeTables)
	entryPtrFn = tables.entryPtr

	_, err := Translate(pmm.Frame(1), mem.VirtAddr(0x1000))
	if err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}
