package allocator

import (
	"k23/kernel/hal/multiboot"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"testing"
)

// installUsableRun wires a single usable region of exactly npages pages
// starting at physical address 0, with no kernel image carved out of it.
func installUsableRun(npages uint) {
	multiboot.SetBootInfo(&multiboot.BootInfo{
		Regions: []multiboot.MemoryRegion{
			{Range: mem.PhysRange{Start: 0, End: mem.PhysAddr(npages * uint(mem.PageSize))}, Kind: multiboot.MemUsable},
		},
	})
}

func TestBuddyAllocFreeRoundTrip(t *testing.T) {
	installUsableRun(16)
	b := NewBuddy(mem.PhysRange{})

	var allocated []pmm.Frame
	for i := 0; i < 16; i++ {
		f, err := b.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected error allocating frame %d: %v", i, err)
		}
		allocated = append(allocated, f)
	}

	if _, err := b.AllocFrame(); err == nil {
		t.Fatal("expected the 17th single-page allocation to fail: the region only has 16 pages")
	}

	for _, f := range allocated {
		if err := b.FreeFrame(f); err != nil {
			t.Fatalf("unexpected error freeing frame %d: %v", f, err)
		}
	}

	// Freeing every frame should have coalesced the whole run back into
	// one top-level block, so a single 16-page contiguous allocation
	// should now succeed.
	if _, err := b.AllocContiguous(16); err != nil {
		t.Fatalf("expected freed frames to coalesce back into one 16-page run: %v", err)
	}
}

func TestBuddyAllocPrefersLowestAddress(t *testing.T) {
	installUsableRun(8)
	b := NewBuddy(mem.PhysRange{})

	first, err := b.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != b.regionBase {
		t.Fatalf("expected the first allocation to be the lowest-addressed frame %d; got %d", b.regionBase, first)
	}

	second, err := b.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second <= first {
		t.Fatalf("expected successive single-page allocations to proceed in ascending address order; got %d then %d", first, second)
	}
}

func TestBuddyContiguousAllocationExcludesKernelImage(t *testing.T) {
	installUsableRun(16)
	// Carve the kernel out of the middle of the region: pages [4, 8).
	b := NewBuddy(mem.PhysRange{
		Start: mem.PhysAddr(4 * uint(mem.PageSize)),
		End:   mem.PhysAddr(8 * uint(mem.PageSize)),
	})

	// A run of 4 contiguous pages can no longer span the kernel image, so
	// it must come from one of the two surviving 4-page spans.
	f, err := b.AllocContiguous(4)
	if err != nil {
		t.Fatalf("unexpected error allocating a 4-page run: %v", err)
	}
	kernelStart := pmm.FrameFromAddress(4 * uintptr(mem.PageSize))
	kernelEnd := pmm.FrameFromAddress(8 * uintptr(mem.PageSize))
	if f >= kernelStart && f < kernelEnd {
		t.Fatalf("expected the allocated run to avoid the excluded kernel image frames [%d,%d); got start %d", kernelStart, kernelEnd, f)
	}
}

func TestBuddyFreeContiguousRejectsMisalignedStart(t *testing.T) {
	installUsableRun(8)
	b := NewBuddy(mem.PhysRange{})

	run, err := b.AllocContiguous(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.FreeContiguous(run+1, 4); err == nil {
		t.Fatal("expected freeing a run at a misaligned start frame to fail")
	}
	if err := b.FreeContiguous(run, 4); err != nil {
		t.Fatalf("unexpected error freeing the correctly aligned run: %v", err)
	}
}
