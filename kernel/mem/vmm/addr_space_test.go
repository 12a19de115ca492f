package vmm

import (
	"k23/kernel"
	"k23/kernel/hal/riscv64"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"k23/kernel/mem/vmo"
	"sync"
	"testing"
	"unsafe"
)

// fakeAllocator backs pmm.AllocFrame/AllocFrameZeroed with a real,
// page-aligned Go buffer kept alive for the whole test binary, the same
// approach kernel/mem/vmo's tests use and for the same reason: riscv64's
// table walker resolves every address through the real physical-memory map
// (PhysAddr.ToVirt), so page table frames need to be real, writable memory.
type fakeAllocator struct {
	base, next, limit pmm.Frame
	free              []pmm.Frame
}

const fakeBackingPages = 256

var (
	fakeBackingOnce sync.Once
	fakeBackingRaw  []byte
	fakeBackingBase pmm.Frame
)

func newFakeAllocator(t *testing.T) *fakeAllocator {
	t.Helper()
	fakeBackingOnce.Do(func() {
		mem.PhysMapBase = 0
		raw := make([]byte, (fakeBackingPages+1)*int(mem.PageSize))
		aligned := (uintptr(unsafe.Pointer(&raw[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
		fakeBackingRaw = raw
		fakeBackingBase = pmm.FrameFromAddress(aligned)
	})
	a := &fakeAllocator{base: fakeBackingBase, next: fakeBackingBase, limit: fakeBackingBase + pmm.Frame(fakeBackingPages)}
	pmm.SetAllocator(a)
	return a
}

func (a *fakeAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	if len(a.free) > 0 {
		f := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		return f, nil
	}
	if a.next >= a.limit {
		return pmm.InvalidFrame, &kernel.Error{Module: "fake", Class: kernel.ErrClassNoResources, Message: "out of frames"}
	}
	f := a.next
	a.next++
	return f, nil
}

func (a *fakeAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	a.free = append(a.free, f)
	return nil
}

func newTestAddressSpace(t *testing.T) *AddressSpace {
	t.Helper()
	newFakeAllocator(t)
	asidBitmap = [maxASID / 64]uint64{}
	asidBitmap[0] |= 1

	as, err := New(0, mem.VirtAddr(0x1000), mem.VirtAddr(0x1000_0000))
	if err != nil {
		t.Fatalf("unexpected error creating address space: %v", err)
	}
	return as
}

func TestAddressSpaceReserveRejectsOverlap(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r1 := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(2 * uintptr(mem.PageSize))}
	if _, err := as.Reserve(r1, obj, 0, MemoryAttributes{Read: true}, "r1"); err != nil {
		t.Fatalf("unexpected error reserving r1: %v", err)
	}

	r2 := mem.VirtRange{Start: as.userLow.Add(uintptr(mem.PageSize)), End: as.userLow.Add(3 * uintptr(mem.PageSize))}
	if _, err := as.Reserve(r2, obj, 0, MemoryAttributes{Read: true}, "r2"); !err.Is(kernel.ErrClassAlreadyExists) {
		t.Fatalf("expected AlreadyExists for an overlapping reservation; got %v", err)
	}
}

func TestAddressSpaceReserveRejectsMisalignment(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r := mem.VirtRange{Start: as.userLow.Add(1), End: as.userLow.Add(uintptr(mem.PageSize) + 1)}
	if _, err := as.Reserve(r, obj, 0, MemoryAttributes{Read: true}, "misaligned"); !err.Is(kernel.ErrClassInvalidArgument) {
		t.Fatalf("expected InvalidArgument for a misaligned range; got %v", err)
	}
}

func TestAddressSpacePageFaultInstallsZeroFrameThenCopiesOnWrite(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(uintptr(mem.PageSize))}
	if _, err := as.Reserve(r, obj, 0, MemoryAttributes{Read: true, WX: Write}, "anon"); err != nil {
		t.Fatalf("unexpected error reserving: %v", err)
	}

	if err := as.PageFault(r.Start, MemoryAttributes{Read: true}); err != nil {
		t.Fatalf("unexpected error on read fault: %v", err)
	}
	frame, terr := riscv64Translate(as, r.Start)
	if terr != nil {
		t.Fatalf("expected a resolvable mapping after the read fault: %v", terr)
	}
	if !pmm.IsZeroFrame(frame) {
		t.Error("expected the first read fault to install the shared zero frame")
	}

	if err := as.PageFault(r.Start, MemoryAttributes{Read: true, WX: Write}); err != nil {
		t.Fatalf("unexpected error on write fault: %v", err)
	}
	frame2, terr := riscv64Translate(as, r.Start)
	if terr != nil {
		t.Fatalf("expected a resolvable mapping after the write fault: %v", terr)
	}
	if frame2 == frame {
		t.Error("expected the write fault to replace the shared zero frame with a uniquely owned one")
	}
}

func TestAddressSpacePageFaultNoRegion(t *testing.T) {
	as := newTestAddressSpace(t)
	if err := as.PageFault(as.userHigh.Add(uintptr(mem.PageSize)), MemoryAttributes{Read: true}); !err.Is(kernel.ErrClassAccessDenied) {
		t.Fatalf("expected AccessDenied for a fault outside any region; got %v", err)
	}
}

func TestAddressSpaceReserveGapFaultIsFatal(t *testing.T) {
	as := newTestAddressSpace(t)

	r := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(uintptr(mem.PageSize))}
	if _, err := as.ReserveGap(r, "guard"); err != nil {
		t.Fatalf("unexpected error reserving a gap: %v", err)
	}

	if err := as.PageFault(r.Start, MemoryAttributes{Read: true}); !err.Is(kernel.ErrClassAccessDenied) {
		t.Fatalf("expected AccessDenied for a fault landing in a reserved gap; got %v", err)
	}
}

func TestAddressSpaceReserveGapBlocksLaterOverlap(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(2 * uintptr(mem.PageSize))}
	if _, err := as.ReserveGap(r, "guard"); err != nil {
		t.Fatalf("unexpected error reserving a gap: %v", err)
	}

	overlap := mem.VirtRange{Start: as.userLow.Add(uintptr(mem.PageSize)), End: as.userLow.Add(3 * uintptr(mem.PageSize))}
	if _, err := as.Reserve(overlap, obj, 0, MemoryAttributes{Read: true}, "r"); !err.Is(kernel.ErrClassAlreadyExists) {
		t.Fatalf("expected AlreadyExists for a mapping overlapping a reserved gap; got %v", err)
	}
}

func TestAddressSpaceUnmapFreesPagedFrames(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(uintptr(mem.PageSize))}
	if _, err := as.Reserve(r, obj, 0, MemoryAttributes{Read: true}, "anon"); err != nil {
		t.Fatalf("unexpected error reserving: %v", err)
	}
	if err := as.PageFault(r.Start, MemoryAttributes{Read: true}); err != nil {
		t.Fatalf("unexpected error faulting in: %v", err)
	}
	if obj.Size() != 1 {
		t.Fatalf("expected one resident frame before unmap; got %d", obj.Size())
	}

	if err := as.Unmap(r); err != nil {
		t.Fatalf("unexpected error unmapping: %v", err)
	}
	if obj.Size() != 0 {
		t.Errorf("expected zero resident frames after unmap; got %d", obj.Size())
	}
	if got := as.regions.find(r.Start); got != nil {
		t.Error("expected the region to be removed from the set after unmap")
	}
}

// riscv64Translate resolves addr through as's root page table, for test
// assertions that need to inspect which frame ended up installed.
func riscv64Translate(as *AddressSpace, addr mem.VirtAddr) (pmm.Frame, error) {
	phys, err := riscv64.Translate(as.root, addr)
	return pmm.FrameFromAddress(uintptr(phys)), err
}

func TestAddressSpaceUnmapSplitsPartialRange(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	whole := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(4 * uintptr(mem.PageSize))}
	if _, err := as.Reserve(whole, obj, 0, MemoryAttributes{Read: true, WX: Write}, "anon"); err != nil {
		t.Fatalf("unexpected error reserving: %v", err)
	}
	for addr := whole.Start; addr < whole.End; addr = addr.Add(uintptr(mem.PageSize)) {
		if err := as.PageFault(addr, MemoryAttributes{Read: true}); err != nil {
			t.Fatalf("unexpected error faulting in 0x%x: %v", addr, err)
		}
	}

	middle := mem.VirtRange{Start: whole.Start.Add(uintptr(mem.PageSize)), End: whole.Start.Add(2 * uintptr(mem.PageSize))}
	if err := as.Unmap(middle); err != nil {
		t.Fatalf("unexpected error unmapping the middle page: %v", err)
	}

	if got := as.regions.find(whole.Start); got == nil || got.Range.End != middle.Start {
		t.Errorf("expected a leading region [whole.Start, middle.Start) to survive the split; got %+v", got)
	}
	if got := as.regions.find(middle.End); got == nil || got.Range.Start != middle.End || got.Range.End != whole.End {
		t.Errorf("expected a trailing region [middle.End, whole.End) to survive the split; got %+v", got)
	}
	if got := as.regions.find(middle.Start); got != nil {
		t.Errorf("expected no region left covering the unmapped middle page; got %+v", got)
	}

	if err := as.PageFault(whole.Start, MemoryAttributes{Read: true}); err != nil {
		t.Errorf("expected the leading region to remain mapped after the split: %v", err)
	}
	if err := as.PageFault(middle.Start, MemoryAttributes{Read: true}); !err.Is(kernel.ErrClassAccessDenied) {
		t.Errorf("expected the unmapped middle page to fault AccessDenied; got %v", err)
	}
}

func TestAddressSpaceProtectSplitsPartialRange(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	whole := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(4 * uintptr(mem.PageSize))}
	if _, err := as.Reserve(whole, obj, 0, MemoryAttributes{Read: true}, "anon"); err != nil {
		t.Fatalf("unexpected error reserving: %v", err)
	}

	middle := mem.VirtRange{Start: whole.Start.Add(uintptr(mem.PageSize)), End: whole.Start.Add(3 * uintptr(mem.PageSize))}
	if err := as.Protect(middle, MemoryAttributes{Read: true, WX: Write}); err != nil {
		t.Fatalf("unexpected error protecting the middle range: %v", err)
	}

	if err := as.PageFault(whole.Start, MemoryAttributes{Read: true, WX: Write}); !err.Is(kernel.ErrClassAccessDenied) {
		t.Errorf("expected the leading region to keep its original read-only attributes; got %v", err)
	}
	if err := as.PageFault(middle.Start, MemoryAttributes{Read: true, WX: Write}); err != nil {
		t.Errorf("expected the split-out middle region to now permit writes: %v", err)
	}
}

// TestAddressSpaceProtectToWritablePreservesCopyOnWrite covers spec
// scenario 2: a read-only region is read-faulted (installing the shared
// zero frame), then widened to RW via Protect. The widened page must still
// fault on the next store rather than letting it land on the zero frame
// directly — Protect must not grant hardware write to a CoW-eligible PTE.
func TestAddressSpaceProtectToWritablePreservesCopyOnWrite(t *testing.T) {
	as := newTestAddressSpace(t)
	obj := vmo.NewPaged()

	r := mem.VirtRange{Start: as.userLow, End: as.userLow.Add(uintptr(mem.PageSize))}
	if _, err := as.Reserve(r, obj, 0, MemoryAttributes{Read: true}, "anon"); err != nil {
		t.Fatalf("unexpected error reserving: %v", err)
	}

	if err := as.PageFault(r.Start, MemoryAttributes{Read: true}); err != nil {
		t.Fatalf("unexpected error on read fault: %v", err)
	}
	zeroFrame, terr := riscv64Translate(as, r.Start)
	if terr != nil {
		t.Fatalf("expected a resolvable mapping after the read fault: %v", terr)
	}
	if !pmm.IsZeroFrame(zeroFrame) {
		t.Fatalf("expected the read fault to install the shared zero frame")
	}

	if err := as.Protect(r, MemoryAttributes{Read: true, WX: Write}); err != nil {
		t.Fatalf("unexpected error widening to RW: %v", err)
	}

	// The page must still be backed by the zero frame and must not be
	// hardware-writable yet: a direct store must still be routed through
	// PageFault's copy-on-write path rather than landing on shared memory.
	stillZero, terr := riscv64Translate(as, r.Start)
	if terr != nil {
		t.Fatalf("expected the mapping to remain installed after Protect: %v", terr)
	}
	if !pmm.IsZeroFrame(stillZero) {
		t.Fatalf("expected Protect to leave the CoW-eligible zero frame in place, not replace it")
	}

	if err := as.PageFault(r.Start, MemoryAttributes{Read: true, WX: Write}); err != nil {
		t.Fatalf("unexpected error on the post-protect write fault: %v", err)
	}
	owned, terr := riscv64Translate(as, r.Start)
	if terr != nil {
		t.Fatalf("expected a resolvable mapping after the write fault: %v", terr)
	}
	if pmm.IsZeroFrame(owned) || owned == zeroFrame {
		t.Fatalf("expected the write fault to install a uniquely owned frame distinct from the zero frame")
	}
}
