package vmm

import (
	"k23/kernel"
	"k23/kernel/hal/riscv64"
	"k23/kernel/ksync"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"k23/kernel/mem/vmo"
	"math/rand/v2"
)

var (
	errMisaligned    = &kernel.Error{Module: "vmm", Class: kernel.ErrClassInvalidArgument, Message: "range is not page-aligned"}
	errPermission    = &kernel.Error{Module: "vmm", Class: kernel.ErrClassAccessDenied, Message: "access kind not permitted by the region's attributes"}
	errFaultNoRegion = &kernel.Error{Module: "vmm", Class: kernel.ErrClassAccessDenied, Message: "no region covers the faulting address"}
	errNotOneRegion  = &kernel.Error{Module: "vmm", Class: kernel.ErrClassInvalidArgument, Message: "range is not fully contained in one existing region"}
	errReservedGap   = &kernel.Error{Module: "vmm", Class: kernel.ErrClassAccessDenied, Message: "fault landed in a reserved range with no backing object"}
)

// AddressSpace is a single virtual address space: a page table root plus the
// region set describing what backs each mapped range. Regions are recorded
// eagerly by Map/Reserve but their page table entries are installed lazily,
// on the first fault that touches them (see PageFault) — unlike the
// teacher's eager vmm.Map, which installed a PTE synchronously for every
// page of a mapping up front.
type AddressSpace struct {
	mu ksync.Spinlock

	root pmm.Frame
	asid uint16

	localHart uint64
	hartMask  uint64

	regions regionSet

	// userLow/userHigh bound the range FindSpot searches for ASLR
	// placement; userHigh is exclusive.
	userLow, userHigh mem.VirtAddr
}

// New allocates a fresh, empty address space with its own ASID and a
// freshly zeroed root page table.
func New(localHart uint64, userLow, userHigh mem.VirtAddr) (*AddressSpace, *kernel.Error) {
	root, err := pmm.AllocFrameZeroed()
	if err != nil {
		return nil, err
	}
	asid, err := allocASID()
	if err != nil {
		_ = pmm.FreeFrame(root)
		return nil, err
	}
	return &AddressSpace{
		root:      root,
		asid:      asid,
		localHart: localHart,
		userLow:   userLow,
		userHigh:  userHigh,
	}, nil
}

// FromActive wraps the page table already installed in satp on localHart as
// an AddressSpace, used once at boot to adopt the bootstrap loader's kernel
// mapping rather than building a new one from scratch.
func FromActive(localHart uint64, userLow, userHigh mem.VirtAddr) *AddressSpace {
	root, asid := riscv64.ActiveTable()
	return &AddressSpace{
		root:      root,
		asid:      asid,
		localHart: localHart,
		hartMask:  1 << localHart,
		userLow:   userLow,
		userHigh:  userHigh,
	}
}

// ASID returns the address space identifier installed in page table
// entries and satp for this space.
func (as *AddressSpace) ASID() uint16 { return as.asid }

// Activate installs this address space's page table on hart, recording it
// in the hart mask future Flush batches target.
func (as *AddressSpace) Activate(hart uint64) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()

	riscv64.SetActiveTable(as.root, as.asid)
	as.hartMask |= 1 << hart
	return nil
}

// FindSpot picks a free virtual range of size bytes within [userLow,
// userHigh), randomized among the candidate gaps for ASLR rather than
// always returning the lowest fit.
func (as *AddressSpace) FindSpot(size uintptr) (mem.VirtAddr, *kernel.Error) {
	as.mu.Acquire()
	defer as.mu.Release()

	base, err := as.regions.findSpot(as.userLow, as.userHigh, size)
	if err != nil {
		return 0, err
	}
	slack := uintptr(as.userHigh) - uintptr(base) - size
	if slack == 0 {
		return base, nil
	}
	slots := slack/uintptr(mem.PageSize) + 1
	offset := uintptr(rand.Uint64()%uint64(slots)) * uintptr(mem.PageSize)
	return base.Add(offset), nil
}

// Reserve records a region backed by object at the given virtual range and
// attributes without installing any page table entries. Reserve is how
// k23 implements demand paging: the range is committed to this address
// space's bookkeeping, but no hardware mapping exists until PageFault
// installs one.
func (as *AddressSpace) Reserve(r mem.VirtRange, object *vmo.VMO, offset uintptr, attrs MemoryAttributes, name string) (*Region, *kernel.Error) {
	if !r.Start.IsAlignedTo(uintptr(mem.PageSize)) || !r.End.IsAlignedTo(uintptr(mem.PageSize)) {
		return nil, errMisaligned
	}

	as.mu.Acquire()
	defer as.mu.Release()

	if as.regions.overlapsAny(r) {
		return nil, errOverlap
	}

	region := &Region{Range: r, Object: object, Offset: offset, Attrs: attrs, name: name}
	as.regions.insert(region)
	return region, nil
}

// ReserveGap carves out a virtual range with no backing object, so that
// later Map/Reserve calls cannot collide with it. Unlike Reserve, a fault
// anywhere in this range is always fatal (see PageFault) — this is for
// guard pages and virtual ranges a caller plans to populate out-of-band.
func (as *AddressSpace) ReserveGap(r mem.VirtRange, name string) (*Region, *kernel.Error) {
	if !r.Start.IsAlignedTo(uintptr(mem.PageSize)) || !r.End.IsAlignedTo(uintptr(mem.PageSize)) {
		return nil, errMisaligned
	}

	as.mu.Acquire()
	defer as.mu.Release()

	if as.regions.overlapsAny(r) {
		return nil, errOverlap
	}

	region := &Region{Range: r, Object: nil, Attrs: MemoryAttributes{}, name: name}
	as.regions.insert(region)
	return region, nil
}

// Map behaves like Reserve but additionally installs every page table entry
// in the range immediately, materializing frames from object eagerly. It
// exists for mappings that must never fault (e.g. a kernel stack guard-free
// region) — ordinary user mappings should use Reserve.
func (as *AddressSpace) Map(r mem.VirtRange, object *vmo.VMO, offset uintptr, attrs MemoryAttributes, name string) (*Region, *kernel.Error) {
	region, err := as.Reserve(r, object, offset, attrs, name)
	if err != nil {
		return nil, err
	}

	flush := newFlush(as.asid, as.localHart, as.hartMask)
	pageSize := uintptr(mem.PageSize)
	for addr := r.Start; addr < r.End; addr = addr.Add(pageSize) {
		if _, ferr := as.installLocked(region, addr, attrs.WX != Neither); ferr != nil {
			flush.Ignore()
			return nil, ferr
		}
		flush.record(addr)
	}
	if ferr := flush.Apply(); ferr != nil {
		return nil, ferr
	}
	return region, nil
}

// installLocked materializes and installs the page table entry for addr
// within region, allocating a frame from region's VMO as needed. Callers
// must hold as.mu.
func (as *AddressSpace) installLocked(region *Region, addr mem.VirtAddr, writable bool) (pmm.Frame, *kernel.Error) {
	var (
		frame pmm.Frame
		err   *kernel.Error
	)

	// installedReadOnly tracks whether frame ended up being a shared,
	// not-yet-owned reference (the zero frame on first touch) rather than
	// a uniquely owned one, regardless of what the caller originally
	// asked for. Such a frame must never be installed with hardware
	// write permission: the PTE is marked CoW-eligible instead, and the
	// next write fault performs the real copy.
	installedReadOnly := !writable

	switch region.Object.Kind() {
	case vmo.KindWired:
		byteOff := region.byteOffset(addr)
		pageAligned := vmo.ByteRange{Start: byteOff, End: byteOff + vmo.ByteOffset(mem.PageSize)}
		phys, lerr := region.Object.LookupContiguous(pageAligned)
		if lerr != nil {
			return pmm.InvalidFrame, lerr
		}
		frame = pmm.FrameFromAddress(uintptr(phys.Start))
	case vmo.KindPaged:
		pageOff := region.pageOffset(addr)
		if writable {
			frame, err = region.Object.RequireOwnedFrame(pageOff)
			if err != nil && err.Is(kernel.ErrClassInvalidArgument) {
				// No source yet: this is the first touch of an
				// anonymous page. Materialize it via the shared
				// zero frame and install it CoW-eligible rather
				// than writable — the next write fault performs
				// the real copy-on-write.
				frame, err = region.Object.RequireReadFrame(pageOff)
				installedReadOnly = true
			}
		} else {
			frame, err = region.Object.RequireReadFrame(pageOff)
		}
		if err != nil {
			return pmm.InvalidFrame, err
		}
	}

	flags := region.Attrs.toPTEFlags()
	if region.Object.Kind() == vmo.KindPaged && installedReadOnly {
		// Anonymous pages are always installed CoW-eligible the first
		// time, even when the region's own attributes permit writes:
		// the frame may still be the shared zero frame.
		flags = (flags &^ riscv64.FlagWrite) | riscv64.FlagCopyOnWrite
	}

	if merr := riscv64.Map(as.root, addr, frame, flags, pmm.AllocFrame); merr != nil {
		return pmm.InvalidFrame, merr
	}
	return frame, nil
}

// PageFault resolves a hardware page fault at addr of the given access
// kind, installing or fixing up a page table entry and returning nil if the
// faulting instruction may be retried. Any non-nil error is fatal to the
// faulting task.
func (as *AddressSpace) PageFault(addr mem.VirtAddr, access MemoryAttributes) *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()

	region := as.regions.find(addr)
	if region == nil {
		return errFaultNoRegion
	}
	if region.Object == nil {
		return errReservedGap
	}
	if !region.Attrs.Contains(access) {
		return errPermission
	}

	pageAddr := addr.AlignDown(uintptr(mem.PageSize))

	if access.WX == Write {
		return as.resolveWriteFaultLocked(region, pageAddr)
	}

	if _, err := as.installLocked(region, pageAddr, false); err != nil {
		return err
	}
	flush := newFlush(as.asid, as.localHart, as.hartMask)
	flush.record(pageAddr)
	return flush.Apply()
}

// resolveWriteFaultLocked handles a store/AMO fault: either the page was
// never installed (first touch) or it is installed read-only/CoW and needs
// duplicating. Callers must hold as.mu.
func (as *AddressSpace) resolveWriteFaultLocked(region *Region, pageAddr mem.VirtAddr) *kernel.Error {
	if _, err := riscv64.Translate(as.root, pageAddr); err != nil {
		if _, ferr := as.installLocked(region, pageAddr, true); ferr != nil {
			return ferr
		}
		flush := newFlush(as.asid, as.localHart, as.hartMask)
		flush.record(pageAddr)
		return flush.Apply()
	}

	if region.Object.Kind() != vmo.KindPaged {
		return errPermission
	}

	fresh, err := region.Object.RequireOwnedFrame(region.pageOffset(pageAddr))
	if err != nil {
		return err
	}
	flags := region.Attrs.toPTEFlags()
	if perr := riscv64.Map(as.root, pageAddr, fresh, flags, pmm.AllocFrame); perr != nil {
		return perr
	}

	flush := newFlush(as.asid, as.localHart, as.hartMask)
	flush.record(pageAddr)
	return flush.Apply()
}

// Unmap removes the mapping over r, dropping every frame it held and
// returning its virtual range to the free pool. r must be fully contained
// in one existing region; if r covers only part of that region, the region
// is split and only the r-sized middle piece is removed, leaving the
// untouched leading/trailing pieces mapped exactly as before.
func (as *AddressSpace) Unmap(r mem.VirtRange) *kernel.Error {
	if !r.Start.IsAlignedTo(uintptr(mem.PageSize)) || !r.End.IsAlignedTo(uintptr(mem.PageSize)) {
		return errMisaligned
	}

	as.mu.Acquire()
	defer as.mu.Release()

	idx, ok := as.regions.findFullyContaining(r)
	if !ok {
		return errNotOneRegion
	}
	var region *Region
	if as.regions.regions[idx].Range == r {
		region = as.regions.regions[idx]
		as.regions.regions = append(as.regions.regions[:idx], as.regions.regions[idx+1:]...)
	} else {
		region = as.regions.splitAndReplace(idx, r)
		as.regions.remove(r.Start)
	}

	flush := newFlush(as.asid, as.localHart, as.hartMask)
	pageSize := uintptr(mem.PageSize)
	for addr := r.Start; addr < r.End; addr = addr.Add(pageSize) {
		if _, err := riscv64.Translate(as.root, addr); err != nil {
			continue
		}
		// UnmapFreeing also reclaims any intermediate page table left
		// with no valid entries by this removal, returning its frame to
		// the allocator.
		_ = riscv64.UnmapFreeing(as.root, addr, pmm.FreeFrame)
		flush.record(addr)
	}
	if err := flush.Apply(); err != nil {
		return err
	}

	if region.Object != nil && region.Object.Kind() == vmo.KindPaged {
		start := region.pageOffset(r.Start)
		end := start + vmo.PageOffset(r.Len()/uintptr(mem.PageSize))
		region.Object.FreeFrames(vmo.PageRange{Start: start, End: end})
	}
	return nil
}

// Protect updates the permission attributes over r, re-protecting every
// already-installed page table entry in its range. r must be fully
// contained in one existing region; if r covers only part of that region,
// the region is split so only the r-sized middle piece picks up the new
// attributes, leaving the untouched leading/trailing pieces as they were.
// Pages not yet faulted in pick up the new attributes the first time
// PageFault installs them.
func (as *AddressSpace) Protect(r mem.VirtRange, attrs MemoryAttributes) *kernel.Error {
	if !r.Start.IsAlignedTo(uintptr(mem.PageSize)) || !r.End.IsAlignedTo(uintptr(mem.PageSize)) {
		return errMisaligned
	}

	as.mu.Acquire()
	defer as.mu.Release()

	idx, ok := as.regions.findFullyContaining(r)
	if !ok {
		return errNotOneRegion
	}
	var region *Region
	if as.regions.regions[idx].Range == r {
		region = as.regions.regions[idx]
	} else {
		region = as.regions.splitAndReplace(idx, r)
		idx, _ = as.regions.findFullyContaining(r)
	}
	updated := *region
	updated.Attrs = attrs
	as.regions.replace(idx, &updated)

	flush := newFlush(as.asid, as.localHart, as.hartMask)
	pageSize := uintptr(mem.PageSize)
	flags := attrs.toPTEFlags()
	for addr := r.Start; addr < r.End; addr = addr.Add(pageSize) {
		if _, err := riscv64.Translate(as.root, addr); err != nil {
			continue
		}
		if err := riscv64.Protect(as.root, addr, flags); err != nil {
			return err
		}
		flush.record(addr)
	}
	return flush.Apply()
}

// Destroy tears down every region in the address space, releasing its
// frames, its ASID, and (if it owns one — FromActive-derived spaces never
// do, since they wrap the loader's table) its root page table frame.
func (as *AddressSpace) Destroy(owned bool) *kernel.Error {
	as.mu.Acquire()
	regions := as.regions.regions
	as.regions.regions = nil

	flush := newFlush(as.asid, as.localHart, as.hartMask)
	pageSize := uintptr(mem.PageSize)
	for _, region := range regions {
		for addr := region.Range.Start; addr < region.Range.End; addr = addr.Add(pageSize) {
			if _, err := riscv64.Translate(as.root, addr); err != nil {
				continue
			}
			_ = riscv64.UnmapFreeing(as.root, addr, pmm.FreeFrame)
			flush.record(addr)
		}
		if region.Object != nil && region.Object.Kind() == vmo.KindPaged {
			start := region.pageOffset(region.Range.Start)
			end := start + vmo.PageOffset(region.Range.Len()/pageSize)
			region.Object.FreeFrames(vmo.PageRange{Start: start, End: end})
		}
	}
	as.mu.Release()

	if err := flush.Apply(); err != nil {
		return err
	}

	freeASID(as.asid)
	if owned {
		return pmm.FreeFrame(as.root)
	}
	return nil
}
