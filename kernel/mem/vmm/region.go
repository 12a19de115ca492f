package vmm

import (
	"k23/kernel/mem"
	"k23/kernel/mem/vmo"
)

// Region is one mapping within an AddressSpace: a virtual range backed by a
// slice of a VMO's offset space, at a fixed set of permissions.
type Region struct {
	// Range is the virtual extent this region covers. Half-open,
	// page-aligned at both ends.
	Range mem.VirtRange

	// Object is the VMO supplying this region's pages.
	Object *vmo.VMO

	// Offset is the byte offset into Object where Range.Start's contents
	// begin. For a Paged VMO this is always page-aligned since the VMO's
	// own offsets are page-granular.
	Offset uintptr

	// Attrs are the permissions installed when a page in this region is
	// faulted in.
	Attrs MemoryAttributes

	// name aids debugging and core dumps; purely informational.
	name string
}

// pageOffset returns the vmo.PageOffset Object's FrameList uses for the
// page containing virtAddr, valid only when Object is a Paged VMO.
func (r *Region) pageOffset(virtAddr mem.VirtAddr) vmo.PageOffset {
	delta := uintptr(virtAddr) - uintptr(r.Range.Start)
	return vmo.PageOffset((r.Offset + delta) / uintptr(mem.PageSize))
}

// byteOffset returns the vmo.ByteOffset into a Wired VMO's extent that
// corresponds to virtAddr.
func (r *Region) byteOffset(virtAddr mem.VirtAddr) vmo.ByteOffset {
	delta := uintptr(virtAddr) - uintptr(r.Range.Start)
	return vmo.ByteOffset(r.Offset + delta)
}

// splitAt carves sub, which must be fully contained in r.Range, out of r.
// It returns the (possibly nil) leftover region before sub, a region
// covering exactly sub, and the (possibly nil) leftover region after sub —
// each sharing r's Object, Attrs and name but with Offset adjusted so the
// VMO-relative contents each virtual page maps to are unchanged by the
// split. Used by Unmap/Protect when the caller's range only covers part of
// an existing region, so that the uncovered leading and/or trailing pieces
// stay mapped with their original attributes.
func (r *Region) splitAt(sub mem.VirtRange) (left, mid, right *Region) {
	if sub.Start > r.Range.Start {
		left = &Region{
			Range:  mem.VirtRange{Start: r.Range.Start, End: sub.Start},
			Object: r.Object,
			Offset: r.Offset,
			Attrs:  r.Attrs,
			name:   r.name,
		}
	}
	mid = &Region{
		Range:  sub,
		Object: r.Object,
		Offset: r.Offset + (uintptr(sub.Start) - uintptr(r.Range.Start)),
		Attrs:  r.Attrs,
		name:   r.name,
	}
	if sub.End < r.Range.End {
		right = &Region{
			Range:  mem.VirtRange{Start: sub.End, End: r.Range.End},
			Object: r.Object,
			Offset: r.Offset + (uintptr(sub.End) - uintptr(r.Range.Start)),
			Attrs:  r.Attrs,
			name:   r.name,
		}
	}
	return left, mid, right
}
