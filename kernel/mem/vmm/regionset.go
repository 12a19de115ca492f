package vmm

import (
	"k23/kernel"
	"k23/kernel/mem"
	"sort"
)

var (
	errOverlap    = &kernel.Error{Module: "vmm", Class: kernel.ErrClassAlreadyExists, Message: "requested range overlaps an existing region"}
	errNoFreeSpot = &kernel.Error{Module: "vmm", Class: kernel.ErrClassNoResources, Message: "no free virtual range of the requested size"}
)

// regionSet is a sorted-by-start-address slice of non-overlapping Regions.
// The spec's reference design calls for a WAVL tree; the corpus carries no
// third-party balanced-tree library (see DESIGN.md), and address spaces
// hold at most a few hundred regions in practice, so a sorted slice with
// binary-search lookup gives the same O(log n) query cost a WAVL tree would
// without hand-rolling tree rebalancing.
type regionSet struct {
	regions []*Region
}

// indexAtOrAfter returns the index of the first region whose Start is >= addr.
func (rs *regionSet) indexAtOrAfter(addr mem.VirtAddr) int {
	return sort.Search(len(rs.regions), func(i int) bool { return rs.regions[i].Range.Start >= addr })
}

// find returns the region containing addr, if any.
func (rs *regionSet) find(addr mem.VirtAddr) *Region {
	idx := rs.indexAtOrAfter(addr)
	if idx < len(rs.regions) && rs.regions[idx].Range.Start == addr {
		return rs.regions[idx]
	}
	if idx == 0 {
		return nil
	}
	candidate := rs.regions[idx-1]
	if candidate.Range.Contains(addr) {
		return candidate
	}
	return nil
}

// overlapsAny reports whether r overlaps any region already in the set.
func (rs *regionSet) overlapsAny(r mem.VirtRange) bool {
	idx := rs.indexAtOrAfter(r.Start)
	if idx > 0 && rs.regions[idx-1].Range.Overlaps(r) {
		return true
	}
	return idx < len(rs.regions) && rs.regions[idx].Range.Overlaps(r)
}

// insert adds r to the set, maintaining sort order. Callers must have
// already verified r does not overlap an existing region.
func (rs *regionSet) insert(r *Region) {
	idx := rs.indexAtOrAfter(r.Range.Start)
	rs.regions = append(rs.regions, nil)
	copy(rs.regions[idx+1:], rs.regions[idx:])
	rs.regions[idx] = r
}

// remove deletes the region starting exactly at addr, if any, returning it.
func (rs *regionSet) remove(addr mem.VirtAddr) *Region {
	idx := rs.indexAtOrAfter(addr)
	if idx >= len(rs.regions) || rs.regions[idx].Range.Start != addr {
		return nil
	}
	r := rs.regions[idx]
	rs.regions = append(rs.regions[:idx], rs.regions[idx+1:]...)
	return r
}

// replace swaps the region at index idx for replacement, in place.
func (rs *regionSet) replace(idx int, replacement *Region) {
	rs.regions[idx] = replacement
}

// findFullyContaining returns the index of the single region that fully
// contains r, if any. Unlike find (which locates the region covering one
// address), this is what Unmap/Protect use to enforce the "range must be
// fully contained in one existing region" precondition before splitting.
func (rs *regionSet) findFullyContaining(r mem.VirtRange) (int, bool) {
	idx := rs.indexAtOrAfter(r.Start)
	var candidate int
	switch {
	case idx < len(rs.regions) && rs.regions[idx].Range.Start == r.Start:
		candidate = idx
	case idx > 0:
		candidate = idx - 1
	default:
		return 0, false
	}
	if rs.regions[candidate].Range.ContainsRange(r) {
		return candidate, true
	}
	return 0, false
}

// splitAndReplace replaces the region at idx with the (up to three) pieces
// splitting it at sub produces, keeping the set sorted by start address
// since the pieces are contiguous and ordered by construction. It returns
// the piece covering exactly sub, for the caller to operate on.
func (rs *regionSet) splitAndReplace(idx int, sub mem.VirtRange) *Region {
	left, mid, right := rs.regions[idx].splitAt(sub)

	pieces := make([]*Region, 0, 3)
	if left != nil {
		pieces = append(pieces, left)
	}
	pieces = append(pieces, mid)
	if right != nil {
		pieces = append(pieces, right)
	}

	merged := make([]*Region, 0, len(rs.regions)-1+len(pieces))
	merged = append(merged, rs.regions[:idx]...)
	merged = append(merged, pieces...)
	merged = append(merged, rs.regions[idx+1:]...)
	rs.regions = merged

	return mid
}

// findSpot returns the lowest address at or above floor such that a region
// of size bytes fits without overlapping any existing region and without
// exceeding ceiling.
func (rs *regionSet) findSpot(floor, ceiling mem.VirtAddr, size uintptr) (mem.VirtAddr, *kernel.Error) {
	candidate := floor
	for _, r := range rs.regions {
		if r.Range.Start >= candidate+mem.VirtAddr(size) {
			break
		}
		if r.Range.End > candidate {
			candidate = r.Range.End
		}
	}
	if uintptr(candidate)+size > uintptr(ceiling) || uintptr(candidate)+size < uintptr(candidate) {
		return 0, errNoFreeSpot
	}
	return candidate, nil
}
