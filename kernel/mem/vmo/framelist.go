package vmo

import (
	"k23/kernel/mem/pmm"
	"sort"
)

// flFanOut is the number of page slots per FrameList node, per spec §3's
// "balanced tree of fixed-fan-out nodes (e.g., 16 frame slots per node)".
const flFanOut = 16

// flNode holds flFanOut consecutive page offsets, starting at a multiple
// of flFanOut. present tracks which slots are occupied, since the zero
// value of pmm.Frame (frame 0) is itself a legitimate frame number.
type flNode struct {
	base    PageOffset
	frames  [flFanOut]pmm.Frame
	present [flFanOut]bool
}

// FrameList is an ordered mapping from page offset to an optional Frame,
// realized as a sorted slice of fixed-fan-out nodes searched by binary
// search rather than a literal balanced tree — the corpus has no
// third-party ordered-map/B-tree implementation to ground one on (see
// DESIGN.md), and a sorted slice gives the same O(log n) node lookup the
// spec's node layout is built around.
type FrameList struct {
	nodes []*flNode
}

func flBase(off PageOffset) PageOffset {
	return off - off%flFanOut
}

// nodeIndex returns the index of the node with the given base, and
// whether it exists. If it does not exist, the index is where it would be
// inserted to keep nodes sorted by base.
func (fl *FrameList) nodeIndex(base PageOffset) (int, bool) {
	idx := sort.Search(len(fl.nodes), func(i int) bool { return fl.nodes[i].base >= base })
	if idx < len(fl.nodes) && fl.nodes[idx].base == base {
		return idx, true
	}
	return idx, false
}

// Lookup returns the frame resident at off, if any.
func (fl *FrameList) Lookup(off PageOffset) (pmm.Frame, bool) {
	idx, ok := fl.nodeIndex(flBase(off))
	if !ok {
		return pmm.InvalidFrame, false
	}
	n := fl.nodes[idx]
	slot := off - n.base
	if !n.present[slot] {
		return pmm.InvalidFrame, false
	}
	return n.frames[slot], true
}

// Insert places f at off, replacing any frame already there, and returns
// the inserted frame (per spec §3, "insert-at-offset returns the inserted
// frame").
func (fl *FrameList) Insert(off PageOffset, f pmm.Frame) pmm.Frame {
	base := flBase(off)
	idx, ok := fl.nodeIndex(base)
	if !ok {
		fl.nodes = append(fl.nodes, nil)
		copy(fl.nodes[idx+1:], fl.nodes[idx:])
		fl.nodes[idx] = &flNode{base: base}
	}
	n := fl.nodes[idx]
	slot := off - base
	n.frames[slot] = f
	n.present[slot] = true
	return f
}

// Remove deletes any frame resident at off, returning it if one was
// present.
func (fl *FrameList) Remove(off PageOffset) (pmm.Frame, bool) {
	idx, ok := fl.nodeIndex(flBase(off))
	if !ok {
		return pmm.InvalidFrame, false
	}
	n := fl.nodes[idx]
	slot := off - n.base
	if !n.present[slot] {
		return pmm.InvalidFrame, false
	}
	f := n.frames[slot]
	n.present[slot] = false
	n.frames[slot] = 0
	if !n.anyPresent() {
		fl.nodes = append(fl.nodes[:idx], fl.nodes[idx+1:]...)
	}
	return f, true
}

func (n *flNode) anyPresent() bool {
	for _, p := range n.present {
		if p {
			return true
		}
	}
	return false
}

// RemoveRange deletes every frame whose offset falls within r, invoking fn
// with each (offset, frame) pair as it is removed — the spec's
// "cursor-based traversal for bulk free".
func (fl *FrameList) RemoveRange(r PageRange, fn func(PageOffset, pmm.Frame)) {
	for _, n := range fl.nodes {
		for slot := 0; slot < flFanOut; slot++ {
			if !n.present[slot] {
				continue
			}
			off := n.base + PageOffset(slot)
			if off < r.Start || off >= r.End {
				continue
			}
			f := n.frames[slot]
			n.present[slot] = false
			n.frames[slot] = 0
			fn(off, f)
		}
	}
	fl.compact()
}

// compact drops nodes left fully empty by RemoveRange.
func (fl *FrameList) compact() {
	kept := fl.nodes[:0]
	for _, n := range fl.nodes {
		if n.anyPresent() {
			kept = append(kept, n)
		}
	}
	fl.nodes = kept
}

// Size returns the number of resident frames.
func (fl *FrameList) Size() int {
	total := 0
	for _, n := range fl.nodes {
		for _, p := range n.present {
			if p {
				total++
			}
		}
	}
	return total
}
