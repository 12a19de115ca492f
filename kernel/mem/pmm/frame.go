// Package pmm manages physical memory: frame accounting (with refcounting
// and reclamation), a bootstrap-phase watermark allocator, and a
// steady-state bitmap allocator that replaces it once memory is enumerated.
package pmm

import (
	"k23/kernel/mem"
	"k23/kernel/ksync"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}

// refcounts is an array-indexed side table of per-frame reference counts,
// grounded on biscuit's Refaddr table rather than a Go map: the freestanding
// kernel avoids hash-map bucket churn for a structure this hot, in favor of
// a flat slice indexed by frame number relative to refcountBase, growing
// (at either end) only as new frame numbers are first referenced.
var (
	refcountMu   ksync.Spinlock
	refcountBase Frame
	refcountHave bool
	refcounts    []int32
)

// refcountIndexLocked returns the refcounts slot for f, growing the table
// as needed. Callers must hold refcountMu.
func refcountIndexLocked(f Frame) int {
	if !refcountHave {
		refcountBase = f
		refcountHave = true
		refcounts = make([]int32, 1)
		return 0
	}
	if f < refcountBase {
		shift := int(refcountBase - f)
		grown := make([]int32, len(refcounts)+shift)
		copy(grown[shift:], refcounts)
		refcounts = grown
		refcountBase = f
		return 0
	}
	idx := int(f - refcountBase)
	if idx >= len(refcounts) {
		grown := make([]int32, idx+1)
		copy(grown, refcounts)
		refcounts = grown
	}
	return idx
}

// Refcnt returns the current reference count of frame. A frame with no
// tracked refcount (never allocated through Refup) reports zero.
func Refcnt(f Frame) int32 {
	refcountMu.Acquire()
	defer refcountMu.Release()

	if !refcountHave || f < refcountBase || int(f-refcountBase) >= len(refcounts) {
		return 0
	}
	return refcounts[f-refcountBase]
}

// Refup increments frame's reference count, initializing it to 1 the first
// time it is called for a freshly allocated frame. Callers clone a Frame
// handle by calling Refup, mirroring the spec's "cloning bumps the count"
// invariant.
func Refup(f Frame) int32 {
	refcountMu.Acquire()
	defer refcountMu.Release()

	idx := refcountIndexLocked(f)
	refcounts[idx]++
	return refcounts[idx]
}

// Refdown decrements frame's reference count and reports the count after
// the decrement. When it reaches zero the frame is returned to the active
// allocator's freelist by the caller (see FreeFrame); pmm itself only
// tracks the count, since only the allocator that handed the frame out
// knows how to reclaim it.
func Refdown(f Frame) int32 {
	refcountMu.Acquire()
	defer refcountMu.Release()

	if !refcountHave || f < refcountBase || int(f-refcountBase) >= len(refcounts) {
		return 0
	}
	idx := int(f - refcountBase)
	refcounts[idx]--
	return refcounts[idx]
}
