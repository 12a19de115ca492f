package pmm

import (
	"k23/kernel"
	"k23/kernel/mem"
	"sync"
)

// Allocator is satisfied by both the bootstrap watermark allocator and the
// steady-state buddy allocator; SetAllocator swaps the active
// implementation once the kernel is ready to decommission the bootstrap one.
type Allocator interface {
	AllocFrame() (Frame, *kernel.Error)
	FreeFrame(Frame) *kernel.Error
}

// ContiguousAllocator is an optional capability an Allocator may also
// implement: allocating or releasing a run of physically contiguous
// frames. The bootstrap watermark allocator does not implement it (it
// never needs to serve more than single pages); the steady-state buddy
// allocator does.
type ContiguousAllocator interface {
	AllocContiguous(count uint) (Frame, *kernel.Error)
	FreeContiguous(start Frame, count uint) *kernel.Error
}

var errNotContiguousCapable = &kernel.Error{Module: "pmm", Class: kernel.ErrClassInvalidArgument, Message: "active allocator does not support contiguous allocation"}

// AllocContiguous reserves count physically contiguous frames from the
// active allocator, if it supports ContiguousAllocator. The run is tracked
// as a single unit under the start frame's refcount — unlike single-page
// Frame handles, the individual pages of a contiguous run are never
// independently refcounted or handed to a Paged VMO's FrameList; this API
// exists for kernel-internal allocations (heaps, DMA buffers) that are
// always freed as the same whole run they were allocated as.
func AllocContiguous(count uint) (Frame, *kernel.Error) {
	ca, ok := active.(ContiguousAllocator)
	if !ok {
		return InvalidFrame, errNotContiguousCapable
	}
	start, err := ca.AllocContiguous(count)
	if err != nil {
		return InvalidFrame, err
	}
	Refup(start)
	return start, nil
}

// FreeContiguous drops one reference from the run of count frames starting
// at start, returning the whole run to the active allocator once the
// reference count reaches zero.
func FreeContiguous(start Frame, count uint) *kernel.Error {
	ca, ok := active.(ContiguousAllocator)
	if !ok {
		return errNotContiguousCapable
	}
	if Refdown(start) > 0 {
		return nil
	}
	return ca.FreeContiguous(start, count)
}

var active Allocator

// SetAllocator installs the allocator used by AllocFrame/FreeFrame. Called
// once at boot with the bootstrap allocator, and again once the steady
// state allocator has taken over bookkeeping for every region.
func SetAllocator(a Allocator) {
	active = a
}

// AllocFrame reserves a single physical frame from the active allocator and
// sets its reference count to 1, matching the spec's "each allocation
// returns a Frame handle with refcount 1" invariant.
func AllocFrame() (Frame, *kernel.Error) {
	f, err := active.AllocFrame()
	if err != nil {
		return InvalidFrame, err
	}
	Refup(f)
	return f, nil
}

// AllocFrameZeroed behaves like AllocFrame but also clears the frame's
// contents through the physical-memory map. Zeroing is opt-in because
// copy-on-write and other callers frequently overwrite the page
// immediately after allocating it.
func AllocFrameZeroed() (Frame, *kernel.Error) {
	f, err := AllocFrame()
	if err != nil {
		return InvalidFrame, err
	}
	kernel.Memset(mem.PhysAddr(f.Address()).ToVirt().Raw(), 0, uintptr(mem.PageSize))
	return f, nil
}

// FreeFrame drops one reference to f. Once the reference count reaches
// zero the frame is returned to the active allocator's freelist.
func FreeFrame(f Frame) *kernel.Error {
	if Refdown(f) > 0 {
		return nil
	}
	return active.FreeFrame(f)
}

var (
	zeroFrameOnce sync.Once
	zeroFrame     Frame
)

// TheZeroFrame returns the process-wide, permanently-refcounted all-zero
// frame used as the initial backing for anonymous paged memory. It is
// initialized lazily, under a one-shot lock, the first time it is needed.
func TheZeroFrame() (Frame, *kernel.Error) {
	var err *kernel.Error
	zeroFrameOnce.Do(func() {
		zeroFrame, err = AllocFrameZeroed()
		if err == nil {
			// Pin an extra reference so the frame's count never reaches
			// zero through ordinary Refdown traffic from FrameLists.
			Refup(zeroFrame)
		}
	})
	return zeroFrame, err
}

// IsZeroFrame reports whether f is the distinguished zero frame.
func IsZeroFrame(f Frame) bool {
	return f == zeroFrame && f.Valid()
}
