package allocator

import (
	"k23/kernel"
	"k23/kernel/hal/multiboot"
	"k23/kernel/ksync"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"sort"
)

// buddyMaxOrder bounds the largest run Buddy will track as a single block:
// 2^buddyMaxOrder pages, i.e. 4GiB worth of 4KiB pages. Nothing in k23
// currently asks for a contiguous run anywhere near that size; the bound
// exists so freeLists is a fixed-size array rather than a growable slice
// indexed by an unbounded order.
const buddyMaxOrder = 20

var (
	errBuddyOutOfMemory  = &kernel.Error{Module: "buddy_alloc", Class: kernel.ErrClassNoResources, Message: "out of memory"}
	errBuddyBadFree      = &kernel.Error{Module: "buddy_alloc", Class: kernel.ErrClassInvalidArgument, Message: "frame is not the start of a previously allocated run"}
	errBuddyRunTooLarge  = &kernel.Error{Module: "buddy_alloc", Class: kernel.ErrClassInvalidArgument, Message: "requested run exceeds the largest supported order"}
)

// Buddy is the steady-state frame allocator: a classic power-of-two buddy
// allocator over every usable region the loader reported. Each order's
// free list is a sorted slice of frame numbers, not a map, because
// AllocFrame must be deterministic (the lowest-addressed free frame of the
// smallest sufficient order) and Go map iteration order is not.
type Buddy struct {
	mu ksync.Spinlock

	// freeLists[order] holds the start frame of every free run of exactly
	// 2^order pages, sorted ascending.
	freeLists [buddyMaxOrder + 1][]pmm.Frame

	// regionBase/regionFrames record the lowest usable frame and total
	// frame count, used to compute a buddy's partner via XOR.
	regionBase  pmm.Frame
	regionCount uint
}

// NewBuddy builds a Buddy over every MemUsable region the loader reported,
// excluding the frames kernelImage occupies. Each usable region is split
// into the largest aligned power-of-two runs it can support and inserted
// into the corresponding free list, the same "largest fit first" seeding
// approach the teacher's bitmap allocator uses when it walks multiboot
// regions.
func NewBuddy(kernelImage mem.PhysRange) *Buddy {
	b := &Buddy{}

	kernelStart := pmm.FrameFromAddress(uintptr(kernelImage.Start))
	kernelEnd := pmm.FrameFromAddress(uintptr(kernelImage.End-1)) + 1

	multiboot.VisitMemRegions(func(region *multiboot.MemoryRegion) bool {
		if region.Kind != multiboot.MemUsable {
			return true
		}
		start := pmm.FrameFromAddress(uintptr(region.Range.Start.AlignUp(uintptr(mem.PageSize))))
		end := pmm.FrameFromAddress(uintptr(region.Range.End.AlignDown(uintptr(mem.PageSize))))

		for _, span := range subtractRun(start, end, kernelStart, kernelEnd) {
			b.seed(span.start, span.end)
		}
		return true
	})

	return b
}

type frameSpan struct{ start, end pmm.Frame }

// subtractRun removes [exStart, exEnd) from [start, end), returning the 0,
// 1, or 2 spans that remain.
func subtractRun(start, end, exStart, exEnd pmm.Frame) []frameSpan {
	if exEnd <= start || exStart >= end {
		return []frameSpan{{start, end}}
	}
	var out []frameSpan
	if exStart > start {
		out = append(out, frameSpan{start, exStart})
	}
	if exEnd < end {
		out = append(out, frameSpan{exEnd, end})
	}
	return out
}

// seed splits [start, end) into maximal power-of-two, alignment-respecting
// runs and inserts each into its free list.
func (b *Buddy) seed(start, end pmm.Frame) {
	if b.regionCount == 0 {
		b.regionBase = start
	}
	b.regionCount += uint(end - start)
	for start < end {
		order := order0(uint(end - start))
		// Respect alignment: a run can only join the buddy scheme at
		// order N if its start frame is a multiple of 2^N relative to
		// regionBase.
		for order > 0 && (uint(start-b.regionBase)&((1<<uint(order))-1)) != 0 {
			order--
		}
		b.insert(order, start)
		start += pmm.Frame(1 << uint(order))
	}
}

// order0 returns the largest order whose 2^order does not exceed n pages,
// capped at buddyMaxOrder.
func order0(n uint) uint {
	order := uint(0)
	for order < buddyMaxOrder && (uint(1)<<(order+1)) <= n {
		order++
	}
	return order
}

func (b *Buddy) insert(order uint, f pmm.Frame) {
	list := b.freeLists[order]
	idx := sort.Search(len(list), func(i int) bool { return list[i] >= f })
	list = append(list, 0)
	copy(list[idx+1:], list[idx:])
	list[idx] = f
	b.freeLists[order] = list
}

func (b *Buddy) popOrder(order uint) (pmm.Frame, bool) {
	list := b.freeLists[order]
	if len(list) == 0 {
		return pmm.InvalidFrame, false
	}
	f := list[0]
	b.freeLists[order] = list[1:]
	return f, true
}

func (b *Buddy) removeFrame(order uint, f pmm.Frame) bool {
	list := b.freeLists[order]
	idx := sort.Search(len(list), func(i int) bool { return list[i] >= f })
	if idx >= len(list) || list[idx] != f {
		return false
	}
	b.freeLists[order] = append(list[:idx], list[idx+1:]...)
	return true
}

// buddyOf returns f's buddy at the given order: the run that, together
// with f, forms the aligned run one order larger.
func (b *Buddy) buddyOf(order uint, f pmm.Frame) pmm.Frame {
	rel := uint(f - b.regionBase)
	return b.regionBase + pmm.Frame(rel^(1<<order))
}

// allocOrder finds the smallest free run at order >= minOrder, splitting
// larger runs down as needed, and returns a run of exactly 2^minOrder
// pages.
func (b *Buddy) allocOrder(minOrder uint) (pmm.Frame, *kernel.Error) {
	order := minOrder
	for order <= buddyMaxOrder {
		if f, ok := b.popOrder(order); ok {
			for order > minOrder {
				order--
				half := f + pmm.Frame(1<<order)
				b.insert(order, half)
			}
			return f, nil
		}
		order++
	}
	return pmm.InvalidFrame, errBuddyOutOfMemory
}

// freeOrder returns a run of 2^order pages starting at f to the free
// lists, coalescing with its buddy as long as the buddy is also free.
func (b *Buddy) freeOrder(order uint, f pmm.Frame) {
	for order < buddyMaxOrder {
		buddy := b.buddyOf(order, f)
		if !b.removeFrame(order, buddy) {
			break
		}
		if buddy < f {
			f = buddy
		}
		order++
	}
	b.insert(order, f)
}

// orderFor returns the smallest order whose run holds at least count pages.
func orderFor(count uint) uint {
	order := uint(0)
	for (uint(1) << order) < count {
		order++
	}
	return order
}

// AllocFrame reserves a single physical frame, satisfying pmm.Allocator.
func (b *Buddy) AllocFrame() (pmm.Frame, *kernel.Error) {
	b.mu.Acquire()
	defer b.mu.Release()
	return b.allocOrder(0)
}

// FreeFrame returns a single physical frame, satisfying pmm.Allocator.
func (b *Buddy) FreeFrame(f pmm.Frame) *kernel.Error {
	b.mu.Acquire()
	defer b.mu.Release()
	b.freeOrder(0, f)
	return nil
}

// AllocContiguous reserves a run of count physically contiguous frames,
// satisfying pmm.ContiguousAllocator.
func (b *Buddy) AllocContiguous(count uint) (pmm.Frame, *kernel.Error) {
	order := orderFor(count)
	if order > buddyMaxOrder {
		return pmm.InvalidFrame, errBuddyRunTooLarge
	}
	b.mu.Acquire()
	defer b.mu.Release()
	return b.allocOrder(order)
}

// FreeContiguous returns a run of count physically contiguous frames
// starting at start, satisfying pmm.ContiguousAllocator. start must be the
// same frame a prior AllocContiguous(count) returned.
func (b *Buddy) FreeContiguous(start pmm.Frame, count uint) *kernel.Error {
	order := orderFor(count)
	if (uint(start-b.regionBase) & ((1 << order) - 1)) != 0 {
		return errBuddyBadFree
	}
	b.mu.Acquire()
	defer b.mu.Release()
	b.freeOrder(order, start)
	return nil
}
