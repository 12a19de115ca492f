// Package allocator provides the two pmm.Allocator implementations used
// across boot: a watermark allocator that walks the loader's memory map
// directly, and a steady-state bitmap allocator that replaces it once
// memory has been fully enumerated.
package allocator

import (
	"k23/kernel"
	"k23/kernel/hal/multiboot"
	"k23/kernel/kfmt/early"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
)

var (
	// BootMem is a boot mem allocator instance used for page allocations
	// before switching to the bitmap allocator.
	BootMem bootMemAllocator

	errBootAllocOutOfMemory  = &kernel.Error{Module: "boot_mem_alloc", Class: kernel.ErrClassNoResources, Message: "out of memory"}
	errBootAllocCannotFree   = &kernel.Error{Module: "boot_mem_alloc", Class: kernel.ErrClassInvalidArgument, Message: "the bootstrap allocator cannot free frames"}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame.  Allocations are tracked via an internal counter that contains
// the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks will be handed over to the bitmap allocator, which does support
// freeing.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame pmm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame pmm.Frame
}

// Init sets up the boot memory allocator internal state from the kernel
// image's physical extent, reported by BootInfo.
func (alloc *bootMemAllocator) Init(kernelImage mem.PhysRange) {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	alloc.kernelStartAddr = uintptr(kernelImage.Start)
	alloc.kernelEndAddr = uintptr(kernelImage.End)
	alloc.kernelStartFrame = pmm.Frame((alloc.kernelStartAddr & ^pageSizeMinus1) >> mem.PageShift)
	alloc.kernelEndFrame = pmm.Frame(((alloc.kernelEndAddr+pageSizeMinus1) & ^pageSizeMinus1)>>mem.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	multiboot.VisitMemRegions(func(region *multiboot.MemoryRegion) bool {
		regionLen := region.Range.Len()
		if region.Kind != multiboot.MemUsable || regionLen < uintptr(mem.PageSize) {
			return true
		}

		pageSizeMinus1 := uintptr(mem.PageSize - 1)
		regionStartFrame := pmm.Frame((uintptr(region.Range.Start) + pageSizeMinus1) &^ pageSizeMinus1 >> mem.PageShift)
		regionEndFrame := pmm.Frame((uintptr(region.Range.End)&^pageSizeMinus1)>>mem.PageShift) - 1

		// Skip over already allocated regions
		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// If last frame used a different region and the kernel image
		// is located at the beginning of this region OR we are in
		// current region but lastAllocFrame + 1 points to the kernel
		// start we need to jump to the page following the kernel end
		// frame
		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0 {
			alloc.lastAllocFrame = regionStartFrame
		} else {
			alloc.lastAllocFrame++
		}

		// The above adjustment might push lastAllocFrame outside of the
		// region end (e.g kernel ends at last page in the region)
		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// FreeFrame always fails: the bootstrap allocator never frees, per spec.
func (alloc *bootMemAllocator) FreeFrame(pmm.Frame) *kernel.Error {
	return errBootAllocCannotFree
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map using the
// allocation-free early console.
func (alloc *bootMemAllocator) PrintMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryRegion) bool {
		early.Printf("\t[0x%10x - 0x%10x], size: %10d, kind: %s\n", uintptr(region.Range.Start), uintptr(region.Range.End), region.Range.Len(), region.Kind.String())

		if region.Kind == multiboot.MemUsable {
			totalFree += mem.Size(region.Range.Len())
		}
		return true
	})
	early.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))
	early.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	early.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
