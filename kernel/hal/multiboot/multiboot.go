// Package multiboot holds the loader-supplied boot contract. Unlike the
// teacher's x86 multiboot2 tag stream, the RISC-V SBI-based loader this
// kernel targets hands over a single plain BootInfo record rather than a
// binary tag list to walk — there is no on-disk format to parse, just a
// struct the loader constructs in the kernel's own address space before
// jumping to it. The package keeps the teacher's "global info, visitor over
// regions" shape because the rest of the core (bootmem, the bitmap
// allocator) consumes it the same way regardless of how it got populated.
package multiboot

import "k23/kernel/mem"

// MemoryRegionKind classifies a single BootInfo memory region.
type MemoryRegionKind uint8

const (
	// MemUnknown is the zero value; never reported by a real loader.
	MemUnknown MemoryRegionKind = iota
	// MemUsable marks RAM that the frame allocator may hand out.
	MemUsable
	// MemLoader marks memory still holding loader state (stacks, the
	// BootInfo record itself) that must be unmapped during Component
	// boot's cleanup pass rather than handed to the frame allocator.
	MemLoader
	// MemFDT marks the flattened device tree blob the loader passed in.
	MemFDT
	// MemReserved marks memory the kernel must never touch (firmware,
	// reserved MMIO windows, etc).
	MemReserved
)

func (k MemoryRegionKind) String() string {
	switch k {
	case MemUsable:
		return "usable"
	case MemLoader:
		return "loader"
	case MemFDT:
		return "fdt"
	case MemReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// MemoryRegion describes one span of the physical address space and what
// it is used for.
type MemoryRegion struct {
	Range mem.PhysRange
	Kind  MemoryRegionKind
}

// BootInfo is the contract between the loader and the kernel: everything
// the memory core needs to bootstrap itself, handed over as a single
// struct rather than parsed from a wire format.
type BootInfo struct {
	// BootHartID is the hart that executed the loader and will run the
	// kernel's initial boot sequence.
	BootHartID uint64

	// PhysMapBase is the virtual base address of the physical-memory map
	// window the loader has already installed in the bootstrap page
	// tables; mem.PhysMapBase is set from this field during Init.
	PhysMapBase mem.VirtAddr

	// KernelImage is the physical range occupied by the loaded kernel
	// ELF image (text, data, bss as one span).
	KernelImage mem.PhysRange

	// Regions enumerates all of physical memory, usable and otherwise.
	Regions []MemoryRegion

	// TLSTemplate is the physical range of the kernel's TLS initializer
	// block, copied per-hart by the boot sequence.
	TLSTemplate mem.PhysRange

	// LoaderRange is the physical range holding the loader's own
	// transient state (stack, BootInfo record); unmapped once boot
	// finishes consuming it.
	LoaderRange mem.PhysRange

	// KernelHeap is a physical range the loader set aside for the
	// kernel's own heap bootstrap, if any.
	KernelHeap mem.PhysRange
}

var current *BootInfo

// SetBootInfo installs the BootInfo record the loader constructed. Called
// exactly once, before any other package in the memory core runs.
func SetBootInfo(bi *BootInfo) {
	current = bi
	mem.PhysMapBase = bi.PhysMapBase
}

// Info returns the BootInfo installed by SetBootInfo, or nil if it has not
// run yet.
func Info() *BootInfo {
	return current
}

// RegionVisitor is called by VisitMemRegions with each known memory
// region. Returning false stops the walk early.
type RegionVisitor func(region *MemoryRegion) bool

// VisitMemRegions walks every region in the installed BootInfo in order,
// invoking visitor for each until it returns false or the regions are
// exhausted.
func VisitMemRegions(visitor RegionVisitor) {
	if current == nil {
		return
	}
	for i := range current.Regions {
		if !visitor(&current.Regions[i]) {
			return
		}
	}
}
