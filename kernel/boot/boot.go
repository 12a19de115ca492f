// Package boot sequences the memory core's cold-start path: install the
// loader's BootInfo, bring up the bootstrap watermark allocator, adopt the
// loader's page table as the kernel AddressSpace, then hand off to the
// steady-state buddy allocator once every usable region has been
// enumerated.
package boot

import (
	"k23/kernel"
	"k23/kernel/hal/multiboot"
	"k23/kernel/hal/riscv64"
	"k23/kernel/kfmt"
	"k23/kernel/mem"
	"k23/kernel/mem/pmm"
	"k23/kernel/mem/pmm/allocator"
	"k23/kernel/mem/vmm"
	"k23/kernel/mem/vmo"
)

// userAddressSpaceCeiling is the highest address a user region may occupy;
// a narrower span than the full Sv39/Sv48 range, leaving the top of the
// address space for a future kernel-reserved window in every per-task
// AddressSpace.
const userAddressSpaceCeiling = mem.VirtAddr(1) << (mem.VirtAddrBits - 1)

// Kernel holds every singleton the memory core assembles during boot.
// Nothing outside this package constructs one.
type Kernel struct {
	AddressSpace *vmm.AddressSpace
	KernelImage  *vmo.VMO
}

// Boot runs the cold-start sequence described above and returns the
// assembled Kernel, ready for the scheduler to start handing out tasks.
func Boot(bi *multiboot.BootInfo) (*Kernel, *kernel.Error) {
	multiboot.SetBootInfo(bi)

	allocator.BootMem.Init(bi.KernelImage)
	pmm.SetAllocator(&allocator.BootMem)

	as := vmm.FromActive(bi.BootHartID, 0, userAddressSpaceCeiling)

	kernelImageVMO := vmo.NewWired(bi.KernelImage)
	if _, err := as.Reserve(
		mem.VirtRange{Start: bi.KernelImage.Start.ToVirt(), End: bi.KernelImage.End.ToVirt()},
		kernelImageVMO, 0,
		vmm.MemoryAttributes{Read: true, WX: vmm.Execute, Global: true},
		"kernel-image",
	); err != nil {
		return nil, err
	}

	if err := reclaimLoaderRange(bi); err != nil {
		return nil, err
	}

	buddy := allocator.NewBuddy(bi.KernelImage)
	pmm.SetAllocator(buddy)

	kfmt.Printf("[boot] memory core initialized, hart %d, asid %d\n", bi.BootHartID, as.ASID())

	return &Kernel{AddressSpace: as, KernelImage: kernelImageVMO}, nil
}

// reclaimLoaderRange unmaps the loader's own transient state (stack,
// BootInfo record) from the kernel address space. These pages were never
// recorded as a Region (FromActive only adopts the root table, not the
// loader's own bookkeeping), so they are unmapped directly through the
// riscv64 page-table layer rather than through AddressSpace.Unmap. The
// frames themselves are not returned to any allocator here: the bootstrap
// watermark allocator cannot free (see bootMemAllocator.FreeFrame), so
// they are left for the buddy allocator to pick up when it seeds its free
// lists from multiboot's memory map, which reports this range as MemUsable
// once the loader is done with it.
func reclaimLoaderRange(bi *multiboot.BootInfo) *kernel.Error {
	if bi.LoaderRange.Len() == 0 {
		return nil
	}
	root, _ := riscv64.ActiveTable()
	start := bi.LoaderRange.Start.ToVirt()
	end := bi.LoaderRange.End.ToVirt()
	for addr := start; addr < end; addr = addr.Add(uintptr(mem.PageSize)) {
		if _, err := riscv64.Translate(root, addr); err != nil {
			continue
		}
		if err := riscv64.Unmap(root, addr); err != nil {
			return err
		}
		if err := riscv64.FlushTLBEntry(bi.BootHartID, 1<<bi.BootHartID, uintptr(addr)); err != nil {
			return err
		}
	}
	return nil
}
