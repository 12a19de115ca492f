package mem

import "fmt"

// PhysAddr is a physical machine address. Like pmm.Frame, it is a thin
// uintptr wrapper rather than an opaque struct so that arithmetic and
// bit-masking read the same as they would on a bare uintptr.
type PhysAddr uintptr

// VirtAddr is a virtual (program-visible) machine address.
type VirtAddr uintptr

// PhysMapBase is the virtual base address of the physical-memory map: a
// single contiguous window, installed by the bootstrap address space, that
// covers all usable RAM. It is populated once from hal/multiboot.BootInfo
// and consulted by every PhysAddr.ToVirt call thereafter; the zero value is
// only ever observed before that bootstrap step runs.
var PhysMapBase VirtAddr

// ToVirt maps a physical address into the physical-memory map window,
// implementing phys_to_virt(p) = physmap_base + p.
func (p PhysAddr) ToVirt() VirtAddr {
	return VirtAddr(PhysMapBase) + VirtAddr(p)
}

// Add returns p+n.
func (p PhysAddr) Add(n uintptr) PhysAddr { return p + PhysAddr(n) }

// Sub returns p-n.
func (p PhysAddr) Sub(n uintptr) PhysAddr { return p - PhysAddr(n) }

// AlignUp rounds p up to the next multiple of the power-of-two align.
func (p PhysAddr) AlignUp(align uintptr) PhysAddr {
	return PhysAddr(alignUp(uintptr(p), align))
}

// AlignDown rounds p down to the previous multiple of the power-of-two align.
func (p PhysAddr) AlignDown(align uintptr) PhysAddr {
	return PhysAddr(alignDown(uintptr(p), align))
}

// IsAlignedTo reports whether p is a multiple of the power-of-two align.
func (p PhysAddr) IsAlignedTo(align uintptr) bool {
	return isAligned(uintptr(p), align)
}

// Raw returns the underlying machine word.
func (p PhysAddr) Raw() uintptr { return uintptr(p) }

func (p PhysAddr) String() string { return fmt.Sprintf("0x%x", uintptr(p)) }

// Add returns v+n.
func (v VirtAddr) Add(n uintptr) VirtAddr { return v + VirtAddr(n) }

// Sub returns v-n.
func (v VirtAddr) Sub(n uintptr) VirtAddr { return v - VirtAddr(n) }

// AlignUp rounds v up to the next multiple of the power-of-two align.
func (v VirtAddr) AlignUp(align uintptr) VirtAddr {
	return VirtAddr(alignUp(uintptr(v), align))
}

// AlignDown rounds v down to the previous multiple of the power-of-two align.
func (v VirtAddr) AlignDown(align uintptr) VirtAddr {
	return VirtAddr(alignDown(uintptr(v), align))
}

// IsAlignedTo reports whether v is a multiple of the power-of-two align.
func (v VirtAddr) IsAlignedTo(align uintptr) bool {
	return isAligned(uintptr(v), align)
}

// Canonicalize sign-extends v through the top 64-bits bits, so that it is a
// legal canonical address for a platform whose valid virtual-address width
// is bits (39 for Sv39, 48 for Sv48). Addresses built by arithmetic on a
// truncated VPN (e.g. the top region of the address space) must be passed
// through Canonicalize before use.
func (v VirtAddr) Canonicalize(bits uint) VirtAddr {
	shift := 64 - bits
	return VirtAddr(int64(uint64(v)<<shift) >> shift)
}

// Raw returns the underlying machine word.
func (v VirtAddr) Raw() uintptr { return uintptr(v) }

func (v VirtAddr) String() string { return fmt.Sprintf("0x%x", uintptr(v)) }

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

func alignDown(x, align uintptr) uintptr {
	return x &^ (align - 1)
}

func isAligned(x, align uintptr) bool {
	return x&(align-1) == 0
}
