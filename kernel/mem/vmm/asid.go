package vmm

import (
	"k23/kernel"
	"k23/kernel/ksync"
)

// maxASID bounds the ASID space to what Sv39/Sv48's satp ASID field can
// hold (16 bits); k23 only ever needs a handful of concurrent address
// spaces, so a flat bitmap over the whole range is simpler than tracking a
// high-water mark.
const maxASID = 1 << 16

var (
	errNoASIDs = &kernel.Error{Module: "vmm", Class: kernel.ErrClassNoResources, Message: "no free address space identifiers"}

	asidMu     ksync.Spinlock
	asidBitmap [maxASID / 64]uint64
)

func init() {
	// ASID 0 is reserved for the kernel's own address space, which is
	// constructed once at boot via FromActive and never goes through
	// allocASID.
	asidBitmap[0] |= 1
}

// allocASID reserves and returns the lowest-numbered free ASID. There is no
// recycling of a freed ASID's TLB state beyond a full local flush on reuse
// (see Destroy): k23 never runs long enough between reboots for ASID
// exhaustion to be a practical concern at this scale.
func allocASID() (uint16, *kernel.Error) {
	asidMu.Acquire()
	defer asidMu.Release()

	for word := range asidBitmap {
		if asidBitmap[word] == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			if asidBitmap[word]&(1<<uint(bit)) == 0 {
				asidBitmap[word] |= 1 << uint(bit)
				return uint16(word*64 + bit), nil
			}
		}
	}
	return 0, errNoASIDs
}

// freeASID releases asid back to the pool. Freeing ASID 0 (the kernel's) or
// an ASID that was never allocated is a no-op.
func freeASID(asid uint16) {
	if asid == 0 {
		return
	}
	asidMu.Acquire()
	defer asidMu.Release()
	asidBitmap[asid/64] &^= 1 << (asid % 64)
}
