package riscv64

import "k23/kernel"

// localFenceFn issues a local sfence.vma for the given virtual address
// (or all addresses if size is zero). It is a forward declaration: the
// actual instruction is emitted by the architecture-specific assembly stub
// once one exists, mirroring the teacher's own archAcquireSpinlock
// forward-declaration pattern. Tests substitute a recording stub.
var localFenceFn = func(vaddr uintptr, size uintptr) {}

// FlushTLBEntry invalidates the TLB entry for a single virtual address on
// the local hart and, if hartMask selects any other hart, requests a remote
// fence via SBI RFENCE. The call blocks until every targeted hart has
// acknowledged, since SBI RFENCE is synchronous.
func FlushTLBEntry(localHart, hartMask uint64, vaddr uintptr) *kernel.Error {
	localFenceFn(vaddr, 1)

	remoteMask := hartMask &^ (1 << localHart)
	if remoteMask == 0 {
		return nil
	}

	if err := RemoteFenceVMA(remoteMask, vaddr, 1); err != nil {
		return &kernel.Error{Module: "riscv64", Class: kernel.ErrClassArch, Message: err.Error()}
	}
	return nil
}

// FlushAll invalidates every TLB entry on the local hart and, via SBI
// RFENCE, on every other hart selected by hartMask.
func FlushAll(localHart, hartMask uint64) *kernel.Error {
	localFenceFn(0, 0)

	remoteMask := hartMask &^ (1 << localHart)
	if remoteMask == 0 {
		return nil
	}

	if err := RemoteFenceVMA(remoteMask, 0, 0); err != nil {
		return &kernel.Error{Module: "riscv64", Class: kernel.ErrClassArch, Message: err.Error()}
	}
	return nil
}
