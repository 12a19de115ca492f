// Package trap glues the hardware trap entry point to the memory core:
// classifying a scause exception code into an access kind and handing the
// faulting address to the owning AddressSpace for resolution, the same
// role an interrupt-dispatch package plays for x86's per-vector IDT
// entries, adapted to RV64's single scause/stval/sepc trap frame.
package trap

import (
	"k23/kernel"
	"k23/kernel/hal/riscv64"
	"k23/kernel/kfmt"
	"k23/kernel/mem"
	"k23/kernel/mem/vmm"
)

// Frame captures the CSR state a trap entry stub saves before calling into
// Go: the exception cause, the faulting address or instruction-specific
// trap value, and the PC to resume at (or past, for non-restartable
// traps). A real entry stub populates this from scause/stval/sepc; tests
// construct one directly.
type Frame struct {
	Cause riscv64.ScauseCode
	Tval  uintptr
	Epc   uintptr
}

var errUnhandledCause = &kernel.Error{Module: "trap", Class: kernel.ErrClassInvalidArgument, Message: "trap cause is not a page fault"}

// accessFor reports the MemoryAttributes access kind a page-fault cause
// represents, i.e. what permission the faulting access required.
func accessFor(cause riscv64.ScauseCode) vmm.MemoryAttributes {
	switch cause {
	case riscv64.CauseStorePageFault:
		return vmm.MemoryAttributes{Read: true, WX: vmm.Write}
	case riscv64.CauseInstructionPageFault:
		return vmm.MemoryAttributes{Read: true, WX: vmm.Execute}
	default: // CauseLoadPageFault
		return vmm.MemoryAttributes{Read: true}
	}
}

// HandlePageFault resolves a page-fault trap against as, returning nil if
// the faulting instruction should simply be retried (Frame.Epc unchanged)
// and a non-nil *kernel.Error if the fault could not be resolved and is
// fatal to whatever was running.
func HandlePageFault(as *vmm.AddressSpace, f *Frame) *kernel.Error {
	if !f.Cause.IsPageFault() {
		return errUnhandledCause
	}
	addr := mem.VirtAddr(f.Tval)
	return as.PageFault(addr, accessFor(f.Cause))
}

// Fatal reports a trap that could not be resolved, register-dump-then-halt
// style, and never returns.
func Fatal(f *Frame, err *kernel.Error) {
	kfmt.Printf("\nunhandled trap: %s at 0x%x (epc 0x%x)\nreason: ", f.Cause, f.Tval, f.Epc)
	if err != nil {
		kfmt.Printf("[%s] %s\n", err.Module, err.Message)
	} else {
		kfmt.Printf("unknown\n")
	}
	kfmt.Panic(err)
}
