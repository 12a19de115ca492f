package riscv64

import "k23/kernel/mem/pmm"

// satp CSR field layout (Sv39/Sv48): MODE[63:60] | ASID[59:44] | PPN[43:0].
const (
	satpASIDShift = 44
	satpASIDMask  = 0xFFFF
	satpPPNMask   = (uintptr(1) << 44) - 1
)

var (
	// readSatpFn/writeSatpFn read and write the satp CSR. The real
	// implementation is a one-instruction assembly stub; tests substitute
	// a fake register to exercise ActiveTable/SetActiveTable without
	// touching privileged state.
	readSatpFn  = func() uintptr { return 0 }
	writeSatpFn = func(v uintptr) {}
)

// ActiveTable returns the root frame and ASID currently installed in satp
// on this hart.
func ActiveTable() (pmm.Frame, uint16) {
	v := readSatpFn()
	return pmm.Frame(v & satpPPNMask), uint16((v >> satpASIDShift) & satpASIDMask)
}

// SetActiveTable installs root as the active page table for asid on this
// hart. Callers are responsible for any TLB invalidation the switch
// requires (see vmm.AddressSpace.Activate).
func SetActiveTable(root pmm.Frame, asid uint16) {
	v := uintptr(satpMode)<<60 | (uintptr(asid)&satpASIDMask)<<satpASIDShift | (uintptr(root) & satpPPNMask)
	writeSatpFn(v)
}
