package vmm

import (
	"k23/kernel"
	"k23/kernel/hal/riscv64"
	"k23/kernel/mem"
)

// flushMaxRanges bounds how many distinct virtual ranges a Flush batches
// before giving up and invalidating the whole address space in one shot.
// Beyond this many individual SBI RFENCE calls cost more than one
// full-address-space fence.
const flushMaxRanges = 8

// Flush accumulates the TLB invalidations a single Map/Unmap/Protect batch
// produced, deferring the actual SBI RFENCE calls until the caller is done
// mutating page tables and calls Apply. Batching matters because SBI RFENCE
// is synchronous: each call blocks until every targeted hart acknowledges,
// so merging many single-page invalidations into the fewest possible calls
// (or one "invalidate everything") avoids paying that round-trip per page.
type Flush struct {
	asid      uint16
	hartMask  uint64
	localHart uint64
	ranges    [flushMaxRanges]mem.VirtRange
	count     int
	all       bool
	applied   bool
}

// newFlush starts a batch against the given address space identity.
func newFlush(asid uint16, localHart, hartMask uint64) *Flush {
	f := &Flush{asid: asid, localHart: localHart, hartMask: hartMask}
	flushTrackOpen(f)
	return f
}

// record adds a single page's virtual range to the batch, falling back to
// recordAll once the batch is full.
func (f *Flush) record(vaddr mem.VirtAddr) {
	if f.all {
		return
	}
	if f.count == flushMaxRanges {
		f.recordAll()
		return
	}
	f.ranges[f.count] = mem.VirtRange{Start: vaddr, End: vaddr.Add(uintptr(mem.PageSize))}
	f.count++
}

// recordAll degrades the batch to "invalidate every entry for this
// address space", used once too many individual pages have accumulated or
// when an operation (e.g. Destroy) inherently touches the whole space.
func (f *Flush) recordAll() {
	f.all = true
	f.count = 0
}

// Apply issues the SBI RFENCE calls (or a single full-address-space fence)
// the batch accumulated. A Flush must be applied exactly once; calling
// Apply twice, or never, is a caller bug that debug builds catch (see
// flush_debug.go).
func (f *Flush) Apply() *kernel.Error {
	f.applied = true
	flushTrackClose(f)

	if f.all || f.count == 0 {
		return riscv64.FlushAll(f.localHart, f.hartMask)
	}
	for i := 0; i < f.count; i++ {
		r := f.ranges[i]
		if err := riscv64.FlushTLBEntry(f.localHart, f.hartMask, uintptr(r.Start)); err != nil {
			return err
		}
	}
	return nil
}

// Ignore discards the batch without issuing any invalidation. Only correct
// when the caller independently knows no hart could have cached a stale
// entry for the touched ranges (e.g. a region that was never installed in
// hardware because nothing faulted it in yet).
func (f *Flush) Ignore() {
	f.applied = true
	flushTrackClose(f)
}
