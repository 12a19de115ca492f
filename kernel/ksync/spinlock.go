// Package ksync provides the synchronization primitives used by the memory
// core. All locks in this package are expected to be held only briefly (a
// handful of instructions): the frame allocator's freelist, an address
// space's region set, and a paged VMO's frame list are all protected by
// short, non-suspending critical sections (see spec §5).
//
// Lock ordering is fixed across the core and must never be taken in reverse:
//
//	AddressSpace -> Vmo -> FrameAllocator
package ksync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is called by Acquire while busy-waiting for a contended
	// lock. It is swapped out in tests to avoid flaky sleeps and will
	// eventually be replaced by the scheduler's cooperative yield once a
	// task system exists above this package.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available. It is used for the handful of
// process-wide structures (the frame allocator's freelist) that are held for
// a bounded, tiny number of instructions and never across a blocking call.
//
// Spinlock is not reentrant: re-acquiring a lock already held by the calling
// goroutine deadlocks it.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock without blocking. It returns
// true if the lock was acquired and false if it was already held.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release on a lock that is not
// held has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
