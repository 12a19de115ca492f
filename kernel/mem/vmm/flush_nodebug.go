//go:build !debug

package vmm

// Release builds skip the finalizer bookkeeping flush_debug.go installs;
// leak detection is a debug-build-only aid, not a runtime cost production
// kernels pay.
func flushTrackOpen(f *Flush)  {}
func flushTrackClose(f *Flush) {}
