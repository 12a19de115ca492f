//go:build debug

package vmm

import "runtime"

// Debug builds track every Flush that is opened and panic, via a finalizer,
// if one is ever garbage collected without Apply or Ignore having run:
// an unflushed batch means a hart may still observe a stale translation.
func flushTrackOpen(f *Flush) {
	runtime.SetFinalizer(f, func(f *Flush) {
		if !f.applied {
			panic("vmm: Flush garbage collected without Apply or Ignore")
		}
	})
}

func flushTrackClose(f *Flush) {
	runtime.SetFinalizer(f, nil)
}
