package kfmt

import (
	"k23/kernel"
)

// HaltFn is invoked by Panic after it has flushed diagnostics to the
// console. It defaults to an infinite loop (the safest fallback before any
// architecture is wired up) and is overridden by the hal/riscv64 package's
// init-time registration with the real WFI-loop halt primitive. Tests
// substitute it with a function that records the call instead of hanging.
var HaltFn = func() {
	for {
	}
}

var errRuntimePanic = &kernel.Error{Module: "rt", Class: kernel.ErrClassNone, Message: "unknown cause"}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() for the handful of call sites that cannot return a
// *kernel.Error (e.g. slice bounds checks reached before any recovery path
// exists).
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	HaltFn()
}

// panicString serves as a redirect target for runtime.throw-shaped callers
// that only have a string message.
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
