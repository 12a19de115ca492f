// Package kernel contains types and helpers shared by every kernel
// subsystem. It intentionally has no dependencies beyond the standard
// library so that low-level packages (mem, pmm, vmm) can depend on it
// without risking import cycles.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available during the earliest
// boot stages, so errors.New (which allocates) cannot be used there. Once
// allocation is available the restriction is kept anyway for consistency
// and because the flat, code-free taxonomy the memory core uses (see
// ErrClass) does not benefit from wrapped, allocated errors.
type Error struct {
	// Module is the subsystem that raised the error (e.g. "vmm", "pmm").
	Module string

	// Class is the flat error taxonomy bucket this error belongs to.
	Class ErrClass

	// Message is a human-readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrClass is a flat, non-nested error taxonomy. The memory core never
// wraps or annotates these further: callers switch on Class, not on
// sentinel identity, when they need to distinguish recoverable outcomes.
type ErrClass uint8

const (
	// ErrClassNone is the zero value; never returned by the core.
	ErrClassNone ErrClass = iota

	// ErrClassAccessDenied indicates a permission check failed or no
	// region covers the address being faulted on.
	ErrClassAccessDenied

	// ErrClassInvalidArgument indicates a misaligned range, an empty
	// range, or an out-of-bounds offset.
	ErrClassInvalidArgument

	// ErrClassAlreadyExists indicates an overlap when mapping or
	// reserving a region.
	ErrClassAlreadyExists

	// ErrClassNoResources indicates allocator exhaustion (physical
	// frames, ASIDs, or other bounded resources).
	ErrClassNoResources

	// ErrClassAddressSpaceMismatch indicates a Flush or operation named
	// a different ASID than the one it was applied against.
	ErrClassAddressSpaceMismatch

	// ErrClassArch indicates an architecture-level failure passed
	// through from the SBI/remote-fence call path.
	ErrClassArch
)

// Is reports whether e belongs to the given error class. A nil *Error
// never belongs to any class.
func (e *Error) Is(class ErrClass) bool {
	return e != nil && e.Class == class
}
