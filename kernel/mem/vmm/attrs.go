// Package vmm implements the address space layer: a set of non-overlapping
// regions, each mapping a byte range of a virtual memory object at some
// permission, installed into hardware page tables lazily as faults occur
// rather than eagerly at Map time.
package vmm

import "k23/kernel/hal/riscv64"

// WriteOrExecute restricts a region to being writable, executable, or
// neither, but never both at once. Modeling the choice as an enum rather
// than two independent bools makes a W^X violation a compile error instead
// of a runtime check: there is no representable MemoryAttributes value with
// both bits set.
type WriteOrExecute uint8

const (
	// Neither permits neither writes nor instruction fetch (e.g. a
	// read-only mapping of program data).
	Neither WriteOrExecute = iota
	// Write permits writes but not instruction fetch.
	Write
	// Execute permits instruction fetch but not writes.
	Execute
)

// MemoryAttributes describes the permissions a region grants.
type MemoryAttributes struct {
	Read    bool
	WX      WriteOrExecute
	User    bool
	Global  bool
}

// toPTEFlags lowers a MemoryAttributes value to the riscv64 PTE flag bits
// Map/Protect expect, excluding FlagValid, which the caller adds.
func (a MemoryAttributes) toPTEFlags() riscv64.PageTableEntryFlag {
	var f riscv64.PageTableEntryFlag
	if a.Read {
		f |= riscv64.FlagRead
	}
	switch a.WX {
	case Write:
		f |= riscv64.FlagWrite
	case Execute:
		f |= riscv64.FlagExecute
	}
	if a.User {
		f |= riscv64.FlagUser
	}
	if a.Global {
		f |= riscv64.FlagGlobal
	}
	return f
}

// Contains reports whether a region with attributes a grants at least the
// permissions in other, used when validating that a fault's access kind is
// permitted by the region it landed in.
func (a MemoryAttributes) Contains(other MemoryAttributes) bool {
	if other.Read && !a.Read {
		return false
	}
	if other.WX == Write && a.WX != Write {
		return false
	}
	if other.WX == Execute && a.WX != Execute {
		return false
	}
	if other.User && !a.User {
		return false
	}
	return true
}
