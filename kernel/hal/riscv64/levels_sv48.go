//go:build riscv64 && sv48

package riscv64

// Sv48 adds a fourth radix level on top of Sv39, each still 9 VPN bits.
const pageLevels = 4

var pageLevelShifts = [pageLevels]uint{12, 21, 30, 39}
var pageLevelBits = [pageLevels]uint{9, 9, 9, 9}

// satpMode is the value placed in the MODE field (bits 63:60) of satp to
// select this paging scheme.
const satpMode = 9
