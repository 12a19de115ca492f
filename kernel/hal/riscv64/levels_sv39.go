//go:build riscv64 && !sv48

package riscv64

// Sv39 walks a 3-level radix tree with 9 VPN bits per level.
const pageLevels = 3

var pageLevelShifts = [pageLevels]uint{12, 21, 30}
var pageLevelBits = [pageLevels]uint{9, 9, 9}

// satpMode is the value placed in the MODE field (bits 63:60) of satp to
// select this paging scheme.
const satpMode = 8
