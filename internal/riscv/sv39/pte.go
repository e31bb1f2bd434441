// Package sv39 implements the RISC-V Sv39 page table format: entry bits, a
// software page table walker and a builder for laying out tables in memory.
package sv39

import "fmt"

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty

	PteAD  = PteA | PteD
	PteRWX = PteR | PteW | PteX
)

// Page sizes
const (
	PageSize  = 4096
	PageShift = 12
	PageMask  = PageSize - 1
	Levels    = 3
	VpnBits   = 9
	VpnMask   = 1<<VpnBits - 1
	PpnShift  = 10
	PpnBits   = 44
	PteSize   = 8
)

// SATP fields
const (
	SatpModeShift = 60
	SatpModeBare  = 0
	SatpModeSv39  = 8
	SatpPPN       = 1<<PpnBits - 1
)

// Level is the depth at which a walk found its leaf.
type Level uint8

const (
	Level4K Level = iota
	Level2M
	Level1G
)

func (l Level) String() string {
	switch l {
	case Level4K:
		return "4K"
	case Level2M:
		return "2M"
	case Level1G:
		return "1G"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Size returns the number of bytes mapped by a leaf at this level.
func (l Level) Size() uint64 {
	return 1 << (PageShift + uint(l)*VpnBits)
}

// ReservedBits returns the RSW bits a shadow entry carries to remember the
// guest superpage level it was derived from.
func (l Level) ReservedBits() uint64 {
	switch l {
	case Level2M:
		return 0x100
	case Level1G:
		return 0x200
	default:
		return 0x000
	}
}

// PPN extracts the physical page number of an entry.
func PPN(pte uint64) uint64 {
	return (pte >> PpnShift) & SatpPPN
}

// Address returns the physical address an entry points at.
func Address(pte uint64) uint64 {
	return PPN(pte) << PageShift
}

// IsLeaf reports whether an entry terminates a walk.
func IsLeaf(pte uint64) bool {
	return pte&(PteR|PteW|PteX) != 0
}

// MakeEntry composes an entry for the page at pa with the given flags.
func MakeEntry(pa uint64, flags uint64) uint64 {
	return (pa>>PageShift)<<PpnShift | flags
}

// VPN returns the index into the table at level for va.
func VPN(va uint64, level Level) uint64 {
	return (va >> (PageShift + uint(level)*VpnBits)) & VpnMask
}

// SatpRoot returns the root table address encoded in a satp value.
func SatpRoot(satp uint64) uint64 {
	return (satp & SatpPPN) << PageShift
}

// SatpMode returns the translation mode encoded in a satp value.
func SatpMode(satp uint64) uint64 {
	return satp >> SatpModeShift
}

// MakeSatp encodes an Sv39 satp value for the table at root.
func MakeSatp(root uint64) uint64 {
	return SatpModeSv39<<SatpModeShift | (root>>PageShift)&SatpPPN
}
