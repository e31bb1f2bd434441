package sv39

import (
	"errors"
	"fmt"
)

var ErrNoTablePages = errors.New("sv39: out of page table pages")

// Writable is the memory a Builder lays tables out in.
type Writable interface {
	Memory
	Store64(pa uint64, val uint64) error
	Zero(pa, n uint64) error
}

// Builder lays out Sv39 tables in memory, taking table pages from a fixed
// physical range.
type Builder struct {
	mem   Writable
	root  uint64
	next  uint64
	limit uint64
}

// NewBuilder allocates a root table at the start of [start, limit) and uses
// the rest of the range for intermediate tables.
func NewBuilder(mem Writable, start, limit uint64) (*Builder, error) {
	if start&PageMask != 0 {
		return nil, fmt.Errorf("sv39: table area 0x%x is not page aligned", start)
	}
	b := &Builder{mem: mem, next: start, limit: limit}
	root, err := b.allocTable()
	if err != nil {
		return nil, err
	}
	b.root = root
	return b, nil
}

// Root returns the physical address of the root table.
func (b *Builder) Root() uint64 { return b.root }

// Satp returns an Sv39 satp value selecting the root table.
func (b *Builder) Satp() uint64 { return MakeSatp(b.root) }

func (b *Builder) allocTable() (uint64, error) {
	if b.next+PageSize > b.limit || b.next+PageSize < b.next {
		return 0, ErrNoTablePages
	}
	pa := b.next
	if err := b.mem.Zero(pa, PageSize); err != nil {
		return 0, fmt.Errorf("sv39: clear table at 0x%x: %w", pa, err)
	}
	b.next += PageSize
	return pa, nil
}

// Map installs a leaf for va at the given level. flags must include at least
// one of R/W/X; V is added. It returns the address of the leaf entry.
func (b *Builder) Map(va, pa uint64, level Level, flags uint64) (uint64, error) {
	if flags&PteRWX == 0 {
		return 0, fmt.Errorf("sv39: map 0x%x: leaf needs R, W or X", va)
	}
	if pa&(level.Size()-1) != 0 {
		return 0, fmt.Errorf("sv39: map 0x%x: pa 0x%x not aligned to %s", va, pa, level)
	}

	slot, err := b.slot(va, level)
	if err != nil {
		return 0, err
	}
	if err := b.mem.Store64(slot, MakeEntry(pa, flags|PteV)); err != nil {
		return 0, err
	}
	return slot, nil
}

// SetEntry overwrites the raw entry for va at level, creating intermediate
// tables as needed.
func (b *Builder) SetEntry(va uint64, level Level, pte uint64) (uint64, error) {
	slot, err := b.slot(va, level)
	if err != nil {
		return 0, err
	}
	return slot, b.mem.Store64(slot, pte)
}

func (b *Builder) slot(va uint64, target Level) (uint64, error) {
	table := b.root
	for level := Level(Levels - 1); level > target; level-- {
		pteAddr := table + VPN(va, level)*PteSize
		pte, err := b.mem.Load64(pteAddr)
		if err != nil {
			return 0, err
		}
		switch {
		case pte&PteV == 0:
			next, err := b.allocTable()
			if err != nil {
				return 0, err
			}
			if err := b.mem.Store64(pteAddr, MakeEntry(next, PteV)); err != nil {
				return 0, err
			}
			table = next
		case IsLeaf(pte):
			return 0, fmt.Errorf("sv39: map 0x%x: covered by a %s leaf", va, level)
		default:
			table = Address(pte)
		}
	}
	return table + VPN(va, target)*PteSize, nil
}
