// Package shadow maintains the hardware-facing Sv39 page tables a
// shadow-paging hypervisor installs in place of the guest's own tables.
//
// Tables live in a host physical memory arena. Entries are only ever
// modified with atomic operations so several harts can fault on the same
// address space concurrently.
package shadow

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/rvshadow/internal/physmem"
	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
)

var ErrArenaExhausted = errors.New("shadow: table arena exhausted")

// Tables is the set of shadow page tables, one Sv39 tree per Root.
type Tables struct {
	arena *physmem.Region
	roots [numRoots]uint64

	mu    sync.Mutex
	next  uint64
	free  []uint64
	inUse atomicbitops.Uint64
}

// New carves the shadow tables out of arena. The arena base must be page
// aligned; the whole arena is used for table pages.
func New(arena *physmem.Region) (*Tables, error) {
	if arena.Base()&sv39.PageMask != 0 {
		return nil, fmt.Errorf("shadow: arena base 0x%x is not page aligned", arena.Base())
	}
	t := &Tables{
		arena: arena,
		next:  arena.Base(),
	}
	for _, r := range Roots() {
		pa, err := t.allocTable()
		if err != nil {
			return nil, fmt.Errorf("shadow: allocate %s root: %w", r, err)
		}
		t.roots[r] = pa
	}
	return t, nil
}

// RootAddress returns the physical address of the root table for r.
func (t *Tables) RootAddress(r Root) uint64 { return t.roots[r] }

// Satp returns the satp value that points the MMU at r.
func (t *Tables) Satp(r Root) uint64 { return sv39.MakeSatp(t.roots[r]) }

// PagesInUse returns the number of arena pages currently holding tables.
func (t *Tables) PagesInUse() uint64 { return t.inUse.Load() }

func (t *Tables) allocTable() (uint64, error) {
	t.mu.Lock()
	var pa uint64
	if n := len(t.free); n > 0 {
		pa = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		end := t.arena.Base() + t.arena.Size()
		if t.next+sv39.PageSize > end {
			t.mu.Unlock()
			return 0, ErrArenaExhausted
		}
		pa = t.next
		t.next += sv39.PageSize
	}
	t.mu.Unlock()

	if err := t.arena.Zero(pa, sv39.PageSize); err != nil {
		return 0, err
	}
	t.inUse.Add(1)
	return pa, nil
}

func (t *Tables) freeTable(pa uint64) {
	t.mu.Lock()
	t.free = append(t.free, pa)
	t.mu.Unlock()
	t.inUse.Add(^uint64(0))
}

// leafSlot returns the address of the 4K leaf slot for va, installing
// missing intermediate tables. Racing installers agree through CAS; the
// loser returns its page to the allocator.
func (t *Tables) leafSlot(r Root, va uint64) (uint64, error) {
	table := t.roots[r]
	for level := sv39.Level(sv39.Levels - 1); level > sv39.Level4K; level-- {
		pteAddr := table + sv39.VPN(va, level)*sv39.PteSize
		pte, err := t.arena.Load64(pteAddr)
		if err != nil {
			return 0, err
		}
		if pte&sv39.PteV == 0 {
			next, err := t.allocTable()
			if err != nil {
				return 0, err
			}
			want := sv39.MakeEntry(next, sv39.PteV)
			ok, err := t.arena.CompareAndSwap64(pteAddr, pte, want)
			if err != nil {
				return 0, err
			}
			if ok {
				pte = want
			} else {
				t.freeTable(next)
				if pte, err = t.arena.Load64(pteAddr); err != nil {
					return 0, err
				}
			}
		}
		if sv39.IsLeaf(pte) {
			return 0, fmt.Errorf("shadow: %s 0x%x: unexpected %s leaf", r, va, level)
		}
		table = sv39.Address(pte)
	}
	return table + sv39.VPN(va, sv39.Level4K)*sv39.PteSize, nil
}

// RMW atomically replaces the 4K leaf entry for va in r and returns the
// previous entry.
func (t *Tables) RMW(r Root, va uint64, entry uint64) (uint64, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("shadow: invalid root %s", r)
	}
	slot, err := t.leafSlot(r, va)
	if err != nil {
		return 0, err
	}
	return t.arena.Swap64(slot, entry)
}

// Lookup walks r the way the MMU would. The returned translation's GuestPA
// is the host physical page the shadow entry points at.
func (t *Tables) Lookup(r Root, va uint64) (sv39.Translation, bool) {
	if !r.Valid() {
		return sv39.Translation{}, false
	}
	return sv39.Translate(t.arena, t.roots[r], va)
}

// Entry returns the raw 4K leaf entry for va in r, or 0 if no leaf table
// covers va.
func (t *Tables) Entry(r Root, va uint64) uint64 {
	if !r.Valid() {
		return 0
	}
	table := t.roots[r]
	for level := sv39.Level(sv39.Levels - 1); level > sv39.Level4K; level-- {
		pte, err := t.arena.Load64(table + sv39.VPN(va, level)*sv39.PteSize)
		if err != nil || pte&sv39.PteV == 0 || sv39.IsLeaf(pte) {
			return 0
		}
		table = sv39.Address(pte)
	}
	pte, err := t.arena.Load64(table + sv39.VPN(va, sv39.Level4K)*sv39.PteSize)
	if err != nil {
		return 0
	}
	return pte
}

// Clear drops every mapping in r and returns its intermediate tables to the
// allocator. No hart may be faulting on r while it runs.
func (t *Tables) Clear(r Root) error {
	if !r.Valid() {
		return fmt.Errorf("shadow: invalid root %s", r)
	}
	return t.clearTable(t.roots[r], sv39.Level(sv39.Levels-1))
}

func (t *Tables) clearTable(table uint64, level sv39.Level) error {
	for i := uint64(0); i < sv39.PageSize/sv39.PteSize; i++ {
		pteAddr := table + i*sv39.PteSize
		pte, err := t.arena.Swap64(pteAddr, 0)
		if err != nil {
			return err
		}
		if level == sv39.Level4K || pte&sv39.PteV == 0 || sv39.IsLeaf(pte) {
			continue
		}
		child := sv39.Address(pte)
		if err := t.clearTable(child, level-1); err != nil {
			return err
		}
		t.freeTable(child)
	}
	return nil
}
