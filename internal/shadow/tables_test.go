package shadow

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/rvshadow/internal/physmem"
	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
)

const arenaBase = 0x1_0000_0000

func newTestTables(t *testing.T, pages uint64) *Tables {
	t.Helper()
	arena, err := physmem.New(arenaBase, pages*sv39.PageSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	tables, err := New(arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tables
}

func TestRMWReturnsPreviousEntry(t *testing.T) {
	tables := newTestTables(t, 64)

	first := sv39.MakeEntry(0x9000_0000, sv39.PteV|sv39.PteR|sv39.PteAD|sv39.PteU)
	old, err := tables.RMW(KVA, 0x4000_1000, first)
	if err != nil {
		t.Fatalf("RMW: %v", err)
	}
	if old != 0 {
		t.Fatalf("first RMW old = 0x%x, want 0", old)
	}

	second := first | sv39.PteW
	old, err = tables.RMW(KVA, 0x4000_1000, second)
	if err != nil {
		t.Fatalf("RMW: %v", err)
	}
	if old != first {
		t.Fatalf("second RMW old = 0x%x, want 0x%x", old, first)
	}

	if got := tables.Entry(KVA, 0x4000_1000); got != second {
		t.Fatalf("Entry = 0x%x, want 0x%x", got, second)
	}
	if got := tables.Entry(UVA, 0x4000_1000); got != 0 {
		t.Fatalf("UVA shares KVA mapping: 0x%x", got)
	}
}

func TestLookupFollowsShadowEntry(t *testing.T) {
	tables := newTestTables(t, 64)

	entry := sv39.MakeEntry(0x9000_4000, sv39.PteV|sv39.PteR|sv39.PteX|sv39.PteAD|sv39.PteU)
	if _, err := tables.RMW(UVA, 0x1234_5000, entry); err != nil {
		t.Fatal(err)
	}

	tr, ok := tables.Lookup(UVA, 0x1234_5678)
	if !ok {
		t.Fatalf("Lookup failed")
	}
	if tr.GuestPA != 0x9000_4000 || tr.Level != sv39.Level4K {
		t.Fatalf("Lookup = 0x%x/%s", tr.GuestPA, tr.Level)
	}
	if _, ok := tables.Lookup(UVA, 0x1234_6000); ok {
		t.Fatalf("neighbouring page resolved")
	}
}

func TestSatpSelectsRoot(t *testing.T) {
	tables := newTestTables(t, 8)

	seen := map[uint64]Root{}
	for _, r := range Roots() {
		satp := tables.Satp(r)
		if sv39.SatpMode(satp) != sv39.SatpModeSv39 {
			t.Errorf("%s: mode %d", r, sv39.SatpMode(satp))
		}
		root := sv39.SatpRoot(satp)
		if root != tables.RootAddress(r) {
			t.Errorf("%s: satp root 0x%x != 0x%x", r, root, tables.RootAddress(r))
		}
		if other, dup := seen[root]; dup {
			t.Errorf("%s shares root table with %s", r, other)
		}
		seen[root] = r
	}
}

func TestConcurrentRMWSharesIntermediateTables(t *testing.T) {
	tables := newTestTables(t, 64)

	const harts = 8
	const pages = 64

	var wg sync.WaitGroup
	for h := 0; h < harts; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			for p := 0; p < pages; p++ {
				va := uint64(0x4000_0000 + p*sv39.PageSize)
				entry := sv39.MakeEntry(0x9000_0000+uint64(p)*sv39.PageSize, sv39.PteV|sv39.PteR)
				if _, err := tables.RMW(MVA, va, entry); err != nil {
					t.Errorf("hart %d: RMW: %v", h, err)
					return
				}
			}
		}(h)
	}
	wg.Wait()

	// 4 roots plus one level-1 and one level-0 table for the MVA range.
	if got := tables.PagesInUse(); got != 6 {
		t.Fatalf("PagesInUse = %d, want 6", got)
	}
	for p := 0; p < pages; p++ {
		va := uint64(0x4000_0000 + p*sv39.PageSize)
		tr, ok := tables.Lookup(MVA, va)
		if !ok || tr.GuestPA != 0x9000_0000+uint64(p)*sv39.PageSize {
			t.Fatalf("page %d: ok=%v pa=0x%x", p, ok, tr.GuestPA)
		}
	}
}

func TestClearReleasesTables(t *testing.T) {
	tables := newTestTables(t, 64)

	for _, va := range []uint64{0x1000, 0x4000_0000, 0x7f_c000_0000} {
		if _, err := tables.RMW(KVA, va, sv39.MakeEntry(0x9000_0000, sv39.PteV|sv39.PteR)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tables.RMW(UVA, 0x1000, sv39.MakeEntry(0x9000_0000, sv39.PteV|sv39.PteR)); err != nil {
		t.Fatal(err)
	}
	before := tables.PagesInUse()

	if err := tables.Clear(KVA); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got := tables.PagesInUse(); got != before-6 {
		t.Fatalf("PagesInUse after Clear = %d, want %d", got, before-6)
	}
	if _, ok := tables.Lookup(KVA, 0x1000); ok {
		t.Fatalf("mapping survived Clear")
	}
	if _, ok := tables.Lookup(UVA, 0x1000); !ok {
		t.Fatalf("Clear(KVA) dropped a UVA mapping")
	}

	// Freed pages are reused.
	if _, err := tables.RMW(KVA, 0x2000, sv39.MakeEntry(0x9000_0000, sv39.PteV|sv39.PteR)); err != nil {
		t.Fatal(err)
	}
	if got := tables.PagesInUse(); got != before-4 {
		t.Fatalf("PagesInUse after remap = %d, want %d", got, before-4)
	}
}

func TestArenaExhausted(t *testing.T) {
	// Room for the four roots and one more table.
	tables := newTestTables(t, 5)

	_, err := tables.RMW(KVA, 0x1000, sv39.MakeEntry(0x9000_0000, sv39.PteV|sv39.PteR))
	if !errors.Is(err, ErrArenaExhausted) {
		t.Fatalf("RMW err = %v, want ErrArenaExhausted", err)
	}
}

func TestInvalidRoot(t *testing.T) {
	tables := newTestTables(t, 8)

	if _, err := tables.RMW(Root(9), 0, 0); err == nil {
		t.Fatalf("RMW accepted invalid root")
	}
	if Root(9).String() != "Root(9)" || KVA.String() != "KVA" {
		t.Fatalf("unexpected root names")
	}
}
