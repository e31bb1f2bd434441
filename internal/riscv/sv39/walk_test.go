package sv39

import (
	"testing"

	"github.com/tinyrange/rvshadow/internal/physmem"
)

const (
	ramBase   = 0x8000_0000
	ramSize   = 0x40_0000
	tableBase = ramBase + 0x20_0000
)

func newTestBuilder(t *testing.T) (*physmem.Region, *Builder) {
	t.Helper()
	mem, err := physmem.New(ramBase, ramSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	b, err := NewBuilder(mem, tableBase, ramBase+ramSize)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return mem, b
}

func TestTranslate4K(t *testing.T) {
	mem, b := newTestBuilder(t)

	slot, err := b.Map(0x4000_1000, ramBase+0x3000, Level4K, PteR|PteW|PteU)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	tr, ok := Translate(mem, b.Root(), 0x4000_1000)
	if !ok {
		t.Fatalf("Translate failed")
	}
	if tr.GuestPA != ramBase+0x3000 {
		t.Errorf("GuestPA = 0x%x", tr.GuestPA)
	}
	if tr.PTEAddr != slot {
		t.Errorf("PTEAddr = 0x%x, want 0x%x", tr.PTEAddr, slot)
	}
	if tr.Level != Level4K {
		t.Errorf("Level = %s", tr.Level)
	}
	if tr.PTE&(PteR|PteW|PteU|PteV) != PteR|PteW|PteU|PteV {
		t.Errorf("PTE flags = 0x%x", tr.PTE)
	}

	if _, ok := Translate(mem, b.Root(), 0x4000_2000); ok {
		t.Errorf("unmapped neighbour translated")
	}
}

func TestTranslateSuperpages(t *testing.T) {
	mem, b := newTestBuilder(t)

	if _, err := b.Map(0x20_0000, 0x1_0000_0000, Level2M, PteR|PteX); err != nil {
		t.Fatalf("Map 2M: %v", err)
	}
	if _, err := b.Map(0x4000_0000, 0xc000_0000, Level1G, PteR); err != nil {
		t.Fatalf("Map 1G: %v", err)
	}

	tests := []struct {
		va    uint64
		pa    uint64
		level Level
	}{
		{0x20_0000, 0x1_0000_0000, Level2M},
		{0x3f_f000, 0x1_001f_f000, Level2M},
		{0x4000_0000, 0xc000_0000, Level1G},
		{0x4123_4000, 0xc123_4000, Level1G},
	}
	for _, tt := range tests {
		tr, ok := Translate(mem, b.Root(), tt.va)
		if !ok {
			t.Errorf("Translate(0x%x) failed", tt.va)
			continue
		}
		if tr.GuestPA != tt.pa || tr.Level != tt.level {
			t.Errorf("Translate(0x%x) = 0x%x/%s, want 0x%x/%s", tt.va, tr.GuestPA, tr.Level, tt.pa, tt.level)
		}
	}
}

func TestTranslateRejectsBadEntries(t *testing.T) {
	mem, b := newTestBuilder(t)

	// W without R
	if _, err := b.SetEntry(0x1000, Level4K, MakeEntry(ramBase, PteV|PteW)); err != nil {
		t.Fatal(err)
	}
	if _, ok := Translate(mem, b.Root(), 0x1000); ok {
		t.Errorf("reserved W-only leaf translated")
	}

	// misaligned 2M superpage
	if _, err := b.SetEntry(0x60_0000, Level2M, MakeEntry(ramBase+0x1000, PteV|PteR)); err != nil {
		t.Fatal(err)
	}
	if _, ok := Translate(mem, b.Root(), 0x60_0000); ok {
		t.Errorf("misaligned superpage translated")
	}

	// non-leaf at the last level
	if _, err := b.SetEntry(0x2000, Level4K, MakeEntry(ramBase, PteV)); err != nil {
		t.Fatal(err)
	}
	if _, ok := Translate(mem, b.Root(), 0x2000); ok {
		t.Errorf("pointer entry at level 0 translated")
	}
}

func TestTranslateBoundsChecksTables(t *testing.T) {
	mem, b := newTestBuilder(t)

	// Intermediate entry pointing outside of RAM.
	if _, err := b.SetEntry(0x8000_0000, Level1G, MakeEntry(0x1000_0000, PteV)); err != nil {
		t.Fatal(err)
	}
	if _, ok := Translate(mem, b.Root(), 0x8000_0000); ok {
		t.Errorf("walk through table outside RAM succeeded")
	}

	// Root outside RAM.
	if _, ok := Translate(mem, 0x1000, 0); ok {
		t.Errorf("walk with root outside RAM succeeded")
	}
}

func TestBuilderRejectsOverlappingLeaf(t *testing.T) {
	_, b := newTestBuilder(t)

	if _, err := b.Map(0x20_0000, 0x1_0000_0000, Level2M, PteR); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Map(0x20_1000, ramBase, Level4K, PteR); err == nil {
		t.Fatalf("4K map under an existing 2M leaf succeeded")
	}
	if _, err := b.Map(0x1000, ramBase, Level4K, 0); err == nil {
		t.Fatalf("map without permissions succeeded")
	}
}

func TestSatpRoundTrip(t *testing.T) {
	_, b := newTestBuilder(t)

	satp := b.Satp()
	if SatpMode(satp) != SatpModeSv39 {
		t.Errorf("mode = %d", SatpMode(satp))
	}
	if SatpRoot(satp) != b.Root() {
		t.Errorf("root = 0x%x, want 0x%x", SatpRoot(satp), b.Root())
	}
}

func TestReservedBits(t *testing.T) {
	if Level4K.ReservedBits() != 0 || Level2M.ReservedBits() != 0x100 || Level1G.ReservedBits() != 0x200 {
		t.Fatalf("unexpected reserved bits")
	}
}
