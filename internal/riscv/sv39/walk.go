package sv39

// Memory is the view of physical memory a walk reads page table entries from.
type Memory interface {
	InRegion(pa uint64) bool
	Load64(pa uint64) (uint64, error)
}

// Translation is the result of a successful walk.
type Translation struct {
	// PTE is the leaf entry as read from memory.
	PTE uint64
	// GuestPA is the physical address of the 4K page containing va. For
	// superpages the low virtual page number bits are folded in.
	GuestPA uint64
	// PTEAddr is the physical address of the leaf entry itself.
	PTEAddr uint64
	Level   Level
}

// Translate walks the table rooted at root for the page containing va.
// Every entry is bounds checked against mem before it is read, so a table
// pointing outside mem fails the walk instead of faulting the host.
func Translate(mem Memory, root uint64, va uint64) (Translation, bool) {
	table := root

	for level := Level(Levels - 1); ; level-- {
		pteAddr := table + VPN(va, level)*PteSize
		if !mem.InRegion(pteAddr) || !mem.InRegion(pteAddr+PteSize-1) {
			return Translation{}, false
		}

		pte, err := mem.Load64(pteAddr)
		if err != nil {
			return Translation{}, false
		}

		if pte&PteV == 0 {
			return Translation{}, false
		}

		// W without R is reserved
		if pte&PteR == 0 && pte&PteW != 0 {
			return Translation{}, false
		}

		if IsLeaf(pte) {
			ppn := PPN(pte)
			if level > Level4K {
				mask := uint64(1)<<(uint(level)*VpnBits) - 1
				// Misaligned superpage
				if ppn&mask != 0 {
					return Translation{}, false
				}
				ppn |= (va >> PageShift) & mask
			}
			return Translation{
				PTE:     pte,
				GuestPA: ppn << PageShift,
				PTEAddr: pteAddr,
				Level:   level,
			}, true
		}

		if level == Level4K {
			return Translation{}, false
		}
		table = Address(pte)
	}
}
