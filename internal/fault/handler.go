package fault

import (
	"fmt"

	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
	"github.com/tinyrange/rvshadow/internal/shadow"
)

// Trap is one guest page fault as delivered by the trap entry.
type Trap struct {
	Cause uint64
	// Instruction is the trapped instruction word, valid if HasInstruction.
	Instruction    uint32
	HasInstruction bool
}

// HandlePageFault resolves a guest page fault. It returns true if the guest
// can resume, false if the fault belongs to the guest and must be
// forwarded. A non-nil error is fatal for the vCPU.
func HandlePageFault(c *Context, trap Trap) (bool, error) {
	root := c.ShadowRoot()
	if root == shadow.MPA {
		c.logger().Debug("fault: page fault without guest paging enabled", "cause", trap.Cause)
		return false, nil
	}

	va := c.Hart.Stval()
	access, err := AccessKindFromCause(trap.Cause)
	if err != nil {
		return false, err
	}

	page := va &^ sv39.PageMask
	t, ok := sv39.Translate(c.Memory, sv39.SatpRoot(c.CSRs.Satp), page)
	if !ok {
		return false, nil
	}

	if !CheckAccess(access, t.PTE) || !CheckPrivilege(root, t.PTE) {
		return false, nil
	}

	if c.Memory.InRegion(t.GuestPA) {
		return c.mapPage(root, va, page, access, t, trap)
	}

	if access == Execute || !c.SMode || !trap.HasInstruction {
		return false, nil
	}

	pa := t.GuestPA&^sv39.PageMask | va&sv39.PageMask
	return c.emulateDevice(pa, trap.Instruction)
}

func (c *Context) mapPage(root shadow.Root, va, page uint64, access AccessKind, t sv39.Translation, trap Trap) (bool, error) {
	hostPA := t.GuestPA + c.GuestShift

	pte := t.PTE
	switch {
	case access == Write && pte&sv39.PteD == 0:
		pte |= sv39.PteAD
	case pte&sv39.PteA == 0:
		pte |= sv39.PteA
	}
	if pte != t.PTE {
		swapped, err := c.Memory.CompareAndSwap64(t.PTEAddr, t.PTE, pte)
		if err != nil {
			return false, fmt.Errorf("fault: update guest pte at %#x: %w", t.PTEAddr, err)
		}
		if !swapped {
			// Another hart rewrote the entry. Let the guest retry against
			// the new value.
			return true, nil
		}
	}

	var perm uint64
	if pte&sv39.PteD == 0 && access != Write {
		perm = pte & (sv39.PteR | sv39.PteX)
	} else {
		perm = pte & sv39.PteRWX
	}

	v := c.virtio()
	if v.IsQueueAccess(c, t.GuestPA) {
		if !trap.HasInstruction {
			return false, fmt.Errorf("%w: va %#x", ErrQueueInstructionMissing, va)
		}
		offset := va & sv39.PageMask
		return v.HandleQueueAccess(c, t.GuestPA&^sv39.PageMask|offset, hostPA&^sv39.PageMask|offset, trap.Instruction)
	}

	entry := hostPA>>2 | t.Level.ReservedBits() | perm | sv39.PteAD | sv39.PteU | sv39.PteV
	old, err := c.Shadow.RMW(root, page, entry)
	if err != nil {
		return false, fmt.Errorf("fault: install shadow mapping for %#x in %s: %w", page, root, err)
	}

	if c.Staleness.Observe(old == entry) {
		c.Hart.FlushAddress(va)
	} else if c.Staleness.Latched() {
		c.logger().Info("fault: hart caches invalid ptes, flushing on every fault", "guest", c.GuestID, "va", fmt.Sprintf("%#x", va))
	}

	return true, nil
}
