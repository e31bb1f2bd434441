// Package fault resolves guest page faults for a hart running the guest
// under shadow paging, and emulates the device accesses that land in the
// guest's unmapped MMIO windows.
package fault

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvshadow/internal/devices/clint"
	"github.com/tinyrange/rvshadow/internal/devices/plic"
	"github.com/tinyrange/rvshadow/internal/devices/uart"
	"github.com/tinyrange/rvshadow/internal/physmem"
	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
	"github.com/tinyrange/rvshadow/internal/shadow"
)

// Guest CSR bits
const (
	SstatusSUM = 1 << 18 // permit Supervisor User Memory access
	SipSEIP    = 1 << 9  // supervisor external interrupt pending
)

// Registers is the guest integer register file. x0 reads as zero.
type Registers [32]uint64

// Get returns register r.
func (r *Registers) Get(reg uint32) uint64 {
	if reg == 0 || reg >= uint32(len(r)) {
		return 0
	}
	return r[reg]
}

// Set writes register r. Writes to x0 are dropped.
func (r *Registers) Set(reg uint32, value uint64) {
	if reg == 0 || reg >= uint32(len(r)) {
		return
	}
	r[reg] = value
}

// CSRs holds the guest's virtual supervisor CSRs.
type CSRs struct {
	Satp    uint64
	Sstatus uint64
	Sip     uint64
}

// Policy decides what happens when the guest touches a device window with an
// instruction the emulator does not support.
type Policy uint8

const (
	// PolicyForward reflects the access back to the guest as a page fault.
	PolicyForward Policy = iota
	// PolicyHalt stops the vCPU through Context.Halt.
	PolicyHalt
)

func (p Policy) String() string {
	switch p {
	case PolicyForward:
		return "forward"
	case PolicyHalt:
		return "halt"
	default:
		return fmt.Sprintf("Policy(%d)", uint8(p))
	}
}

// ParsePolicy parses the names returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "forward", "":
		return PolicyForward, nil
	case "halt":
		return PolicyHalt, nil
	default:
		return 0, fmt.Errorf("fault: unknown device fault policy %q", s)
	}
}

// Context is the per-vCPU state the fault handler works on. It is owned by
// the vCPU's goroutine; Memory and Shadow may be shared between vCPUs of
// the same guest.
type Context struct {
	Regs Registers
	CSRs CSRs

	// Memory is guest RAM, addressed by guest physical address.
	Memory *physmem.Region
	Shadow *shadow.Tables
	// GuestShift is added to a guest physical address to get the host
	// physical address backing it.
	GuestShift uint64

	Staleness Staleness

	// SMode is set while the guest runs in its supervisor mode.
	SMode bool

	UART  *uart.UART
	PLIC  *plic.PLIC
	CLINT *clint.CLINT

	// NoInterrupt suppresses external interrupt injection until the guest
	// next writes the PLIC.
	NoInterrupt bool

	Hart    Hart
	Virtio  Virtio
	GuestID uint64

	Policy Policy
	// Halt stops the vCPU under PolicyHalt. If nil the calling goroutine
	// parks forever.
	Halt func()

	Logger *slog.Logger
}

// ShadowRoot selects the shadow address space for the guest's current
// translation mode and privilege.
func (c *Context) ShadowRoot() shadow.Root {
	switch {
	case sv39.SatpMode(c.CSRs.Satp) == sv39.SatpModeBare:
		return shadow.MPA
	case !c.SMode:
		return shadow.UVA
	case c.CSRs.Sstatus&SstatusSUM != 0:
		return shadow.MVA
	default:
		return shadow.KVA
	}
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Context) virtio() Virtio {
	if c.Virtio != nil {
		return c.Virtio
	}
	return NoVirtio{}
}

func (c *Context) halt() {
	if c.Halt != nil {
		c.Halt()
		return
	}
	select {}
}
