package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvshadow/internal/fault"
	"github.com/tinyrange/rvshadow/internal/riscv/decode"
)

// Bus routes the faults the handler delegates to a set of transports.
type Bus struct {
	transports []*Transport
}

var _ fault.Virtio = (*Bus)(nil)

// NewBus returns a bus over transports.
func NewBus(transports ...*Transport) *Bus {
	return &Bus{transports: transports}
}

// Transports returns the registered transports.
func (b *Bus) Transports() []*Transport { return b.transports }

func (b *Bus) transportAt(pa uint64) *Transport {
	for _, t := range b.transports {
		if t.Contains(pa) {
			return t
		}
	}
	return nil
}

func (b *Bus) IsDeviceAccess(_ *fault.Context, guestPA uint64) bool {
	return b.transportAt(guestPA) != nil
}

// HandleDeviceAccess emulates a 32-bit register access to a transport.
func (b *Bus) HandleDeviceAccess(c *fault.Context, guestPA uint64, raw uint32) (bool, error) {
	t := b.transportAt(guestPA)
	if t == nil {
		return false, nil
	}

	inst, err := decode.Decode(raw)
	if err != nil {
		return c.Unsupported("virtio", guestPA, raw, inst, err)
	}

	switch inst.Op {
	case decode.OpLw:
		c.Regs.Set(inst.Rd, uint64(int64(int32(t.ReadU32(guestPA)))))
	case decode.OpLwu:
		c.Regs.Set(inst.Rd, uint64(t.ReadU32(guestPA)))
	case decode.OpSw:
		t.WriteU32(guestPA, uint32(c.Regs.Get(inst.Rs2)))
	default:
		return c.Unsupported("virtio", guestPA, raw, inst, nil)
	}

	c.Advance(raw)
	return true, nil
}

func (b *Bus) IsQueueAccess(_ *fault.Context, guestPA uint64) bool {
	for _, t := range b.transports {
		if t.IsQueuePage(guestPA) {
			return true
		}
	}
	return false
}

// HandleQueueAccess performs an integer load or store to a queue ring in
// guest RAM on the guest's behalf.
func (b *Bus) HandleQueueAccess(c *fault.Context, guestPA, _ uint64, raw uint32) (bool, error) {
	inst, err := decode.Decode(raw)
	if err != nil {
		return c.Unsupported("virtqueue", guestPA, raw, inst, err)
	}
	if !inst.Op.IsLoad() && !inst.Op.IsStore() {
		return c.Unsupported("virtqueue", guestPA, raw, inst, nil)
	}

	width := inst.Op.Width()
	if guestPA%uint64(width) != 0 || !c.Memory.Contains(guestPA, uint64(width)) {
		return false, fmt.Errorf("virtio: queue access of %d bytes at %#x", width, guestPA)
	}

	off := int64(guestPA - c.Memory.Base())
	var buf [8]byte
	if inst.Op.IsStore() {
		binary.LittleEndian.PutUint64(buf[:], c.Regs.Get(inst.Rs2))
		if _, err := c.Memory.WriteAt(buf[:width], off); err != nil {
			return false, fmt.Errorf("virtio: queue store at %#x: %w", guestPA, err)
		}
	} else {
		if _, err := c.Memory.ReadAt(buf[:width], off); err != nil {
			return false, fmt.Errorf("virtio: queue load at %#x: %w", guestPA, err)
		}
		c.Regs.Set(inst.Rd, loadValue(inst.Op, binary.LittleEndian.Uint64(buf[:])))
	}

	c.Advance(raw)
	return true, nil
}

func loadValue(op decode.Op, v uint64) uint64 {
	switch op {
	case decode.OpLb:
		return uint64(int64(int8(v)))
	case decode.OpLh:
		return uint64(int64(int16(v)))
	case decode.OpLw:
		return uint64(int64(int32(v)))
	case decode.OpLbu:
		return v & 0xff
	case decode.OpLhu:
		return v & 0xffff
	case decode.OpLwu:
		return v & 0xffffffff
	default:
		return v
	}
}
