package fault

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvshadow/internal/devices/plic"
	"github.com/tinyrange/rvshadow/internal/devices/uart"
	"github.com/tinyrange/rvshadow/internal/riscv/decode"
)

func (c *Context) emulateDevice(pa uint64, raw uint32) (bool, error) {
	switch {
	case c.UART != nil && uart.Contains(pa):
		return c.emulateUART(pa, raw)
	case c.PLIC != nil && plic.Contains(pa):
		return c.emulatePLIC(pa, raw)
	}

	v := c.virtio()
	if v.IsDeviceAccess(c, pa) {
		return v.HandleDeviceAccess(c, pa, raw)
	}
	return false, nil
}

func (c *Context) emulateUART(pa uint64, raw uint32) (bool, error) {
	inst, err := decode.Decode(raw)
	if err != nil {
		c.logger().Debug("fault: uart: undecodable instruction", "raw", fmt.Sprintf("%#08x", raw), "pa", fmt.Sprintf("%#x", pa))
		return false, nil
	}

	offset := pa - uart.Base
	switch inst.Op {
	case decode.OpLb:
		c.Regs.Set(inst.Rd, uint64(int64(int8(c.UART.Read(offset)))))
	case decode.OpLbu:
		c.Regs.Set(inst.Rd, uint64(c.UART.Read(offset)))
	case decode.OpSb:
		c.UART.Write(offset, uint8(c.Regs.Get(inst.Rs2)))
	default:
		return c.Unsupported("uart", pa, raw, inst, nil)
	}

	c.Advance(raw)
	return true, nil
}

func (c *Context) emulatePLIC(pa uint64, raw uint32) (bool, error) {
	inst, err := decode.Decode(raw)
	if err != nil {
		return c.Unsupported("plic", pa, raw, inst, err)
	}

	switch inst.Op {
	case decode.OpLw:
		c.Regs.Set(inst.Rd, uint64(int64(int32(c.PLIC.ReadU32(pa)))))
	case decode.OpSw:
		if c.PLIC.WriteU32(pa, uint32(c.Regs.Get(inst.Rs2))) {
			c.CSRs.Sip &^= SipSEIP
		}
		c.NoInterrupt = false
	default:
		return c.Unsupported("plic", pa, raw, inst, nil)
	}

	c.Advance(raw)
	return true, nil
}

// Advance moves sepc past the trapping instruction.
func (c *Context) Advance(raw uint32) {
	c.Hart.SetSepc(c.Hart.Sepc() + uint64(decode.InstructionLength(uint16(raw))))
}

// Unsupported applies the device fault policy to an access the emulator
// cannot perform.
func (c *Context) Unsupported(device string, pa uint64, raw uint32, inst decode.Instruction, decodeErr error) (bool, error) {
	err := &UnsupportedInstructionError{
		Device:      device,
		Address:     pa,
		PC:          c.Hart.Sepc(),
		Raw:         raw,
		Instruction: inst,
		Err:         decodeErr,
	}

	switch c.Policy {
	case PolicyHalt:
		c.logger().Error("fault: halting vcpu", "guest", c.GuestID, "error", err)
		c.halt()
		return false, err
	default:
		c.logger().Warn("fault: forwarding device access to guest", "guest", c.GuestID, "error", err)
		return false, nil
	}
}

// IsUnsupportedInstruction reports whether err came from a device access
// the emulator could not perform.
func IsUnsupportedInstruction(err error) bool {
	var target *UnsupportedInstructionError
	return errors.As(err, &target)
}
