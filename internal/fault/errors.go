package fault

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvshadow/internal/riscv/decode"
)

var (
	ErrUnknownCause            = errors.New("fault: unknown page fault cause")
	ErrQueueInstructionMissing = errors.New("fault: virtio queue access without a trapped instruction")
)

// UnsupportedInstructionError reports a trapped device access the emulator
// cannot perform.
type UnsupportedInstructionError struct {
	Device      string
	Address     uint64
	PC          uint64
	Raw         uint32
	Instruction decode.Instruction
	// Err is the decode failure, if the word did not decode.
	Err error
}

func (e *UnsupportedInstructionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fault: %s: unrecognized instruction %#08x targeting %#x at pc %#x: %v",
			e.Device, e.Raw, e.Address, e.PC, e.Err)
	}
	return fmt.Sprintf("fault: %s: instruction %s used to target %#x at pc %#x",
		e.Device, e.Instruction, e.Address, e.PC)
}

func (e *UnsupportedInstructionError) Unwrap() error { return e.Err }
