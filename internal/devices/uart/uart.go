// Package uart emulates the 16550-compatible UART a guest sees at its
// console window.
package uart

import (
	"sync"
)

// Guest-physical window of the emulated UART.
const (
	Base uint64 = 0x1000_0000
	Size uint64 = 0x0000_0100
)

// UART register offsets (16550 compatible)
const (
	RegRBR = 0 // Receive Buffer Register (read)
	RegTHR = 0 // Transmit Holding Register (write)
	RegIER = 1 // Interrupt Enable Register
	RegIIR = 2 // Interrupt Identification Register (read)
	RegFCR = 2 // FIFO Control Register (write)
	RegLCR = 3 // Line Control Register
	RegMCR = 4 // Modem Control Register
	RegLSR = 5 // Line Status Register
	RegMSR = 6 // Modem Status Register
	RegSCR = 7 // Scratch Register
)

// Contains reports whether pa lies in the UART window.
func Contains(pa uint64) bool {
	return pa >= Base && pa < Base+Size
}

// LSR bits
const (
	LSRDataReady = 1 << 0 // Data ready
	LSRTHREmpty  = 1 << 5 // Transmit holding register empty
	LSRTxEmpty   = 1 << 6 // Transmitter empty
)

// IER bits
const (
	IERRxAvailable = 1 << 0
	IERTHREmpty    = 1 << 1
)

// IIR values
const (
	IIRNoInterrupt = 0x01
	IIRTHREmpty    = 0x02
	IIRRxAvailable = 0x04
	IIRFIFOEnabled = 0xc0
)

const lcrDLAB = 0x80

// maxLine bounds the transmit line buffer; longer lines are emitted in
// pieces.
const maxLine = 256

// Clock is the time base the UART uses to model transmit latency.
type Clock interface {
	Mtime() uint64
}

// Sink receives each complete line the guest transmits, without the
// trailing newline.
type Sink func(line []byte)

// UART implements a 16550-compatible UART.
type UART struct {
	mu sync.Mutex

	clock   Clock
	txTicks uint64
	sink    Sink

	// Registers
	ier uint8
	fcr uint8
	lcr uint8
	mcr uint8
	msr uint8
	scr uint8

	// DLAB registers
	dll uint8
	dlh uint8

	// mtime at which the transmitter drains the last written byte
	txBusyUntil uint64

	line []byte

	input    []byte
	inputPos int

	interruptPending bool

	// OnInterrupt is called when the interrupt line changes level.
	OnInterrupt func(pending bool)
}

// New creates a UART. Each transmitted byte keeps the transmitter busy for
// txTicks of clock time.
func New(clock Clock, txTicks uint64, sink Sink) *UART {
	return &UART{
		clock:   clock,
		txTicks: txTicks,
		sink:    sink,
	}
}

func (u *UART) txIdle() bool {
	return u.clock.Mtime() >= u.txBusyUntil
}

func (u *UART) lsr() uint8 {
	var lsr uint8
	if u.txIdle() {
		lsr |= LSRTHREmpty | LSRTxEmpty
	}
	if u.inputPos < len(u.input) {
		lsr |= LSRDataReady
	}
	return lsr
}

func (u *UART) iir() uint8 {
	var iir uint8 = IIRNoInterrupt
	switch {
	case u.ier&IERRxAvailable != 0 && u.inputPos < len(u.input):
		iir = IIRRxAvailable
	case u.ier&IERTHREmpty != 0 && u.txIdle():
		iir = IIRTHREmpty
	}
	if u.fcr&0x01 != 0 {
		iir |= IIRFIFOEnabled
	}
	return iir
}

// Read returns the register at offset within the UART window.
func (u *UART) Read(offset uint64) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.updateInterrupt()

	dlab := u.lcr&lcrDLAB != 0

	switch offset {
	case RegRBR:
		if dlab {
			return u.dll
		}
		if u.inputPos >= len(u.input) {
			return 0
		}
		data := u.input[u.inputPos]
		u.inputPos++
		if u.inputPos >= len(u.input) {
			u.input = u.input[:0]
			u.inputPos = 0
		}
		return data

	case RegIER:
		if dlab {
			return u.dlh
		}
		return u.ier

	case RegIIR:
		return u.iir()

	case RegLCR:
		return u.lcr

	case RegMCR:
		return u.mcr

	case RegLSR:
		return u.lsr()

	case RegMSR:
		return u.msr

	case RegSCR:
		return u.scr
	}

	return 0
}

// Write stores value to the register at offset within the UART window.
func (u *UART) Write(offset uint64, value uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.updateInterrupt()

	dlab := u.lcr&lcrDLAB != 0

	switch offset {
	case RegTHR:
		if dlab {
			u.dll = value
			return
		}
		u.transmit(value)

	case RegIER:
		if dlab {
			u.dlh = value
			return
		}
		u.ier = value & 0x0f

	case RegFCR:
		u.fcr = value
		// receive FIFO reset
		if value&0x02 != 0 {
			u.input = u.input[:0]
			u.inputPos = 0
		}

	case RegLCR:
		u.lcr = value

	case RegMCR:
		u.mcr = value

	case RegSCR:
		u.scr = value
	}
}

func (u *UART) transmit(b byte) {
	now := u.clock.Mtime()
	u.txBusyUntil = max(now, u.txBusyUntil) + u.txTicks

	switch b {
	case '\n':
		u.flushLocked()
	case '\r':
	default:
		u.line = append(u.line, b)
		if len(u.line) >= maxLine {
			u.flushLocked()
		}
	}
}

func (u *UART) flushLocked() {
	if u.sink != nil {
		u.sink(u.line)
	}
	u.line = u.line[:0]
}

// Flush emits any partial line still buffered.
func (u *UART) Flush() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.line) > 0 {
		u.flushLocked()
	}
}

// EnqueueInput adds input bytes to be read by the guest.
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = append(u.input, data...)
	u.updateInterrupt()
}

// updateInterrupt recomputes the interrupt line; mu must be held.
func (u *UART) updateInterrupt() {
	pending := u.iir()&IIRNoInterrupt == 0
	if pending != u.interruptPending {
		u.interruptPending = pending
		if u.OnInterrupt != nil {
			u.OnInterrupt(pending)
		}
	}
}

// Read8 lets the UART stand in for a memory-mapped register block.
func (u *UART) Read8(offset uint64) uint8 { return u.Read(offset) }

// Write8 lets the UART stand in for a memory-mapped register block.
func (u *UART) Write8(offset uint64, value uint8) { u.Write(offset, value) }

// Read32 reads the byte register at offset zero-extended.
func (u *UART) Read32(offset uint64) uint32 { return uint32(u.Read(offset)) }

// Write32 writes the low byte of value.
func (u *UART) Write32(offset uint64, value uint32) { u.Write(offset, uint8(value)) }
