// Package console owns the hypervisor's own serial console. Output from the
// hypervisor and from every guest funnels through one lock-protected writer.
package console

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvshadow/internal/mmio"
)

// Variant selects the UART programming model.
type Variant int

const (
	NS16550A Variant = iota
	SiFive
)

func (v Variant) String() string {
	switch v {
	case NS16550A:
		return "ns16550a"
	case SiFive:
		return "sifive"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant parses the names returned by Variant.String.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "ns16550a", "16550", "":
		return NS16550A, nil
	case "sifive":
		return SiFive, nil
	default:
		return 0, fmt.Errorf("console: unknown uart variant %q", s)
	}
}

// NS16550A registers
const (
	nsRBR = 0
	nsTHR = 0
	nsDLL = 0
	nsIER = 1
	nsDLM = 1
	nsFCR = 2
	nsLCR = 3
	nsLSR = 5

	nsLSRDataReady = 0x01
	nsLSRTHREmpty  = 0x20
)

// SiFive registers
const (
	sifiveTxData = 0
	sifiveRxData = 4

	// full on txdata, empty on rxdata
	sifiveFlag = 0x8000_0000
)

// DefaultAddress is the QEMU virt NS16550A base.
const DefaultAddress uint64 = 0x1000_0000

// QEMUVendorID is the mvendorid QEMU reports.
const QEMUVendorID uint64 = 0

var ErrReinit = errors.New("console: ns16550a already initialized")

// Mapper resolves a UART base address to its registers. The default maps
// the page from /dev/mem.
var Mapper = func(addr uint64) (mmio.Register, error) {
	const pageSize = 0x1000
	w, err := mmio.Map(addr&^(pageSize-1), pageSize)
	if err != nil {
		return nil, err
	}
	return offsetRegister{reg: w, base: addr & (pageSize - 1)}, nil
}

type offsetRegister struct {
	reg  mmio.Register
	base uint64
}

func (o offsetRegister) Read8(off uint64) uint8       { return o.reg.Read8(o.base + off) }
func (o offsetRegister) Write8(off uint64, v uint8)   { o.reg.Write8(o.base+off, v) }
func (o offsetRegister) Read32(off uint64) uint32     { return o.reg.Read32(o.base + off) }
func (o offsetRegister) Write32(off uint64, v uint32) { o.reg.Write32(o.base+off, v) }

// Writer drives one UART. It is not safe for concurrent use; the package
// singleton is reached through Acquire.
type Writer struct {
	addr        uint64
	variant     Variant
	reg         mmio.Register
	initialized bool
	mapFailed   bool
}

// Address returns the physical base of the UART.
func (w *Writer) Address() uint64 { return w.addr }

// Variant returns the UART programming model.
func (w *Writer) Variant() Variant { return w.variant }

// Init points the writer at a UART. reg may be nil, in which case the
// registers are resolved with Mapper on first use. Once an NS16550A has been
// programmed the writer can only be re-initialized with the same address
// and variant.
func (w *Writer) Init(addr uint64, variant Variant, reg mmio.Register) error {
	if w.variant == NS16550A && w.initialized {
		if addr != w.addr || variant != NS16550A {
			return fmt.Errorf("%w at %#x, cannot switch to %s at %#x", ErrReinit, w.addr, variant, addr)
		}
		if reg != nil {
			w.reg = reg
		}
		return nil
	}
	w.addr = addr
	w.variant = variant
	w.reg = reg
	w.initialized = false
	w.mapFailed = false
	return nil
}

func (w *Writer) registers() mmio.Register {
	if w.reg == nil && !w.mapFailed {
		reg, err := Mapper(w.addr)
		if err != nil {
			w.mapFailed = true
			return nil
		}
		w.reg = reg
	}
	return w.reg
}

func (w *Writer) initNS16550A(reg mmio.Register) {
	if w.initialized {
		return
	}
	reg.Write8(nsIER, 0x00)
	reg.Write8(nsLCR, 0x80) // DLAB
	reg.Write8(nsDLL, 0x03) // 38400 baud
	reg.Write8(nsDLM, 0x00)
	reg.Write8(nsLCR, 0x03) // 8N1
	reg.Write8(nsFCR, 0xC7)
	w.initialized = true
}

// PutChar transmits one byte, spinning until the UART can accept it.
// Output is discarded when the UART registers cannot be reached.
func (w *Writer) PutChar(ch byte) {
	reg := w.registers()
	if reg == nil {
		return
	}
	switch w.variant {
	case NS16550A:
		w.initNS16550A(reg)
		for reg.Read8(nsLSR)&nsLSRTHREmpty == 0 {
		}
		reg.Write8(nsTHR, ch)
	case SiFive:
		for reg.Read32(sifiveTxData)&sifiveFlag != 0 {
		}
		reg.Write32(sifiveTxData, uint32(ch))
	}
}

// GetChar returns a received byte if one is waiting.
func (w *Writer) GetChar() (byte, bool) {
	reg := w.registers()
	if reg == nil {
		return 0, false
	}
	switch w.variant {
	case NS16550A:
		w.initNS16550A(reg)
		if reg.Read8(nsLSR)&nsLSRDataReady == 0 {
			return 0, false
		}
		return reg.Read8(nsRBR), true
	case SiFive:
		rx := reg.Read32(sifiveRxData)
		if rx&sifiveFlag != 0 {
			return 0, false
		}
		return byte(rx), true
	}
	return 0, false
}

// WriteString transmits s byte by byte.
func (w *Writer) WriteString(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		w.PutChar(s[i])
	}
	return len(s), nil
}

// Write transmits p byte by byte.
func (w *Writer) Write(p []byte) (int, error) {
	for _, b := range p {
		w.PutChar(b)
	}
	return len(p), nil
}
