package console

import (
	"strconv"

	"github.com/charmbracelet/x/ansi"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/rvshadow/internal/mmio"
)

var (
	mu     sync.Mutex
	writer = &Writer{addr: DefaultAddress, variant: NS16550A}

	colorEnabled = atomicbitops.FromBool(true)
)

// Guard is exclusive access to the console writer.
type Guard struct {
	*Writer
	released bool
}

// Release gives up the console. Releasing twice is a no-op.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.Writer = nil
	mu.Unlock()
}

// Acquire blocks until the console is free.
func Acquire() *Guard {
	mu.Lock()
	return &Guard{Writer: writer}
}

// TryAcquire returns the console only if it is free right now. It is safe to
// call from paths that may already hold the console.
func TryAcquire() (*Guard, bool) {
	if !mu.TryLock() {
		return nil, false
	}
	return &Guard{Writer: writer}, true
}

// Init reconfigures the process console.
func Init(addr uint64, variant Variant, reg mmio.Register) error {
	g := Acquire()
	defer g.Release()
	return g.Init(addr, variant, reg)
}

// SetColor enables or disables ANSI styling of console prefixes.
func SetColor(enabled bool) {
	colorEnabled.Store(enabled)
}

func guestStyle(id uint64) string {
	var color ansi.BasicColor
	switch id {
	case 1:
		color = ansi.Green
	case 2:
		color = ansi.Blue
	default:
		color = ansi.Yellow
	}
	return ansi.Style{}.ForegroundColor(color).Bold().String()
}

// GuestPrintln writes one line of guest output prefixed with the guest id.
func GuestPrintln(id uint64, line []byte) {
	g := Acquire()
	defer g.Release()

	color := colorEnabled.Load()
	if color {
		g.WriteString(guestStyle(id))
	}
	g.WriteString("[" + strconv.FormatUint(id, 10) + "] ")
	if color {
		g.WriteString(ansi.ResetStyle)
	}
	g.Write(line)
	g.PutChar('\n')
}

// EarlyGuessUART points the console at the QEMU virt NS16550A when vendorID
// identifies QEMU. Any other board keeps the configured UART.
func EarlyGuessUART(vendorID uint64) {
	if vendorID != QEMUVendorID {
		return
	}
	g := Acquire()
	defer g.Release()
	reg := g.reg
	if g.addr != DefaultAddress {
		reg = nil
	}
	*g.Writer = Writer{addr: DefaultAddress, variant: NS16550A, reg: reg}
}
