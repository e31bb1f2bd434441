package console

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/x/ansi"
)

var hypervisorStyle = ansi.Style{}.ForegroundColor(ansi.Yellow).String()

type output struct{}

// Write emits one formatted record in the hypervisor color.
func (output) Write(p []byte) (int, error) {
	g := Acquire()
	defer g.Release()

	color := colorEnabled.Load()
	if color {
		g.WriteString(hypervisorStyle)
	}
	g.Write(p)
	if color {
		g.WriteString(ansi.ResetStyle)
	}
	return len(p), nil
}

// Output is an io.Writer that sends each Write to the console as one
// uninterrupted unit.
var Output io.Writer = output{}

// NewHandler returns a slog handler that logs through the console.
func NewHandler(opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(Output, opts)
}
