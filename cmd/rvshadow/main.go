package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvshadow/internal/config"
	"github.com/tinyrange/rvshadow/internal/console"
	"github.com/tinyrange/rvshadow/internal/devices/clint"
	"github.com/tinyrange/rvshadow/internal/devices/uart"
	"github.com/tinyrange/rvshadow/internal/sim"
)

var errMismatch = errors.New("trace outcomes did not match expectations")

func run() error {
	verbose := flag.Bool("v", false, "enable debug logging")
	vcpus := flag.Int("vcpus", 0, "override the number of vCPUs replaying the trace")
	policy := flag.String("policy", "", "override the device fault policy (forward or halt)")
	devmem := flag.Bool("devmem", false, "drive the physical console UART through /dev/mem")
	noColor := flag.Bool("no-color", false, "disable colored console output")
	quiet := flag.Bool("quiet", false, "do not show a progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rvshadow - replay RISC-V guest page faults through the shadow paging core

USAGE:
  rvshadow [flags] <scenario.yaml>

FLAGS:
  -v             Enable debug logging
  -vcpus N       Replay the trace on N vCPUs at once (default: from the scenario)
  -policy NAME   Device fault policy: forward or halt (default: from the scenario)
  -devmem        Write the console to the physical UART through /dev/mem
  -no-color      Disable ANSI colors on the console
  -quiet         Do not show a progress bar

The scenario file describes the guest machine, its page table, and the trace
of faults to replay. Guest UART output and diagnostics are written to the
console; the replay summary is written to stdout. The exit status is
non-zero if any fault's outcome differs from its expectation.
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	scenario, err := config.Load(flag.Arg(0))
	if err != nil {
		return err
	}
	if *vcpus > 0 {
		scenario.Machine.VCPUs = *vcpus
	}
	if *policy != "" {
		scenario.Machine.DeviceFaultPolicy = *policy
	}

	if err := setupConsole(scenario.Machine.Console, *devmem); err != nil {
		return err
	}
	console.SetColor(!*noColor && term.IsTerminal(int(os.Stdout.Fd())))

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(console.NewHandler(&slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	m, err := sim.New(scenario, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	var progress func()
	if !*quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(int64(m.Faults()), "replay "+scenario.Name)
		defer bar.Close()
		progress = func() { bar.Add(1) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Info("rvshadow: replaying",
		"scenario", scenario.Name,
		"vcpus", scenario.Machine.VCPUs,
		"faults", m.Faults(),
		"policy", scenario.Machine.DeviceFaultPolicy)

	report, err := m.Run(ctx, progress)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	report.Print(os.Stdout)
	if n := report.Mismatches(); n > 0 {
		return fmt.Errorf("%w: %d mismatches", errMismatch, n)
	}
	return nil
}

// setupConsole points the process console at either the physical UART or
// an emulated one whose lines go to stdout.
func setupConsole(cfg config.ConsoleConfig, devmem bool) error {
	variant, err := console.ParseVariant(cfg.Variant)
	if err != nil {
		return err
	}

	console.EarlyGuessUART(uint64(cfg.VendorID))

	if devmem {
		return console.Init(uint64(cfg.Address), variant, nil)
	}
	if variant != console.NS16550A {
		return fmt.Errorf("console variant %s needs -devmem", variant)
	}

	host := uart.New(clint.New(0), 0, func(line []byte) {
		fmt.Fprintf(os.Stdout, "%s\n", line)
	})
	return console.Init(uint64(cfg.Address), console.NS16550A, host)
}

func main() {
	if err := run(); err != nil {
		slog.Error("rvshadow: failed", "error", err)
		os.Exit(1)
	}
}
