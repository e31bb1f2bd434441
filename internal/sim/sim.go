// Package sim replays page fault traces through the fault handler on
// software harts, so the shadow paging core can be exercised without a
// hypervisor underneath it.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rvshadow/internal/config"
	"github.com/tinyrange/rvshadow/internal/console"
	"github.com/tinyrange/rvshadow/internal/devices/clint"
	"github.com/tinyrange/rvshadow/internal/devices/plic"
	"github.com/tinyrange/rvshadow/internal/devices/uart"
	"github.com/tinyrange/rvshadow/internal/devices/virtio"
	"github.com/tinyrange/rvshadow/internal/fault"
	"github.com/tinyrange/rvshadow/internal/physmem"
	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
	"github.com/tinyrange/rvshadow/internal/shadow"
)

// UARTSource is the PLIC source the guest UART raises.
const UARTSource = 10

// maxTableArea bounds the RAM reserved at its top for guest page tables.
const maxTableArea = 1 << 20

// Machine is one guest: its RAM, page tables, devices and the shadow
// tables shared by its vCPUs.
type Machine struct {
	scenario config.Scenario
	policy   fault.Policy
	logger   *slog.Logger

	RAM    *physmem.Region
	Arena  *physmem.Region
	Shadow *shadow.Tables
	satp   uint64

	CLINT *clint.CLINT
	PLIC  *plic.PLIC
	UART  *uart.UART
	// Virtio is shared by all vCPUs. It is empty if the machine has no
	// transports.
	Virtio *virtio.Bus
}

// New builds the machine a scenario describes and installs its guest page
// table. Guest UART lines are written through the console.
func New(s config.Scenario, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := fault.ParsePolicy(s.Machine.DeviceFaultPolicy)
	if err != nil {
		return nil, err
	}

	m := &Machine{scenario: s, policy: policy, logger: logger}
	ok := false
	defer func() {
		if !ok {
			m.Close()
		}
	}()

	ramCfg := s.Machine.RAM
	m.RAM, err = physmem.New(uint64(ramCfg.Base), uint64(ramCfg.Size))
	if err != nil {
		return nil, fmt.Errorf("sim: allocate guest ram: %w", err)
	}

	arenaBase := uint64(ramCfg.Base+ramCfg.Shift+ramCfg.Size+sv39.PageSize-1) &^ sv39.PageMask
	m.Arena, err = physmem.New(arenaBase, uint64(s.Machine.Shadow.Pages)*sv39.PageSize)
	if err != nil {
		return nil, fmt.Errorf("sim: allocate shadow arena: %w", err)
	}
	m.Shadow, err = shadow.New(m.Arena)
	if err != nil {
		return nil, fmt.Errorf("sim: create shadow tables: %w", err)
	}

	if err := m.buildGuestTables(); err != nil {
		return nil, err
	}

	guestID := s.Machine.GuestID
	m.CLINT = clint.New(clint.DefaultFrequency)
	m.PLIC = plic.New()
	m.UART = uart.New(m.CLINT, s.Machine.UART.TxTicks, func(line []byte) {
		console.GuestPrintln(guestID, line)
	})
	m.UART.OnInterrupt = func(pending bool) {
		m.PLIC.SetPending(UARTSource, pending)
	}
	if s.Machine.UART.Input != "" {
		m.UART.EnqueueInput([]byte(s.Machine.UART.Input))
	}

	var transports []*virtio.Transport
	for _, v := range s.Machine.Virtio {
		t := virtio.NewTransport(uint64(v.Base), v.DeviceID, v.Queues, v.QueueSize)
		irq := v.IRQ
		t.OnInterrupt = func(pending bool) {
			m.PLIC.SetPending(irq, pending)
		}
		transports = append(transports, t)
	}
	m.Virtio = virtio.NewBus(transports...)

	ok = true
	return m, nil
}

func (m *Machine) buildGuestTables() error {
	ram := m.RAM
	area := min(ram.Size()/8, maxTableArea) &^ sv39.PageMask
	start := ram.Base() + ram.Size() - area

	b, err := sv39.NewBuilder(ram, start, ram.Base()+ram.Size())
	if err != nil {
		return fmt.Errorf("sim: guest page table: %w", err)
	}
	for i, mapping := range m.scenario.Mappings {
		level, err := config.ParseLevel(mapping.Level)
		if err != nil {
			return fmt.Errorf("sim: mapping %d: %w", i, err)
		}
		flags, err := config.ParseFlags(mapping.Flags)
		if err != nil {
			return fmt.Errorf("sim: mapping %d: %w", i, err)
		}
		if _, err := b.Map(uint64(mapping.VA), uint64(mapping.PA), level, flags); err != nil {
			return fmt.Errorf("sim: mapping %d: %w", i, err)
		}
	}
	m.satp = b.Satp()
	m.logger.Debug("sim: guest page table built",
		"root", fmt.Sprintf("%#x", b.Root()),
		"mappings", len(m.scenario.Mappings))
	return nil
}

// Close releases the machine's memory. The guest UART's partial line is
// flushed first.
func (m *Machine) Close() error {
	if m.UART != nil {
		m.UART.Flush()
	}
	var errs []error
	if m.Arena != nil {
		errs = append(errs, m.Arena.Close())
	}
	if m.RAM != nil {
		errs = append(errs, m.RAM.Close())
	}
	return errors.Join(errs...)
}

// NewVCPU returns a fresh fault context for one vCPU of the machine.
func (m *Machine) NewVCPU(id int) *fault.Context {
	return &fault.Context{
		CSRs:       fault.CSRs{Satp: m.satp},
		Memory:     m.RAM,
		Shadow:     m.Shadow,
		GuestShift: uint64(m.scenario.Machine.RAM.Shift),
		SMode:      true,
		UART:       m.UART,
		PLIC:       m.PLIC,
		CLINT:      m.CLINT,
		Hart:       &fault.SoftHart{PC: m.RAM.Base()},
		Virtio:     m.Virtio,
		GuestID:    m.scenario.Machine.GuestID,
		Policy:     m.policy,
		// A halted vCPU simply stops replaying.
		Halt:   func() {},
		Logger: m.logger.With("vcpu", id),
	}
}

// Faults returns the number of handler calls a full run makes.
func (m *Machine) Faults() int {
	n := 0
	for _, f := range m.scenario.Trace {
		n += f.Repeat
	}
	return n * m.scenario.Machine.VCPUs
}

// Run replays the trace on every vCPU concurrently. progress, if not nil,
// is called after each handler call and must be safe for concurrent use.
func (m *Machine) Run(ctx context.Context, progress func()) (Report, error) {
	stats := make([]VCPUStats, m.scenario.Machine.VCPUs)

	g, ctx := errgroup.WithContext(ctx)
	for i := range stats {
		g.Go(func() error {
			c := m.NewVCPU(i)
			s, err := m.replay(ctx, c, progress)
			s.ID = i
			stats[i] = s
			return err
		})
	}
	err := g.Wait()
	m.UART.Flush()

	return Report{
		VCPUs:       stats,
		ShadowPages: m.Shadow.PagesInUse(),
	}, err
}

func (m *Machine) replay(ctx context.Context, c *fault.Context, progress func()) (VCPUStats, error) {
	var stats VCPUStats
	hart := c.Hart.(*fault.SoftHart)

	for i, f := range m.scenario.Trace {
		cause, err := config.ParseCause(f.Cause)
		if err != nil {
			return stats, fmt.Errorf("sim: fault %d: %w", i, err)
		}

		c.SMode = f.Mode != "u"
		if f.SUM {
			c.CSRs.Sstatus |= fault.SstatusSUM
		} else {
			c.CSRs.Sstatus &^= fault.SstatusSUM
		}
		for name, v := range f.Regs {
			reg, err := config.ParseRegister(name)
			if err != nil {
				return stats, fmt.Errorf("sim: fault %d: %w", i, err)
			}
			c.Regs.Set(reg, uint64(v))
		}

		trap := fault.Trap{Cause: cause}
		if f.Instruction != nil {
			trap.Instruction = uint32(*f.Instruction)
			trap.HasInstruction = true
		}

		for iter := 0; iter < f.Repeat; iter++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			hart.TrapValue = uint64(f.VA)
			handled, err := fault.HandlePageFault(c, trap)
			got := stats.record(handled, err)

			if f.Expect != "" && f.Expect != got {
				stats.Mismatches = append(stats.Mismatches, Mismatch{
					Index:     i,
					Iteration: iter,
					VA:        uint64(f.VA),
					Want:      f.Expect,
					Got:       got,
					Err:       err,
				})
				c.Logger.Warn("sim: unexpected outcome", "fault", i, "want", f.Expect, "got", got, "error", err)
			} else if err != nil {
				c.Logger.Debug("sim: fatal fault", "fault", i, "error", err)
			}

			if progress != nil {
				progress()
			}
		}
	}

	stats.Latched = c.Staleness.Latched()
	stats.Flushes = len(hart.Flushes)
	stats.PC = hart.PC
	return stats, nil
}
