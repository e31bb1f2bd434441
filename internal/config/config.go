// Package config loads machine and scenario descriptions for the shadow
// paging simulator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
)

// Hex is an integer that may be written in YAML either as a number or as a
// string in any base strconv accepts ("0x8000_0000", "4096").
type Hex uint64

func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", value.Line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q: %w", value.Line, value.Value, err)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

const (
	DefaultRAMBase     = 0x8000_0000
	DefaultRAMSize     = 16 << 20
	DefaultShadowPages = 256
	DefaultGuestID     = 1
)

// Machine describes the guest and the host resources backing it.
type Machine struct {
	Version int    `yaml:"version"`
	GuestID uint64 `yaml:"guestID,omitempty"`
	VCPUs   int    `yaml:"vcpus,omitempty"`

	RAM     RAMConfig      `yaml:"ram"`
	Shadow  ShadowConfig   `yaml:"shadow,omitempty"`
	Console ConsoleConfig  `yaml:"console,omitempty"`
	UART    UARTConfig     `yaml:"uart,omitempty"`
	Virtio  []VirtioConfig `yaml:"virtio,omitempty"`

	// DeviceFaultPolicy is "forward" or "halt".
	DeviceFaultPolicy string `yaml:"deviceFaultPolicy,omitempty"`
}

type RAMConfig struct {
	Base Hex `yaml:"base"`
	Size Hex `yaml:"size"`
	// Shift is added to guest physical addresses to get host addresses.
	Shift Hex `yaml:"shift,omitempty"`
}

type ShadowConfig struct {
	Pages int `yaml:"pages,omitempty"`
}

type ConsoleConfig struct {
	Variant  string `yaml:"variant,omitempty"`
	Address  Hex    `yaml:"address,omitempty"`
	VendorID Hex    `yaml:"vendorID,omitempty"`
}

type UARTConfig struct {
	// TxTicks is how long, in CLINT ticks, the guest UART stays busy after
	// each transmitted byte.
	TxTicks uint64 `yaml:"txTicks,omitempty"`
	// Input is queued on the guest UART's receiver at start.
	Input string `yaml:"input,omitempty"`
}

// VirtioConfig places one virtio-mmio transport in the guest's physical
// address space.
type VirtioConfig struct {
	Base      Hex    `yaml:"base"`
	DeviceID  uint32 `yaml:"deviceID"`
	Queues    int    `yaml:"queues,omitempty"`
	QueueSize uint16 `yaml:"queueSize,omitempty"`
	// IRQ is the PLIC source the transport raises.
	IRQ uint32 `yaml:"irq,omitempty"`
}

const (
	DefaultVirtioQueueSize = 256
	// DefaultVirtioIRQ is the PLIC source of the first transport on the
	// QEMU virt machine. Later transports count up from it.
	DefaultVirtioIRQ = 1
)

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.GuestID == 0 {
		m.GuestID = DefaultGuestID
	}
	if m.VCPUs == 0 {
		m.VCPUs = 1
	}
	if m.RAM.Base == 0 {
		m.RAM.Base = DefaultRAMBase
	}
	if m.RAM.Size == 0 {
		m.RAM.Size = DefaultRAMSize
	}
	if m.Shadow.Pages == 0 {
		m.Shadow.Pages = DefaultShadowPages
	}
	if m.Console.Variant == "" {
		m.Console.Variant = "ns16550a"
	}
	if m.Console.Address == 0 {
		m.Console.Address = 0x1000_0000
	}
	if m.DeviceFaultPolicy == "" {
		m.DeviceFaultPolicy = "forward"
	}
	for i := range m.Virtio {
		v := &m.Virtio[i]
		if v.Queues == 0 {
			v.Queues = 1
		}
		if v.QueueSize == 0 {
			v.QueueSize = DefaultVirtioQueueSize
		}
		if v.IRQ == 0 {
			v.IRQ = DefaultVirtioIRQ + uint32(i)
		}
	}
}

func (m *Machine) validate() error {
	if m.RAM.Base&sv39.PageMask != 0 || m.RAM.Size&sv39.PageMask != 0 {
		return fmt.Errorf("ram %#x+%#x is not page aligned", uint64(m.RAM.Base), uint64(m.RAM.Size))
	}
	if m.VCPUs < 0 {
		return fmt.Errorf("invalid vcpu count %d", m.VCPUs)
	}
	if m.Shadow.Pages < 4 {
		return fmt.Errorf("shadow arena needs at least 4 pages, have %d", m.Shadow.Pages)
	}
	ramEnd := m.RAM.Base + m.RAM.Size
	for i, v := range m.Virtio {
		if v.Base&sv39.PageMask != 0 {
			return fmt.Errorf("virtio %d: base %#x is not page aligned", i, uint64(v.Base))
		}
		if v.Base >= m.RAM.Base && v.Base < ramEnd {
			return fmt.Errorf("virtio %d: base %#x lies in ram", i, uint64(v.Base))
		}
		if v.QueueSize&(v.QueueSize-1) != 0 || v.QueueSize > 32768 {
			return fmt.Errorf("virtio %d: queue size %d is not a power of two up to 32768", i, v.QueueSize)
		}
		if v.Queues < 0 {
			return fmt.Errorf("virtio %d: invalid queue count %d", i, v.Queues)
		}
		for j := range i {
			if m.Virtio[j].Base == v.Base {
				return fmt.Errorf("virtio %d: base %#x already used by virtio %d", i, uint64(v.Base), j)
			}
		}
	}
	return nil
}

// Mapping is one leaf in the guest's page table.
type Mapping struct {
	VA Hex `yaml:"va"`
	PA Hex `yaml:"pa"`
	// Level is "4k", "2m" or "1g".
	Level string `yaml:"level,omitempty"`
	// Flags are PTE permission letters, e.g. "rwxad" or "ru".
	Flags string `yaml:"flags"`
}

// Fault is one trapped page fault to replay.
type Fault struct {
	VA Hex `yaml:"va"`
	// Cause is "load", "store", "fetch" or a raw scause number.
	Cause string `yaml:"cause"`
	// Mode is "s" (default) or "u".
	Mode string `yaml:"mode,omitempty"`
	SUM  bool   `yaml:"sum,omitempty"`
	// Instruction is the trapped instruction word, if the hart reported one.
	Instruction *Hex           `yaml:"instruction,omitempty"`
	Regs        map[string]Hex `yaml:"regs,omitempty"`
	Repeat      int            `yaml:"repeat,omitempty"`
	// Expect is "handled", "forwarded" or "fatal". Empty skips the check.
	Expect string `yaml:"expect,omitempty"`
}

// Scenario is a machine, the guest page table it runs with, and a trace of
// faults to feed the handler.
type Scenario struct {
	Name     string    `yaml:"name"`
	Machine  Machine   `yaml:"machine"`
	Mappings []Mapping `yaml:"mappings"`
	Trace    []Fault   `yaml:"trace"`
}

func (s *Scenario) normalize() {
	s.Machine.normalize()
	for i := range s.Mappings {
		if s.Mappings[i].Level == "" {
			s.Mappings[i].Level = "4k"
		}
	}
	for i := range s.Trace {
		if s.Trace[i].Mode == "" {
			s.Trace[i].Mode = "s"
		}
		if s.Trace[i].Repeat == 0 {
			s.Trace[i].Repeat = 1
		}
	}
}

// Validate checks every field that the simulator would otherwise reject
// halfway through a run.
func (s *Scenario) Validate() error {
	if err := s.Machine.validate(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	for i, m := range s.Mappings {
		if _, err := ParseLevel(m.Level); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
		if _, err := ParseFlags(m.Flags); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
	}
	for i, f := range s.Trace {
		if _, err := ParseCause(f.Cause); err != nil {
			return fmt.Errorf("fault %d: %w", i, err)
		}
		if f.Mode != "s" && f.Mode != "u" {
			return fmt.Errorf("fault %d: mode must be s or u, got %q", i, f.Mode)
		}
		for name := range f.Regs {
			if _, err := ParseRegister(name); err != nil {
				return fmt.Errorf("fault %d: %w", i, err)
			}
		}
		switch f.Expect {
		case "", "handled", "forwarded", "fatal":
		default:
			return fmt.Errorf("fault %d: unknown expectation %q", i, f.Expect)
		}
	}
	return nil
}

// Parse decodes a scenario from YAML and fills in defaults.
func Parse(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("invalid scenario: %w", err)
	}
	return s, nil
}

// Load reads a scenario file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Write encodes s as YAML.
func Write(path string, s Scenario) error {
	s.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// ParseLevel parses "4k", "2m" or "1g".
func ParseLevel(s string) (sv39.Level, error) {
	switch strings.ToLower(s) {
	case "4k", "":
		return sv39.Level4K, nil
	case "2m":
		return sv39.Level2M, nil
	case "1g":
		return sv39.Level1G, nil
	default:
		return 0, fmt.Errorf("unknown page level %q", s)
	}
}

var flagBits = map[rune]uint64{
	'r': sv39.PteR,
	'w': sv39.PteW,
	'x': sv39.PteX,
	'u': sv39.PteU,
	'g': sv39.PteG,
	'a': sv39.PteA,
	'd': sv39.PteD,
}

// ParseFlags converts PTE permission letters to bits. V is implied.
func ParseFlags(s string) (uint64, error) {
	var flags uint64
	for _, c := range strings.ToLower(s) {
		bit, ok := flagBits[c]
		if !ok {
			return 0, fmt.Errorf("unknown pte flag %q in %q", c, s)
		}
		flags |= bit
	}
	if flags&sv39.PteRWX == 0 {
		return 0, fmt.Errorf("flags %q grant none of r, w, x", s)
	}
	return flags, nil
}

// ParseCause parses a fault cause name or number.
func ParseCause(s string) (uint64, error) {
	switch strings.ToLower(s) {
	case "fetch", "exec", "execute":
		return 12, nil
	case "load", "read":
		return 13, nil
	case "store", "write":
		return 15, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown cause %q", s)
	}
	return v, nil
}

// ParseRegister parses an integer register name of the form "x5".
func ParseRegister(s string) (uint32, error) {
	n, ok := strings.CutPrefix(s, "x")
	if !ok {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	v, err := strconv.ParseUint(n, 10, 8)
	if err != nil || v > 31 {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	return uint32(v), nil
}
