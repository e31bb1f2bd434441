package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/rvshadow/internal/riscv/sv39"
)

const sampleScenario = `
name: kernel store
machine:
  ram:
    base: "0x8000_0000"
    size: 0x400000
    shift: "0x1_0000_0000"
  uart:
    txTicks: 87
  deviceFaultPolicy: halt
mappings:
  - va: 0x40000000
    pa: "0x80001000"
    flags: rw
  - va: "0x40200000"
    pa: "0x80200000"
    level: 2m
    flags: rwxad
trace:
  - va: "0x40000010"
    cause: store
    expect: handled
  - va: "0x40000010"
    cause: "15"
    repeat: 3
    regs:
      x5: "0x41"
    instruction: "0x00530023"
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleScenario))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if s.Machine.RAM.Base != 0x8000_0000 || s.Machine.RAM.Size != 0x40_0000 || s.Machine.RAM.Shift != 0x1_0000_0000 {
		t.Fatalf("ram = %+v", s.Machine.RAM)
	}
	if s.Machine.Version != 1 || s.Machine.VCPUs != 1 || s.Machine.GuestID != DefaultGuestID {
		t.Fatalf("defaults not applied: %+v", s.Machine)
	}
	if s.Machine.Shadow.Pages != DefaultShadowPages || s.Machine.Console.Variant != "ns16550a" {
		t.Fatalf("defaults not applied: %+v", s.Machine)
	}
	if s.Machine.DeviceFaultPolicy != "halt" || s.Machine.UART.TxTicks != 87 {
		t.Fatalf("machine = %+v", s.Machine)
	}

	if len(s.Mappings) != 2 || s.Mappings[0].Level != "4k" || s.Mappings[1].Level != "2m" {
		t.Fatalf("mappings = %+v", s.Mappings)
	}

	if len(s.Trace) != 2 {
		t.Fatalf("trace = %+v", s.Trace)
	}
	f := s.Trace[1]
	if f.Mode != "s" || f.Repeat != 3 || f.Instruction == nil || *f.Instruction != 0x00530023 || f.Regs["x5"] != 0x41 {
		t.Fatalf("fault = %+v", f)
	}
	if s.Trace[0].Repeat != 1 || s.Trace[0].Instruction != nil {
		t.Fatalf("fault defaults = %+v", s.Trace[0])
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"bad hex", "machine: {ram: {base: zz}}", "invalid integer"},
		{"unaligned ram", "machine: {ram: {base: 0x80000010}}", "not page aligned"},
		{"bad level", "mappings: [{va: 0, pa: 0, level: 4m, flags: r}]", "unknown page level"},
		{"bad flag", "mappings: [{va: 0, pa: 0, flags: rq}]", "unknown pte flag"},
		{"no permission", "mappings: [{va: 0, pa: 0, flags: ad}]", "none of r, w, x"},
		{"bad cause", "trace: [{va: 0, cause: jump}]", "unknown cause"},
		{"bad mode", "trace: [{va: 0, cause: load, mode: m}]", "mode must be"},
		{"bad register", "trace: [{va: 0, cause: load, regs: {a0: 1}}]", "unknown register"},
		{"bad expectation", "trace: [{va: 0, cause: load, expect: maybe}]", "unknown expectation"},
		{"virtio in ram", "machine: {virtio: [{base: 0x80001000, deviceID: 2}]}", "lies in ram"},
		{"virtio unaligned", "machine: {virtio: [{base: 0x10001010, deviceID: 2}]}", "not page aligned"},
		{"virtio queue size", "machine: {virtio: [{base: 0x10001000, deviceID: 2, queueSize: 100}]}", "power of two"},
		{"virtio overlap", "machine: {virtio: [{base: 0x10001000, deviceID: 2}, {base: 0x10001000, deviceID: 1}]}", "already used"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestVirtioDefaults(t *testing.T) {
	s, err := Parse([]byte(`
machine:
  virtio:
    - {base: 0x10001000, deviceID: 2}
    - {base: 0x10002000, deviceID: 1, queues: 2, queueSize: 64, irq: 8}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	v := s.Machine.Virtio
	if v[0].Queues != 1 || v[0].QueueSize != DefaultVirtioQueueSize || v[0].IRQ != DefaultVirtioIRQ {
		t.Fatalf("virtio 0 = %+v", v[0])
	}
	if v[1].Queues != 2 || v[1].QueueSize != 64 || v[1].IRQ != 8 {
		t.Fatalf("virtio 1 = %+v", v[1])
	}
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	in := Scenario{
		Name:     "roundtrip",
		Mappings: []Mapping{{VA: 0x4000_0000, PA: 0x8000_1000, Flags: "rw"}},
		Trace:    []Fault{{VA: 0x4000_0000, Cause: "load", Expect: "handled"}},
	}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Name != "roundtrip" || out.Machine.RAM.Base != DefaultRAMBase || out.Mappings[0].PA != 0x8000_1000 {
		t.Fatalf("loaded %+v", out)
	}
}

func TestParseHelpers(t *testing.T) {
	flags, err := ParseFlags("RWXUAD")
	if err != nil || flags != sv39.PteRWX|sv39.PteU|sv39.PteAD {
		t.Fatalf("ParseFlags = %#x, %v", flags, err)
	}
	if lvl, err := ParseLevel("1G"); err != nil || lvl != sv39.Level1G {
		t.Fatalf("ParseLevel = %v, %v", lvl, err)
	}
	for in, want := range map[string]uint64{"fetch": 12, "load": 13, "store": 15, "0x5": 5} {
		if got, err := ParseCause(in); err != nil || got != want {
			t.Errorf("ParseCause(%q) = %d, %v", in, got, err)
		}
	}
	if r, err := ParseRegister("x31"); err != nil || r != 31 {
		t.Fatalf("ParseRegister = %d, %v", r, err)
	}
	if _, err := ParseRegister("x32"); err == nil {
		t.Fatalf("ParseRegister accepted x32")
	}
}
