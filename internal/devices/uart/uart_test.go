package uart

import (
	"bytes"
	"testing"
)

type fakeClock struct{ now uint64 }

func (c *fakeClock) Mtime() uint64 { return c.now }

func TestTransmitLines(t *testing.T) {
	clk := &fakeClock{}
	var lines []string
	u := New(clk, 0, func(line []byte) { lines = append(lines, string(line)) })

	for _, b := range []byte("hello\r\nworld\n") {
		u.Write(RegTHR, b)
	}
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("lines = %q", lines)
	}

	u.Write(RegTHR, 'x')
	u.Flush()
	if len(lines) != 3 || lines[2] != "x" {
		t.Fatalf("partial flush: lines = %q", lines)
	}
}

func TestLongLineSplit(t *testing.T) {
	var lines [][]byte
	u := New(&fakeClock{}, 0, func(line []byte) {
		lines = append(lines, bytes.Clone(line))
	})
	for i := 0; i < maxLine+3; i++ {
		u.Write(RegTHR, 'a')
	}
	u.Flush()
	if len(lines) != 2 || len(lines[0]) != maxLine || len(lines[1]) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
}

func TestTransmitterBusy(t *testing.T) {
	clk := &fakeClock{now: 100}
	u := New(clk, 50, nil)

	if lsr := u.Read(RegLSR); lsr&LSRTHREmpty == 0 {
		t.Fatalf("idle LSR = %#x, want THRE", lsr)
	}
	u.Write(RegTHR, 'a')
	if lsr := u.Read(RegLSR); lsr&(LSRTHREmpty|LSRTxEmpty) != 0 {
		t.Fatalf("busy LSR = %#x", lsr)
	}
	clk.now = 149
	if u.Read(RegLSR)&LSRTHREmpty != 0 {
		t.Fatalf("transmitter idle one tick early")
	}
	clk.now = 150
	if u.Read(RegLSR)&LSRTHREmpty == 0 {
		t.Fatalf("transmitter still busy after one character time")
	}
}

func TestReceive(t *testing.T) {
	u := New(&fakeClock{}, 0, nil)
	if u.Read(RegLSR)&LSRDataReady != 0 {
		t.Fatalf("data ready with empty input")
	}
	u.EnqueueInput([]byte("ok"))
	if u.Read(RegLSR)&LSRDataReady == 0 {
		t.Fatalf("data not ready")
	}
	if got := u.Read(RegRBR); got != 'o' {
		t.Fatalf("first byte = %q", got)
	}
	if got := u.Read(RegRBR); got != 'k' {
		t.Fatalf("second byte = %q", got)
	}
	if u.Read(RegLSR)&LSRDataReady != 0 {
		t.Fatalf("data ready after draining input")
	}
	if got := u.Read(RegRBR); got != 0 {
		t.Fatalf("empty read = %#x", got)
	}
}

func TestDivisorLatch(t *testing.T) {
	var sent int
	u := New(&fakeClock{}, 0, func([]byte) { sent++ })

	u.Write(RegLCR, lcrDLAB)
	u.Write(RegTHR, 3)
	u.Write(RegIER, 0)
	if got := u.Read(RegRBR); got != 3 {
		t.Fatalf("DLL = %d", got)
	}
	u.Write(RegLCR, 0x03)
	u.Flush()
	if sent != 0 {
		t.Fatalf("divisor write reached the transmitter")
	}
	if got := u.Read(RegLCR); got != 0x03 {
		t.Fatalf("LCR = %#x", got)
	}
}

func TestInterruptLine(t *testing.T) {
	clk := &fakeClock{}
	u := New(clk, 10, nil)
	var levels []bool
	u.OnInterrupt = func(p bool) { levels = append(levels, p) }

	u.Write(RegIER, IERRxAvailable)
	u.EnqueueInput([]byte{'z'})
	if u.Read(RegIIR)&0x0f != IIRRxAvailable {
		t.Fatalf("IIR does not report rx available")
	}
	u.Read(RegRBR)
	if len(levels) != 2 || !levels[0] || levels[1] {
		t.Fatalf("interrupt levels = %v", levels)
	}
}

func TestRegisterAdapter(t *testing.T) {
	u := New(&fakeClock{}, 0, nil)
	u.Write32(RegSCR, 0x1a5)
	if got := u.Read32(RegSCR); got != 0xa5 {
		t.Fatalf("SCR = %#x", got)
	}
	u.Write8(RegSCR, 7)
	if got := u.Read8(RegSCR); got != 7 {
		t.Fatalf("SCR = %#x", got)
	}
}

func TestContains(t *testing.T) {
	if !Contains(Base) || !Contains(Base+Size-1) {
		t.Fatalf("window bounds not contained")
	}
	if Contains(Base-1) || Contains(Base+Size) {
		t.Fatalf("address outside window contained")
	}
}
