// Package clint models the core-local interruptor timer the hypervisor uses
// as its time base.
package clint

import (
	"sync/atomic"
	"time"
)

// CLINT register offsets
const (
	RegMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	RegMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	RegMtime    = 0xbff8 // Machine Time

	Size = 0x000c_0000
)

// DefaultFrequency is the mtime tick rate of the QEMU virt machine.
const DefaultFrequency = 10_000_000

// CLINT implements the Core Local Interruptor timer and software interrupt.
type CLINT struct {
	msip     atomic.Uint32
	mtimecmp atomic.Uint64

	startTime time.Time
	nsPerTick uint64
	now       func() time.Time
}

// New creates a CLINT whose mtime counts at freq Hz from now.
func New(freq uint64) *CLINT {
	return NewWithTimeSource(freq, time.Now)
}

// NewWithTimeSource creates a CLINT reading wall time from now.
func NewWithTimeSource(freq uint64, now func() time.Time) *CLINT {
	if freq == 0 {
		freq = DefaultFrequency
	}
	c := &CLINT{
		startTime: now(),
		nsPerTick: max(uint64(time.Second)/freq, 1),
		now:       now,
	}
	c.mtimecmp.Store(^uint64(0)) // no interrupt initially
	return c
}

// Mtime returns the current mtime value.
func (c *CLINT) Mtime() uint64 {
	elapsed := c.now().Sub(c.startTime).Nanoseconds()
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed) / c.nsPerTick
}

// TicksFor converts a duration to mtime ticks.
func (c *CLINT) TicksFor(d time.Duration) uint64 {
	return uint64(d.Nanoseconds()) / c.nsPerTick
}

// TimerPending reports whether mtime has reached mtimecmp.
func (c *CLINT) TimerPending() bool {
	return c.Mtime() >= c.mtimecmp.Load()
}

// SoftwarePending reports whether msip is set.
func (c *CLINT) SoftwarePending() bool {
	return c.msip.Load()&1 != 0
}

// Read reads a CLINT register for hart 0.
func (c *CLINT) Read(offset uint64, size int) uint64 {
	switch {
	case offset >= RegMsip && offset < RegMsip+4:
		return uint64(c.msip.Load())
	case offset >= RegMtimecmp && offset < RegMtimecmp+8:
		v := c.mtimecmp.Load()
		if size == 4 && offset == RegMtimecmp+4 {
			return v >> 32
		}
		if size == 4 {
			return v & 0xffffffff
		}
		return v
	case offset >= RegMtime && offset < RegMtime+8:
		v := c.Mtime()
		if size == 4 && offset == RegMtime+4 {
			return v >> 32
		}
		if size == 4 {
			return v & 0xffffffff
		}
		return v
	}
	return 0
}

// Write writes a CLINT register for hart 0. mtime is read-only.
func (c *CLINT) Write(offset uint64, size int, value uint64) {
	switch {
	case offset >= RegMsip && offset < RegMsip+4:
		c.msip.Store(uint32(value & 1))

	case offset >= RegMtimecmp && offset < RegMtimecmp+8:
		old := c.mtimecmp.Load()
		switch {
		case size == 4 && offset == RegMtimecmp:
			c.mtimecmp.Store((old &^ 0xffffffff) | (value & 0xffffffff))
		case size == 4:
			c.mtimecmp.Store((old &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32))
		default:
			c.mtimecmp.Store(value)
		}
	}
}
