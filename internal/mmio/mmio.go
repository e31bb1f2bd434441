// Package mmio provides access to memory-mapped device registers.
package mmio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfRange  = errors.New("mmio: register offset out of range")
	ErrUnsupported = errors.New("mmio: physical mappings are not supported on this platform")
)

// Register is a block of device registers addressed by byte offset.
type Register interface {
	Read8(offset uint64) uint8
	Write8(offset uint64, value uint8)
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
}

// Window is a Register backed by memory. Every access is issued
// individually so the compiler never merges or elides device accesses.
type Window struct {
	data  []byte
	unmap func([]byte) error
}

// NewWindow wraps data as a register window.
func NewWindow(data []byte) *Window {
	return &Window{data: data}
}

// Size returns the length of the window in bytes.
func (w *Window) Size() uint64 { return uint64(len(w.data)) }

func (w *Window) ptr(offset uint64, n uint64) unsafe.Pointer {
	if offset+n > uint64(len(w.data)) || offset+n < offset {
		panic(fmt.Errorf("%w: offset %#x size %d window %#x", ErrOutOfRange, offset, n, len(w.data)))
	}
	return unsafe.Pointer(&w.data[offset])
}

//go:noinline
func load8(p *uint8) uint8 { return *p }

//go:noinline
func store8(p *uint8, v uint8) { *p = v }

// Read8 reads the byte register at offset.
func (w *Window) Read8(offset uint64) uint8 {
	return load8((*uint8)(w.ptr(offset, 1)))
}

// Write8 writes the byte register at offset.
func (w *Window) Write8(offset uint64, value uint8) {
	store8((*uint8)(w.ptr(offset, 1)), value)
}

// Read32 reads the naturally aligned word register at offset.
func (w *Window) Read32(offset uint64) uint32 {
	return atomic.LoadUint32((*uint32)(w.ptr(offset, 4)))
}

// Write32 writes the naturally aligned word register at offset.
func (w *Window) Write32(offset uint64, value uint32) {
	atomic.StoreUint32((*uint32)(w.ptr(offset, 4)), value)
}

// Close releases a mapping created by Map. Windows created with NewWindow
// are left untouched.
func (w *Window) Close() error {
	if w.unmap == nil {
		return nil
	}
	err := w.unmap(w.data)
	w.data = nil
	w.unmap = nil
	return err
}

var _ Register = (*Window)(nil)
