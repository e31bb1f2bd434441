// Package physmem models physical RAM as bounds-checked regions that can be
// addressed atomically at 64-bit granularity.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfRange = errors.New("physical address out of range")
	ErrMisaligned = errors.New("physical address misaligned")
)

var byteOrder = binary.LittleEndian

// Region is a contiguous range of physical memory [Base, Base+Size).
type Region struct {
	base uint64
	data []byte
	free func([]byte) error
}

// New allocates a zeroed region of size bytes starting at base. The backing
// store is page aligned so every 8-byte aligned address can be used with the
// atomic accessors.
func New(base, size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: region size must be non-zero")
	}
	if base+size < base {
		return nil, fmt.Errorf("physmem: region 0x%x+0x%x overflows", base, size)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("physmem: size %d exceeds host address limit", size)
	}

	data, free, err := allocate(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate 0x%x bytes: %w", size, err)
	}

	return &Region{base: base, data: data, free: free}, nil
}

// Close releases the backing store. The region must not be used afterwards.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if r.free == nil {
		return nil
	}
	return r.free(data)
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Size() uint64 { return uint64(len(r.data)) }

// InRegion reports whether pa lies inside the region.
func (r *Region) InRegion(pa uint64) bool {
	return pa >= r.base && pa-r.base < uint64(len(r.data))
}

// Contains reports whether the whole range [pa, pa+n) lies inside the region.
func (r *Region) Contains(pa, n uint64) bool {
	if n == 0 {
		return r.InRegion(pa)
	}
	return r.InRegion(pa) && pa+n-1 >= pa && r.InRegion(pa+n-1)
}

func (r *Region) word(pa uint64) (*uint64, error) {
	if pa&7 != 0 {
		return nil, fmt.Errorf("physmem: 0x%x: %w", pa, ErrMisaligned)
	}
	if !r.Contains(pa, 8) {
		return nil, fmt.Errorf("physmem: 0x%x: %w", pa, ErrOutOfRange)
	}
	return (*uint64)(unsafe.Pointer(&r.data[pa-r.base])), nil
}

// Load64 atomically reads the aligned doubleword at pa.
func (r *Region) Load64(pa uint64) (uint64, error) {
	p, err := r.word(pa)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(p), nil
}

// Store64 atomically writes the aligned doubleword at pa.
func (r *Region) Store64(pa uint64, val uint64) error {
	p, err := r.word(pa)
	if err != nil {
		return err
	}
	atomic.StoreUint64(p, val)
	return nil
}

// Swap64 atomically replaces the doubleword at pa and returns the old value.
func (r *Region) Swap64(pa uint64, val uint64) (uint64, error) {
	p, err := r.word(pa)
	if err != nil {
		return 0, err
	}
	return atomic.SwapUint64(p, val), nil
}

// CompareAndSwap64 atomically replaces the doubleword at pa with newVal if it
// still holds oldVal.
func (r *Region) CompareAndSwap64(pa uint64, oldVal, newVal uint64) (bool, error) {
	p, err := r.word(pa)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(p, oldVal, newVal), nil
}

// Read32 reads a little-endian word at pa. It is not atomic.
func (r *Region) Read32(pa uint64) (uint32, error) {
	if !r.Contains(pa, 4) {
		return 0, fmt.Errorf("physmem: 0x%x: %w", pa, ErrOutOfRange)
	}
	return byteOrder.Uint32(r.data[pa-r.base:]), nil
}

// Write32 writes a little-endian word at pa. It is not atomic.
func (r *Region) Write32(pa uint64, val uint32) error {
	if !r.Contains(pa, 4) {
		return fmt.Errorf("physmem: 0x%x: %w", pa, ErrOutOfRange)
	}
	byteOrder.PutUint32(r.data[pa-r.base:], val)
	return nil
}

// Zero clears [pa, pa+n).
func (r *Region) Zero(pa, n uint64) error {
	if !r.Contains(pa, n) {
		return fmt.Errorf("physmem: zero 0x%x+0x%x: %w", pa, n, ErrOutOfRange)
	}
	clear(r.data[pa-r.base : pa-r.base+n])
	return nil
}

// ReadAt implements io.ReaderAt with offsets relative to the region base.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt with offsets relative to the region base.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("physmem: write offset %d out of bounds", off)
	}
	n := copy(r.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
