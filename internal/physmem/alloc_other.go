//go:build !unix

package physmem

import "unsafe"

const pageSize = 4096

// allocate over-allocates on the heap and slices at the first page boundary
// so that doubleword accesses stay aligned.
func allocate(size int) ([]byte, func([]byte) error, error) {
	buf := make([]byte, size+pageSize)
	off := int(-uintptr(unsafe.Pointer(&buf[0])) & (pageSize - 1))
	return buf[off : off+size : off+size], nil, nil
}
