//go:build !unix

package mmio

// Map is unavailable off unix.
func Map(pa, size uint64) (*Window, error) {
	return nil, ErrUnsupported
}
