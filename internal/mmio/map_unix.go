//go:build unix

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DevMem is the device used by Map.
var DevMem = "/dev/mem"

// Map maps size bytes of physical address space starting at pa. Both must
// be page aligned.
func Map(pa, size uint64) (*Window, error) {
	pageSize := uint64(os.Getpagesize())
	if pa%pageSize != 0 || size%pageSize != 0 || size == 0 {
		return nil, fmt.Errorf("mmio: map %#x+%#x: not page aligned", pa, size)
	}

	fd, err := unix.Open(DevMem, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", DevMem, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, int64(pa), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap %#x+%#x: %w", pa, size, err)
	}

	return &Window{data: data, unmap: unix.Munmap}, nil
}
