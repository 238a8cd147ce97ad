//go:build unix

package allocator

import (
	"os"

	"golang.org/x/sys/unix"
)

// regionPageSize returns the system's page size, used to round Init's
// requested size up to a page multiple.
func regionPageSize() uintptr {
	return uintptr(os.Getpagesize())
}

// regionMap requests size bytes of anonymous, zero-filled memory from the
// operating system via mmap, kept as a small external collaborator on
// purpose: the allocator only ever sees the returned []byte's base address
// and never calls mmap itself.
func regionMap(size uint64) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// regionUnmap releases a region obtained from regionMap.
func regionUnmap(region []byte) error {
	if len(region) == 0 {
		return nil
	}

	return unix.Munmap(region)
}
