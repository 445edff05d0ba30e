//go:build unix

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocateMemory returns page aligned anonymous host memory suitable as the
// backing of a guest region. Release it with FreeMemory after the region is
// unmapped.
func AllocateMemory(size uint64) ([]byte, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hv: allocate memory: size %#x: %w", size, ErrInvalidArgument)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hv: allocate memory: mmap %#x bytes: %w", size, err)
	}
	return mem, nil
}

func FreeMemory(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("hv: free memory: %w", err)
	}
	return nil
}
