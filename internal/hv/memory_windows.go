//go:build windows

package hv

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// AllocateMemory returns page aligned host memory suitable as the backing
// of a guest region. Release it with FreeMemory after the region is
// unmapped.
func AllocateMemory(size uint64) ([]byte, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("hv: allocate memory: size %#x: %w", size, ErrInvalidArgument)
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("hv: allocate memory: VirtualAlloc %#x bytes: %w", size, err)
	}
	// The allocation is outside the Go heap, so the address is not a Go
	// pointer the collector could move.
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(nil), addr)), int(size)), nil
}

func FreeMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := windows.VirtualFree(uintptr(unsafe.Pointer(unsafe.SliceData(mem))), 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("hv: free memory: %w", err)
	}
	return nil
}
