// Package hostinfo reports the host CPU properties the hypervisor layer
// folds into a platform's feature descriptor.
package hostinfo

import "sync"

// CPU lists host floating point extensions and the guest physical address
// width.
type CPU struct {
	MMX, SSE, SSE2, SSE3, SSSE3, SSE41, SSE42, SSE4a bool
	XOP, F16C, FMA4, AVX, FMA3, AVX2                 bool
	AVX512F, AVX512DQ, AVX512CD, AVX512BW, AVX512VL  bool
	FXSAVE, XSAVE                                    bool

	// GPABits is the number of bits in a guest physical address.
	GPABits uint8
}

// defaultGPABits is used when the host cannot report an address width.
const defaultGPABits = 36

var (
	once   sync.Once
	cached CPU
)

// Detect returns the host CPU description. It is computed once.
func Detect() CPU {
	once.Do(func() {
		cached = detect()
		if cached.GPABits == 0 {
			cached.GPABits = defaultGPABits
		}
	})
	return cached
}

// gpaBits extracts the guest physical address width from CPUID 0x80000008
// EAX: bits 23:16 when non-zero, otherwise the host physical width in 7:0.
func gpaBits(eax uint32) uint8 {
	if bits := uint8(eax >> 16); bits != 0 {
		return bits
	}
	return uint8(eax)
}
