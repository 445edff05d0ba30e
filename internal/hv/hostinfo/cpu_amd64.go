package hostinfo

import "golang.org/x/sys/cpu"

// cpuid is implemented in cpuid_amd64.s.
func cpuid(eaxArg, ecxArg uint32) (eax, ebx, ecx, edx uint32)

func detect() CPU {
	_, _, ecx1, edx1 := cpuid(1, 0)
	maxExt, _, _, _ := cpuid(0x80000000, 0)

	c := CPU{
		MMX:    edx1&(1<<23) != 0,
		FXSAVE: edx1&(1<<24) != 0,
		SSE:    edx1&(1<<25) != 0,
		F16C:   ecx1&(1<<29) != 0,
		XSAVE:  ecx1&(1<<26) != 0,

		// x/sys/cpu already checks OS support for the AVX state.
		SSE2:     cpu.X86.HasSSE2,
		SSE3:     cpu.X86.HasSSE3,
		SSSE3:    cpu.X86.HasSSSE3,
		SSE41:    cpu.X86.HasSSE41,
		SSE42:    cpu.X86.HasSSE42,
		AVX:      cpu.X86.HasAVX,
		FMA3:     cpu.X86.HasFMA,
		AVX2:     cpu.X86.HasAVX2,
		AVX512F:  cpu.X86.HasAVX512F,
		AVX512DQ: cpu.X86.HasAVX512DQ,
		AVX512CD: cpu.X86.HasAVX512CD,
		AVX512BW: cpu.X86.HasAVX512BW,
		AVX512VL: cpu.X86.HasAVX512VL,
	}

	if maxExt >= 0x80000001 {
		_, _, ecx, _ := cpuid(0x80000001, 0)
		c.SSE4a = ecx&(1<<6) != 0
		c.XOP = ecx&(1<<11) != 0
		c.FMA4 = ecx&(1<<16) != 0
	}
	if maxExt >= 0x80000008 {
		eax, _, _, _ := cpuid(0x80000008, 0)
		c.GPABits = gpaBits(eax)
	}
	return c
}
