package hv

import "github.com/tinyrange/hvcore/internal/hv/hostinfo"

// HostInfo is the host CPU view merged into every feature descriptor.
type HostInfo struct {
	FloatingPointExtensions FloatingPointExtension
	GPA                     GPALimits
}

// DetectHost reads the host CPU once through the hostinfo package.
func DetectHost() HostInfo {
	c := hostinfo.Detect()

	var fp FloatingPointExtension
	set := func(ok bool, ext FloatingPointExtension) {
		if ok {
			fp |= ext
		}
	}
	set(c.MMX, FPExtMMX)
	set(c.SSE, FPExtSSE)
	set(c.SSE2, FPExtSSE2)
	set(c.SSE3, FPExtSSE3)
	set(c.SSSE3, FPExtSSSE3)
	set(c.SSE41, FPExtSSE4_1)
	set(c.SSE42, FPExtSSE4_2)
	set(c.SSE4a, FPExtSSE4a)
	set(c.XOP, FPExtXOP)
	set(c.F16C, FPExtF16C)
	set(c.FMA4, FPExtFMA4)
	set(c.AVX, FPExtAVX)
	set(c.FMA3, FPExtFMA3)
	set(c.AVX2, FPExtAVX2)
	set(c.AVX512F, FPExtAVX512F)
	set(c.AVX512DQ, FPExtAVX512DQ)
	set(c.AVX512CD, FPExtAVX512CD)
	set(c.AVX512BW, FPExtAVX512BW)
	set(c.AVX512VL, FPExtAVX512VL)
	set(c.FXSAVE, FPExtFXSAVE)
	set(c.XSAVE, FPExtXSAVE)

	return HostInfo{
		FloatingPointExtensions: fp,
		GPA:                     NewGPALimits(c.GPABits),
	}
}
