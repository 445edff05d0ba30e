package hv

import (
	"fmt"
	"math/bits"
	"strings"
)

// FloatingPointExtension is a set of host floating point/vector extensions.
type FloatingPointExtension uint32

const (
	FPExtMMX FloatingPointExtension = 1 << iota
	FPExtSSE
	FPExtSSE2
	FPExtSSE3
	FPExtSSSE3
	FPExtSSE4_1
	FPExtSSE4_2
	FPExtSSE4a
	FPExtXOP
	FPExtF16C
	FPExtFMA4
	FPExtAVX
	FPExtFMA3
	FPExtAVX2
	FPExtAVX512F
	FPExtAVX512DQ
	FPExtAVX512CD
	FPExtAVX512BW
	FPExtAVX512VL
	FPExtFXSAVE
	FPExtXSAVE
)

var fpExtNames = []string{
	"mmx", "sse", "sse2", "sse3", "ssse3", "sse4.1", "sse4.2", "sse4a", "xop", "f16c", "fma4",
	"avx", "fma3", "avx2", "avx512f", "avx512dq", "avx512cd", "avx512bw", "avx512vl", "fxsave", "xsave",
}

func (f FloatingPointExtension) String() string { return flagString(uint64(f), fpExtNames) }

// ExtendedControlRegister is a set of control registers beyond CR0-CR4.
type ExtendedControlRegister uint32

const (
	ExtCR8 ExtendedControlRegister = 1 << iota
	ExtXCR0
	ExtMXCSRMask
)

func (e ExtendedControlRegister) String() string {
	return flagString(uint64(e), []string{"cr8", "xcr0", "mxcsr_mask"})
}

// ExtendedVMExit is a set of optional VM exits a backend can deliver.
type ExtendedVMExit uint32

const (
	ExtendedExitCPUID ExtendedVMExit = 1 << iota
	ExtendedExitMSRAccess
	ExtendedExitException
	ExtendedExitTSCAccess
	ExtendedExitAPICSMI
	ExtendedExitHypercall
)

func (e ExtendedVMExit) String() string {
	return flagString(uint64(e), []string{"cpuid", "msr", "exception", "tsc", "apic_smi", "hypercall"})
}

// ExceptionVector is an x86 exception number.
type ExceptionVector uint8

const (
	ExceptionDivideError       ExceptionVector = 0
	ExceptionDebug             ExceptionVector = 1
	ExceptionBreakpoint        ExceptionVector = 3
	ExceptionOverflow          ExceptionVector = 4
	ExceptionBoundRange        ExceptionVector = 5
	ExceptionInvalidOpcode     ExceptionVector = 6
	ExceptionDeviceNotAvail    ExceptionVector = 7
	ExceptionDoubleFault       ExceptionVector = 8
	ExceptionInvalidTSS        ExceptionVector = 10
	ExceptionSegmentNotPresent ExceptionVector = 11
	ExceptionStackFault        ExceptionVector = 12
	ExceptionGeneralProtection ExceptionVector = 13
	ExceptionPageFault         ExceptionVector = 14
	ExceptionFloatingPoint     ExceptionVector = 16
	ExceptionAlignmentCheck    ExceptionVector = 17
	ExceptionMachineCheck      ExceptionVector = 18
	ExceptionSIMDFloatingPoint ExceptionVector = 19
)

// HasErrorCode reports whether the CPU pushes an error code for v.
func (v ExceptionVector) HasErrorCode() bool {
	switch v {
	case ExceptionDoubleFault, ExceptionInvalidTSS, ExceptionSegmentNotPresent,
		ExceptionStackFault, ExceptionGeneralProtection, ExceptionPageFault,
		ExceptionAlignmentCheck:
		return true
	}
	return false
}

// ExceptionBitmap has bit n set when exception vector n causes a VM exit.
type ExceptionBitmap uint64

func ExceptionBit(v ExceptionVector) ExceptionBitmap { return 1 << v }

func (b ExceptionBitmap) Has(v ExceptionVector) bool { return b&ExceptionBit(v) != 0 }

// RegisterClass groups registers by the native structure that holds them.
type RegisterClass uint32

const (
	ClassGeneral RegisterClass = 1 << iota
	ClassSegment
	ClassTable
	ClassControl
	ClassDebug
	ClassFloatingPoint
	ClassVector
	ClassExtendedControl
	ClassMSR
)

var registerClassNames = []string{"general", "segment", "table", "control", "debug", "fp", "vector", "xcr", "msr"}

func (c RegisterClass) String() string { return flagString(uint64(c), registerClassNames) }

// AllRegisterClasses is every class in the uniform register model.
const AllRegisterClasses = ClassGeneral | ClassSegment | ClassTable | ClassControl | ClassDebug |
	ClassFloatingPoint | ClassVector | ClassExtendedControl | ClassMSR

// GPALimits describes the guest physical address space a host supports.
type GPALimits struct {
	MaxBits    uint8
	MaxAddress uint64
	Mask       uint64
}

// NewGPALimits derives the limits for a given address width.
func NewGPALimits(maxBits uint8) GPALimits {
	if maxBits >= 64 {
		return GPALimits{MaxBits: 64, MaxAddress: ^uint64(0), Mask: ^uint64(0)}
	}
	max := uint64(1) << maxBits
	return GPALimits{MaxBits: maxBits, MaxAddress: max, Mask: max - 1}
}

// Contains reports whether [addr, addr+size) fits in the address space.
func (l GPALimits) Contains(addr, size uint64) bool {
	if l.MaxAddress == 0 {
		return true
	}
	end := addr + size
	if end < addr {
		return false
	}
	if l.MaxBits >= 64 {
		return true
	}
	return end <= l.MaxAddress
}

// FeatureDescriptor is the backend neutral summary of what a Platform can do.
// It is computed once during Platform construction and treated as read-only.
type FeatureDescriptor struct {
	FloatingPointExtensions  FloatingPointExtension
	ExtendedControlRegisters ExtendedControlRegister
	ExtendedVMExits          ExtendedVMExit
	// ExceptionExits is only meaningful when ExtendedVMExits has
	// ExtendedExitException.
	ExceptionExits ExceptionBitmap

	GuestPhysicalAddress GPALimits

	MaxProcessorsPerVM  int
	MaxProcessorsGlobal int

	UnrestrictedGuest     bool
	ExtendedPageTables    bool
	LargeMemoryAllocation bool
	CustomCPUIDs          bool
	DirtyPageTracking     bool
	PartialDirtyBitmap    bool
	PartialUnmapping      bool
	MemoryAliasing        bool
	MemoryUnmapping       bool

	RegisterClasses RegisterClass
}

// checkRegister reports whether the descriptor covers reg. The register
// must already be known to be valid.
func (f *FeatureDescriptor) checkRegister(reg Register) error {
	class := reg.Class()
	if f.RegisterClasses&class == 0 {
		return missingFeature("register class %s (%s)", class, reg)
	}
	if ext := reg.extendedControl(); ext != 0 && f.ExtendedControlRegisters&ext == 0 {
		return missingFeature("extended control register %s", reg)
	}
	if class == ClassVector && f.FloatingPointExtensions&(FPExtSSE|FPExtSSE2) == 0 {
		return missingFeature("vector register %s without sse", reg)
	}
	return nil
}

func (f FeatureDescriptor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fp=%s xcr=%s exits=%s exceptions=%#x ",
		f.FloatingPointExtensions, f.ExtendedControlRegisters, f.ExtendedVMExits, uint64(f.ExceptionExits))
	fmt.Fprintf(&sb, "gpa_bits=%d vps=%d/%d registers=%s",
		f.GuestPhysicalAddress.MaxBits, f.MaxProcessorsPerVM, f.MaxProcessorsGlobal, f.RegisterClasses)
	return sb.String()
}

func flagString(v uint64, names []string) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for v != 0 {
		i := bits.TrailingZeros64(v)
		v &^= 1 << i
		if i < len(names) {
			parts = append(parts, names[i])
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", i))
		}
	}
	return strings.Join(parts, "|")
}
