package whp

import (
	"fmt"
	"unsafe"
)

// whvCapabilityCode mirrors WHV_CAPABILITY_CODE.
type whvCapabilityCode uint32

const (
	whvCapabilityHypervisorPresent    whvCapabilityCode = 0x00000000
	whvCapabilityFeatures             whvCapabilityCode = 0x00000001
	whvCapabilityExtendedVmExits      whvCapabilityCode = 0x00000002
	whvCapabilityExceptionExitBitmap  whvCapabilityCode = 0x00000003
	whvCapabilityPhysicalAddressWidth whvCapabilityCode = 0x0000100A
)

// WHV_CAPABILITY_FEATURES bits.
const (
	whvFeaturePartialUnmap      = 1 << 0
	whvFeatureXsave             = 1 << 2
	whvFeatureDirtyPageTracking = 1 << 3
)

// WHV_EXTENDED_VM_EXITS bits.
const (
	whvExtendedExitCpuid     = 1 << 0
	whvExtendedExitMsr       = 1 << 1
	whvExtendedExitException = 1 << 2
	whvExtendedExitRdtsc     = 1 << 3
	whvExtendedExitApicSmi   = 1 << 4
	whvExtendedExitHypercall = 1 << 5
)

// whvPartitionProperty mirrors WHV_PARTITION_PROPERTY_CODE.
type whvPartitionProperty uint32

const (
	whvPropertyExtendedVmExits     whvPartitionProperty = 0x00000001
	whvPropertyExceptionExitBitmap whvPartitionProperty = 0x00000002
	whvPropertyCpuidResultList     whvPartitionProperty = 0x00001004
	whvPropertyProcessorCount      whvPartitionProperty = 0x00001fff
)

// WHV_MAP_GPA_RANGE_FLAGS.
const (
	whvMapRead       = 0x00000001
	whvMapWrite      = 0x00000002
	whvMapExecute    = 0x00000004
	whvMapTrackDirty = 0x00000008
)

// whvRegisterName mirrors WHV_REGISTER_NAME.
type whvRegisterName uint32

const (
	whvRax    whvRegisterName = 0x00
	whvRcx    whvRegisterName = 0x01
	whvRdx    whvRegisterName = 0x02
	whvRbx    whvRegisterName = 0x03
	whvRsp    whvRegisterName = 0x04
	whvRbp    whvRegisterName = 0x05
	whvRsi    whvRegisterName = 0x06
	whvRdi    whvRegisterName = 0x07
	whvR8     whvRegisterName = 0x08
	whvR9     whvRegisterName = 0x09
	whvR10    whvRegisterName = 0x0A
	whvR11    whvRegisterName = 0x0B
	whvR12    whvRegisterName = 0x0C
	whvR13    whvRegisterName = 0x0D
	whvR14    whvRegisterName = 0x0E
	whvR15    whvRegisterName = 0x0F
	whvRip    whvRegisterName = 0x10
	whvRflags whvRegisterName = 0x11

	whvEs   whvRegisterName = 0x12
	whvCs   whvRegisterName = 0x13
	whvSs   whvRegisterName = 0x14
	whvDs   whvRegisterName = 0x15
	whvFs   whvRegisterName = 0x16
	whvGs   whvRegisterName = 0x17
	whvLdtr whvRegisterName = 0x18
	whvTr   whvRegisterName = 0x19
	whvIdtr whvRegisterName = 0x1A
	whvGdtr whvRegisterName = 0x1B

	whvCr0 whvRegisterName = 0x1C
	whvCr2 whvRegisterName = 0x1D
	whvCr3 whvRegisterName = 0x1E
	whvCr4 whvRegisterName = 0x1F
	whvCr8 whvRegisterName = 0x20

	whvDr0 whvRegisterName = 0x21
	whvDr1 whvRegisterName = 0x22
	whvDr2 whvRegisterName = 0x23
	whvDr3 whvRegisterName = 0x24
	whvDr6 whvRegisterName = 0x25
	whvDr7 whvRegisterName = 0x26

	whvXCr0 whvRegisterName = 0x27

	whvXmm0             whvRegisterName = 0x1000
	whvFpMmx0           whvRegisterName = 0x1010
	whvFpControlStatus  whvRegisterName = 0x1018
	whvXmmControlStatus whvRegisterName = 0x1019

	whvTsc          whvRegisterName = 0x2000
	whvEfer         whvRegisterName = 0x2001
	whvKernelGsBase whvRegisterName = 0x2002
	whvApicBase     whvRegisterName = 0x2003
	whvPat          whvRegisterName = 0x2004
	whvSysenterCs   whvRegisterName = 0x2005
	whvSysenterEip  whvRegisterName = 0x2006
	whvSysenterEsp  whvRegisterName = 0x2007
	whvStar         whvRegisterName = 0x2008
	whvLstar        whvRegisterName = 0x2009
	whvCstar        whvRegisterName = 0x200A
	whvSfmask       whvRegisterName = 0x200B
	whvTscAux       whvRegisterName = 0x207B
)

// whvRegisterValue mirrors the 16 byte WHV_REGISTER_VALUE union.
type whvRegisterValue struct {
	Low  uint64
	High uint64
}

// whvCpuidResult mirrors WHV_X64_CPUID_RESULT.
type whvCpuidResult struct {
	Function uint32
	Reserved [3]uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// whvExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type whvExitReason uint32

const (
	whvExitNone                   whvExitReason = 0x00000000
	whvExitMemoryAccess           whvExitReason = 0x00000001
	whvExitIoPortAccess           whvExitReason = 0x00000002
	whvExitUnrecoverableException whvExitReason = 0x00000004
	whvExitInvalidVpRegisterValue whvExitReason = 0x00000005
	whvExitUnsupportedFeature     whvExitReason = 0x00000006
	whvExitInterruptWindow        whvExitReason = 0x00000007
	whvExitHalt                   whvExitReason = 0x00000008
	whvExitApicEoi                whvExitReason = 0x00000009
	whvExitMsrAccess              whvExitReason = 0x00001000
	whvExitCpuid                  whvExitReason = 0x00001001
	whvExitException              whvExitReason = 0x00001002
	whvExitRdtsc                  whvExitReason = 0x00001003
	whvExitApicSmiTrap            whvExitReason = 0x00001004
	whvExitHypercall              whvExitReason = 0x00001005
	whvExitApicInitSipiTrap       whvExitReason = 0x00001006
	whvExitCanceled               whvExitReason = 0x00002001
)

var whvExitReasonNames = map[whvExitReason]string{
	whvExitNone:                   "None",
	whvExitMemoryAccess:           "MemoryAccess",
	whvExitIoPortAccess:           "X64IoPortAccess",
	whvExitUnrecoverableException: "UnrecoverableException",
	whvExitInvalidVpRegisterValue: "InvalidVpRegisterValue",
	whvExitUnsupportedFeature:     "UnsupportedFeature",
	whvExitInterruptWindow:        "X64InterruptWindow",
	whvExitHalt:                   "X64Halt",
	whvExitApicEoi:                "X64ApicEoi",
	whvExitMsrAccess:              "X64MsrAccess",
	whvExitCpuid:                  "X64Cpuid",
	whvExitException:              "Exception",
	whvExitRdtsc:                  "X64Rdtsc",
	whvExitApicSmiTrap:            "X64ApicSmiTrap",
	whvExitHypercall:              "Hypercall",
	whvExitApicInitSipiTrap:       "X64ApicInitSipiTrap",
	whvExitCanceled:               "Canceled",
}

func (r whvExitReason) String() string {
	if s, ok := whvExitReasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(%#x)", uint32(r))
}

// whvSegment mirrors WHV_X64_SEGMENT_REGISTER. Attributes use the same
// layout as hv.Segment.
type whvSegment struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// whvVPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type whvVPExitContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   whvSegment
	Rip                  uint64
	Rflags               uint64
}

func (c *whvVPExitContext) instructionLength() uint8 { return c.InstructionLengthCr8 & 0xf }

// whvRunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT.
type whvRunVPExitContext struct {
	ExitReason whvExitReason
	Reserved   uint32
	VpContext  whvVPExitContext
	payload    [176]byte
}

func (c *whvRunVPExitContext) view() unsafe.Pointer { return unsafe.Pointer(&c.payload[0]) }

// whvMemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type whvMemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

// WHV_MEMORY_ACCESS_INFO fields.
const (
	memAccessTypeMask    = 0x3
	memAccessGpaUnmapped = 1 << 2
	memAccessGvaValid    = 1 << 3
)

// whvIoPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type whvIoPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
	Ds                   whvSegment
	Es                   whvSegment
}

// WHV_X64_IO_PORT_ACCESS_INFO fields.
const (
	ioAccessIsWrite   = 1 << 0
	ioAccessSizeShift = 1
	ioAccessSizeMask  = 0x7
	ioAccessStringOp  = 1 << 4
	ioAccessRepPrefix = 1 << 5
)

// whvMsrAccessContext mirrors WHV_X64_MSR_ACCESS_CONTEXT.
type whvMsrAccessContext struct {
	AccessInfo uint32
	MsrNumber  uint32
	Rax        uint64
	Rdx        uint64
}

// whvCpuidAccessContext mirrors WHV_X64_CPUID_ACCESS_CONTEXT.
type whvCpuidAccessContext struct {
	Rax              uint64
	Rcx              uint64
	Rdx              uint64
	Rbx              uint64
	DefaultResultRax uint64
	DefaultResultRcx uint64
	DefaultResultRdx uint64
	DefaultResultRbx uint64
}

// whvExceptionContext mirrors WHV_VP_EXCEPTION_CONTEXT.
type whvExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        uint32
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

const exceptionErrorCodeValid = 1 << 0

// whvRdtscContext mirrors WHV_X64_RDTSC_CONTEXT.
type whvRdtscContext struct {
	TscAux        uint64
	VirtualOffset uint64
	Tsc           uint64
	ReferenceTime uint64
	RdtscInfo     uint64
}

const rdtscIsRdtscp = 1 << 0

// Emulator (winhvemulation.dll) ABI.

// whvEmulatorStatus mirrors WHV_EMULATOR_STATUS.
type whvEmulatorStatus uint32

const (
	emulatorStatusSuccess              whvEmulatorStatus = 1 << 0
	emulatorStatusInternalFailure      whvEmulatorStatus = 1 << 1
	emulatorStatusIoPortCallbackFailed whvEmulatorStatus = 1 << 2
	emulatorStatusMemoryCallbackFailed whvEmulatorStatus = 1 << 3
	emulatorStatusTranslateGvaFailed   whvEmulatorStatus = 1 << 4
	emulatorStatusGetRegistersFailed   whvEmulatorStatus = 1 << 6
	emulatorStatusSetRegistersFailed   whvEmulatorStatus = 1 << 7

	emulatorStatusFailures = emulatorStatusInternalFailure | emulatorStatusIoPortCallbackFailed |
		emulatorStatusMemoryCallbackFailed | emulatorStatusTranslateGvaFailed |
		emulatorStatusGetRegistersFailed | emulatorStatusSetRegistersFailed
)

func (s whvEmulatorStatus) ok() bool {
	return s&emulatorStatusSuccess != 0 && s&emulatorStatusFailures == 0
}

// whvEmulatorMemoryAccess mirrors WHV_EMULATOR_MEMORY_ACCESS_INFO.
type whvEmulatorMemoryAccess struct {
	GpaAddress uint64
	Direction  uint8
	AccessSize uint8
	Data       [8]byte
}

// whvEmulatorIoAccess mirrors WHV_EMULATOR_IO_ACCESS_INFO.
type whvEmulatorIoAccess struct {
	Direction  uint8
	Port       uint16
	AccessSize uint16
	Data       uint32
}

const (
	emulatorDirectionRead  = 0
	emulatorDirectionWrite = 1
)

// whvEmulatorCallbacks mirrors WHV_EMULATOR_CALLBACKS.
type whvEmulatorCallbacks struct {
	Size                         uint32
	Reserved                     uint32
	IoPortCallback               uintptr
	MemoryCallback               uintptr
	GetVirtualProcessorRegisters uintptr
	SetVirtualProcessorRegisters uintptr
	TranslateGvaPage             uintptr
}

// WHV_TRANSLATE_GVA_RESULT_CODE success value.
const whvTranslateGvaSuccess = 0

// whvTranslateGvaResult mirrors WHV_TRANSLATE_GVA_RESULT.
type whvTranslateGvaResult struct {
	ResultCode uint32
	Reserved   uint32
}
