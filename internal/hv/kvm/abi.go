package kvm

import "fmt"

// Kernel ABI for x86-64 KVM. The layouts are fixed by the kernel and used on
// any host so the translators can be tested without /dev/kvm.

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmGetDirtyLog         = 0x4010ae42
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetMsrs             = 0xc008ae88
	kvmSetMsrs             = 0x4008ae89
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmSetCpuid2           = 0x4008ae90
	kvmSetGuestDebug       = 0x4048ae9b
	kvmGetDebugregs        = 0x8080aea1
	kvmSetDebugregs        = 0x4080aea2
	kvmEnableCap           = 0x4068aea3
	kvmGetXcrs             = 0x8188aea6
	kvmSetXcrs             = 0x4188aea7
)

// Capabilities queried with KVM_CHECK_EXTENSION.
const (
	kvmCapUserMemory      = 3
	kvmCapSetTssAddr      = 4
	kvmCapNrVcpus         = 9
	kvmCapNrMemslots      = 10
	kvmCapSetGuestDebug   = 23
	kvmCapDebugregs       = 50
	kvmCapXcrs            = 56
	kvmCapMaxVcpus        = 66
	kvmCapReadonlyMem     = 81
	kvmCapImmediateExit   = 136
	kvmCapX86UserSpaceMsr = 188
)

// requiredCaps must all be present for the backend to load.
var requiredCaps = []struct {
	cap  int
	name string
}{
	{kvmCapUserMemory, "KVM_CAP_USER_MEMORY"},
	{kvmCapSetTssAddr, "KVM_CAP_SET_TSS_ADDR"},
	{kvmCapImmediateExit, "KVM_CAP_IMMEDIATE_EXIT"},
}

const (
	kvmMemLogDirtyPages = 1 << 0
	kvmMemReadonly      = 1 << 1

	kvmGuestDbgEnable     = 0x00000001
	kvmGuestDbgSingleStep = 0x00000002
	kvmGuestDbgUseSwBp    = 0x00010000

	kvmMsrExitReasonInval   = 1 << 0
	kvmMsrExitReasonUnknown = 1 << 1

	kvmExitIoIn  = 0
	kvmExitIoOut = 1

	// tssAddress is the three page region below 4 GiB Intel hosts need for
	// real mode emulation.
	tssAddress = 0xfffbd000
)

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitNmi           kvmExitReason = 16
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
)

var exitReasonNames = map[kvmExitReason]string{
	kvmExitUnknown:       "KVM_EXIT_UNKNOWN",
	kvmExitException:     "KVM_EXIT_EXCEPTION",
	kvmExitIo:            "KVM_EXIT_IO",
	kvmExitHypercall:     "KVM_EXIT_HYPERCALL",
	kvmExitDebug:         "KVM_EXIT_DEBUG",
	kvmExitHlt:           "KVM_EXIT_HLT",
	kvmExitMmio:          "KVM_EXIT_MMIO",
	kvmExitIrqWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	kvmExitShutdown:      "KVM_EXIT_SHUTDOWN",
	kvmExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	kvmExitIntr:          "KVM_EXIT_INTR",
	kvmExitNmi:           "KVM_EXIT_NMI",
	kvmExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	kvmExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	kvmExitX86Rdmsr:      "KVM_EXIT_X86_RDMSR",
	kvmExitX86Wrmsr:      "KVM_EXIT_X86_WRMSR",
}

func (kr kvmExitReason) String() string {
	if name, ok := exitReasonNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
}

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
	kvmSystemEventCrash    = 3
)

type internalErrorSubReason uint32

const (
	internalErrorEmulation            internalErrorSubReason = 1
	internalErrorSimulEx              internalErrorSubReason = 2
	internalErrorDeliveryEv           internalErrorSubReason = 3
	internalErrorUnexpectedExitReason internalErrorSubReason = 4
)

func (k internalErrorSubReason) String() string {
	switch k {
	case internalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDeliveryEv:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	case internalErrorUnexpectedExitReason:
		return "KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return fmt.Sprintf("KVMInternalErrorSubreason(%d)", uint32(k))
	}
}

const syncRegsSizeBytes = 2048

// kvmRunData is the head of the mmapped kvm_run structure.
type kvmRunData struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	padding1                   [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16
	cr8                        uint64
	apicBase                   uint64
	exit                       [256]byte
	kvmValidRegs               uint64
	kvmDirtyRegs               uint64
	s                          struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmExitExceptionData struct {
	exception uint32
	errorCode uint32
}

type kvmExitDebugData struct {
	exception uint32
	pad       uint32
	pc        uint64
	dr6       uint64
	dr7       uint64
}

type kvmExitFailEntryData struct {
	hardwareEntryFailureReason uint64
	cpu                        uint32
}

type kvmExitInternalErrorData struct {
	suberror internalErrorSubReason
	ndata    uint32
	data     [16]uint64
}

type kvmExitSystemEventData struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type kvmExitMsrData struct {
	error  uint8
	pad    [7]uint8
	reason uint32
	index  uint32
	data   uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmDirtyLog struct {
	Slot    uint32
	Padding uint32
	Bitmap  uint64
}

type kvmRegs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

const kvmNrInterrupts = 256

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmFPU struct {
	Fpr        [8][16]uint8
	Fcw        uint16
	Fsw        uint16
	Ftwx       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	Xmm        [16][16]uint8
	Mxcsr      uint32
	Pad2       uint32
}

const kvmMaxXCRS = 16

type kvmXcr struct {
	Xcr      uint32
	Reserved uint32
	Value    uint64
}

type kvmXcrs struct {
	NrXcrs  uint32
	Flags   uint32
	Xcrs    [kvmMaxXCRS]kvmXcr
	Padding [16]uint64
}

type kvmDebugRegs struct {
	Db       [4]uint64
	Dr6      uint64
	Dr7      uint64
	Flags    uint64
	Reserved [9]uint64
}

type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	Debugreg [8]uint64
}

type kvmMsrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// maxMsrBatch bounds one KVM_GET_MSRS/KVM_SET_MSRS call. It covers every
// MSR in the register model.
const maxMsrBatch = 16

type kvmMsrs struct {
	Nmsrs   uint32
	Pad     uint32
	Entries [maxMsrBatch]kvmMsrEntry
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const maxCPUIDEntries = 256

type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
	Entries [maxCPUIDEntries]kvmCPUIDEntry2
}

type kvmEnableCapArgs struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	Pad   [64]uint8
}
