package hv

import "fmt"

// ExitReason is the uniform reason a VirtualProcessor stopped running guest
// code.
type ExitReason int

const (
	// ExitNormal is a time slice expiration or other benign return.
	ExitNormal ExitReason = iota
	ExitCancelled
	// ExitInterruptWindow means the guest can accept an interrupt.
	ExitInterruptWindow
	ExitIO
	ExitMemoryAccess
	ExitStep
	ExitSoftwareBreakpoint
	ExitHardwareBreakpoint
	ExitHalt
	ExitCPUID
	ExitMSRAccess
	ExitTSCAccess
	ExitException
	ExitShutdown
	ExitFailed
	// ExitUnknown carries a native exit the translator did not recognize.
	ExitUnknown
)

var exitReasonNames = [...]string{
	ExitNormal:             "normal",
	ExitCancelled:          "cancelled",
	ExitInterruptWindow:    "interrupt_window",
	ExitIO:                 "io",
	ExitMemoryAccess:       "memory_access",
	ExitStep:               "step",
	ExitSoftwareBreakpoint: "software_breakpoint",
	ExitHardwareBreakpoint: "hardware_breakpoint",
	ExitHalt:               "halt",
	ExitCPUID:              "cpuid",
	ExitMSRAccess:          "msr_access",
	ExitTSCAccess:          "tsc_access",
	ExitException:          "exception",
	ExitShutdown:           "shutdown",
	ExitFailed:             "failed",
	ExitUnknown:            "unknown",
}

func (r ExitReason) String() string {
	if r >= 0 && int(r) < len(exitReasonNames) {
		return exitReasonNames[r]
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

// Fatal reports whether the VP cannot make further progress without the
// caller resetting guest state.
func (r ExitReason) Fatal() bool {
	return r == ExitShutdown || r == ExitFailed
}

type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return "unknown"
}

// IOAccess describes a port I/O exit. The instruction has already been
// retired; reads are completed with VirtualProcessor.SetIOResult.
type IOAccess struct {
	Port   uint16
	Size   uint8
	Write  bool
	Data   uint64
	String bool
	Rep    bool
}

// MemoryAccess describes an access to guest physical memory that is not
// backed by a mapping with the needed permission.
type MemoryAccess struct {
	GPA    uint64
	GVA    uint64
	Access AccessType
	Size   uint8
	// Data holds the written value for writes the backend decoded.
	Data             uint64
	Unmapped         bool
	InstructionBytes []byte
}

type CPUIDAccess struct {
	Rax, Rcx, Rdx, Rbx                             uint64
	DefaultRax, DefaultRcx, DefaultRdx, DefaultRbx uint64
}

type MSRAccess struct {
	Write  bool
	Number uint32
	Rax    uint64
	Rdx    uint64
}

type TSCAccessKind uint8

const (
	TSCAccessRDTSC TSCAccessKind = iota
	TSCAccessRDTSCP
	TSCAccessRDMSR
	TSCAccessWRMSR
)

type TSCAccess struct {
	Kind          TSCAccessKind
	TSCAux        uint64
	VirtualOffset uint64
}

type ExceptionInfo struct {
	Vector           ExceptionVector
	ErrorCode        uint32
	HasErrorCode     bool
	Parameter        uint64
	InstructionBytes []byte
}

// RawExit is the native exit code and, for exits the translator did not
// recognize, a copy of the native exit payload.
type RawExit struct {
	Code    uint64
	Payload []byte
}

// ExitInfo is the translated result of one Run. Only the payload matching
// Reason is set.
type ExitInfo struct {
	Reason ExitReason

	IO        *IOAccess
	Memory    *MemoryAccess
	CPUID     *CPUIDAccess
	MSR       *MSRAccess
	TSC       *TSCAccess
	Exception *ExceptionInfo

	// InstructionLength is the length of the instruction that caused the
	// exit when RIP was left pointing at it, zero otherwise.
	InstructionLength uint8

	Raw RawExit
}

func (e ExitInfo) String() string {
	switch {
	case e.IO != nil:
		dir := "in"
		if e.IO.Write {
			dir = "out"
		}
		return fmt.Sprintf("%s %s port=%#x size=%d data=%#x", e.Reason, dir, e.IO.Port, e.IO.Size, e.IO.Data)
	case e.Memory != nil:
		return fmt.Sprintf("%s %s gpa=%#x", e.Reason, e.Memory.Access, e.Memory.GPA)
	case e.MSR != nil:
		return fmt.Sprintf("%s msr=%#x write=%t", e.Reason, e.MSR.Number, e.MSR.Write)
	case e.Exception != nil:
		return fmt.Sprintf("%s vector=%d error=%#x", e.Reason, e.Exception.Vector, e.Exception.ErrorCode)
	case e.Reason == ExitUnknown:
		return fmt.Sprintf("%s code=%#x payload=%d bytes", e.Reason, e.Raw.Code, len(e.Raw.Payload))
	}
	return e.Reason.String()
}

// UnknownExit builds the ExitUnknown result for an unrecognized native exit,
// copying payload so the caller can keep it after the next Run.
func UnknownExit(code uint64, payload []byte) ExitInfo {
	return ExitInfo{
		Reason: ExitUnknown,
		Raw:    RawExit{Code: code, Payload: append([]byte(nil), payload...)},
	}
}
