package whp

import "github.com/tinyrange/hvcore/internal/hv"

// emulation is the work the instruction emulator still has to do for an
// exit before the guest can continue.
type emulation uint8

const (
	emulateNone emulation = iota
	// emulateIOWrite and emulateMMIOWrite retire the instruction before Run
	// returns.
	emulateIOWrite
	emulateMMIOWrite
	// emulateIORead and emulateMMIORead wait for SetIOResult.
	emulateIORead
	emulateMMIORead
)

func (e emulation) read() bool { return e == emulateIORead || e == emulateMMIORead }

// exitContext is the per-VP configuration that changes how exits are
// reported.
type exitContext struct {
	singleStep bool
	// exceptions are the exception exits the VM was created with. Debug and
	// breakpoint exceptions are intercepted regardless.
	exceptions hv.ExceptionBitmap
}

const (
	dr6BreakpointHits = 0xf
	dr6SingleStep     = 1 << 14
)

func instructionBytes(b [16]uint8, n uint8) []byte {
	return append([]byte(nil), b[:min(int(n), len(b))]...)
}

// translateExit converts the exit context filled in by
// WHvRunVirtualProcessor.
func translateExit(rc *whvRunVPExitContext, ctx exitContext) (hv.ExitInfo, emulation) {
	var info hv.ExitInfo
	var work emulation
	payload := rc.view()

	switch rc.ExitReason {
	case whvExitNone:
		info.Reason = hv.ExitNormal

	case whvExitMemoryAccess:
		mem := (*whvMemoryAccessContext)(payload)
		access := &hv.MemoryAccess{
			GPA:              mem.Gpa,
			Access:           hv.AccessType(mem.AccessInfo & memAccessTypeMask),
			Unmapped:         mem.AccessInfo&memAccessGpaUnmapped != 0,
			InstructionBytes: instructionBytes(mem.InstructionBytes, mem.InstructionByteCount),
		}
		if mem.AccessInfo&memAccessGvaValid != 0 {
			access.GVA = mem.Gva
		}
		info.Reason = hv.ExitMemoryAccess
		info.Memory = access
		switch {
		case access.Unmapped && access.Access == hv.AccessRead:
			work = emulateMMIORead
		case access.Unmapped && access.Access == hv.AccessWrite:
			work = emulateMMIOWrite
		default:
			// Permission faults and instruction fetches are left for the
			// caller with RIP on the instruction.
			info.InstructionLength = rc.VpContext.instructionLength()
		}

	case whvExitIoPortAccess:
		io := (*whvIoPortAccessContext)(payload)
		size := uint8(io.AccessInfo>>ioAccessSizeShift) & ioAccessSizeMask
		access := &hv.IOAccess{
			Port:   io.Port,
			Size:   size,
			Write:  io.AccessInfo&ioAccessIsWrite != 0,
			String: io.AccessInfo&ioAccessStringOp != 0,
			Rep:    io.AccessInfo&ioAccessRepPrefix != 0,
		}
		if access.Write {
			access.Data = io.Rax & sizeMask(size)
			work = emulateIOWrite
		} else {
			work = emulateIORead
		}
		info.Reason = hv.ExitIO
		info.IO = access

	case whvExitUnrecoverableException:
		info.Reason = hv.ExitShutdown

	case whvExitInvalidVpRegisterValue, whvExitUnsupportedFeature:
		info.Reason = hv.ExitFailed

	case whvExitInterruptWindow:
		info.Reason = hv.ExitInterruptWindow

	case whvExitHalt:
		info.Reason = hv.ExitHalt

	case whvExitMsrAccess:
		msr := (*whvMsrAccessContext)(payload)
		access := &hv.MSRAccess{
			Write:  msr.AccessInfo&1 != 0,
			Number: msr.MsrNumber,
		}
		if access.Write {
			access.Rax = msr.Rax & 0xffffffff
			access.Rdx = msr.Rdx & 0xffffffff
		}
		info.Reason = hv.ExitMSRAccess
		info.MSR = access
		info.InstructionLength = rc.VpContext.instructionLength()

	case whvExitCpuid:
		c := (*whvCpuidAccessContext)(payload)
		info.Reason = hv.ExitCPUID
		info.CPUID = &hv.CPUIDAccess{
			Rax: c.Rax, Rcx: c.Rcx, Rdx: c.Rdx, Rbx: c.Rbx,
			DefaultRax: c.DefaultResultRax, DefaultRcx: c.DefaultResultRcx,
			DefaultRdx: c.DefaultResultRdx, DefaultRbx: c.DefaultResultRbx,
		}
		info.InstructionLength = rc.VpContext.instructionLength()

	case whvExitException:
		info = translateException((*whvExceptionContext)(payload), rc, ctx)

	case whvExitRdtsc:
		r := (*whvRdtscContext)(payload)
		access := &hv.TSCAccess{Kind: hv.TSCAccessRDTSC, VirtualOffset: r.VirtualOffset}
		if r.RdtscInfo&rdtscIsRdtscp != 0 {
			access.Kind = hv.TSCAccessRDTSCP
			access.TSCAux = r.TscAux
		}
		info.Reason = hv.ExitTSCAccess
		info.TSC = access
		info.InstructionLength = rc.VpContext.instructionLength()

	case whvExitCanceled:
		info.Reason = hv.ExitCancelled

	default:
		return hv.UnknownExit(uint64(rc.ExitReason), rc.payload[:]), emulateNone
	}

	info.Raw = hv.RawExit{Code: uint64(rc.ExitReason)}
	return info, work
}

func translateException(ex *whvExceptionContext, rc *whvRunVPExitContext, ctx exitContext) hv.ExitInfo {
	vector := hv.ExceptionVector(ex.ExceptionType)
	length := rc.VpContext.instructionLength()

	switch {
	case vector == hv.ExceptionBreakpoint && !ctx.exceptions.Has(vector):
		return hv.ExitInfo{Reason: hv.ExitSoftwareBreakpoint, InstructionLength: 1}
	case vector == hv.ExceptionDebug && !ctx.exceptions.Has(vector):
		// The exception parameter carries DR6 for #DB.
		if ex.ExceptionParameter&dr6BreakpointHits != 0 {
			return hv.ExitInfo{Reason: hv.ExitHardwareBreakpoint}
		}
		if ctx.singleStep || ex.ExceptionParameter&dr6SingleStep != 0 {
			return hv.ExitInfo{Reason: hv.ExitStep}
		}
	case vector == hv.ExceptionDebug && ctx.singleStep:
		return hv.ExitInfo{Reason: hv.ExitStep}
	}

	return hv.ExitInfo{
		Reason: hv.ExitException,
		Exception: &hv.ExceptionInfo{
			Vector:           vector,
			ErrorCode:        ex.ErrorCode,
			HasErrorCode:     ex.ExceptionInfo&exceptionErrorCodeValid != 0,
			Parameter:        ex.ExceptionParameter,
			InstructionBytes: instructionBytes(ex.InstructionBytes, ex.InstructionByteCount),
		},
		InstructionLength: length,
	}
}

func sizeMask(size uint8) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(8*size) - 1
}
