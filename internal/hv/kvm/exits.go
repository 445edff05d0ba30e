package kvm

import (
	"encoding/binary"
	"unsafe"

	"github.com/tinyrange/hvcore/internal/hv"
)

// pendingKind is the guest read a previous exit left for SetIOResult to
// complete. KVM finishes the instruction itself on the next KVM_RUN.
type pendingKind uint8

const (
	pendingNone pendingKind = iota
	pendingIO
	pendingMMIO
	pendingMSR
)

type completion struct {
	kind   pendingKind
	offset uint64
	size   uint8
}

// exitContext is the per-VP configuration that changes how debug exits are
// reported.
type exitContext struct {
	singleStep      bool
	breakpointExits bool
}

const (
	dr6BreakpointHits = 0xf
	dr6SingleStep     = 1 << 14
)

func runData(run []byte) *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&run[0]))
}

// translateExit converts the exit recorded in the mmapped kvm_run area.
func translateExit(run []byte, ctx exitContext) (hv.ExitInfo, completion) {
	rd := runData(run)
	reason := kvmExitReason(rd.exitReason)
	raw := hv.RawExit{Code: uint64(reason)}
	payload := unsafe.Pointer(&rd.exit[0])

	var info hv.ExitInfo
	var pending completion

	switch reason {
	case kvmExitHlt:
		info.Reason = hv.ExitHalt

	case kvmExitIo:
		io := (*kvmExitIoData)(payload)
		access := &hv.IOAccess{
			Port:   io.port,
			Size:   io.size,
			Write:  io.direction == kvmExitIoOut,
			String: io.count > 1,
			Rep:    io.count > 1,
		}
		if access.Write {
			access.Data = readLE(run[io.dataOffset:], io.size)
		} else {
			pending = completion{kind: pendingIO, offset: io.dataOffset, size: io.size}
		}
		info.Reason = hv.ExitIO
		info.IO = access

	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(payload)
		size := uint8(min(mmio.len, 8))
		access := &hv.MemoryAccess{
			GPA:      mmio.physAddr,
			Size:     size,
			Unmapped: true,
			Access:   hv.AccessRead,
		}
		if mmio.isWrite != 0 {
			access.Access = hv.AccessWrite
			access.Data = readLE(mmio.data[:], size)
		} else {
			pending = completion{
				kind:   pendingMMIO,
				offset: uint64(uintptr(unsafe.Pointer(&mmio.data[0])) - uintptr(unsafe.Pointer(&run[0]))),
				size:   size,
			}
		}
		info.Reason = hv.ExitMemoryAccess
		info.Memory = access

	case kvmExitDebug:
		dbg := (*kvmExitDebugData)(payload)
		switch {
		case dbg.exception == uint32(hv.ExceptionBreakpoint) && ctx.breakpointExits:
			info.Reason = hv.ExitException
			info.Exception = &hv.ExceptionInfo{Vector: hv.ExceptionBreakpoint, Parameter: dbg.pc}
			info.InstructionLength = 1
		case dbg.exception == uint32(hv.ExceptionBreakpoint):
			info.Reason = hv.ExitSoftwareBreakpoint
			info.InstructionLength = 1
		case dbg.dr6&dr6BreakpointHits != 0:
			info.Reason = hv.ExitHardwareBreakpoint
		case dbg.dr6&dr6SingleStep != 0 || ctx.singleStep:
			info.Reason = hv.ExitStep
		default:
			info = hv.UnknownExit(uint64(reason), rd.exit[:])
		}

	case kvmExitException:
		ex := (*kvmExitExceptionData)(payload)
		vector := hv.ExceptionVector(ex.exception)
		info.Reason = hv.ExitException
		info.Exception = &hv.ExceptionInfo{
			Vector:       vector,
			ErrorCode:    ex.errorCode,
			HasErrorCode: vector.HasErrorCode(),
		}

	case kvmExitX86Rdmsr, kvmExitX86Wrmsr:
		msr := (*kvmExitMsrData)(payload)
		access := &hv.MSRAccess{Write: reason == kvmExitX86Wrmsr, Number: msr.index}
		if access.Write {
			access.Rax = msr.data & 0xffffffff
			access.Rdx = msr.data >> 32
		} else {
			pending = completion{
				kind:   pendingMSR,
				offset: uint64(uintptr(unsafe.Pointer(&msr.data)) - uintptr(unsafe.Pointer(&run[0]))),
				size:   8,
			}
		}
		// Accept the access unless the caller says otherwise.
		msr.error = 0
		info.Reason = hv.ExitMSRAccess
		info.MSR = access

	case kvmExitIrqWindowOpen:
		info.Reason = hv.ExitInterruptWindow

	case kvmExitIntr:
		info.Reason = hv.ExitCancelled

	case kvmExitShutdown:
		info.Reason = hv.ExitShutdown

	case kvmExitSystemEvent:
		ev := (*kvmExitSystemEventData)(payload)
		switch ev.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset:
			info.Reason = hv.ExitShutdown
		case kvmSystemEventCrash:
			info.Reason = hv.ExitFailed
		default:
			info = hv.UnknownExit(uint64(reason), rd.exit[:])
		}

	case kvmExitFailEntry, kvmExitInternalError:
		info.Reason = hv.ExitFailed

	default:
		info = hv.UnknownExit(uint64(reason), rd.exit[:])
	}

	if info.Reason != hv.ExitUnknown {
		info.Raw = raw
	}
	return info, pending
}

// complete writes data where the pending read expects it.
func complete(run []byte, c completion, data uint64) {
	switch c.kind {
	case pendingIO, pendingMMIO, pendingMSR:
		writeLE(run[c.offset:], c.size, data)
	}
}

func readLE(b []byte, size uint8) uint64 {
	var buf [8]byte
	copy(buf[:], b[:min(int(size), 8, len(b))])
	return binary.LittleEndian.Uint64(buf[:])
}

func writeLE(b []byte, size uint8, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(b[:min(int(size), 8, len(b))], buf[:])
}
