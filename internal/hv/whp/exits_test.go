package whp

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/hvcore/internal/hv"
)

func newExit(reason whvExitReason, length uint8) *whvRunVPExitContext {
	rc := &whvRunVPExitContext{ExitReason: reason}
	rc.VpContext.InstructionLengthCr8 = length
	return rc
}

func TestExitContextLayout(t *testing.T) {
	if got := unsafe.Sizeof(whvVPExitContext{}); got != 40 {
		t.Errorf("vp exit context = %d bytes, want 40", got)
	}
	if got := unsafe.Sizeof(whvRunVPExitContext{}); got != 224 {
		t.Errorf("run vp exit context = %d bytes, want 224", got)
	}
	if got := unsafe.Sizeof(whvCpuidResult{}); got != 32 {
		t.Errorf("cpuid result = %d bytes, want 32", got)
	}
	if got := unsafe.Offsetof(whvIoPortAccessContext{}.Rax); got != 32 {
		t.Errorf("io context rax offset = %d, want 32", got)
	}
}

func TestTranslateIOWrite(t *testing.T) {
	rc := newExit(whvExitIoPortAccess, 1)
	io := (*whvIoPortAccessContext)(rc.view())
	io.Port = 0x3f8
	io.AccessInfo = ioAccessIsWrite | 1<<ioAccessSizeShift
	io.Rax = 0xdead_beef_0041

	info, work := translateExit(rc, exitContext{})
	want := hv.ExitInfo{
		Reason: hv.ExitIO,
		IO:     &hv.IOAccess{Port: 0x3f8, Size: 1, Write: true, Data: 0x41},
		Raw:    hv.RawExit{Code: uint64(whvExitIoPortAccess)},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("exit mismatch (-want +got):\n%s", diff)
	}
	if work != emulateIOWrite {
		t.Errorf("work = %v, want io write", work)
	}
}

func TestTranslateIORead(t *testing.T) {
	rc := newExit(whvExitIoPortAccess, 1)
	io := (*whvIoPortAccessContext)(rc.view())
	io.Port = 0x60
	io.AccessInfo = 4<<ioAccessSizeShift | ioAccessStringOp | ioAccessRepPrefix
	io.Rax = 0xffff

	info, work := translateExit(rc, exitContext{})
	want := &hv.IOAccess{Port: 0x60, Size: 4, String: true, Rep: true}
	if diff := cmp.Diff(want, info.IO); diff != "" {
		t.Errorf("io mismatch (-want +got):\n%s", diff)
	}
	if !work.read() || info.InstructionLength != 0 {
		t.Errorf("work = %v length = %d, want pending read", work, info.InstructionLength)
	}
}

func TestTranslateMemoryAccess(t *testing.T) {
	tests := []struct {
		name       string
		accessInfo uint32
		wantWork   emulation
		wantLength uint8
		want       *hv.MemoryAccess
	}{
		{
			name:       "mmio read",
			accessInfo: memAccessGpaUnmapped,
			wantWork:   emulateMMIORead,
			want:       &hv.MemoryAccess{GPA: 0xfee00000, Access: hv.AccessRead, Unmapped: true, InstructionBytes: []byte{0x8b, 0x03}},
		},
		{
			name:       "mmio write with gva",
			accessInfo: 1 | memAccessGpaUnmapped | memAccessGvaValid,
			wantWork:   emulateMMIOWrite,
			want: &hv.MemoryAccess{GPA: 0xfee00000, GVA: 0xffff8000, Access: hv.AccessWrite,
				Unmapped: true, InstructionBytes: []byte{0x8b, 0x03}},
		},
		{
			name:       "protection fault",
			accessInfo: 1,
			wantWork:   emulateNone,
			wantLength: 2,
			want:       &hv.MemoryAccess{GPA: 0xfee00000, Access: hv.AccessWrite, InstructionBytes: []byte{0x8b, 0x03}},
		},
		{
			name:       "execute",
			accessInfo: 2 | memAccessGpaUnmapped,
			wantWork:   emulateNone,
			wantLength: 2,
			want:       &hv.MemoryAccess{GPA: 0xfee00000, Access: hv.AccessExecute, Unmapped: true, InstructionBytes: []byte{0x8b, 0x03}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newExit(whvExitMemoryAccess, 2)
			mem := (*whvMemoryAccessContext)(rc.view())
			mem.Gpa = 0xfee00000
			mem.Gva = 0xffff8000
			mem.AccessInfo = tt.accessInfo
			mem.InstructionByteCount = 2
			mem.InstructionBytes[0], mem.InstructionBytes[1] = 0x8b, 0x03

			info, work := translateExit(rc, exitContext{})
			if diff := cmp.Diff(tt.want, info.Memory); diff != "" {
				t.Errorf("memory mismatch (-want +got):\n%s", diff)
			}
			if work != tt.wantWork || info.InstructionLength != tt.wantLength {
				t.Errorf("work = %v length = %d, want %v %d", work, info.InstructionLength, tt.wantWork, tt.wantLength)
			}
		})
	}
}

func TestTranslateMSRAndCPUID(t *testing.T) {
	rc := newExit(whvExitMsrAccess, 2)
	msr := (*whvMsrAccessContext)(rc.view())
	*msr = whvMsrAccessContext{AccessInfo: 1, MsrNumber: 0xc0000080, Rax: 0x1_0000_0d01, Rdx: 0x2}

	info, _ := translateExit(rc, exitContext{})
	wantMSR := &hv.MSRAccess{Write: true, Number: 0xc0000080, Rax: 0xd01, Rdx: 0x2}
	if diff := cmp.Diff(wantMSR, info.MSR); diff != "" {
		t.Errorf("msr mismatch (-want +got):\n%s", diff)
	}
	if info.InstructionLength != 2 {
		t.Errorf("msr length = %d, want 2", info.InstructionLength)
	}

	rc = newExit(whvExitCpuid, 2|0x30)
	c := (*whvCpuidAccessContext)(rc.view())
	*c = whvCpuidAccessContext{Rax: 1, DefaultResultRax: 0x806f8, DefaultResultRdx: 0x178bfbff}

	info, _ = translateExit(rc, exitContext{})
	wantCPUID := &hv.CPUIDAccess{Rax: 1, DefaultRax: 0x806f8, DefaultRdx: 0x178bfbff}
	if diff := cmp.Diff(wantCPUID, info.CPUID); diff != "" {
		t.Errorf("cpuid mismatch (-want +got):\n%s", diff)
	}
	if info.InstructionLength != 2 {
		t.Errorf("cpuid length = %d, want 2 with cr8 bits masked", info.InstructionLength)
	}
}

func TestTranslateException(t *testing.T) {
	tests := []struct {
		name   string
		vector hv.ExceptionVector
		param  uint64
		ctx    exitContext
		want   hv.ExitReason
	}{
		{"breakpoint not requested", hv.ExceptionBreakpoint, 0, exitContext{}, hv.ExitSoftwareBreakpoint},
		{"breakpoint requested", hv.ExceptionBreakpoint, 0,
			exitContext{exceptions: hv.ExceptionBit(hv.ExceptionBreakpoint)}, hv.ExitException},
		{"single step", hv.ExceptionDebug, dr6SingleStep, exitContext{singleStep: true}, hv.ExitStep},
		{"hardware breakpoint", hv.ExceptionDebug, 0x2, exitContext{}, hv.ExitHardwareBreakpoint},
		{"requested debug while stepping", hv.ExceptionDebug, dr6SingleStep,
			exitContext{singleStep: true, exceptions: hv.ExceptionBit(hv.ExceptionDebug)}, hv.ExitStep},
		{"page fault", hv.ExceptionPageFault, 0xdead000, exitContext{}, hv.ExitException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newExit(whvExitException, 3)
			ex := (*whvExceptionContext)(rc.view())
			ex.ExceptionType = uint8(tt.vector)
			ex.ExceptionParameter = tt.param

			info, _ := translateExit(rc, tt.ctx)
			if info.Reason != tt.want {
				t.Fatalf("reason = %v, want %v", info.Reason, tt.want)
			}
			if info.Raw.Code != uint64(whvExitException) {
				t.Errorf("raw code = %#x", info.Raw.Code)
			}
		})
	}
}

func TestTranslatePageFaultDetails(t *testing.T) {
	rc := newExit(whvExitException, 3)
	ex := (*whvExceptionContext)(rc.view())
	ex.ExceptionType = uint8(hv.ExceptionPageFault)
	ex.ExceptionInfo = exceptionErrorCodeValid
	ex.ErrorCode = 0x6
	ex.ExceptionParameter = 0xdead000
	ex.InstructionByteCount = 3
	copy(ex.InstructionBytes[:], []byte{0x89, 0x04, 0x24})

	info, _ := translateExit(rc, exitContext{})
	want := hv.ExitInfo{
		Reason: hv.ExitException,
		Exception: &hv.ExceptionInfo{
			Vector:           hv.ExceptionPageFault,
			ErrorCode:        0x6,
			HasErrorCode:     true,
			Parameter:        0xdead000,
			InstructionBytes: []byte{0x89, 0x04, 0x24},
		},
		InstructionLength: 3,
		Raw:               hv.RawExit{Code: uint64(whvExitException)},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("exit mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateRdtscp(t *testing.T) {
	rc := newExit(whvExitRdtsc, 3)
	r := (*whvRdtscContext)(rc.view())
	*r = whvRdtscContext{TscAux: 7, VirtualOffset: 100, RdtscInfo: rdtscIsRdtscp}

	info, _ := translateExit(rc, exitContext{})
	want := &hv.TSCAccess{Kind: hv.TSCAccessRDTSCP, TSCAux: 7, VirtualOffset: 100}
	if diff := cmp.Diff(want, info.TSC); diff != "" {
		t.Errorf("tsc mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateSimpleExits(t *testing.T) {
	tests := map[whvExitReason]hv.ExitReason{
		whvExitNone:                   hv.ExitNormal,
		whvExitHalt:                   hv.ExitHalt,
		whvExitInterruptWindow:        hv.ExitInterruptWindow,
		whvExitCanceled:               hv.ExitCancelled,
		whvExitUnrecoverableException: hv.ExitShutdown,
		whvExitInvalidVpRegisterValue: hv.ExitFailed,
		whvExitUnsupportedFeature:     hv.ExitFailed,
	}
	for native, want := range tests {
		info, work := translateExit(newExit(native, 0), exitContext{})
		if info.Reason != want || work != emulateNone {
			t.Errorf("%v: reason = %v work = %v, want %v", native, info.Reason, work, want)
		}
		if info.Raw.Code != uint64(native) {
			t.Errorf("%v: raw code = %#x", native, info.Raw.Code)
		}
	}
}

func TestTranslateUnknownKeepsPayload(t *testing.T) {
	for _, native := range []whvExitReason{whvExitApicEoi, whvExitHypercall, 0x7777} {
		rc := newExit(native, 0)
		rc.payload[0] = 0xaa

		info, _ := translateExit(rc, exitContext{})
		if info.Reason != hv.ExitUnknown || info.Raw.Code != uint64(native) {
			t.Fatalf("%v: exit = %v", native, info)
		}
		if len(info.Raw.Payload) != len(rc.payload) || info.Raw.Payload[0] != 0xaa {
			t.Errorf("%v: payload not copied", native)
		}
		rc.payload[0] = 0
		if info.Raw.Payload[0] != 0xaa {
			t.Errorf("%v: payload aliases the exit context", native)
		}
	}
}
