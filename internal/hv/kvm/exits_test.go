package kvm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/hvcore/internal/hv"
)

func newRun(reason kvmExitReason) ([]byte, *kvmRunData) {
	run := make([]byte, 4096)
	rd := runData(run)
	rd.exitReason = uint32(reason)
	return run, rd
}

func TestTranslateIOWrite(t *testing.T) {
	run, rd := newRun(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&rd.exit[0]))
	*io = kvmExitIoData{direction: kvmExitIoOut, size: 2, port: 0x3f8, count: 1, dataOffset: 1024}
	binary.LittleEndian.PutUint16(run[1024:], 0xbeef)

	info, pending := translateExit(run, exitContext{})
	want := hv.ExitInfo{
		Reason: hv.ExitIO,
		IO:     &hv.IOAccess{Port: 0x3f8, Size: 2, Write: true, Data: 0xbeef},
		Raw:    hv.RawExit{Code: uint64(kvmExitIo)},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("exit mismatch (-want +got):\n%s", diff)
	}
	if pending.kind != pendingNone {
		t.Errorf("write left pending read %v", pending.kind)
	}
}

func TestTranslateIORead(t *testing.T) {
	run, rd := newRun(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&rd.exit[0]))
	*io = kvmExitIoData{direction: kvmExitIoIn, size: 1, port: 0x60, count: 1, dataOffset: 2048}

	info, pending := translateExit(run, exitContext{})
	if info.Reason != hv.ExitIO || info.IO.Write {
		t.Fatalf("exit = %v, want io read", info)
	}
	if pending.kind != pendingIO {
		t.Fatalf("pending = %v, want io", pending.kind)
	}

	complete(run, pending, 0x1234)
	if run[2048] != 0x34 || run[2049] != 0 {
		t.Fatalf("completed bytes = %#x %#x, want 0x34 0x00", run[2048], run[2049])
	}
}

func TestTranslateMMIO(t *testing.T) {
	run, rd := newRun(kvmExitMmio)
	mmio := (*kvmExitMMIOData)(unsafe.Pointer(&rd.exit[0]))
	mmio.physAddr = 0xfee00000
	mmio.len = 4

	info, pending := translateExit(run, exitContext{})
	want := &hv.MemoryAccess{GPA: 0xfee00000, Access: hv.AccessRead, Size: 4, Unmapped: true}
	if diff := cmp.Diff(want, info.Memory); diff != "" {
		t.Errorf("memory access mismatch (-want +got):\n%s", diff)
	}

	complete(run, pending, 0xcafef00d)
	if got := binary.LittleEndian.Uint32(mmio.data[:]); got != 0xcafef00d {
		t.Errorf("mmio data = %#x, want 0xcafef00d", got)
	}

	mmio.isWrite = 1
	binary.LittleEndian.PutUint32(mmio.data[:], 0x11223344)
	info, pending = translateExit(run, exitContext{})
	if info.Memory.Access != hv.AccessWrite || info.Memory.Data != 0x11223344 {
		t.Errorf("write exit = %+v", info.Memory)
	}
	if pending.kind != pendingNone {
		t.Errorf("write left pending read")
	}
}

func TestTranslateDebug(t *testing.T) {
	tests := []struct {
		name      string
		exception uint32
		dr6       uint64
		ctx       exitContext
		want      hv.ExitReason
		length    uint8
	}{
		{"breakpoint exit", 3, 0, exitContext{breakpointExits: true}, hv.ExitException, 1},
		{"software breakpoint", 3, 0, exitContext{}, hv.ExitSoftwareBreakpoint, 1},
		{"hardware breakpoint", 1, 0x2, exitContext{}, hv.ExitHardwareBreakpoint, 0},
		{"single step", 1, dr6SingleStep, exitContext{singleStep: true}, hv.ExitStep, 0},
		{"unexplained", 1, 0, exitContext{}, hv.ExitUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, rd := newRun(kvmExitDebug)
			dbg := (*kvmExitDebugData)(unsafe.Pointer(&rd.exit[0]))
			dbg.exception = tt.exception
			dbg.dr6 = tt.dr6
			dbg.pc = 0x7c00

			info, _ := translateExit(run, tt.ctx)
			if info.Reason != tt.want {
				t.Fatalf("reason = %s, want %s", info.Reason, tt.want)
			}
			if info.InstructionLength != tt.length {
				t.Errorf("instruction length = %d, want %d", info.InstructionLength, tt.length)
			}
			if info.Raw.Code != uint64(kvmExitDebug) {
				t.Errorf("raw code = %d, want %d", info.Raw.Code, kvmExitDebug)
			}
			if tt.want == hv.ExitException && info.Exception.Parameter != 0x7c00 {
				t.Errorf("parameter = %#x, want 0x7c00", info.Exception.Parameter)
			}
		})
	}
}

func TestTranslateMSR(t *testing.T) {
	run, rd := newRun(kvmExitX86Wrmsr)
	msr := (*kvmExitMsrData)(unsafe.Pointer(&rd.exit[0]))
	msr.index = 0x40000000
	msr.data = 0x00000001_00000002
	msr.error = 1

	info, pending := translateExit(run, exitContext{})
	want := &hv.MSRAccess{Write: true, Number: 0x40000000, Rax: 2, Rdx: 1}
	if diff := cmp.Diff(want, info.MSR); diff != "" {
		t.Errorf("msr mismatch (-want +got):\n%s", diff)
	}
	if msr.error != 0 || pending.kind != pendingNone {
		t.Errorf("write not accepted: error=%d pending=%v", msr.error, pending.kind)
	}

	rd.exitReason = uint32(kvmExitX86Rdmsr)
	info, pending = translateExit(run, exitContext{})
	if info.Reason != hv.ExitMSRAccess || info.MSR.Write {
		t.Fatalf("exit = %v, want msr read", info)
	}
	complete(run, pending, 0xdeadbeef)
	if msr.data != 0xdeadbeef {
		t.Errorf("msr data = %#x, want 0xdeadbeef", msr.data)
	}
}

func TestTranslateSimpleExits(t *testing.T) {
	tests := []struct {
		reason kvmExitReason
		event  uint32
		want   hv.ExitReason
	}{
		{kvmExitHlt, 0, hv.ExitHalt},
		{kvmExitShutdown, 0, hv.ExitShutdown},
		{kvmExitFailEntry, 0, hv.ExitFailed},
		{kvmExitInternalError, 0, hv.ExitFailed},
		{kvmExitIrqWindowOpen, 0, hv.ExitInterruptWindow},
		{kvmExitIntr, 0, hv.ExitCancelled},
		{kvmExitSystemEvent, kvmSystemEventShutdown, hv.ExitShutdown},
		{kvmExitSystemEvent, kvmSystemEventCrash, hv.ExitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			run, rd := newRun(tt.reason)
			(*kvmExitSystemEventData)(unsafe.Pointer(&rd.exit[0])).typ = tt.event

			info, _ := translateExit(run, exitContext{})
			if info.Reason != tt.want {
				t.Errorf("reason = %s, want %s", info.Reason, tt.want)
			}
			if info.Raw.Code != uint64(tt.reason) {
				t.Errorf("raw code = %d, want %d", info.Raw.Code, tt.reason)
			}
		})
	}
}

func TestTranslateUnknownKeepsPayload(t *testing.T) {
	run, rd := newRun(kvmExitReason(99))
	rd.exit[0] = 0xaa
	rd.exit[255] = 0xbb

	info, _ := translateExit(run, exitContext{})
	if info.Reason != hv.ExitUnknown || info.Raw.Code != 99 {
		t.Fatalf("exit = %v, want unknown code 99", info)
	}
	if len(info.Raw.Payload) != 256 || info.Raw.Payload[0] != 0xaa || info.Raw.Payload[255] != 0xbb {
		t.Fatalf("payload not copied: %x", info.Raw.Payload)
	}

	rd.exit[0] = 0
	if info.Raw.Payload[0] != 0xaa {
		t.Fatal("payload aliases kvm_run")
	}
}

func TestExitStructSizes(t *testing.T) {
	sizes := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_regs", unsafe.Sizeof(kvmRegs{}), 0x90},
		{"kvm_sregs", unsafe.Sizeof(kvmSRegs{}), 0x138},
		{"kvm_fpu", unsafe.Sizeof(kvmFPU{}), 0x1a0},
		{"kvm_xcrs", unsafe.Sizeof(kvmXcrs{}), 0x188},
		{"kvm_debugregs", unsafe.Sizeof(kvmDebugRegs{}), 0x80},
		{"kvm_guest_debug", unsafe.Sizeof(kvmGuestDebug{}), 0x48},
		{"kvm_userspace_memory_region", unsafe.Sizeof(kvmUserspaceMemoryRegion{}), 0x20},
		{"kvm_dirty_log", unsafe.Sizeof(kvmDirtyLog{}), 0x10},
		{"kvm_enable_cap", unsafe.Sizeof(kvmEnableCapArgs{}), 0x68},
		{"kvm_run exit offset", unsafe.Offsetof(kvmRunData{}.exit), 32},
	}
	for _, s := range sizes {
		if s.got != s.want {
			t.Errorf("%s: size %#x, want %#x", s.name, s.got, s.want)
		}
	}
}
