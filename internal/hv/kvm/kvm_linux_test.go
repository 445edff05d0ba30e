//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/hvcore/internal/hv"
)

func checkKVMAvailable(t testing.TB) *hv.Platform {
	t.Helper()

	p := hv.NewPlatform(New())
	if p.Status() != hv.StatusOK {
		t.Skipf("KVM not available: %s: %v", p.Status(), p.InitError())
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close platform: %v", err)
		}
	})
	return p
}

// newRealModeGuest maps code at GPA 0 and points vCPU 0 at it.
func newRealModeGuest(t *testing.T, p *hv.Platform, code []byte) *hv.VirtualProcessor {
	t.Helper()

	vm, err := p.CreateVM(hv.VMSpec{ProcessorCount: 1})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	mem, err := hv.AllocateMemory(hv.PageSize)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	t.Cleanup(func() {
		vm.Close()
		hv.FreeMemory(mem)
	})
	copy(mem, code)
	if err := vm.MapMemory(0, mem, hv.PermRWX, 0); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	vp, err := vm.AddVirtualProcessor()
	if err != nil {
		t.Fatalf("AddVirtualProcessor: %v", err)
	}
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cs: nil}
	if err := vp.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	cs := regs[hv.RegisterAMD64Cs].(hv.Segment)
	cs.Base, cs.Selector = 0, 0
	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Cs:     cs,
		hv.RegisterAMD64Rip:    hv.Register64(0),
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
	}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	return vp
}

func TestPlatform(t *testing.T) {
	p := checkKVMAvailable(t)

	fd := p.Features()
	if fd.MaxProcessorsPerVM < 1 {
		t.Errorf("MaxProcessorsPerVM = %d", fd.MaxProcessorsPerVM)
	}
	if p.Version().IsZero() {
		t.Errorf("kernel version not detected")
	}
	t.Logf("kvm %s: %s", p.Version(), fd)
}

func TestRunPortIO(t *testing.T) {
	p := checkKVMAvailable(t)

	// mov al, 0x41; out 0x10, al; in al, 0x11; hlt
	vp := newRealModeGuest(t, p, []byte{0xb0, 0x41, 0xe6, 0x10, 0xe4, 0x11, 0xf4})

	exit, err := vp.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.ExitIO || !exit.IO.Write || exit.IO.Port != 0x10 || exit.IO.Data != 0x41 {
		t.Fatalf("exit = %v, want out 0x10 0x41", exit)
	}

	exit, err = vp.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.ExitIO || exit.IO.Write || exit.IO.Port != 0x11 {
		t.Fatalf("exit = %v, want in 0x11", exit)
	}
	if err := vp.SetIOResult(0x7f); err != nil {
		t.Fatalf("SetIOResult: %v", err)
	}

	exit, err = vp.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.ExitHalt {
		t.Fatalf("exit = %v, want halt", exit)
	}

	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: nil}
	if err := vp.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if al := regs[hv.RegisterAMD64Rax].(hv.Register64) & 0xff; al != 0x7f {
		t.Errorf("al = %#x, want 0x7f", al)
	}
}

func TestRunCancel(t *testing.T) {
	p := checkKVMAvailable(t)

	// jmp $
	vp := newRealModeGuest(t, p, []byte{0xeb, 0xfe})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exit, err := vp.RunContext(ctx)
	if exit.Reason != hv.ExitCancelled {
		t.Fatalf("exit = %v, want cancelled", exit)
	}
	if !errors.Is(err, hv.ErrCancelled) {
		t.Fatalf("RunContext error = %v, want ErrCancelled", err)
	}

	// The processor stays usable.
	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rbx: hv.Register64(42)}); err != nil {
		t.Fatalf("SetRegisters after cancel: %v", err)
	}
	if err := vp.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	exit, err = vp.Run()
	if err != nil || exit.Reason != hv.ExitCancelled {
		t.Fatalf("Run after latched cancel = %v, %v", exit, err)
	}
}

func TestSingleStep(t *testing.T) {
	p := checkKVMAvailable(t)
	if p.Features().ExtendedVMExits&hv.ExtendedExitException == 0 {
		t.Skip("KVM_CAP_SET_GUEST_DEBUG not available")
	}

	vp := newRealModeGuest(t, p, []byte{0x90, 0x90, 0xf4})
	if err := vp.SetSingleStep(true); err != nil {
		t.Fatalf("SetSingleStep: %v", err)
	}
	exit, err := vp.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.ExitStep {
		t.Fatalf("exit = %v, want step", exit)
	}
	regs := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}
	if err := vp.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if rip := regs[hv.RegisterAMD64Rip]; rip != hv.Register64(1) {
		t.Errorf("rip = %v, want 1", rip)
	}
}

func TestDirtyBitmap(t *testing.T) {
	p := checkKVMAvailable(t)

	// mov [0x1000], al; hlt
	vp := newRealModeGuest(t, p, []byte{0xa2, 0x00, 0x10, 0xf4})
	vm := vp.VirtualMachine()

	data, err := hv.AllocateMemory(2 * hv.PageSize)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	defer hv.FreeMemory(data)
	if err := vm.MapMemory(0x1000, data, hv.PermRW, hv.MapDirtyTracking); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	if _, err := vm.QueryDirtyBitmap(0x1000, 2*hv.PageSize); err != nil {
		t.Fatalf("QueryDirtyBitmap: %v", err)
	}
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run = %v, %v", exit, err)
	}
	bitmap, err := vm.QueryDirtyBitmap(0x1000, 2*hv.PageSize)
	if err != nil {
		t.Fatalf("QueryDirtyBitmap: %v", err)
	}
	if bitmap[0] != 0b01 {
		t.Errorf("bitmap = %#b, want 0b01", bitmap[0])
	}
}

func TestFPURegistersSurviveRun(t *testing.T) {
	p := checkKVMAvailable(t)
	vp := newRealModeGuest(t, p, []byte{0xf4})

	err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Ftw: hv.Register64(0x1234)})
	if !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("SetRegisters(ftw=0x1234) = %v, want ErrInvalidArgument", err)
	}

	want := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Ftw:   hv.Register64(0x34),
		hv.RegisterAMD64Fcw:   hv.Register64(0x27f),
		hv.RegisterAMD64Mxcsr: hv.Register64(0x1fa0),
	}
	if err := vp.SetRegisters(want); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run = %v, %v; want halt", exit, err)
	}

	got := map[hv.Register]hv.RegisterValue{}
	for r := range want {
		got[r] = nil
	}
	if err := vp.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	for r, v := range want {
		if got[r] != v {
			t.Errorf("%s = %v after run, want %v", r, got[r], v)
		}
	}
}
