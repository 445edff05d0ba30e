package simulated

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/hvcore/internal/hv"
)

var testHost = hv.HostInfo{
	FloatingPointExtensions: hv.FPExtSSE | hv.FPExtSSE2,
	GPA:                     hv.NewGPALimits(48),
}

func newPlatform(t testing.TB, cfg Config) *hv.Platform {
	t.Helper()
	p := hv.NewPlatform(New(cfg), hv.WithHostInfo(testHost))
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("close platform: %v", err)
		}
	})
	return p
}

func newVM(t testing.TB, cfg Config, spec hv.VMSpec) *hv.VirtualMachine {
	t.Helper()
	p := newPlatform(t, cfg)
	if p.Status() != hv.StatusOK {
		t.Fatalf("platform status %s: %v", p.Status(), p.InitError())
	}
	vm, err := p.CreateVM(spec)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	return vm
}

// newGuest maps pages of RWX memory at zero, loads code there and returns a
// VP ready to run it.
func newGuest(t testing.TB, vm *hv.VirtualMachine, pages int, code []byte) *hv.VirtualProcessor {
	t.Helper()
	if err := vm.MapMemory(0, make([]byte, pages*hv.PageSize), hv.PermRWX, 0); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if _, err := vm.WriteAt(code, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	vp, err := vm.AddVirtualProcessor()
	if err != nil {
		t.Fatalf("AddVirtualProcessor: %v", err)
	}
	return vp
}

func getReg(t testing.TB, vp *hv.VirtualProcessor, r hv.Register) uint64 {
	t.Helper()
	regs := map[hv.Register]hv.RegisterValue{r: nil}
	if err := vp.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters(%s): %v", r, err)
	}
	return uint64(regs[r].(hv.Register64))
}

func TestPlatformStatus(t *testing.T) {
	loadErr := errors.New("winhvplatform.dll not found")

	tests := []struct {
		name   string
		cfg    Config
		status hv.InitStatus
	}{
		{"present", Config{}, hv.StatusOK},
		{"absent", Config{Absent: true}, hv.StatusUnavailable},
		{"load failure", Config{LoadError: loadErr}, hv.StatusUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlatform(t, tt.cfg)
			if got := p.Status(); got != tt.status {
				t.Fatalf("status = %s, want %s (err %v)", got, tt.status, p.InitError())
			}
			if tt.status == hv.StatusOK {
				if p.InitError() != nil {
					t.Fatalf("InitError = %v with StatusOK", p.InitError())
				}
				return
			}
			if !errors.Is(p.InitError(), hv.ErrInitializationFailure) {
				t.Fatalf("InitError = %v, want ErrInitializationFailure", p.InitError())
			}
			if _, err := p.CreateVM(hv.VMSpec{}); !errors.Is(err, hv.ErrInitializationFailure) {
				t.Fatalf("CreateVM error = %v, want ErrInitializationFailure", err)
			}
		})
	}
}

func TestFeaturesNegotiated(t *testing.T) {
	p := newPlatform(t, Config{})
	fd := p.Features()

	want := DefaultFeatures()
	want.FloatingPointExtensions |= testHost.FloatingPointExtensions
	if diff := cmp.Diff(want, fd); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateVMValidation(t *testing.T) {
	fd := DefaultFeatures()
	fd.ExtendedVMExits = hv.ExtendedExitCPUID
	fd.CustomCPUIDs = false
	p := newPlatform(t, Config{Features: &fd})

	tests := []struct {
		name string
		spec hv.VMSpec
		want error
	}{
		{"negative processors", hv.VMSpec{ProcessorCount: -1}, hv.ErrInvalidArgument},
		{"too many processors", hv.VMSpec{ProcessorCount: fd.MaxProcessorsPerVM + 1}, hv.ErrResourceLimitExceeded},
		{"unsupported exit", hv.VMSpec{ExtendedVMExits: hv.ExtendedExitMSRAccess}, hv.ErrUnsupportedOperation},
		{"custom cpuid", hv.VMSpec{CPUIDResults: []hv.CPUIDResult{{Function: 1}}}, hv.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, err := p.CreateVM(tt.spec)
			if !errors.Is(err, tt.want) {
				t.Fatalf("CreateVM error = %v, want %v", err, tt.want)
			}
			if vm != nil {
				t.Fatal("CreateVM returned a VM with an error")
			}
		})
	}
	if n := len(p.VMs()); n != 0 {
		t.Fatalf("platform holds %d VMs after failed creations", n)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})

	mem := make([]byte, 2*hv.PageSize)
	if err := vm.MapMemory(0x10000, mem, hv.PermRW, 0); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	regions := vm.Regions()
	if len(regions) != 1 || regions[0].GPA != 0x10000 || regions[0].Size != 2*hv.PageSize || regions[0].Perm != hv.PermRW {
		t.Fatalf("regions = %+v", regions)
	}

	if _, err := vm.WriteAt([]byte("guest"), 0x10ffe); err != nil {
		t.Fatalf("WriteAt across pages: %v", err)
	}
	if string(mem[0xffe:0x1003]) != "guest" {
		t.Fatalf("host backing = %q", mem[0xffe:0x1003])
	}

	if err := vm.UnmapMemory(0x10000, 2*hv.PageSize); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
	if regions := vm.Regions(); len(regions) != 0 {
		t.Fatalf("regions after unmap = %+v", regions)
	}
	if err := vm.MapMemory(0x10000, mem, hv.PermRW, 0); err != nil {
		t.Fatalf("MapMemory after unmap: %v", err)
	}
}

func TestMapMemoryValidation(t *testing.T) {
	noDirty := DefaultFeatures()
	noDirty.DirtyPageTracking = false
	noDirty.LargeMemoryAllocation = false
	noDirty.MemoryAliasing = false
	vm := newVM(t, Config{Features: &noDirty}, hv.VMSpec{})

	shared := make([]byte, 4*hv.PageSize)
	if err := vm.MapMemory(0x100000, shared[:2*hv.PageSize], hv.PermRW, 0); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	before := vm.Regions()

	page := make([]byte, hv.PageSize)
	tests := []struct {
		name  string
		gpa   uint64
		host  []byte
		perm  hv.MemoryPermission
		flags hv.MappingFlags
		want  error
	}{
		{"zero size", 0, nil, hv.PermRW, 0, hv.ErrInvalidArgument},
		{"unaligned address", 0x800, page, hv.PermRW, 0, hv.ErrInvalidArgument},
		{"unaligned size", 0, page[:0x800], hv.PermRW, 0, hv.ErrInvalidArgument},
		{"no permissions", 0, page, hv.PermNone, 0, hv.ErrInvalidArgument},
		{"unknown permissions", 0, page, 0x80, 0, hv.ErrInvalidArgument},
		{"overlap start", 0xff000, make([]byte, 2*hv.PageSize), hv.PermRW, 0, hv.ErrInvalidArgument},
		{"overlap inside", 0x101000, page, hv.PermRW, 0, hv.ErrInvalidArgument},
		{"beyond address space", 1 << 36, page, hv.PermRW, 0, hv.ErrInvalidArgument},
		{"dirty tracking", 0, page, hv.PermRW, hv.MapDirtyTracking, hv.ErrUnsupportedOperation},
		{"large pages", 0, page, hv.PermRW, hv.MapLargePages, hv.ErrUnsupportedOperation},
		{"aliased backing", 0x200000, shared[hv.PageSize : 3*hv.PageSize], hv.PermRW, hv.MapAlias, hv.ErrUnsupportedOperation},
		{"alias flag without aliasing", 0x200000, page, hv.PermRW, hv.MapAlias, hv.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vm.MapMemory(tt.gpa, tt.host, tt.perm, tt.flags)
			if !errors.Is(err, tt.want) {
				t.Fatalf("MapMemory error = %v, want %v", err, tt.want)
			}
			if diff := cmp.Diff(before, vm.Regions()); diff != "" {
				t.Fatalf("regions changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegionsNeverOverlap(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})

	// Each mapping is one to four pages at a pseudo random page number.
	seed := uint64(0x9e3779b97f4a7c15)
	for i := 0; i < 200; i++ {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		gpa := (seed % 64) * hv.PageSize
		size := (seed>>8%4 + 1) * hv.PageSize
		_ = vm.MapMemory(gpa, make([]byte, size), hv.PermRW, 0)
	}

	regions := vm.Regions()
	if len(regions) == 0 {
		t.Fatal("no mappings succeeded")
	}
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End() > regions[i].GPA {
			t.Fatalf("regions overlap: %#x+%#x and %#x", regions[i-1].GPA, regions[i-1].Size, regions[i].GPA)
		}
	}
}

func TestPartialUnmapSplits(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})

	mem := make([]byte, 4*hv.PageSize)
	if err := vm.MapMemory(0, mem, hv.PermRW, hv.MapPartialUnmap); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := vm.UnmapMemory(hv.PageSize, hv.PageSize); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}

	type span struct{ GPA, Size uint64 }
	var got []span
	for _, r := range vm.Regions() {
		got = append(got, span{r.GPA, r.Size})
	}
	want := []span{{0, hv.PageSize}, {2 * hv.PageSize, 2 * hv.PageSize}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}

	if _, err := vm.ReadAt(make([]byte, 1), hv.PageSize); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("ReadAt of unmapped hole = %v, want ErrInvalidArgument", err)
	}
	if err := vm.UnmapMemory(0, 2*hv.PageSize); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("UnmapMemory spanning hole = %v, want ErrInvalidArgument", err)
	}
}

func TestPartialUnmapRequiresFeature(t *testing.T) {
	fd := DefaultFeatures()
	fd.PartialUnmapping = false
	vm := newVM(t, Config{Features: &fd}, hv.VMSpec{})

	if err := vm.MapMemory(0, make([]byte, 2*hv.PageSize), hv.PermRW, 0); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}
	if err := vm.UnmapMemory(0, hv.PageSize); !errors.Is(err, hv.ErrUnsupportedOperation) {
		t.Fatalf("partial UnmapMemory = %v, want ErrUnsupportedOperation", err)
	}
	if err := vm.UnmapMemory(0, 2*hv.PageSize); err != nil {
		t.Fatalf("UnmapMemory: %v", err)
	}
}

func TestProtectMemory(t *testing.T) {
	// mov [0x1000], al ; hlt
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 3, []byte{0xa2, 0x00, 0x10, 0x00, 0x00, 0xf4})

	if err := vm.ProtectMemory(hv.PageSize, hv.PageSize, hv.PermRead); err != nil {
		t.Fatalf("ProtectMemory: %v", err)
	}

	var perms []hv.MemoryPermission
	for _, r := range vm.Regions() {
		perms = append(perms, r.Perm)
	}
	if diff := cmp.Diff([]hv.MemoryPermission{hv.PermRWX, hv.PermRead, hv.PermRWX}, perms); diff != "" {
		t.Fatalf("permissions mismatch (-want +got):\n%s", diff)
	}

	exit, err := vp.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exit.Reason != hv.ExitMemoryAccess || exit.Memory.Access != hv.AccessWrite || exit.Memory.Unmapped {
		t.Fatalf("exit = %s, want write fault on mapped page", exit)
	}
	if exit.Memory.GPA != hv.PageSize || exit.InstructionLength != 5 {
		t.Fatalf("fault gpa %#x length %d", exit.Memory.GPA, exit.InstructionLength)
	}
	if rip := getReg(t, vp, hv.RegisterAMD64Rip); rip != 0 {
		t.Fatalf("rip = %#x, want faulting instruction", rip)
	}

	if err := vm.ProtectMemory(hv.PageSize, hv.PageSize, hv.PermRW); err != nil {
		t.Fatalf("ProtectMemory: %v", err)
	}
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run = %s, %v; want halt", exit, err)
	}
}

func sampleValue(r hv.Register) hv.RegisterValue {
	i := uint64(r)
	switch r.ZeroValue().(type) {
	case hv.Segment:
		return hv.Segment{Selector: uint16(8 * i), Limit: uint32(0xf0000 + i), Attributes: 0x93}
	case hv.DescriptorTable:
		return hv.DescriptorTable{Base: 0x1000 * i, Limit: uint16(i)}
	case hv.Register128:
		return hv.Register128{Low: i, High: ^i}
	}
	v := 0x1000 + i
	if bits := r.Bits(); bits < 64 {
		v &= 1<<bits - 1
	}
	return hv.Register64(v)
}

func TestRegisterRoundTrip(t *testing.T) {
	fd := DefaultFeatures()
	fd.ExtendedControlRegisters |= hv.ExtXCR0
	vm := newVM(t, Config{Features: &fd}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, []byte{0xf4})

	set := make(map[hv.Register]hv.RegisterValue)
	for _, r := range hv.RegistersOfClass(fd.RegisterClasses) {
		set[r] = sampleValue(r)
	}
	set[hv.RegisterAMD64Rip] = hv.Register64(0)
	set[hv.RegisterAMD64Rflags] = hv.Register64(0x202)

	if err := vp.SetRegisters(set); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	// Running drops the register cache so the values below come from the
	// backend.
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run = %s, %v; want halt", exit, err)
	}

	got := make(map[hv.Register]hv.RegisterValue, len(set))
	for r := range set {
		got[r] = nil
	}
	if err := vp.GetRegisters(got); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}

	want := make(map[hv.Register]hv.RegisterValue, len(set))
	for r, v := range set {
		want[r] = v
	}
	want[hv.RegisterAMD64Rip] = hv.Register64(1)
	want[hv.RegisterAMD64Tsc] = set[hv.RegisterAMD64Tsc].(hv.Register64) + 1

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("registers mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsupportedExtendedControlRegister(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, []byte{0xf4})

	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: hv.Register64(5)}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}

	err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax:  hv.Register64(7),
		hv.RegisterAMD64Xcr0: hv.Register64(7),
	})
	if !errors.Is(err, hv.ErrUnsupportedOperation) {
		t.Fatalf("SetRegisters(xcr0) = %v, want ErrUnsupportedOperation", err)
	}
	var regErr *hv.RegisterError
	if !errors.As(err, &regErr) || regErr.Register != hv.RegisterAMD64Xcr0 {
		t.Fatalf("error %v does not name xcr0", err)
	}

	if rax := getReg(t, vp, hv.RegisterAMD64Rax); rax != 5 {
		t.Fatalf("rax = %d after rejected batch, want 5", rax)
	}
	if err := vp.GetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Xcr0: nil}); !errors.Is(err, hv.ErrUnsupportedOperation) {
		t.Fatalf("GetRegisters(xcr0) = %v, want ErrUnsupportedOperation", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, []byte{0xf4})

	tests := []struct {
		name string
		regs map[hv.Register]hv.RegisterValue
	}{
		{"invalid register", map[hv.Register]hv.RegisterValue{hv.RegisterInvalid: hv.Register64(0)}},
		{"unknown register", map[hv.Register]hv.RegisterValue{hv.Register(9999): hv.Register64(0)}},
		{"wrong value type", map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rax: hv.Segment{}}},
		{"segment as integer", map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cs: hv.Register64(8)}},
		{"nil value", map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rbx: nil}},
		{"tag word too wide", map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Ftw: hv.Register64(0x1234)}},
		{"mxcsr too wide", map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Mxcsr: hv.Register64(1 << 32)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := vp.SetRegisters(tt.regs); !errors.Is(err, hv.ErrInvalidArgument) {
				t.Fatalf("SetRegisters = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestVirtualProcessorLimit(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{ProcessorCount: 2})

	a, err := vm.AddVirtualProcessor()
	if err != nil {
		t.Fatalf("AddVirtualProcessor: %v", err)
	}
	b, err := vm.AddVirtualProcessor()
	if err != nil {
		t.Fatalf("AddVirtualProcessor: %v", err)
	}
	if a.Index() != 0 || b.Index() != 1 {
		t.Fatalf("indices %d, %d", a.Index(), b.Index())
	}
	if _, err := vm.AddVirtualProcessor(); !errors.Is(err, hv.ErrResourceLimitExceeded) {
		t.Fatalf("third AddVirtualProcessor = %v, want ErrResourceLimitExceeded", err)
	}

	if err := vm.RemoveVirtualProcessor(a); err != nil {
		t.Fatalf("RemoveVirtualProcessor: %v", err)
	}
	if a.State() != hv.VPDestroyed {
		t.Fatalf("removed vp state = %s", a.State())
	}
	if _, err := a.Run(); !errors.Is(err, hv.ErrVPDestroyed) {
		t.Fatalf("Run on removed vp = %v, want ErrVPDestroyed", err)
	}

	c, err := vm.AddVirtualProcessor()
	if err != nil {
		t.Fatalf("AddVirtualProcessor after remove: %v", err)
	}
	if c.Index() != 0 {
		t.Fatalf("reused index = %d, want 0", c.Index())
	}
	var indices []int
	for _, vp := range vm.VirtualProcessors() {
		indices = append(indices, vp.Index())
	}
	if diff := cmp.Diff([]int{0, 1}, indices); diff != "" {
		t.Fatalf("indices mismatch (-want +got):\n%s", diff)
	}
}

func TestGlobalProcessorLimit(t *testing.T) {
	fd := DefaultFeatures()
	fd.MaxProcessorsPerVM = 2
	fd.MaxProcessorsGlobal = 3
	p := newPlatform(t, Config{Features: &fd})

	vm1, err := p.CreateVM(hv.VMSpec{})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	vm2, err := p.CreateVM(hv.VMSpec{})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	for _, vm := range []*hv.VirtualMachine{vm1, vm1, vm2} {
		if _, err := vm.AddVirtualProcessor(); err != nil {
			t.Fatalf("AddVirtualProcessor: %v", err)
		}
	}
	if _, err := vm2.AddVirtualProcessor(); !errors.Is(err, hv.ErrResourceLimitExceeded) {
		t.Fatalf("AddVirtualProcessor over global limit = %v, want ErrResourceLimitExceeded", err)
	}

	if err := vm1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := vm2.AddVirtualProcessor(); err != nil {
		t.Fatalf("AddVirtualProcessor after closing vm1: %v", err)
	}
}

// spin is "jmp $" followed by "hlt" at offset 2.
var spin = []byte{0xeb, 0xfe, 0xf4}

func waitRunning(t *testing.T, vp *hv.VirtualProcessor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for vp.State() != hv.VPRunning {
		if time.Now().After(deadline) {
			t.Fatal("vp never started running")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConcurrentRunIsBusy(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, spin)

	type result struct {
		exit hv.ExitInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exit, err := vp.Run()
		done <- result{exit, err}
	}()
	waitRunning(t, vp)

	if _, err := vp.Run(); !errors.Is(err, hv.ErrResourceBusy) {
		t.Fatalf("second Run = %v, want ErrResourceBusy", err)
	}
	if err := vp.GetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: nil}); !errors.Is(err, hv.ErrResourceBusy) {
		t.Fatalf("GetRegisters while running = %v, want ErrResourceBusy", err)
	}
	if err := vm.RemoveVirtualProcessor(vp); !errors.Is(err, hv.ErrResourceBusy) {
		t.Fatalf("RemoveVirtualProcessor while running = %v, want ErrResourceBusy", err)
	}

	if err := vp.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := <-done
	if res.err != nil || res.exit.Reason != hv.ExitCancelled {
		t.Fatalf("cancelled Run = %s, %v", res.exit, res.err)
	}
	if vp.State() != hv.VPIdle {
		t.Fatalf("state after cancel = %s", vp.State())
	}

	// The VP stays usable.
	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: hv.Register64(2)}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run after cancel = %s, %v; want halt", exit, err)
	}
	if vp.State() != hv.VPHalted {
		t.Fatalf("state after hlt = %s", vp.State())
	}
}

func TestCancelBeforeRun(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, []byte{0xf4})

	if err := vp.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	exit, err := vp.Run()
	if err != nil || exit.Reason != hv.ExitCancelled {
		t.Fatalf("Run = %s, %v; want cancelled", exit, err)
	}
	if rip := getReg(t, vp, hv.RegisterAMD64Rip); rip != 0 {
		t.Fatalf("rip = %d, guest ran despite cancel", rip)
	}
	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("second Run = %s, %v; want halt", exit, err)
	}
}

func TestRunContext(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})
	vp := newGuest(t, vm, 1, spin)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	exit, err := vp.RunContext(ctx)
	if exit.Reason != hv.ExitCancelled {
		t.Fatalf("exit = %s, want cancelled", exit)
	}
	if !errors.Is(err, hv.ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrCancelled and DeadlineExceeded", err)
	}

	if err := vp.SetRegisters(map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Rip: hv.Register64(2)}); err != nil {
		t.Fatalf("SetRegisters: %v", err)
	}
	exit, err = vp.RunContext(context.Background())
	if err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("RunContext = %s, %v; want halt", exit, err)
	}
}

func TestCloseCancelsRunningProcessors(t *testing.T) {
	p := newPlatform(t, Config{})
	vm, err := p.CreateVM(hv.VMSpec{})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	vp := newGuest(t, vm, 1, spin)

	done := make(chan hv.ExitInfo, 1)
	go func() {
		exit, _ := vp.Run()
		done <- exit
	}()
	waitRunning(t, vp)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if exit := <-done; exit.Reason != hv.ExitCancelled {
		t.Fatalf("exit = %s, want cancelled", exit)
	}
	if vp.State() != hv.VPDestroyed {
		t.Fatalf("vp state = %s", vp.State())
	}
	if len(p.VMs()) != 0 {
		t.Fatal("platform still lists the vm")
	}
	if _, err := p.CreateVM(hv.VMSpec{}); !errors.Is(err, hv.ErrPlatformClosed) {
		t.Fatalf("CreateVM after Close = %v, want ErrPlatformClosed", err)
	}
	if err := vm.MapMemory(0x10000, make([]byte, hv.PageSize), hv.PermRW, 0); !errors.Is(err, hv.ErrVMClosed) {
		t.Fatalf("MapMemory after Close = %v, want ErrVMClosed", err)
	}
}

func TestDirtyBitmap(t *testing.T) {
	vm := newVM(t, Config{}, hv.VMSpec{})

	// mov al, 1 ; mov [0x12000], al ; hlt
	code := []byte{0xb0, 0x01, 0xa2, 0x00, 0x20, 0x01, 0x00, 0xf4}
	vp := newGuest(t, vm, 1, code)
	if err := vm.MapMemory(0x10000, make([]byte, 4*hv.PageSize), hv.PermRW, hv.MapDirtyTracking); err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	if exit, err := vp.Run(); err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("Run = %s, %v", exit, err)
	}

	bitmap, err := vm.QueryDirtyBitmap(0x10000, 4*hv.PageSize)
	if err != nil {
		t.Fatalf("QueryDirtyBitmap: %v", err)
	}
	if diff := cmp.Diff([]uint64{1 << 2}, bitmap); diff != "" {
		t.Fatalf("bitmap mismatch (-want +got):\n%s", diff)
	}

	bitmap, err = vm.QueryDirtyBitmap(0x12000, hv.PageSize)
	if err != nil {
		t.Fatalf("partial QueryDirtyBitmap: %v", err)
	}
	if bitmap[0] != 0 {
		t.Fatalf("bitmap not cleared by query: %#x", bitmap[0])
	}

	if _, err := vm.QueryDirtyBitmap(0, hv.PageSize); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("QueryDirtyBitmap on untracked region = %v, want ErrInvalidArgument", err)
	}
}

func BenchmarkRunIO(b *testing.B) {
	vm := newVM(b, Config{}, hv.VMSpec{})
	// out 0x80, al ; jmp -4
	vp := newGuest(b, vm, 1, []byte{0xe6, 0x80, 0xeb, 0xfc})

	for b.Loop() {
		exit, err := vp.Run()
		if err != nil || exit.Reason != hv.ExitIO {
			b.Fatalf("Run = %s, %v", exit, err)
		}
	}
}
