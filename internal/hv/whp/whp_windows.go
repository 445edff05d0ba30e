//go:build windows && amd64

// Package whp drives the Windows Hypervisor Platform through
// winhvplatform.dll, with port I/O and MMIO instructions completed by
// winhvemulation.dll.
package whp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/dispatch"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

var (
	tsWhpCreatePartition = timeslice.RegisterKind("whp_create_partition", 0)
	tsWhpSetupPartition  = timeslice.RegisterKind("whp_setup_partition", 0)
	tsWhpMapGpaRange     = timeslice.RegisterKind("whp_map_gpa_range", 0)
	tsWhpCreateVP        = timeslice.RegisterKind("whp_create_vp", 0)
	tsWhpEmulate         = timeslice.RegisterKind("whp_emulate", 0)
)

// procs holds the bound entry points. Every call returns an HRESULT.
var procs struct {
	getCapability                func(code whvCapabilityCode, buf unsafe.Pointer, size uint32, written *uint32) hresult
	createPartition              func(part *uintptr) hresult
	setupPartition               func(part uintptr) hresult
	deletePartition              func(part uintptr) hresult
	setPartitionProperty         func(part uintptr, code whvPartitionProperty, buf unsafe.Pointer, size uint32) hresult
	mapGpaRange                  func(part uintptr, host unsafe.Pointer, gpa, size uint64, flags uint32) hresult
	unmapGpaRange                func(part uintptr, gpa, size uint64) hresult
	queryGpaRangeDirtyBitmap     func(part uintptr, gpa, size uint64, bitmap *uint64, bitmapSize uint32) hresult
	translateGva                 func(part uintptr, vp uint32, gva uint64, flags uint32, result *whvTranslateGvaResult, gpa *uint64) hresult
	createVirtualProcessor       func(part uintptr, vp uint32, flags uint32) hresult
	deleteVirtualProcessor       func(part uintptr, vp uint32) hresult
	runVirtualProcessor          func(part uintptr, vp uint32, exit unsafe.Pointer, size uint32) hresult
	cancelRunVirtualProcessor    func(part uintptr, vp uint32, flags uint32) hresult
	getVirtualProcessorRegisters func(part uintptr, vp uint32, names *whvRegisterName, count uint32, values *whvRegisterValue) hresult
	setVirtualProcessorRegisters func(part uintptr, vp uint32, names *whvRegisterName, count uint32, values *whvRegisterValue) hresult

	emulatorCreate  func(callbacks *whvEmulatorCallbacks, emu *uintptr) hresult
	emulatorDestroy func(emu uintptr) hresult
	emulatorTryIo   func(emu, ctx uintptr, vpContext, exitContext unsafe.Pointer, status *whvEmulatorStatus) hresult
	emulatorTryMmio func(emu, ctx uintptr, vpContext, exitContext unsafe.Pointer, status *whvEmulatorStatus) hresult
}

// WHvQueryGpaRangeDirtyBitmap first shipped in 1809; 1803 is the oldest
// release with a usable platform API.
var platformTable = &dispatch.Table{
	Name:      "whpx",
	Libraries: []string{"winhvplatform.dll"},
	Symbols: []dispatch.Symbol{
		{Name: "WHvGetCapability", Target: &procs.getCapability},
		{Name: "WHvCreatePartition", Target: &procs.createPartition},
		{Name: "WHvSetupPartition", Target: &procs.setupPartition},
		{Name: "WHvDeletePartition", Target: &procs.deletePartition},
		{Name: "WHvSetPartitionProperty", Target: &procs.setPartitionProperty},
		{Name: "WHvMapGpaRange", Target: &procs.mapGpaRange},
		{Name: "WHvUnmapGpaRange", Target: &procs.unmapGpaRange},
		{Name: "WHvQueryGpaRangeDirtyBitmap", Target: &procs.queryGpaRangeDirtyBitmap, Optional: true},
		{Name: "WHvTranslateGva", Target: &procs.translateGva, Optional: true},
		{Name: "WHvCreateVirtualProcessor", Target: &procs.createVirtualProcessor},
		{Name: "WHvDeleteVirtualProcessor", Target: &procs.deleteVirtualProcessor},
		{Name: "WHvRunVirtualProcessor", Target: &procs.runVirtualProcessor},
		{Name: "WHvCancelRunVirtualProcessor", Target: &procs.cancelRunVirtualProcessor},
		{Name: "WHvGetVirtualProcessorRegisters", Target: &procs.getVirtualProcessorRegisters},
		{Name: "WHvSetVirtualProcessorRegisters", Target: &procs.setVirtualProcessorRegisters},
	},
	MinVersion:    hv.VersionInfo{Major: 10, Build: 17134},
	DetectVersion: windowsVersion,
}

var emulatorTable = &dispatch.Table{
	Name:      "whpx-emulator",
	Libraries: []string{"winhvemulation.dll"},
	Symbols: []dispatch.Symbol{
		{Name: "WHvEmulatorCreateEmulator", Target: &procs.emulatorCreate},
		{Name: "WHvEmulatorDestroyEmulator", Target: &procs.emulatorDestroy},
		{Name: "WHvEmulatorTryIoEmulation", Target: &procs.emulatorTryIo},
		{Name: "WHvEmulatorTryMmioEmulation", Target: &procs.emulatorTryMmio},
	},
}

// windowsVersion reports the OS build, with the update revision when the
// registry has one.
func windowsVersion() (hv.VersionInfo, error) {
	v := windows.RtlGetVersion()
	info := hv.VersionInfo{Major: v.MajorVersion, Minor: v.MinorVersion, Build: v.BuildNumber}

	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, registry.QUERY_VALUE)
	if err != nil {
		return info, nil
	}
	defer k.Close()
	if ubr, _, err := k.GetIntegerValue("UBR"); err == nil {
		info.Revision = uint32(ubr)
	}
	return info, nil
}

// HRESULTs returned from emulator callbacks.
const (
	callbackOK      uintptr = 0
	callbackFail    uintptr = 0x80004005 // E_FAIL
	callbackNotImpl uintptr = 0x80004001 // E_NOTIMPL
)

// check maps a failing HRESULT from name to a native call error.
func check(name string, hr hresult) error {
	if hr < 0 {
		return hv.NativeError(name, int64(hr), hr)
	}
	return nil
}

func unavailable(name string) error {
	return fmt.Errorf("whp: %s not available: %w", name, hv.ErrUnsupportedOperation)
}

func capability(code whvCapabilityCode) (uint64, error) {
	if procs.getCapability == nil {
		return 0, unavailable("WHvGetCapability")
	}
	// Large enough for any WHV_CAPABILITY member.
	var buf [8]uint64
	var written uint32
	hr := procs.getCapability(code, unsafe.Pointer(&buf[0]), uint32(unsafe.Sizeof(buf)), &written)
	return buf[0], check("WHvGetCapability", hr)
}

// registerValues allocates n WHV_REGISTER_VALUEs on the 16 byte alignment
// the API requires.
func registerValues(n int) []whvRegisterValue {
	if n == 0 {
		return nil
	}
	buf := make([]byte, (n+1)*16)
	off := (16 - uintptr(unsafe.Pointer(&buf[0]))%16) % 16
	return unsafe.Slice((*whvRegisterValue)(unsafe.Pointer(&buf[off])), n)
}

// Driver implements hv.Driver over the Windows Hypervisor Platform.
type Driver struct {
	capabilities

	mu      sync.Mutex
	loaded  bool
	version hv.VersionInfo
}

var _ hv.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{capabilities: capabilities{
		query:       capability,
		dirtyBitmap: func() bool { return procs.queryGpaRangeDirtyBitmap != nil },
	}}
}

func (d *Driver) Name() string { return "whpx" }

func (d *Driver) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	if err := platformTable.Load(); err != nil {
		return fmt.Errorf("whp: %w", err)
	}
	if err := emulatorTable.Load(); err != nil {
		_ = platformTable.Unload()
		return fmt.Errorf("whp: %w", err)
	}

	d.version = platformTable.Version()
	d.loaded = true

	slog.Debug("whp: loaded", "version", d.version, "missing", platformTable.Missing())
	return nil
}

func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return errors.Join(emulatorTable.Unload(), platformTable.Unload())
}

func (d *Driver) Version() hv.VersionInfo { return d.version }

func setProperty(part uintptr, code whvPartitionProperty, buf unsafe.Pointer, size uintptr) error {
	return check("WHvSetPartitionProperty", procs.setPartitionProperty(part, code, buf, uint32(size)))
}

func (d *Driver) CreateVM(spec hv.VMSpec, fd *hv.FeatureDescriptor) (hv.NativeVM, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("whp: create vm: %w", hv.ErrInitializationFailure)
	}

	rec := timeslice.NewRecorder()

	var part uintptr
	if err := check("WHvCreatePartition", procs.createPartition(&part)); err != nil {
		return nil, fmt.Errorf("whp: create partition: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			procs.deletePartition(part)
		}
	}()
	rec.Record(tsWhpCreatePartition)

	count := uint32(spec.ProcessorCount)
	if count == 0 {
		count = uint32(fd.MaxProcessorsPerVM)
	}
	if err := setProperty(part, whvPropertyProcessorCount, unsafe.Pointer(&count), unsafe.Sizeof(count)); err != nil {
		return nil, fmt.Errorf("whp: set processor count: %w", err)
	}

	intercepted := interceptedExceptions(spec, fd)
	exits := spec.ExtendedVMExits
	if intercepted != 0 {
		exits |= hv.ExtendedExitException
	}
	if exits != 0 {
		bits := extendedExitsToWHV(exits)
		if err := setProperty(part, whvPropertyExtendedVmExits, unsafe.Pointer(&bits), unsafe.Sizeof(bits)); err != nil {
			return nil, fmt.Errorf("whp: set extended exits: %w", err)
		}
	}
	if intercepted != 0 {
		bitmap := uint64(intercepted)
		if err := setProperty(part, whvPropertyExceptionExitBitmap, unsafe.Pointer(&bitmap), unsafe.Sizeof(bitmap)); err != nil {
			return nil, fmt.Errorf("whp: set exception bitmap: %w", err)
		}
	}
	if len(spec.CPUIDResults) > 0 {
		list := cpuidResults(spec.CPUIDResults)
		size := uintptr(len(list)) * unsafe.Sizeof(list[0])
		if err := setProperty(part, whvPropertyCpuidResultList, unsafe.Pointer(&list[0]), size); err != nil {
			return nil, fmt.Errorf("whp: set cpuid results: %w", err)
		}
	}

	if err := check("WHvSetupPartition", procs.setupPartition(part)); err != nil {
		return nil, fmt.Errorf("whp: setup partition: %w", err)
	}
	rec.Record(tsWhpSetupPartition)

	emu, err := createEmulator()
	if err != nil {
		return nil, fmt.Errorf("whp: create emulator: %w", err)
	}

	ok = true
	slog.Debug("whp: created vm", "processors", count, "exits", exits, "exceptions", fmt.Sprintf("%#x", uint64(intercepted)))
	return &virtualMachine{
		driver:      d,
		part:        part,
		emu:         emu,
		spec:        spec,
		intercepted: intercepted,
		vcpus:       make(map[int]*virtualCPU),
	}, nil
}

type virtualMachine struct {
	driver      *Driver
	part        uintptr
	emu         uintptr
	spec        hv.VMSpec
	intercepted hv.ExceptionBitmap

	mu       sync.Mutex
	mappings mappingTable
	vcpus    map[int]*virtualCPU
	closed   bool
}

var _ hv.NativeVM = (*virtualMachine)(nil)

func (v *virtualMachine) mapRange(m mapping) error {
	hr := procs.mapGpaRange(v.part, unsafe.Pointer(&m.host[0]), m.gpa, uint64(len(m.host)), m.flags)
	return check("WHvMapGpaRange", hr)
}

func (v *virtualMachine) unmapRange(gpa, size uint64) error {
	return check("WHvUnmapGpaRange", procs.unmapGpaRange(v.part, gpa, size))
}

func (v *virtualMachine) MapMemory(gpa uint64, host []byte, perm hv.MemoryPermission, flags hv.MappingFlags) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec := timeslice.NewRecorder()

	m := mapping{gpa: gpa, host: host, flags: mapFlags(perm, flags)}
	if err := v.mapRange(m); err != nil {
		return fmt.Errorf("whp: map %#x: %w", gpa, err)
	}
	v.mappings.insert(m)
	rec.Record(tsWhpMapGpaRange)
	return nil
}

func (v *virtualMachine) UnmapMemory(gpa, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.unmapRange(gpa, size); err != nil {
		return fmt.Errorf("whp: unmap %#x: %w", gpa, err)
	}
	v.mappings.carve(gpa, size)
	return nil
}

// ProtectMemory remaps the range with new flags. WHP has no call to change
// protection in place.
func (v *virtualMachine) ProtectMemory(gpa, size uint64, perm hv.MemoryPermission) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.mappings.covers(gpa, size) {
		return fmt.Errorf("whp: protect %#x: %w", gpa, hv.ErrInvalidArgument)
	}
	if err := v.unmapRange(gpa, size); err != nil {
		return fmt.Errorf("whp: protect %#x: %w", gpa, err)
	}

	old := v.mappings.carve(gpa, size)
	for i, m := range old {
		next := m
		next.flags = mapFlags(perm, 0) | m.flags&whvMapTrackDirty
		if err := v.mapRange(next); err != nil {
			// Put the rest back as it was so the table stays accurate.
			for _, prev := range old[i:] {
				if rerr := v.mapRange(prev); rerr != nil {
					slog.Error("whp: restore mapping", "gpa", fmt.Sprintf("%#x", prev.gpa), "error", rerr)
					continue
				}
				v.mappings.insert(prev)
			}
			return fmt.Errorf("whp: protect %#x: %w", m.gpa, err)
		}
		v.mappings.insert(next)
	}
	return nil
}

func (v *virtualMachine) QueryDirtyBitmap(gpa, size uint64, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}
	if procs.queryGpaRangeDirtyBitmap == nil {
		return unavailable("WHvQueryGpaRangeDirtyBitmap")
	}
	hr := procs.queryGpaRangeDirtyBitmap(v.part, gpa, size, &bitmap[0], uint32(len(bitmap)*8))
	return check("WHvQueryGpaRangeDirtyBitmap", hr)
}

// guestMemory serves emulator accesses that land in mapped memory.
func (v *virtualMachine) guestMemory(gpa uint64, buf []byte, write bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if write {
		return v.mappings.write(gpa, buf)
	}
	return v.mappings.read(gpa, buf)
}

func (v *virtualMachine) CreateVP(index int) (hv.NativeVP, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, hv.ErrVMClosed
	}

	rec := timeslice.NewRecorder()

	vcpu := &virtualCPU{
		vm:       v,
		index:    index,
		runQueue: make(chan func(), 16),
		exitCtx:  exitContext{exceptions: v.spec.ExceptionExits},
	}
	go vcpu.start()

	err := vcpu.call(func() error {
		return check("WHvCreateVirtualProcessor", procs.createVirtualProcessor(v.part, uint32(index), 0))
	})
	if err != nil {
		close(vcpu.runQueue)
		return nil, fmt.Errorf("whp: create vp %d: %w", index, err)
	}
	vcpu.handle = registerVCPU(vcpu)
	rec.Record(tsWhpCreateVP)

	v.vcpus[index] = vcpu
	return vcpu, nil
}

func (v *virtualMachine) removeVCPU(index int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vcpus, index)
}

func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	var errs []error
	for _, vcpu := range vcpus {
		errs = append(errs, vcpu.release())
	}
	if err := check("WHvEmulatorDestroyEmulator", procs.emulatorDestroy(v.emu)); err != nil {
		errs = append(errs, fmt.Errorf("whp: destroy emulator: %w", err))
	}
	if err := check("WHvDeletePartition", procs.deletePartition(v.part)); err != nil {
		errs = append(errs, fmt.Errorf("whp: delete partition: %w", err))
	}
	return errors.Join(errs...)
}

// emulatorAccess is what the emulator callbacks saw or should supply for
// the access being completed.
type emulatorAccess struct {
	// complete is false while probing a read for its size; the callback
	// then fails the access instead of inventing data.
	complete bool
	data     uint64
	size     uint8
}

// virtualCPU runs every call for one WHP virtual processor on a locked OS
// thread.
type virtualCPU struct {
	vm     *virtualMachine
	index  int
	handle uintptr

	runQueue chan func()
	cancel   atomic.Bool

	// Owned by the vCPU thread.
	exit      whvRunVPExitContext
	exitCtx   exitContext
	pending   emulation
	pendingAt whvRunVPExitContext
	access    emulatorAccess

	closeOnce sync.Once
}

var _ hv.NativeVP = (*virtualCPU)(nil)

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) call(fn func() error) error {
	done := make(chan error, 1)
	v.runQueue <- func() {
		done <- fn()
	}
	return <-done
}

func (v *virtualCPU) Run() (hv.ExitInfo, error) {
	var info hv.ExitInfo
	err := v.call(func() error {
		var err error
		info, err = v.runOnThread()
		return err
	})
	return info, err
}

func (v *virtualCPU) runOnThread() (hv.ExitInfo, error) {
	// An unanswered read is dropped; the guest re-executes the instruction.
	v.pending = emulateNone

	if v.cancel.Swap(false) {
		return hv.ExitInfo{Reason: hv.ExitCancelled, Raw: hv.RawExit{Code: uint64(whvExitCanceled)}}, nil
	}

	hr := procs.runVirtualProcessor(v.vm.part, uint32(v.index), unsafe.Pointer(&v.exit), uint32(unsafe.Sizeof(v.exit)))
	if err := check("WHvRunVirtualProcessor", hr); err != nil {
		return hv.ExitInfo{}, err
	}
	if v.exit.ExitReason == whvExitCanceled {
		v.cancel.Store(false)
	}

	info, work := translateExit(&v.exit, v.exitCtx)
	switch {
	case work == emulateNone:
	case work.read():
		if err := v.measureRead(&info, work); err != nil {
			return hv.ExitInfo{}, err
		}
		v.pending = work
		v.pendingAt = v.exit
	default:
		v.access = emulatorAccess{complete: true}
		if err := v.emulate(&v.exit, work); err != nil {
			return hv.ExitInfo{}, err
		}
		if info.IO != nil {
			info.IO.Data = v.access.data
		}
		if info.Memory != nil {
			info.Memory.Data = v.access.data
			info.Memory.Size = v.access.size
		}
	}

	if info.Reason == hv.ExitFailed {
		slog.Error("whp: vp failed", "vp", v.index, "reason", v.exit.ExitReason, "rip", fmt.Sprintf("%#x", v.exit.VpContext.Rip))
	}
	return info, nil
}

// measureRead finds the width of an MMIO read by letting the emulator decode the
// instruction without completing it. Port reads carry their width in the
// exit.
func (v *virtualCPU) measureRead(info *hv.ExitInfo, work emulation) error {
	if work != emulateMMIORead {
		return nil
	}
	v.access = emulatorAccess{}
	status, err := v.tryEmulation(&v.exit, work)
	if err != nil {
		return err
	}
	if v.access.size == 0 {
		return hv.NativeError("WHvEmulatorTryMmioEmulation", int64(status),
			fmt.Errorf("no memory access decoded at rip %#x", v.exit.VpContext.Rip))
	}
	info.Memory.Size = v.access.size
	return nil
}

func (v *virtualCPU) tryEmulation(rc *whvRunVPExitContext, work emulation) (whvEmulatorStatus, error) {
	name, try := "WHvEmulatorTryIoEmulation", procs.emulatorTryIo
	if work == emulateMMIORead || work == emulateMMIOWrite {
		name, try = "WHvEmulatorTryMmioEmulation", procs.emulatorTryMmio
	}

	rec := timeslice.NewRecorder()
	var status whvEmulatorStatus
	hr := try(v.vm.emu, v.handle, unsafe.Pointer(&rc.VpContext), rc.view(), &status)
	rec.Record(tsWhpEmulate)
	return status, check(name, hr)
}

// emulate completes the instruction behind rc.
func (v *virtualCPU) emulate(rc *whvRunVPExitContext, work emulation) error {
	status, err := v.tryEmulation(rc, work)
	if err != nil {
		return err
	}
	if !status.ok() {
		return hv.NativeError("emulate instruction", int64(status),
			fmt.Errorf("emulator status %#x at rip %#x", uint32(status), rc.VpContext.Rip))
	}
	return nil
}

// Cancel may be called from any goroutine.
func (v *virtualCPU) Cancel() error {
	v.cancel.Store(true)
	return check("WHvCancelRunVirtualProcessor", procs.cancelRunVirtualProcessor(v.vm.part, uint32(v.index), 0))
}

func (v *virtualCPU) getNative(names []whvRegisterName, values []whvRegisterValue) error {
	hr := procs.getVirtualProcessorRegisters(v.vm.part, uint32(v.index), &names[0], uint32(len(names)), &values[0])
	return check("WHvGetVirtualProcessorRegisters", hr)
}

func (v *virtualCPU) setNative(names []whvRegisterName, values []whvRegisterValue) error {
	hr := procs.setVirtualProcessorRegisters(v.vm.part, uint32(v.index), &names[0], uint32(len(names)), &values[0])
	return check("WHvSetVirtualProcessorRegisters", hr)
}

func (v *virtualCPU) GetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	names, err := namesFor(regs)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return v.call(func() error {
		raw := registerValues(len(names))
		if err := v.getNative(names, raw); err != nil {
			return err
		}
		f := newRegisterFile(names, raw)
		for i, r := range regs {
			val, err := f.get(r)
			if err != nil {
				return err
			}
			values[i] = val
		}
		return nil
	})
}

func (v *virtualCPU) SetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	names, err := namesFor(regs)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return v.call(func() error {
		f := make(registerFile, len(names))
		if p := packedNames(names); len(p) > 0 {
			raw := registerValues(len(p))
			if err := v.getNative(p, raw); err != nil {
				return err
			}
			for i, n := range p {
				f[n] = raw[i]
			}
		}
		for i, r := range regs {
			if err := f.set(r, values[i]); err != nil {
				return err
			}
		}
		raw := registerValues(len(names))
		copy(raw, f.batch(names))
		return v.setNative(names, raw)
	})
}

// SetIOResult re-runs the emulator on the pending read, this time feeding
// it data, which retires the instruction.
func (v *virtualCPU) SetIOResult(data uint64) error {
	return v.call(func() error {
		if !v.pending.read() {
			return fmt.Errorf("whp: vp %d has no pending read: %w", v.index, hv.ErrInvalidArgument)
		}
		v.access = emulatorAccess{complete: true, data: data}
		err := v.emulate(&v.pendingAt, v.pending)
		v.pending = emulateNone
		return err
	})
}

const rflagsTrap = 1 << 8

func (v *virtualCPU) SetSingleStep(enabled bool) error {
	if !v.vm.intercepted.Has(hv.ExceptionDebug) {
		return fmt.Errorf("whp: single step needs debug exception exits: %w", hv.ErrUnsupportedOperation)
	}
	return v.call(func() error {
		names := []whvRegisterName{whvRflags}
		raw := registerValues(1)
		if err := v.getNative(names, raw); err != nil {
			return err
		}
		if enabled {
			raw[0].Low |= rflagsTrap
		} else {
			raw[0].Low &^= rflagsTrap
		}
		if err := v.setNative(names, raw); err != nil {
			return err
		}
		v.exitCtx.singleStep = enabled
		return nil
	})
}

func (v *virtualCPU) Close() error {
	v.vm.removeVCPU(v.index)
	return v.release()
}

func (v *virtualCPU) release() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.call(func() error {
			return check("WHvDeleteVirtualProcessor", procs.deleteVirtualProcessor(v.vm.part, uint32(v.index)))
		})
		close(v.runQueue)
		unregisterVCPU(v.handle)
	})
	return err
}

// The emulator calls back with an opaque context. Handles stand in for
// *virtualCPU so no Go pointer crosses into the DLL.
var (
	vcpuHandles sync.Map // uintptr -> *virtualCPU
	nextHandle  atomic.Uintptr
)

func registerVCPU(v *virtualCPU) uintptr {
	h := nextHandle.Add(1)
	vcpuHandles.Store(h, v)
	return h
}

func unregisterVCPU(h uintptr) { vcpuHandles.Delete(h) }

func lookupVCPU(h uintptr) *virtualCPU {
	v, ok := vcpuHandles.Load(h)
	if !ok {
		return nil
	}
	return v.(*virtualCPU)
}

var (
	callbacksOnce sync.Once
	callbacks     whvEmulatorCallbacks
)

// createEmulator builds an emulator instance. syscall.NewCallback slots are
// never freed, so the callbacks are shared by every emulator.
func createEmulator() (uintptr, error) {
	callbacksOnce.Do(func() {
		callbacks = whvEmulatorCallbacks{
			Size:                         uint32(unsafe.Sizeof(callbacks)),
			IoPortCallback:               syscall.NewCallback(ioPortCallback),
			MemoryCallback:               syscall.NewCallback(memoryCallback),
			GetVirtualProcessorRegisters: syscall.NewCallback(getRegistersCallback),
			SetVirtualProcessorRegisters: syscall.NewCallback(setRegistersCallback),
			TranslateGvaPage:             syscall.NewCallback(translateGvaCallback),
		}
	})

	var emu uintptr
	return emu, check("WHvEmulatorCreateEmulator", procs.emulatorCreate(&callbacks, &emu))
}

func ioPortCallback(ctx uintptr, io *whvEmulatorIoAccess) uintptr {
	v := lookupVCPU(ctx)
	if v == nil {
		return callbackFail
	}
	size := uint8(io.AccessSize)
	v.access.size = size
	if io.Direction == emulatorDirectionWrite {
		v.access.data = uint64(io.Data) & sizeMask(size)
		return callbackOK
	}
	if !v.access.complete {
		return callbackFail
	}
	io.Data = uint32(v.access.data & sizeMask(size))
	return callbackOK
}

func memoryCallback(ctx uintptr, mem *whvEmulatorMemoryAccess) uintptr {
	v := lookupVCPU(ctx)
	if v == nil {
		return callbackFail
	}
	size := min(mem.AccessSize, 8)
	buf := mem.Data[:size]
	write := mem.Direction == emulatorDirectionWrite

	// The other operand of a string move may be ordinary guest memory.
	if v.vm.guestMemory(mem.GpaAddress, buf, write) {
		return callbackOK
	}

	v.access.size = size
	var word [8]byte
	if write {
		copy(word[:], buf)
		v.access.data = binary.LittleEndian.Uint64(word[:])
		return callbackOK
	}
	if !v.access.complete {
		return callbackFail
	}
	binary.LittleEndian.PutUint64(word[:], v.access.data)
	copy(buf, word[:])
	return callbackOK
}

func getRegistersCallback(ctx uintptr, names *whvRegisterName, count uint32, values *whvRegisterValue) uintptr {
	v := lookupVCPU(ctx)
	if v == nil {
		return callbackFail
	}
	return uintptr(uint32(procs.getVirtualProcessorRegisters(v.vm.part, uint32(v.index), names, count, values)))
}

func setRegistersCallback(ctx uintptr, names *whvRegisterName, count uint32, values *whvRegisterValue) uintptr {
	v := lookupVCPU(ctx)
	if v == nil {
		return callbackFail
	}
	return uintptr(uint32(procs.setVirtualProcessorRegisters(v.vm.part, uint32(v.index), names, count, values)))
}

func translateGvaCallback(ctx uintptr, gva uint64, flags uint32, result *uint32, gpa *uint64) uintptr {
	v := lookupVCPU(ctx)
	if v == nil || procs.translateGva == nil {
		return callbackNotImpl
	}
	var res whvTranslateGvaResult
	hr := procs.translateGva(v.vm.part, uint32(v.index), gva, flags, &res, gpa)
	*result = res.ResultCode
	return uintptr(uint32(hr))
}
