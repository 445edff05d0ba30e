//go:build linux && amd64

// Package kvm drives the Linux Kernel-based Virtual Machine through
// /dev/kvm.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/timeslice"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

// kvmCall runs one ioctl and reports failures as native call errors.
func kvmCall(name string, fd int, request uint64, arg unsafe.Pointer) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), request, uintptr(arg))
	if err != nil {
		var errno unix.Errno
		errors.As(err, &errno)
		return 0, hv.NativeError(name, int64(errno), err)
	}
	return int(v), nil
}

func kvmCallInt(name string, fd int, request uint64, arg uintptr) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), request, arg)
	if err != nil {
		var errno unix.Errno
		errors.As(err, &errno)
		return 0, hv.NativeError(name, int64(errno), err)
	}
	return int(v), nil
}

func checkExtension(fd int, capability int) int {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(capability))
	if err != nil {
		return 0
	}
	return int(v)
}

var (
	tsKvmOpen                = timeslice.RegisterKind("kvm_open", 0)
	tsKvmCreateVm            = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", 0)
	tsKvmCreateVCPU          = timeslice.RegisterKind("kvm_create_vcpu", 0)
	tsKvmMmapVCPU            = timeslice.RegisterKind("kvm_mmap_vcpu", 0)
	tsKvmSetCpuid            = timeslice.RegisterKind("kvm_set_cpuid", 0)
)

type capabilities struct {
	maxVCPUs     int
	memSlots     int
	readonlyMem  bool
	xcrs         bool
	debugregs    bool
	guestDebug   bool
	userSpaceMsr bool
}

// Driver implements hv.Driver over /dev/kvm.
type Driver struct {
	mu       sync.Mutex
	fd       int
	loaded   bool
	version  hv.VersionInfo
	mmapSize int
	caps     capabilities
	cpuid    *kvmCPUID2
}

var _ hv.Driver = (*Driver)(nil)

func New() *Driver { return &Driver{fd: -1} }

func (d *Driver) Name() string { return "kvm" }

// Load opens /dev/kvm and checks the API version and the capabilities the
// backend cannot work without.
func (d *Driver) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	rec := timeslice.NewRecorder()

	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	version, err := kvmCallInt("KVM_GET_API_VERSION", fd, kvmGetApiVersion, 0)
	if err != nil {
		return fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		return fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}
	for _, c := range requiredCaps {
		if checkExtension(fd, c.cap) == 0 {
			return fmt.Errorf("kvm: missing %s", c.name)
		}
	}

	mmapSize, err := kvmCallInt("KVM_GET_VCPU_MMAP_SIZE", fd, kvmGetVcpuMmapSize, 0)
	if err != nil {
		return fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	cpuid := &kvmCPUID2{Nr: maxCPUIDEntries}
	if _, err := kvmCall("KVM_GET_SUPPORTED_CPUID", fd, kvmGetSupportedCpuid, unsafe.Pointer(cpuid)); err != nil {
		return fmt.Errorf("kvm: get supported cpuid: %w", err)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("kvm: uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	kernel, err := parseKernelRelease(release)
	if err != nil {
		slog.Warn("kvm: unparsed kernel release", "release", release, "error", err)
	}

	d.caps = capabilities{
		maxVCPUs:     checkExtension(fd, kvmCapMaxVcpus),
		memSlots:     checkExtension(fd, kvmCapNrMemslots),
		readonlyMem:  checkExtension(fd, kvmCapReadonlyMem) != 0,
		xcrs:         checkExtension(fd, kvmCapXcrs) != 0,
		debugregs:    checkExtension(fd, kvmCapDebugregs) != 0,
		guestDebug:   checkExtension(fd, kvmCapSetGuestDebug) != 0,
		userSpaceMsr: checkExtension(fd, kvmCapX86UserSpaceMsr) != 0,
	}
	if d.caps.maxVCPUs == 0 {
		d.caps.maxVCPUs = checkExtension(fd, kvmCapNrVcpus)
	}
	if d.caps.maxVCPUs == 0 {
		// Documented default when neither capability is reported.
		d.caps.maxVCPUs = 4
	}

	d.fd = fd
	d.loaded = true
	d.version = kernel
	d.mmapSize = mmapSize
	d.cpuid = cpuid
	ok = true

	rec.Record(tsKvmOpen)
	slog.Debug("kvm: loaded", "kernel", release, "max_vcpus", d.caps.maxVCPUs, "memslots", d.caps.memSlots)
	return nil
}

func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false
	fd := d.fd
	d.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("kvm: close /dev/kvm: %w", err)
	}
	return nil
}

func (d *Driver) Version() hv.VersionInfo { return d.version }

func (d *Driver) Present() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded, nil
}

func (d *Driver) QueryFeatures(fd *hv.FeatureDescriptor) error {
	fd.FloatingPointExtensions = hv.FPExtFXSAVE
	fd.ExtendedControlRegisters = hv.ExtCR8
	if d.caps.xcrs {
		fd.ExtendedControlRegisters |= hv.ExtXCR0
	}

	fd.MaxProcessorsPerVM = d.caps.maxVCPUs
	// Every vCPU holds a file descriptor and a kvm_run mapping.
	fd.MaxProcessorsGlobal = d.caps.maxVCPUs
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil {
		fd.MaxProcessorsGlobal = int(min(lim.Cur/2, math.MaxInt32))
	}

	fd.UnrestrictedGuest = true
	fd.ExtendedPageTables = true
	fd.LargeMemoryAllocation = true
	fd.CustomCPUIDs = true
	fd.DirtyPageTracking = true
	fd.PartialDirtyBitmap = false
	fd.PartialUnmapping = true
	fd.MemoryAliasing = true
	fd.MemoryUnmapping = true

	fd.RegisterClasses = hv.ClassGeneral | hv.ClassSegment | hv.ClassTable | hv.ClassControl |
		hv.ClassFloatingPoint | hv.ClassVector | hv.ClassMSR
	if d.caps.debugregs {
		fd.RegisterClasses |= hv.ClassDebug
	}
	if d.caps.xcrs {
		fd.RegisterClasses |= hv.ClassExtendedControl
	}
	return nil
}

func (d *Driver) QueryExtendedExits() (hv.ExtendedVMExit, error) {
	var exits hv.ExtendedVMExit
	if d.caps.userSpaceMsr {
		exits |= hv.ExtendedExitMSRAccess
	}
	if d.caps.guestDebug {
		exits |= hv.ExtendedExitException
	}
	return exits, nil
}

func (d *Driver) QueryExceptionExits() (hv.ExceptionBitmap, error) {
	return hv.ExceptionBit(hv.ExceptionBreakpoint), nil
}

func (d *Driver) CreateVM(spec hv.VMSpec, fd *hv.FeatureDescriptor) (hv.NativeVM, error) {
	d.mu.Lock()
	loaded, kvmFd := d.loaded, d.fd
	d.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("kvm: create vm: %w", hv.ErrInitializationFailure)
	}

	rec := timeslice.NewRecorder()

	vmFd, err := kvmCallInt("KVM_CREATE_VM", kvmFd, kvmCreateVm, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}
	rec.Record(tsKvmCreateVm)

	if _, err := kvmCallInt("KVM_SET_TSS_ADDR", vmFd, kvmSetTssAddr, tssAddress); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set TSS addr: %w", err)
	}

	if spec.ExtendedVMExits&hv.ExtendedExitMSRAccess != 0 {
		args := kvmEnableCapArgs{Cap: kvmCapX86UserSpaceMsr}
		args.Args[0] = kvmMsrExitReasonUnknown | kvmMsrExitReasonInval
		if _, err := kvmCall("KVM_ENABLE_CAP", vmFd, kvmEnableCap, unsafe.Pointer(&args)); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("kvm: enable user space msr exits: %w", err)
		}
	}

	vm := &virtualMachine{
		driver:      d,
		fd:          vmFd,
		spec:        spec,
		readonlyMem: d.caps.readonlyMem,
		slots:       newSlotTable(d.caps.memSlots),
		vcpus:       make(map[int]*virtualCPU),
	}

	slog.Debug("kvm: created vm", "fd", vmFd, "cpuid_overrides", len(spec.CPUIDResults))
	return vm, nil
}

type virtualMachine struct {
	driver      *Driver
	fd          int
	spec        hv.VMSpec
	readonlyMem bool

	mu     sync.Mutex
	slots  *slotTable
	vcpus  map[int]*virtualCPU
	closed bool
}

var _ hv.NativeVM = (*virtualMachine)(nil)

func (v *virtualMachine) setRegion(r kvmUserspaceMemoryRegion) error {
	_, err := kvmCall("KVM_SET_USER_MEMORY_REGION", v.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&r))
	return err
}

func (v *virtualMachine) MapMemory(gpa uint64, host []byte, perm hv.MemoryPermission, flags hv.MappingFlags) error {
	if err := checkPermission(perm, v.readonlyMem); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec := timeslice.NewRecorder()

	s, err := v.slots.add(gpa, host, slotFlags(perm, flags))
	if err != nil {
		return err
	}
	if err := v.setRegion(s.region()); err != nil {
		v.slots.drop(gpa)
		return fmt.Errorf("kvm: map %#x: %w", gpa, err)
	}
	rec.Record(tsKvmSetUserMemoryRegion)
	return nil
}

// replace swaps the slot holding [gpa, gpa+size) for the planned pieces.
func (v *virtualMachine) replace(gpa, size uint64, mid *uint32) error {
	old, pieces, err := v.slots.carve(gpa, size, mid)
	if err != nil {
		return err
	}
	if err := v.setRegion(old.deleted()); err != nil {
		return fmt.Errorf("kvm: delete slot %d: %w", old.id, err)
	}
	for i, p := range pieces {
		if err := v.setRegion(p.region()); err != nil {
			// Put back what was there so the table stays accurate.
			for _, q := range pieces[:i] {
				_ = v.setRegion(q.deleted())
			}
			if rerr := v.setRegion(old.region()); rerr != nil {
				slog.Error("kvm: restore slot", "slot", old.id, "error", rerr)
			}
			return fmt.Errorf("kvm: register slot %d: %w", p.id, err)
		}
	}
	v.slots.commit(old, pieces)
	return nil
}

func (v *virtualMachine) UnmapMemory(gpa, size uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.replace(gpa, size, nil)
}

func (v *virtualMachine) ProtectMemory(gpa, size uint64, perm hv.MemoryPermission) error {
	if err := checkPermission(perm, v.readonlyMem); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	i, ok := v.slots.lookup(gpa, size)
	if !ok {
		return fmt.Errorf("kvm: protect %#x: %w", gpa, hv.ErrInvalidArgument)
	}
	flags := v.slots.slots[i].flags &^ kvmMemReadonly
	if perm&hv.PermWrite == 0 {
		flags |= kvmMemReadonly
	}
	return v.replace(gpa, size, &flags)
}

func (v *virtualMachine) QueryDirtyBitmap(gpa, size uint64, bitmap []uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	i, ok := v.slots.lookup(gpa, size)
	if !ok {
		return fmt.Errorf("kvm: dirty bitmap %#x: %w", gpa, hv.ErrInvalidArgument)
	}
	s := v.slots.slots[i]

	pages := s.size() / hv.PageSize
	full := make([]uint64, (pages+63)/64)
	log := kvmDirtyLog{Slot: s.id, Bitmap: uint64(uintptr(unsafe.Pointer(&full[0])))}
	if _, err := kvmCall("KVM_GET_DIRTY_LOG", v.fd, kvmGetDirtyLog, unsafe.Pointer(&log)); err != nil {
		return err
	}
	runtime.KeepAlive(full)

	copyBits(bitmap, full, (gpa-s.gpa)/hv.PageSize, size/hv.PageSize)
	return nil
}

func (v *virtualMachine) CreateVP(index int) (hv.NativeVP, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, hv.ErrVMClosed
	}

	rec := timeslice.NewRecorder()

	vcpuFd, err := kvmCallInt("KVM_CREATE_VCPU", v.fd, kvmCreateVcpu, uintptr(index))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", index, err)
	}
	rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(vcpuFd, 0, v.driver.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vcpu %d kvm_run: %w", index, err)
	}
	rec.Record(tsKvmMmapVCPU)

	vcpu := &virtualCPU{
		vm:       v,
		index:    index,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
		exitCtx: exitContext{
			breakpointExits: v.spec.ExtendedVMExits&hv.ExtendedExitException != 0 &&
				v.spec.ExceptionExits.Has(hv.ExceptionBreakpoint),
		},
	}
	go vcpu.start()

	if err := vcpu.init(v.driver.cpuid, v.spec.CPUIDResults); err != nil {
		vcpu.release()
		return nil, fmt.Errorf("kvm: init vcpu %d: %w", index, err)
	}
	rec.Record(tsKvmSetCpuid)

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
	if err := unix.Close(v.fd); err != nil {
		errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
	}
	return errors.Join(errs...)
}

// virtualCPU serializes all vCPU ioctls on one locked OS thread so Cancel
// can interrupt KVM_RUN with a signal aimed at that thread.
type virtualCPU struct {
	vm    *virtualMachine
	index int
	fd    int
	run   []byte

	runQueue chan func()
	tid      atomic.Int32
	cancel   atomic.Bool

	// Owned by the vCPU thread.
	pending      completion
	exitCtx      exitContext
	debugControl uint32

	closeOnce sync.Once
}

var _ hv.NativeVP = (*virtualCPU)(nil)

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	// The thread is discarded with the goroutine, taking any pending
	// signal state with it.

	v.tid.Store(int32(unix.Gettid()))

	for fn := range v.runQueue {
		fn()
	}
}

// call runs fn on the vCPU thread and waits for it.
func (v *virtualCPU) call(fn func() error) error {
	done := make(chan error, 1)
	v.runQueue <- func() {
		done <- fn()
	}
	return <-done
}

func (v *virtualCPU) init(supported *kvmCPUID2, overrides []hv.CPUIDResult) error {
	return v.call(func() error {
		table := *supported
		if err := applyCPUID(&table, overrides); err != nil {
			return err
		}
		if _, err := kvmCall("KVM_SET_CPUID2", v.fd, kvmSetCpuid2, unsafe.Pointer(&table)); err != nil {
			return err
		}
		return v.applyGuestDebug()
	})
}

func (v *virtualCPU) applyGuestDebug() error {
	var control uint32
	if v.exitCtx.breakpointExits {
		control |= kvmGuestDbgEnable | kvmGuestDbgUseSwBp
	}
	if v.exitCtx.singleStep {
		control |= kvmGuestDbgEnable | kvmGuestDbgSingleStep
	}
	if control == v.debugControl {
		return nil
	}
	dbg := kvmGuestDebug{Control: control}
	if _, err := kvmCall("KVM_SET_GUEST_DEBUG", v.fd, kvmSetGuestDebug, unsafe.Pointer(&dbg)); err != nil {
		return err
	}
	v.debugControl = control
	return nil
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
	rd := runData(v.run)
	v.pending = completion{}

	for {
		if v.cancel.Swap(false) {
			rd.immediateExit = 0
			return hv.ExitInfo{Reason: hv.ExitCancelled, Raw: hv.RawExit{Code: uint64(kvmExitIntr)}}, nil
		}

		_, err := ioctl(uintptr(v.fd), kvmRun, 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			// A Cancel that lost the race with the previous exit may have
			// left immediate_exit set without a pending request.
			if !v.cancel.Load() {
				rd.immediateExit = 0
			}
			continue
		}
		if err != nil {
			return hv.ExitInfo{}, hv.NativeError("KVM_RUN", int64(err.(unix.Errno)), err)
		}
		break
	}

	info, pending := translateExit(v.run, v.exitCtx)
	v.pending = pending

	if kvmExitReason(rd.exitReason) == kvmExitInternalError {
		ie := (*kvmExitInternalErrorData)(unsafe.Pointer(&rd.exit[0]))
		slog.Error("kvm: internal error", "vcpu", v.index, "suberror", ie.suberror)
	}
	return info, nil
}

// Cancel may be called from any goroutine. immediate_exit makes a KVM_RUN
// that has not started yet return at once; the signal interrupts one in
// progress.
func (v *virtualCPU) Cancel() error {
	v.cancel.Store(true)
	runData(v.run).immediateExit = 1

	tid := v.tid.Load()
	if tid == 0 {
		return nil
	}
	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
		return hv.NativeError("tgkill", 0, err)
	}
	return nil
}

// fetch loads the state structures in groups.
func (v *virtualCPU) fetch(s *vcpuState, groups registerGroup, msrs []uint32) error {
	if groups&groupRegs != 0 {
		if _, err := kvmCall("KVM_GET_REGS", v.fd, kvmGetRegs, unsafe.Pointer(&s.regs)); err != nil {
			return err
		}
	}
	if groups&groupSRegs != 0 {
		if _, err := kvmCall("KVM_GET_SREGS", v.fd, kvmGetSregs, unsafe.Pointer(&s.sregs)); err != nil {
			return err
		}
	}
	if groups&groupFPU != 0 {
		if _, err := kvmCall("KVM_GET_FPU", v.fd, kvmGetFpu, unsafe.Pointer(&s.fpu)); err != nil {
			return err
		}
	}
	if groups&groupXCRs != 0 {
		if _, err := kvmCall("KVM_GET_XCRS", v.fd, kvmGetXcrs, unsafe.Pointer(&s.xcrs)); err != nil {
			return err
		}
	}
	if groups&groupDebug != 0 {
		if _, err := kvmCall("KVM_GET_DEBUGREGS", v.fd, kvmGetDebugregs, unsafe.Pointer(&s.debug)); err != nil {
			return err
		}
	}
	if groups&groupMSRs != 0 {
		var buf kvmMsrs
		buf.Nmsrs = uint32(len(msrs))
		for i, idx := range msrs {
			buf.Entries[i].Index = idx
		}
		n, err := kvmCall("KVM_GET_MSRS", v.fd, kvmGetMsrs, unsafe.Pointer(&buf))
		if err != nil {
			return err
		}
		if n != len(msrs) {
			return fmt.Errorf("kvm: msr %#x not readable: %w", msrs[n], hv.ErrUnsupportedOperation)
		}
		s.msrs = make(map[uint32]uint64, len(msrs))
		for _, e := range buf.Entries[:n] {
			s.msrs[e.Index] = e.Data
		}
	}
	return nil
}

// store writes back the structures in groups.
func (v *virtualCPU) store(s *vcpuState, groups registerGroup, msrs []uint32) error {
	if groups&groupRegs != 0 {
		if _, err := kvmCall("KVM_SET_REGS", v.fd, kvmSetRegs, unsafe.Pointer(&s.regs)); err != nil {
			return err
		}
	}
	if groups&groupSRegs != 0 {
		if _, err := kvmCall("KVM_SET_SREGS", v.fd, kvmSetSregs, unsafe.Pointer(&s.sregs)); err != nil {
			return err
		}
	}
	if groups&groupFPU != 0 {
		if _, err := kvmCall("KVM_SET_FPU", v.fd, kvmSetFpu, unsafe.Pointer(&s.fpu)); err != nil {
			return err
		}
	}
	if groups&groupXCRs != 0 {
		if _, err := kvmCall("KVM_SET_XCRS", v.fd, kvmSetXcrs, unsafe.Pointer(&s.xcrs)); err != nil {
			return err
		}
	}
	if groups&groupDebug != 0 {
		if _, err := kvmCall("KVM_SET_DEBUGREGS", v.fd, kvmSetDebugregs, unsafe.Pointer(&s.debug)); err != nil {
			return err
		}
	}
	if groups&groupMSRs != 0 {
		var buf kvmMsrs
		buf.Nmsrs = uint32(len(msrs))
		for i, idx := range msrs {
			buf.Entries[i] = kvmMsrEntry{Index: idx, Data: s.msrs[idx]}
		}
		n, err := kvmCall("KVM_SET_MSRS", v.fd, kvmSetMsrs, unsafe.Pointer(&buf))
		if err != nil {
			return err
		}
		if n != len(msrs) {
			return fmt.Errorf("kvm: msr %#x not writable: %w", msrs[n], hv.ErrUnsupportedOperation)
		}
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	groups, msrs, err := groupsFor(regs)
	if err != nil {
		return err
	}
	return v.call(func() error {
		var s vcpuState
		if err := v.fetch(&s, groups, msrs); err != nil {
			return err
		}
		for i, r := range regs {
			val, err := s.get(r)
			if err != nil {
				return err
			}
			values[i] = val
		}
		return nil
	})
}

func (v *virtualCPU) SetRegisters(regs []hv.Register, values []hv.RegisterValue) error {
	groups, msrs, err := groupsFor(regs)
	if err != nil {
		return err
	}
	return v.call(func() error {
		var s vcpuState
		// MSRs are written individually; every other group is read,
		// modified and written back whole.
		if err := v.fetch(&s, groups&^groupMSRs, nil); err != nil {
			return err
		}
		for i, r := range regs {
			if err := s.set(r, values[i]); err != nil {
				return err
			}
		}
		return v.store(&s, groups, msrs)
	})
}

func (v *virtualCPU) SetIOResult(data uint64) error {
	return v.call(func() error {
		if v.pending.kind == pendingNone {
			return fmt.Errorf("kvm: vcpu %d has no pending read: %w", v.index, hv.ErrInvalidArgument)
		}
		complete(v.run, v.pending, data)
		v.pending = completion{}
		return nil
	})
}

func (v *virtualCPU) SetSingleStep(enabled bool) error {
	return v.call(func() error {
		v.exitCtx.singleStep = enabled
		return v.applyGuestDebug()
	})
}

func (v *virtualCPU) Close() error {
	v.vm.removeVCPU(v.index)
	return v.release()
}

// release stops the vCPU thread and frees the kernel objects.
func (v *virtualCPU) release() error {
	var err error
	v.closeOnce.Do(func() {
		close(v.runQueue)
		if merr := unix.Munmap(v.run); merr != nil {
			err = errors.Join(err, fmt.Errorf("kvm: munmap vcpu run: %w", merr))
		}
		if cerr := unix.Close(v.fd); cerr != nil {
			err = errors.Join(err, fmt.Errorf("kvm: close vcpu fd: %w", cerr))
		}
	})
	return err
}
