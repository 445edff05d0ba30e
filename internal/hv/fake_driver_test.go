package hv

import (
	"errors"
	"fmt"
	"sync"
)

// fakeDriver records every call and fails the ones named in failures.
type fakeDriver struct {
	name     string
	version  VersionInfo
	present  bool
	loadErr  error
	features FeatureDescriptor
	exits    ExtendedVMExit
	bitmap   ExceptionBitmap
	failures map[string]error

	mu    sync.Mutex
	calls []string
}

var errFake = errors.New("fake native failure")

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		name:    "fake",
		version: VersionInfo{Major: 1},
		present: true,
		features: FeatureDescriptor{
			MaxProcessorsPerVM:  4,
			MaxProcessorsGlobal: 8,
			MemoryUnmapping:     true,
			RegisterClasses:     ClassGeneral,
		},
		failures: make(map[string]error),
	}
}

func (d *fakeDriver) record(call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.failures[call]
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Load() error {
	d.record("load")
	return d.loadErr
}

func (d *fakeDriver) Unload() error { return d.record("unload") }

func (d *fakeDriver) Version() VersionInfo {
	d.record("version")
	return d.version
}

func (d *fakeDriver) Present() (bool, error) {
	err := d.record("present")
	return d.present, err
}

func (d *fakeDriver) QueryFeatures(fd *FeatureDescriptor) error {
	if err := d.record("features"); err != nil {
		return err
	}
	*fd = d.features
	return nil
}

func (d *fakeDriver) QueryExtendedExits() (ExtendedVMExit, error) {
	return d.exits, d.record("exits")
}

func (d *fakeDriver) QueryExceptionExits() (ExceptionBitmap, error) {
	return d.bitmap, d.record("exceptions")
}

func (d *fakeDriver) CreateVM(spec VMSpec, fd *FeatureDescriptor) (NativeVM, error) {
	if err := d.record("create vm"); err != nil {
		return nil, err
	}
	return &fakeVM{d: d}, nil
}

type fakeVM struct {
	d *fakeDriver
}

func (vm *fakeVM) MapMemory(gpa uint64, host []byte, perm MemoryPermission, flags MappingFlags) error {
	return vm.d.record(fmt.Sprintf("map %#x", gpa))
}

func (vm *fakeVM) UnmapMemory(gpa, size uint64) error {
	return vm.d.record(fmt.Sprintf("unmap %#x", gpa))
}

func (vm *fakeVM) ProtectMemory(gpa, size uint64, perm MemoryPermission) error {
	return vm.d.record(fmt.Sprintf("protect %#x", gpa))
}

func (vm *fakeVM) QueryDirtyBitmap(gpa, size uint64, bitmap []uint64) error {
	return vm.d.record("dirty")
}

func (vm *fakeVM) CreateVP(index int) (NativeVP, error) {
	if err := vm.d.record(fmt.Sprintf("create vp %d", index)); err != nil {
		return nil, err
	}
	return &fakeVP{d: vm.d, index: index}, nil
}

func (vm *fakeVM) Close() error { return vm.d.record("close vm") }

type fakeVP struct {
	d     *fakeDriver
	index int
}

func (vp *fakeVP) Run() (ExitInfo, error) {
	if err := vp.d.record("run"); err != nil {
		return ExitInfo{}, err
	}
	return ExitInfo{Reason: ExitHalt}, nil
}

func (vp *fakeVP) Cancel() error { return vp.d.record("cancel") }

func (vp *fakeVP) GetRegisters(regs []Register, values []RegisterValue) error {
	if err := vp.d.record("get registers"); err != nil {
		return err
	}
	for i, r := range regs {
		values[i] = Register64(uint64(r) * 10)
	}
	return nil
}

func (vp *fakeVP) SetRegisters(regs []Register, values []RegisterValue) error {
	return vp.d.record("set registers")
}

func (vp *fakeVP) SetIOResult(data uint64) error { return vp.d.record("io result") }

func (vp *fakeVP) SetSingleStep(enabled bool) error { return vp.d.record("single step") }

func (vp *fakeVP) Close() error { return vp.d.record(fmt.Sprintf("close vp %d", vp.index)) }
