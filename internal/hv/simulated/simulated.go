// Package simulated is an in-process backend that interprets a small subset
// of x86 so the hypervisor core can be exercised on hosts without hardware
// virtualization.
package simulated

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/hvcore/internal/hv"
)

// Config controls what the simulated backend reports. The zero value is a
// present backend with DefaultFeatures.
type Config struct {
	Name    string
	Version hv.VersionInfo

	// Absent makes the presence query report no hypervisor.
	Absent bool
	// LoadError is returned from Load when set.
	LoadError error

	// Features replaces DefaultFeatures when non-nil. ExtendedVMExits and
	// ExceptionExits are reported through the exit queries.
	Features *hv.FeatureDescriptor
}

// DefaultFeatures is what the simulated backend advertises unless Config
// says otherwise.
func DefaultFeatures() hv.FeatureDescriptor {
	return hv.FeatureDescriptor{
		FloatingPointExtensions:  hv.FPExtMMX | hv.FPExtSSE | hv.FPExtSSE2 | hv.FPExtFXSAVE,
		ExtendedControlRegisters: hv.ExtCR8 | hv.ExtMXCSRMask,
		ExtendedVMExits: hv.ExtendedExitCPUID | hv.ExtendedExitMSRAccess |
			hv.ExtendedExitException | hv.ExtendedExitTSCAccess,
		ExceptionExits: hv.ExceptionBit(hv.ExceptionDivideError) |
			hv.ExceptionBit(hv.ExceptionBreakpoint) |
			hv.ExceptionBit(hv.ExceptionInvalidOpcode) |
			hv.ExceptionBit(hv.ExceptionGeneralProtection) |
			hv.ExceptionBit(hv.ExceptionPageFault),
		GuestPhysicalAddress:  hv.NewGPALimits(36),
		MaxProcessorsPerVM:    16,
		MaxProcessorsGlobal:   64,
		UnrestrictedGuest:     true,
		ExtendedPageTables:    true,
		LargeMemoryAllocation: true,
		CustomCPUIDs:          true,
		DirtyPageTracking:     true,
		PartialDirtyBitmap:    true,
		PartialUnmapping:      true,
		MemoryAliasing:        true,
		MemoryUnmapping:       true,
		RegisterClasses:       hv.AllRegisterClasses,
	}
}

// Driver implements hv.Driver.
type Driver struct {
	cfg      Config
	features hv.FeatureDescriptor

	mu     sync.Mutex
	loaded bool
}

var _ hv.Driver = (*Driver)(nil)

func New(cfg Config) *Driver {
	if cfg.Name == "" {
		cfg.Name = "simulated"
	}
	if cfg.Version.IsZero() {
		cfg.Version = hv.VersionInfo{Major: 1}
	}
	fd := DefaultFeatures()
	if cfg.Features != nil {
		fd = *cfg.Features
	}
	return &Driver{cfg: cfg, features: fd}
}

func (d *Driver) Name() string { return d.cfg.Name }

func (d *Driver) Load() error {
	if d.cfg.LoadError != nil {
		return d.cfg.LoadError
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = true
	return nil
}

func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = false
	return nil
}

func (d *Driver) Version() hv.VersionInfo { return d.cfg.Version }

func (d *Driver) Present() (bool, error) { return !d.cfg.Absent, nil }

func (d *Driver) QueryFeatures(fd *hv.FeatureDescriptor) error {
	*fd = d.features
	fd.ExtendedVMExits = 0
	fd.ExceptionExits = 0
	return nil
}

func (d *Driver) QueryExtendedExits() (hv.ExtendedVMExit, error) {
	return d.features.ExtendedVMExits, nil
}

func (d *Driver) QueryExceptionExits() (hv.ExceptionBitmap, error) {
	return d.features.ExceptionExits, nil
}

func (d *Driver) CreateVM(spec hv.VMSpec, fd *hv.FeatureDescriptor) (hv.NativeVM, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("simulated: create vm: %w", hv.ErrInitializationFailure)
	}

	vm := &machine{
		features:   *fd,
		exits:      spec.ExtendedVMExits,
		exceptions: spec.ExceptionExits,
		cpuid:      make(map[uint32]hv.CPUIDResult, len(spec.CPUIDResults)),
		pages:      make(map[uint64]*page),
		vps:        make(map[int]*processor),
	}
	for _, r := range spec.CPUIDResults {
		vm.cpuid[r.Function] = r
	}

	slog.Debug("simulated: created vm", "exits", spec.ExtendedVMExits, "cpuid_overrides", len(spec.CPUIDResults))
	return vm, nil
}
