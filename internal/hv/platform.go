package hv

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Platform is the entry point for one hypervisor backend. It owns the
// driver (and through it the backend's dispatch table), the negotiated
// feature descriptor and every VirtualMachine created from it.
type Platform struct {
	driver   Driver
	loaded   bool
	version  VersionInfo
	status   InitStatus
	initErr  error
	features FeatureDescriptor

	mu      sync.Mutex
	closed  bool
	vms     map[*VirtualMachine]struct{}
	vpCount int
}

type platformOptions struct {
	host *HostInfo
}

type PlatformOption func(*platformOptions)

// WithHostInfo replaces host CPU detection.
func WithHostInfo(h HostInfo) PlatformOption {
	return func(o *platformOptions) { o.host = &h }
}

// NewPlatform loads the driver and negotiates its capabilities. It never
// fails: the outcome is reported by Status and InitError, and a Platform
// that is not StatusOK refuses to create VMs.
func NewPlatform(d Driver, opts ...PlatformOption) *Platform {
	var o platformOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &Platform{
		driver: d,
		status: StatusUninitialized,
		vms:    make(map[*VirtualMachine]struct{}),
	}

	if d == nil {
		p.status = StatusFailed
		p.initErr = fmt.Errorf("hv: nil driver: %w", ErrInitializationFailure)
		return p
	}

	if err := d.Load(); err != nil {
		slog.Debug("hv: backend unavailable", "backend", d.Name(), "error", err)
		p.status = StatusUnavailable
		p.initErr = fmt.Errorf("hv: load %s: %w", d.Name(), errors.Join(ErrInitializationFailure, err))
		return p
	}
	p.loaded = true
	p.version = d.Version()

	host := DetectHost()
	if o.host != nil {
		host = *o.host
	}

	n := negotiate(d, p.version, host)
	p.features = n.features
	p.status, p.initErr = n.status()
	if p.status == StatusUnavailable && p.initErr == nil {
		p.initErr = fmt.Errorf("hv: %s: hypervisor not present: %w", d.Name(), ErrInitializationFailure)
	}

	slog.Debug("hv: platform initialized",
		"backend", d.Name(),
		"version", p.version,
		"status", p.status,
		"features", p.features,
	)

	return p
}

func (p *Platform) Name() string {
	if p.driver == nil {
		return ""
	}
	return p.driver.Name()
}

func (p *Platform) Version() VersionInfo { return p.version }
func (p *Platform) Status() InitStatus   { return p.status }

// InitError explains a status other than StatusOK. With StatusOK it is nil.
func (p *Platform) InitError() error { return p.initErr }

// Features returns a copy of the negotiated feature descriptor.
func (p *Platform) Features() FeatureDescriptor { return p.features }

// VMs returns the live virtual machines in no particular order.
func (p *Platform) VMs() []*VirtualMachine {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*VirtualMachine, 0, len(p.vms))
	for vm := range p.vms {
		out = append(out, vm)
	}
	return out
}

func (p *Platform) validateSpec(spec VMSpec) error {
	fd := &p.features
	if spec.ProcessorCount < 0 {
		return fmt.Errorf("processor count %d: %w", spec.ProcessorCount, ErrInvalidArgument)
	}
	if spec.ProcessorCount > fd.MaxProcessorsPerVM {
		return fmt.Errorf("processor count %d exceeds limit %d: %w",
			spec.ProcessorCount, fd.MaxProcessorsPerVM, ErrResourceLimitExceeded)
	}
	if missing := spec.ExtendedVMExits &^ fd.ExtendedVMExits; missing != 0 {
		return missingFeature("extended vm exits %s", missing)
	}
	if spec.ExceptionExits != 0 {
		if spec.ExtendedVMExits&ExtendedExitException == 0 {
			return fmt.Errorf("exception exits without exception exit request: %w", ErrInvalidArgument)
		}
		if missing := spec.ExceptionExits &^ fd.ExceptionExits; missing != 0 {
			return missingFeature("exception exits %#x", uint64(missing))
		}
	}
	if len(spec.CPUIDResults) > 0 && !fd.CustomCPUIDs {
		return missingFeature("custom cpuid results")
	}
	return nil
}

// CreateVM creates a virtual machine. Nothing is returned unless the VM was
// fully created.
func (p *Platform) CreateVM(spec VMSpec) (*VirtualMachine, error) {
	if p.status != StatusOK {
		return nil, fmt.Errorf("hv: create vm: platform %s: %w", p.status, ErrInitializationFailure)
	}
	if err := p.validateSpec(spec); err != nil {
		return nil, fmt.Errorf("hv: create vm: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("hv: create vm: %w", ErrPlatformClosed)
	}
	p.mu.Unlock()

	fd := p.features
	native, err := p.driver.CreateVM(spec, &fd)
	if err != nil {
		return nil, fmt.Errorf("hv: create vm: %w", nativeError("create vm", err))
	}

	vm := newVirtualMachine(p, native, spec)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if err := native.Close(); err != nil {
			slog.Error("hv: close vm after platform shutdown", "error", err)
		}
		return nil, fmt.Errorf("hv: create vm: %w", ErrPlatformClosed)
	}
	p.vms[vm] = struct{}{}

	return vm, nil
}

func (p *Platform) removeVM(vm *VirtualMachine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.vms, vm)
}

// reserveVP claims one slot against the global processor limit.
func (p *Platform) reserveVP() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vpCount >= p.features.MaxProcessorsGlobal {
		return fmt.Errorf("platform holds %d processors: %w", p.vpCount, ErrResourceLimitExceeded)
	}
	p.vpCount++
	return nil
}

func (p *Platform) releaseVP() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vpCount > 0 {
		p.vpCount--
	}
}

// Close destroys every outstanding VM and then releases the backend. It is
// safe to call more than once.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	vms := make([]*VirtualMachine, 0, len(p.vms))
	for vm := range p.vms {
		vms = append(vms, vm)
	}
	p.mu.Unlock()

	var errs []error

	if p.status == StatusOK {
		var g errgroup.Group
		for _, vm := range vms {
			g.Go(vm.Close)
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("hv: destroy vms: %w", err))
		}
	}

	if p.loaded {
		if err := p.driver.Unload(); err != nil {
			errs = append(errs, fmt.Errorf("hv: unload %s: %w", p.driver.Name(), err))
		}
		p.loaded = false
	}

	return errors.Join(errs...)
}

// nativeError makes sure err matches ErrNativeCallFailure unless it already
// carries a more specific classification.
func nativeError(call string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrNativeCallFailure, ErrUnsupportedOperation, ErrInvalidArgument,
		ErrResourceLimitExceeded, ErrResourceBusy,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &NativeCallError{Call: call, Err: err}
}
