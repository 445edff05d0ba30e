package hv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tinyrange/hvcore/internal/timeslice"
)

var (
	tsRunSetup = timeslice.RegisterKind("hv_run_setup", 0)
	exitSlices = func() map[ExitReason]timeslice.TimesliceID {
		m := make(map[ExitReason]timeslice.TimesliceID)
		for r := ExitNormal; r <= ExitUnknown; r++ {
			m[r] = timeslice.RegisterKind("hv_guest_"+r.String(), timeslice.SliceFlagGuestTime)
		}
		return m
	}()
)

// VirtualProcessor runs guest code for one processor of a VirtualMachine.
//
// At most one Run may be in flight. Register access and other operations
// fail with ErrResourceBusy while Run is blocked; Cancel is the only call
// meant to be made from another goroutine during a Run.
type VirtualProcessor struct {
	vm     *VirtualMachine
	index  int
	native NativeVP

	mu            sync.Mutex
	state         VPState
	cancelPending bool
	runDone       chan struct{}
	cache         map[Register]RegisterValue
}

func newVirtualProcessor(vm *VirtualMachine, index int, native NativeVP) *VirtualProcessor {
	return &VirtualProcessor{
		vm:     vm,
		index:  index,
		native: native,
		state:  VPCreated,
		cache:  make(map[Register]RegisterValue),
	}
}

func (vp *VirtualProcessor) Index() int                      { return vp.index }
func (vp *VirtualProcessor) VirtualMachine() *VirtualMachine { return vp.vm }

func (vp *VirtualProcessor) State() VPState {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.state
}

// usable reports whether a non-run operation may proceed. vp.mu must be
// held.
func (vp *VirtualProcessor) usable() error {
	switch vp.state {
	case VPRunning:
		return ErrResourceBusy
	case VPDestroyed:
		return ErrVPDestroyed
	}
	return nil
}

// Run executes guest code until the next VM exit. A concurrent second Run
// fails immediately with ErrResourceBusy.
func (vp *VirtualProcessor) Run() (ExitInfo, error) {
	rec := timeslice.NewRecorder()

	vp.mu.Lock()
	if err := vp.usable(); err != nil {
		vp.mu.Unlock()
		return ExitInfo{}, fmt.Errorf("hv: run vp %d: %w", vp.index, err)
	}
	if vp.cancelPending {
		vp.cancelPending = false
		vp.mu.Unlock()
		return ExitInfo{Reason: ExitCancelled}, nil
	}
	vp.state = VPRunning
	vp.runDone = make(chan struct{})
	clear(vp.cache)
	vp.mu.Unlock()

	rec.Record(tsRunSetup)

	start := time.Now()
	exit, err := vp.native.Run()
	timeslice.Record(exitSlices[exit.Reason], time.Since(start))

	vp.mu.Lock()
	defer vp.mu.Unlock()
	close(vp.runDone)

	if err != nil {
		vp.state = VPIdle
		return ExitInfo{}, fmt.Errorf("hv: run vp %d: %w", vp.index, nativeError("run", err))
	}
	if exit.Reason == ExitHalt {
		vp.state = VPHalted
	} else {
		vp.state = VPIdle
	}
	return exit, nil
}

// RunContext is Run with ctx cancellation delivered through Cancel. A run
// stopped by ctx returns ExitCancelled and an error matching both
// ErrCancelled and ctx.Err().
func (vp *VirtualProcessor) RunContext(ctx context.Context) (ExitInfo, error) {
	if err := ctx.Err(); err != nil {
		return ExitInfo{Reason: ExitCancelled}, fmt.Errorf("hv: run vp %d: %w", vp.index, errors.Join(ErrCancelled, err))
	}

	stop := context.AfterFunc(ctx, func() { _ = vp.Cancel() })
	exit, err := vp.Run()
	if stop() {
		return exit, err
	}

	// The context fired. If the run ended on its own first, drop the
	// cancellation that may have been latched for the next Run.
	if exit.Reason != ExitCancelled {
		vp.mu.Lock()
		vp.cancelPending = false
		vp.mu.Unlock()
		return exit, err
	}
	if err == nil {
		err = fmt.Errorf("hv: run vp %d: %w", vp.index, errors.Join(ErrCancelled, ctx.Err()))
	}
	return exit, err
}

// Cancel stops a blocked Run, which then returns ExitCancelled. When no Run
// is in flight the request is kept and the next Run returns ExitCancelled
// without entering the guest. A cancel that races with a natural exit may
// be delivered to the following Run.
func (vp *VirtualProcessor) Cancel() error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	switch vp.state {
	case VPDestroyed:
		return fmt.Errorf("hv: cancel vp %d: %w", vp.index, ErrVPDestroyed)
	case VPRunning:
		if err := vp.native.Cancel(); err != nil {
			return fmt.Errorf("hv: cancel vp %d: %w", vp.index, nativeError("cancel run", err))
		}
	default:
		vp.cancelPending = true
	}
	return nil
}

// validate checks every register before anything is touched.
func (vp *VirtualProcessor) validate(regs map[Register]RegisterValue, values bool) ([]Register, error) {
	fd := vp.vm.features()
	names := make([]Register, 0, len(regs))
	for r, v := range regs {
		if !r.Valid() {
			return nil, &RegisterError{Register: r, Err: ErrInvalidArgument}
		}
		if err := fd.checkRegister(r); err != nil {
			return nil, &RegisterError{Register: r, Err: err}
		}
		if values {
			if v == nil {
				return nil, &RegisterError{Register: r, Err: fmt.Errorf("nil value: %w", ErrInvalidArgument)}
			}
			if err := r.checkValue(v); err != nil {
				return nil, &RegisterError{Register: r, Err: err}
			}
		}
		names = append(names, r)
	}
	slices.Sort(names)
	return names, nil
}

// GetRegisters fills in the value of every register named by a key of regs.
// Registers not named are not read.
func (vp *VirtualProcessor) GetRegisters(regs map[Register]RegisterValue) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if err := vp.usable(); err != nil {
		return fmt.Errorf("hv: get registers vp %d: %w", vp.index, err)
	}
	names, err := vp.validate(regs, false)
	if err != nil {
		return fmt.Errorf("hv: get registers vp %d: %w", vp.index, err)
	}

	var missing []Register
	for _, r := range names {
		if _, ok := vp.cache[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		values := make([]RegisterValue, len(missing))
		if err := vp.native.GetRegisters(missing, values); err != nil {
			return fmt.Errorf("hv: get registers vp %d: %w", vp.index, nativeError("get registers", err))
		}
		for i, r := range missing {
			vp.cache[r] = values[i]
		}
	}

	for _, r := range names {
		regs[r] = vp.cache[r]
	}
	return nil
}

// SetRegisters writes every register in regs in one batch.
func (vp *VirtualProcessor) SetRegisters(regs map[Register]RegisterValue) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if err := vp.usable(); err != nil {
		return fmt.Errorf("hv: set registers vp %d: %w", vp.index, err)
	}
	names, err := vp.validate(regs, true)
	if err != nil {
		return fmt.Errorf("hv: set registers vp %d: %w", vp.index, err)
	}
	if len(names) == 0 {
		return nil
	}

	values := make([]RegisterValue, len(names))
	for i, r := range names {
		values[i] = regs[r]
	}
	if err := vp.native.SetRegisters(names, values); err != nil {
		// The backend may have applied part of the batch.
		for _, r := range names {
			delete(vp.cache, r)
		}
		return fmt.Errorf("hv: set registers vp %d: %w", vp.index, nativeError("set registers", err))
	}
	for i, r := range names {
		vp.cache[r] = values[i]
	}
	return nil
}

// SetIOResult supplies the value read by the guest for the last IO or
// memory access read exit. It takes effect on the next Run.
func (vp *VirtualProcessor) SetIOResult(data uint64) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if err := vp.usable(); err != nil {
		return fmt.Errorf("hv: set io result vp %d: %w", vp.index, err)
	}
	if err := vp.native.SetIOResult(data); err != nil {
		return fmt.Errorf("hv: set io result vp %d: %w", vp.index, nativeError("set io result", err))
	}
	delete(vp.cache, RegisterAMD64Rax)
	return nil
}

// SetSingleStep makes every following Run stop with ExitStep after one
// guest instruction.
func (vp *VirtualProcessor) SetSingleStep(enabled bool) error {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	if err := vp.usable(); err != nil {
		return fmt.Errorf("hv: single step vp %d: %w", vp.index, err)
	}
	if err := vp.native.SetSingleStep(enabled); err != nil {
		return fmt.Errorf("hv: single step vp %d: %w", vp.index, nativeError("single step", err))
	}
	delete(vp.cache, RegisterAMD64Rflags)
	return nil
}

// destroy releases the backend VP. With force, a running VP is cancelled
// and waited for; otherwise it is reported busy.
func (vp *VirtualProcessor) destroy(force bool) error {
	vp.mu.Lock()
	for vp.state == VPRunning {
		if !force {
			vp.mu.Unlock()
			return ErrResourceBusy
		}
		done := vp.runDone
		_ = vp.native.Cancel()
		vp.mu.Unlock()
		<-done
		vp.mu.Lock()
	}
	if vp.state == VPDestroyed {
		vp.mu.Unlock()
		return nil
	}
	vp.state = VPDestroyed
	clear(vp.cache)
	vp.mu.Unlock()

	return vp.native.Close()
}
