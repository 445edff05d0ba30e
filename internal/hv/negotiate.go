package hv

import (
	"errors"
	"log/slog"
)

// versionGate enables part of the descriptor only from a minimum backend
// version onwards.
type versionGate struct {
	min   VersionInfo
	apply func(fd *FeatureDescriptor)
}

// versionGates is the single place backend version thresholds live, keyed
// by Driver.Name.
var versionGates = map[string][]versionGate{
	"whpx": {
		{
			min:   VersionInfo{Major: 10, Minor: 0, Build: 17763},
			apply: func(fd *FeatureDescriptor) { fd.ExtendedControlRegisters |= ExtXCR0 },
		},
	},
}

// negotiation is the result of running the capability sequence.
type negotiation struct {
	features    FeatureDescriptor
	unavailable bool
	errs        []error
}

func (n *negotiation) fail(step string, err error) {
	slog.Warn("hv: capability query failed", "step", step, "error", err)
	if !errors.Is(err, ErrNativeCallFailure) {
		err = &NativeCallError{Call: step, Err: err}
	}
	n.errs = append(n.errs, err)
}

// status folds the outcome into an InitStatus. Unavailable wins over
// Failed: an absent hypervisor makes any other query failure moot.
func (n *negotiation) status() (InitStatus, error) {
	err := errors.Join(n.errs...)
	switch {
	case n.unavailable:
		return StatusUnavailable, err
	case err != nil:
		return StatusFailed, err
	default:
		return StatusOK, nil
	}
}

// negotiate runs the capability sequence against a loaded driver. Every
// query is attempted even after an earlier one failed so that partial
// feature information is still published.
func negotiate(d Driver, version VersionInfo, host HostInfo) *negotiation {
	n := &negotiation{}

	present, err := d.Present()
	if err != nil {
		n.fail("presence", err)
	}
	if !present {
		n.unavailable = true
		return n
	}

	fd := &n.features
	if err := d.QueryFeatures(fd); err != nil {
		n.fail("features", err)
	}
	fd.FloatingPointExtensions |= host.FloatingPointExtensions
	if fd.GuestPhysicalAddress.MaxBits == 0 || host.GPA.MaxBits < fd.GuestPhysicalAddress.MaxBits {
		fd.GuestPhysicalAddress = host.GPA
	}

	for _, gate := range versionGates[d.Name()] {
		if version.AtLeast(gate.min) {
			gate.apply(fd)
		}
	}

	exits, err := d.QueryExtendedExits()
	if err != nil {
		n.fail("extended exits", err)
	}
	fd.ExtendedVMExits |= exits

	if fd.ExtendedVMExits&ExtendedExitException != 0 {
		bitmap, err := d.QueryExceptionExits()
		if err != nil {
			n.fail("exception exit bitmap", err)
		}
		fd.ExceptionExits = bitmap
	}

	return n
}
