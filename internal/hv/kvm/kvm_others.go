//go:build !(linux && amd64)

// Package kvm drives the Linux Kernel-based Virtual Machine through
// /dev/kvm.
package kvm

import (
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
)

// Driver reports KVM as absent on hosts without an x86-64 Linux kernel.
type Driver struct{}

var _ hv.Driver = (*Driver)(nil)

func New() *Driver { return &Driver{} }

func (*Driver) Name() string { return "kvm" }

func (*Driver) Load() error {
	return fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}

func (*Driver) Unload() error                                  { return nil }
func (*Driver) Version() hv.VersionInfo                        { return hv.VersionInfo{} }
func (*Driver) Present() (bool, error)                         { return false, nil }
func (*Driver) QueryFeatures(*hv.FeatureDescriptor) error      { return hv.ErrHypervisorUnsupported }
func (*Driver) QueryExtendedExits() (hv.ExtendedVMExit, error) { return 0, hv.ErrHypervisorUnsupported }
func (*Driver) QueryExceptionExits() (hv.ExceptionBitmap, error) {
	return 0, hv.ErrHypervisorUnsupported
}

func (*Driver) CreateVM(hv.VMSpec, *hv.FeatureDescriptor) (hv.NativeVM, error) {
	return nil, hv.ErrHypervisorUnsupported
}
