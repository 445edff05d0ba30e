//go:build !(windows && amd64)

// Package whp drives the Windows Hypervisor Platform through
// winhvplatform.dll, with port I/O and MMIO instructions completed by
// winhvemulation.dll.
package whp

import (
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
)

// Driver reports WHP as absent on hosts other than x86-64 Windows.
type Driver struct{}

var _ hv.Driver = (*Driver)(nil)

func New() *Driver { return &Driver{} }

func (*Driver) Name() string { return "whpx" }

func (*Driver) Load() error {
	return fmt.Errorf("whp: %w", hv.ErrHypervisorUnsupported)
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
