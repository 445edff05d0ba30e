package whp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/hvcore/internal/hv"
)

type hresult int32

func (h hresult) Error() string { return fmt.Sprintf("HRESULT %#08x", uint32(h)) }

// whvUnknownCapability is WHV_E_UNKNOWN_CAPABILITY, returned by releases that
// predate a capability code.
const whvUnknownCapability = hresult(-0x7fc8fd00) // 0x80370300

// capabilityQuery reads one WHV_CAPABILITY value.
type capabilityQuery func(code whvCapabilityCode) (uint64, error)

// capabilities answers the negotiator's queries with WHvGetCapability.
type capabilities struct {
	query       capabilityQuery
	// dirtyBitmap reports whether WHvQueryGpaRangeDirtyBitmap is bound.
	dirtyBitmap func() bool
}

// known reads code, treating a capability the release does not know as
// zero.
func (c capabilities) known(code whvCapabilityCode) (uint64, error) {
	v, err := c.query(code)
	var hr hresult
	if errors.As(err, &hr) && hr == whvUnknownCapability {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (c capabilities) Present() (bool, error) {
	present, err := c.query(whvCapabilityHypervisorPresent)
	if err != nil {
		return false, err
	}
	return uint32(present) != 0, nil
}

// QueryFeatures publishes the defaults every WHP release has even when the
// feature query fails, so that the descriptor stays usable.
func (c capabilities) QueryFeatures(fd *hv.FeatureDescriptor) error {
	features, ferr := c.known(whvCapabilityFeatures)
	width, werr := c.known(whvCapabilityPhysicalAddressWidth)

	fd.FloatingPointExtensions = hv.FPExtFXSAVE
	if features&whvFeatureXsave != 0 {
		fd.FloatingPointExtensions |= hv.FPExtXSAVE
	}
	fd.ExtendedControlRegisters = hv.ExtCR8 | hv.ExtMXCSRMask

	fd.MaxProcessorsPerVM = 64
	fd.MaxProcessorsGlobal = 128
	if w := uint8(width); w != 0 {
		fd.GuestPhysicalAddress = hv.NewGPALimits(w)
	}

	fd.UnrestrictedGuest = true
	fd.ExtendedPageTables = true
	fd.LargeMemoryAllocation = true
	fd.CustomCPUIDs = true
	fd.DirtyPageTracking = features&whvFeatureDirtyPageTracking != 0 && c.dirtyBitmap != nil && c.dirtyBitmap()
	fd.PartialDirtyBitmap = true
	fd.PartialUnmapping = features&whvFeaturePartialUnmap != 0
	fd.MemoryAliasing = true
	fd.MemoryUnmapping = true

	fd.RegisterClasses = hv.AllRegisterClasses
	return errors.Join(ferr, werr)
}

func (c capabilities) QueryExtendedExits() (hv.ExtendedVMExit, error) {
	bits, err := c.known(whvCapabilityExtendedVmExits)
	if err != nil {
		return 0, err
	}
	return extendedExitsFromWHV(bits), nil
}

func (c capabilities) QueryExceptionExits() (hv.ExceptionBitmap, error) {
	bits, err := c.known(whvCapabilityExceptionExitBitmap)
	if err != nil {
		return 0, err
	}
	return hv.ExceptionBitmap(bits), nil
}
