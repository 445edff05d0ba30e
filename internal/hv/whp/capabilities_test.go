package whp

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvcore/internal/hv"
)

// stubCapabilities answers WHvGetCapability from a table. Codes listed in
// fail return that HRESULT instead.
func stubCapabilities(values map[whvCapabilityCode]uint64, fail map[whvCapabilityCode]hresult) capabilities {
	return capabilities{
		query: func(code whvCapabilityCode) (uint64, error) {
			if hr, ok := fail[code]; ok {
				return 0, hv.NativeError("WHvGetCapability", int64(hr), hr)
			}
			return values[code], nil
		},
		dirtyBitmap: func() bool { return true },
	}
}

// capabilityDriver is a WHP driver whose native side is only the
// capability table.
type capabilityDriver struct {
	capabilities
	version hv.VersionInfo
}

func (*capabilityDriver) Name() string              { return "whpx" }
func (*capabilityDriver) Load() error               { return nil }
func (*capabilityDriver) Unload() error             { return nil }
func (d *capabilityDriver) Version() hv.VersionInfo { return d.version }

func (*capabilityDriver) CreateVM(hv.VMSpec, *hv.FeatureDescriptor) (hv.NativeVM, error) {
	return nil, errors.New("no partitions")
}

const eFail = hresult(-0x7fffbffb) // 0x80004005

var capabilityTable = map[whvCapabilityCode]uint64{
	whvCapabilityHypervisorPresent:    1,
	whvCapabilityFeatures:             whvFeatureXsave | whvFeatureDirtyPageTracking,
	whvCapabilityExtendedVmExits:      whvExtendedExitCpuid | whvExtendedExitException,
	whvCapabilityExceptionExitBitmap:  0xffff_ffff,
	whvCapabilityPhysicalAddressWidth: 39,
}

func newCapabilityPlatform(fail map[whvCapabilityCode]hresult) *hv.Platform {
	d := &capabilityDriver{
		capabilities: stubCapabilities(capabilityTable, fail),
		version:      hv.VersionInfo{Major: 10, Build: 19045},
	}
	return hv.NewPlatform(d, hv.WithHostInfo(hv.HostInfo{GPA: hv.NewGPALimits(48)}))
}

func TestCapabilityQueries(t *testing.T) {
	p := newCapabilityPlatform(nil)
	if p.Status() != hv.StatusOK {
		t.Fatalf("status = %s (%v), want ok", p.Status(), p.InitError())
	}
	fd := p.Features()
	if fd.FloatingPointExtensions&hv.FPExtXSAVE == 0 {
		t.Errorf("xsave not reported")
	}
	if !fd.DirtyPageTracking {
		t.Errorf("dirty page tracking not reported")
	}
	if fd.GuestPhysicalAddress.MaxBits != 39 {
		t.Errorf("gpa bits = %d, want 39", fd.GuestPhysicalAddress.MaxBits)
	}
	if want := hv.ExtendedExitCPUID | hv.ExtendedExitException; fd.ExtendedVMExits != want {
		t.Errorf("extended exits = %s, want %s", fd.ExtendedVMExits, want)
	}
	if fd.ExceptionExits != 0xffff_ffff {
		t.Errorf("exception exits = %#x", uint64(fd.ExceptionExits))
	}
}

func TestCapabilityQueryFailureMarksFailed(t *testing.T) {
	for _, code := range []whvCapabilityCode{
		whvCapabilityFeatures,
		whvCapabilityExtendedVmExits,
		whvCapabilityExceptionExitBitmap,
		whvCapabilityPhysicalAddressWidth,
	} {
		p := newCapabilityPlatform(map[whvCapabilityCode]hresult{code: eFail})
		if p.Status() != hv.StatusFailed {
			t.Errorf("code %#x: status = %s, want failed", uint32(code), p.Status())
			continue
		}
		if !errors.Is(p.InitError(), hv.ErrNativeCallFailure) {
			t.Errorf("code %#x: init error = %v, want native call failure", uint32(code), p.InitError())
		}
		// The remaining queries still ran.
		if code != whvCapabilityExtendedVmExits && p.Features().ExtendedVMExits&hv.ExtendedExitCPUID == 0 {
			t.Errorf("code %#x: extended exits not queried after failure", uint32(code))
		}
		if p.Features().MaxProcessorsPerVM != 64 {
			t.Errorf("code %#x: defaults not published", uint32(code))
		}
	}
}

func TestUnknownCapabilityIsAbsent(t *testing.T) {
	p := newCapabilityPlatform(map[whvCapabilityCode]hresult{
		whvCapabilityPhysicalAddressWidth: whvUnknownCapability,
		whvCapabilityExceptionExitBitmap:  whvUnknownCapability,
	})
	if p.Status() != hv.StatusOK {
		t.Fatalf("status = %s (%v), want ok", p.Status(), p.InitError())
	}
	fd := p.Features()
	if fd.GuestPhysicalAddress.MaxBits != 48 {
		t.Errorf("gpa bits = %d, want host width 48", fd.GuestPhysicalAddress.MaxBits)
	}
	if fd.ExceptionExits != 0 {
		t.Errorf("exception exits = %#x, want none", uint64(fd.ExceptionExits))
	}
}

func TestPresenceQueryFailure(t *testing.T) {
	p := newCapabilityPlatform(map[whvCapabilityCode]hresult{whvCapabilityHypervisorPresent: eFail})
	if p.Status() != hv.StatusUnavailable {
		t.Fatalf("status = %s, want unavailable", p.Status())
	}
}
