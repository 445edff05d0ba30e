package factory

import (
	"errors"
	"testing"

	"github.com/tinyrange/hvcore/internal/hv"
)

func TestInstanceIsShared(t *testing.T) {
	t.Cleanup(func() { Shutdown() })

	a, err := Instance(KindSimulated)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	b, err := Instance(KindSimulated)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if a != b {
		t.Fatal("Instance returned two platforms for the same kind")
	}
	if a.Status() != hv.StatusOK {
		t.Fatalf("status = %s, want ok (%v)", a.Status(), a.InitError())
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := Instance("haxm"); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("Instance(haxm) = %v, want ErrInvalidArgument", err)
	}
}

func TestShutdownClosesPlatforms(t *testing.T) {
	p, err := Instance(KindSimulated)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if _, err := p.CreateVM(hv.VMSpec{ProcessorCount: 1}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := p.CreateVM(hv.VMSpec{}); !errors.Is(err, hv.ErrPlatformClosed) {
		t.Fatalf("CreateVM after Shutdown = %v, want ErrPlatformClosed", err)
	}

	q, err := Instance(KindSimulated)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	defer Shutdown()
	if q == p {
		t.Fatal("Instance after Shutdown returned the closed platform")
	}
}

func TestDefault(t *testing.T) {
	defer Shutdown()

	p, err := Default()
	if HostKind() == "" {
		if !errors.Is(err, hv.ErrHypervisorUnsupported) {
			t.Fatalf("Default = %v, want ErrHypervisorUnsupported", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if p.Name() != string(HostKind()) {
		t.Fatalf("Default backend = %q, want %q", p.Name(), HostKind())
	}
	// Whether the host actually has a hypervisor is environment specific.
	t.Logf("%s: %s", p.Name(), p.Status())
}
