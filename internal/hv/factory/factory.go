// Package factory hands out the process-wide Platform for each backend.
package factory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/hvcore/internal/hv"
	"github.com/tinyrange/hvcore/internal/hv/kvm"
	"github.com/tinyrange/hvcore/internal/hv/simulated"
	"github.com/tinyrange/hvcore/internal/hv/whp"
)

// Kind names a backend.
type Kind string

const (
	KindWHPX      Kind = "whpx"
	KindKVM       Kind = "kvm"
	KindSimulated Kind = "simulated"
)

// Kinds lists every backend the factory knows about.
func Kinds() []Kind { return []Kind{KindWHPX, KindKVM, KindSimulated} }

var drivers = map[Kind]func() hv.Driver{
	KindWHPX:      func() hv.Driver { return whp.New() },
	KindKVM:       func() hv.Driver { return kvm.New() },
	KindSimulated: func() hv.Driver { return simulated.New(simulated.Config{}) },
}

type instance struct {
	once     sync.Once
	platform *hv.Platform
}

var (
	mu        sync.Mutex
	instances = make(map[Kind]*instance)
)

// Instance returns the Platform for kind, constructing it on first use.
// Construction never fails; callers check Platform.Status.
func Instance(kind Kind) (*hv.Platform, error) {
	newDriver, ok := drivers[kind]
	if !ok {
		return nil, fmt.Errorf("factory: unknown backend %q: %w", kind, hv.ErrInvalidArgument)
	}

	mu.Lock()
	inst, ok := instances[kind]
	if !ok {
		inst = &instance{}
		instances[kind] = inst
	}
	mu.Unlock()

	inst.once.Do(func() {
		inst.platform = hv.NewPlatform(newDriver())
	})
	return inst.platform, nil
}

// Default returns the Platform for the host's native backend.
func Default() (*hv.Platform, error) {
	if hostKind == "" {
		return nil, hv.ErrHypervisorUnsupported
	}
	return Instance(hostKind)
}

// HostKind reports the native backend for this build, or "" when none.
func HostKind() Kind { return hostKind }

// Shutdown closes every Platform handed out so far. A later Instance call
// builds a fresh Platform.
func Shutdown() error {
	mu.Lock()
	old := instances
	instances = make(map[Kind]*instance)
	mu.Unlock()

	var errs []error
	for kind, inst := range old {
		// Wait for a concurrent construction to finish.
		inst.once.Do(func() {})
		if inst.platform == nil {
			continue
		}
		if err := inst.platform.Close(); err != nil {
			errs = append(errs, fmt.Errorf("factory: close %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
