// Package dispatch resolves a backend's entry points from a shared library
// at runtime so that a missing hypervisor runtime is reported as an absent
// backend instead of a load-time failure of the whole program.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/tinyrange/hvcore/internal/hv"
)

var (
	ErrLibraryNotFound = errors.New("dispatch: library not found")
	ErrSymbolNotFound  = errors.New("dispatch: symbol not found")
	ErrVersionTooOld   = errors.New("dispatch: runtime version too old")
)

// Symbol binds one exported function.
//
// Target is either a pointer to a func variable, which is bound with
// purego.RegisterFunc, or a *uintptr that receives the raw address.
type Symbol struct {
	Name     string
	Target   any
	Optional bool
}

// Table is the set of entry points one backend needs.
type Table struct {
	Name       string
	Libraries  []string
	Symbols    []Symbol
	MinVersion hv.VersionInfo

	// DetectVersion reports the runtime version once every required symbol
	// is bound. It must not call methods on the Table. A nil DetectVersion
	// skips the minimum version check.
	DetectVersion func() (hv.VersionInfo, error)

	mu       sync.Mutex
	handle   uintptr
	library  string
	loaded   bool
	version  hv.VersionInfo
	resolved map[string]bool
}

// Load opens the first library in Libraries that can be found and binds
// every symbol. On failure nothing stays bound and the library handle is
// released.
func (t *Table) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded {
		return nil
	}

	handle, library, err := t.open()
	if err != nil {
		return err
	}

	resolved := make(map[string]bool, len(t.Symbols))
	for _, sym := range t.Symbols {
		addr, err := lookupSymbol(handle, sym.Name)
		if err != nil || addr == 0 {
			if sym.Optional {
				slog.Debug("dispatch: optional symbol missing", "table", t.Name, "symbol", sym.Name)
				continue
			}
			t.reset()
			closeLibrary(handle)
			return fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, sym.Name, library)
		}
		if err := bind(sym.Target, addr); err != nil {
			t.reset()
			closeLibrary(handle)
			return fmt.Errorf("dispatch: bind %s: %w", sym.Name, err)
		}
		resolved[sym.Name] = true
	}

	var version hv.VersionInfo
	if t.DetectVersion != nil {
		version, err = t.DetectVersion()
		if err != nil {
			t.reset()
			closeLibrary(handle)
			return fmt.Errorf("dispatch: %s version: %w", t.Name, err)
		}
		if version.Less(t.MinVersion) {
			t.reset()
			closeLibrary(handle)
			return fmt.Errorf("%w: %s %s < %s", ErrVersionTooOld, t.Name, version, t.MinVersion)
		}
	}

	t.handle = handle
	t.library = library
	t.version = version
	t.resolved = resolved
	t.loaded = true

	slog.Debug("dispatch: loaded", "table", t.Name, "library", library, "version", version)
	return nil
}

func (t *Table) open() (uintptr, string, error) {
	var errs []error
	for _, name := range t.Libraries {
		handle, err := openLibrary(name)
		if err == nil {
			return handle, name, nil
		}
		errs = append(errs, err)
	}
	return 0, "", fmt.Errorf("%w: %s: %w", ErrLibraryNotFound, t.Name, errors.Join(errs...))
}

// Unload releases the library and zeroes every bound target.
func (t *Table) Unload() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		return nil
	}
	t.reset()
	t.loaded = false
	t.resolved = nil
	t.version = hv.VersionInfo{}
	handle := t.handle
	t.handle = 0
	t.library = ""
	return closeLibrary(handle)
}

func (t *Table) reset() {
	for _, sym := range t.Symbols {
		unbind(sym.Target)
	}
}

func (t *Table) Loaded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// Library returns the name of the library that satisfied Load.
func (t *Table) Library() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.library
}

// Version is the runtime version detected by Load.
func (t *Table) Version() hv.VersionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Has reports whether the named symbol is bound.
func (t *Table) Has(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved[name]
}

// Missing lists optional symbols that did not resolve.
func (t *Table) Missing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.loaded {
		return nil
	}
	var out []string
	for _, sym := range t.Symbols {
		if !t.resolved[sym.Name] {
			out = append(out, sym.Name)
		}
	}
	slices.Sort(out)
	return out
}

func bind(target any, addr uintptr) error {
	switch p := target.(type) {
	case nil:
		return nil
	case *uintptr:
		*p = addr
		return nil
	}
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Func {
		return fmt.Errorf("target %T is not a *uintptr or pointer to func", target)
	}
	registerFunc(target, addr)
	return nil
}

func unbind(target any) {
	switch p := target.(type) {
	case nil:
	case *uintptr:
		*p = 0
	default:
		v := reflect.ValueOf(target)
		if v.Kind() == reflect.Pointer && !v.IsNil() {
			v.Elem().SetZero()
		}
	}
}
