//go:build darwin || linux || freebsd

package dispatch

import (
	"fmt"

	"github.com/ebitengine/purego"
)

func openLibrary(name string) (uintptr, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return 0, fmt.Errorf("dlopen %s: %w", name, err)
	}
	return handle, nil
}

func lookupSymbol(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return purego.Dlclose(handle)
}

func registerFunc(target any, addr uintptr) {
	purego.RegisterFunc(target, addr)
}
