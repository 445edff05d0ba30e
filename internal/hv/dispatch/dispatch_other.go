//go:build !(darwin || linux || freebsd || windows)

package dispatch

import "errors"

var errNoLoader = errors.New("dynamic loading not supported on this platform")

func openLibrary(string) (uintptr, error)           { return 0, errNoLoader }
func lookupSymbol(uintptr, string) (uintptr, error) { return 0, errNoLoader }
func closeLibrary(uintptr) error                    { return nil }
func registerFunc(any, uintptr)                     {}
