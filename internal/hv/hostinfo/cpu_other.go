//go:build !amd64

package hostinfo

// Non-x86 hosts expose no x86 extensions; the address width falls back to
// defaultGPABits.
func detect() CPU { return CPU{} }
