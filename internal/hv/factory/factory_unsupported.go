//go:build !((linux && amd64) || (windows && amd64))

package factory

const hostKind Kind = ""
