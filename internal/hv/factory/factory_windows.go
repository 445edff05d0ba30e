//go:build windows && amd64

package factory

const hostKind = KindWHPX
