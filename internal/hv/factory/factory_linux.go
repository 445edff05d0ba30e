//go:build linux && amd64

package factory

const hostKind = KindKVM
