package hv

// InitStatus is the outcome of constructing a Platform. It is set once and
// never changes afterwards.
type InitStatus int

const (
	StatusUninitialized InitStatus = iota
	StatusOK
	// StatusUnavailable means the backend runtime is missing or the
	// hypervisor is not enabled on this host.
	StatusUnavailable
	// StatusFailed means the backend answered a query with an unexpected
	// status code.
	StatusFailed
)

func (s InitStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VPState is the lifecycle state of a VirtualProcessor.
type VPState int

const (
	VPCreated VPState = iota
	VPIdle
	VPRunning
	VPHalted
	VPDestroyed
)

func (s VPState) String() string {
	switch s {
	case VPCreated:
		return "created"
	case VPIdle:
		return "idle"
	case VPRunning:
		return "running"
	case VPHalted:
		return "halted"
	case VPDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
