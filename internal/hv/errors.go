package hv

import (
	"errors"
	"fmt"
)

var (
	ErrInitializationFailure = errors.New("hypervisor platform not initialized")
	ErrUnavailableFeature    = errors.New("feature unavailable")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrResourceBusy          = errors.New("resource busy")
	ErrNativeCallFailure     = errors.New("native hypervisor call failed")
	ErrCancelled             = errors.New("run cancelled")

	ErrPlatformClosed        = errors.New("platform closed")
	ErrVMClosed              = errors.New("virtual machine closed")
	ErrVPDestroyed           = errors.New("virtual processor destroyed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
)

// NativeCallError records an unexpected status returned by the host
// hypervisor runtime.
type NativeCallError struct {
	Call string
	Code int64
	Err  error
}

func (e *NativeCallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %#x: %v", e.Call, uint64(e.Code), e.Err)
	}
	return fmt.Sprintf("%s: status %#x", e.Call, uint64(e.Code))
}

func (e *NativeCallError) Unwrap() error { return e.Err }

func (e *NativeCallError) Is(target error) bool { return target == ErrNativeCallFailure }

// NativeError wraps err as a NativeCallError for call. A nil err stays nil.
func NativeError(call string, code int64, err error) error {
	if err == nil && code == 0 {
		return nil
	}
	return &NativeCallError{Call: call, Code: code, Err: err}
}

// FeatureError is returned when an operation needs a capability the
// platform's feature descriptor does not advertise.
type FeatureError struct {
	Feature string
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnavailableFeature, e.Feature)
}

func (e *FeatureError) Is(target error) bool {
	return target == ErrUnavailableFeature || target == ErrUnsupportedOperation
}

func missingFeature(format string, args ...any) error {
	return &FeatureError{Feature: fmt.Sprintf(format, args...)}
}

// RegisterError reports a register that was rejected by a batched register
// operation.
type RegisterError struct {
	Register Register
	Err      error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("register %s: %v", e.Register, e.Err)
}

func (e *RegisterError) Unwrap() error { return e.Err }
