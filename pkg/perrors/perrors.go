// Package perrors defines the error taxonomy the provisioner core
// uses to distinguish failure kinds, modeled on the typed
// TerminalError the teacher's cloud provider clients return
// (pkg/cloudprovider/errors.TerminalError) and extended to the six
// kinds spec.md §7 requires.
package perrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec.md §7.
type Kind string

const (
	KindConfigError           Kind = "ConfigError"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindTimeout               Kind = "Timeout"
	KindLaunchFailed          Kind = "LaunchFailed"
	KindInvariantError        Kind = "InvariantError"
	KindTransientBackendError Kind = "TransientBackendError"
)

// Error is the provisioner's typed error. Message should always be
// able to carry kernel_id/assigned_host context per spec.md §7's
// "user-visible failure" requirement.
type Error struct {
	Kind         Kind
	KernelID     string
	AssignedHost string
	Reason       string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.KernelID != "" {
		msg += fmt.Sprintf(" (kernel_id=%s)", e.KernelID)
	}
	if e.AssignedHost != "" {
		msg += fmt.Sprintf(" (assigned_host=%s)", e.AssignedHost)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, &perrors.Error{Kind: perrors.KindTimeout}) holds for
// any Timeout error. The target's other fields are not compared.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind Kind, kernelID, assignedHost string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:         kind,
		KernelID:     kernelID,
		AssignedHost: assignedHost,
		Reason:       fmt.Sprintf(format, args...),
		Err:          err,
	}
}

func ConfigError(format string, args ...any) *Error {
	return newf(KindConfigError, "", "", nil, format, args...)
}

func PermissionDenied(kernelID string, format string, args ...any) *Error {
	return newf(KindPermissionDenied, kernelID, "", nil, format, args...)
}

func Timeout(kernelID, assignedHost string, format string, args ...any) *Error {
	return newf(KindTimeout, kernelID, assignedHost, nil, format, args...)
}

func LaunchFailed(kernelID, assignedHost string, err error, format string, args ...any) *Error {
	return newf(KindLaunchFailed, kernelID, assignedHost, err, format, args...)
}

func InvariantError(kernelID string, format string, args ...any) *Error {
	return newf(KindInvariantError, kernelID, "", nil, format, args...)
}

func TransientBackendError(kernelID string, err error, format string, args ...any) *Error {
	return newf(KindTransientBackendError, kernelID, "", err, format, args...)
}

// IsKind reports whether err is a *Error of the given kind, anywhere
// in its Unwrap chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrAlreadyTerminated is returned where identity comparison is more
// natural than the structured Error above (mirrors
// cloudprovidererrors.ErrInstanceNotFound), by operations that reject
// being called again once a kernel has reached its terminal state.
var ErrAlreadyTerminated = errors.New("kernel already terminated")
