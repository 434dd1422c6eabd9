package backend

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	// ErrKindNotRegistered indicates no factory exists for a backend type.
	ErrKindNotRegistered = errors.New("backend type not registered")

	// ErrConfigInvalid indicates the backend configuration was rejected.
	ErrConfigInvalid = errors.New("invalid backend configuration")
)

// Authentication errors.
var (
	// ErrNotAuthenticated is satisfied by every failed password check.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrEmptyUID indicates a password check without a username.
	ErrEmptyUID = errors.New("empty uid")

	// ErrDomainMismatch indicates the login's domain is not the configured one.
	ErrDomainMismatch = errors.New("domain mismatch")

	// ErrUserPattern indicates the login name failed the configured pattern.
	ErrUserPattern = errors.New("login name does not match pattern")
)

// Class sorts authentication failures by cause.
type Class int

const (
	// ClassRejected: the remote source refused the credentials.
	ClassRejected Class = iota + 1
	// ClassConnectivity: dial, TLS or timeout failures.
	ClassConnectivity
	// ClassProtocol: the remote source answered with something unexpected.
	ClassProtocol
	// ClassConfiguration: missing executables, bad URLs, domain or pattern
	// violations and other local setup problems.
	ClassConfiguration
	// ClassInternal: the local identity store failed.
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassConnectivity:
		return "connectivity"
	case ClassProtocol:
		return "protocol"
	case ClassConfiguration:
		return "configuration"
	case ClassInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the failure returned by Backend.CheckPassword.
type Error struct {
	Class   Class
	Backend string
	Op      string
	Err     error
}

// NewError wraps err as a failed check of class c.
func NewError(c Class, backend, op string, err error) *Error {
	return &Error{Class: c, Backend: backend, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Backend, e.Op, e.Class, e.Err)
}

// Unwrap exposes both ErrNotAuthenticated and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotAuthenticated}
	}
	return []error{ErrNotAuthenticated, e.Err}
}

// ClassOf returns the class of the first *Error in err's chain, or 0.
func ClassOf(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return 0
}

// IsRejected reports whether err is a credential rejection.
func IsRejected(err error) bool { return ClassOf(err) == ClassRejected }

// IsConnectivity reports whether err is a connectivity failure.
func IsConnectivity(err error) bool { return ClassOf(err) == ClassConnectivity }

// IsProtocol reports whether err is a protocol failure.
func IsProtocol(err error) bool { return ClassOf(err) == ClassProtocol }

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool { return ClassOf(err) == ClassConfiguration }
