package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the taxonomic class of a failure.
type ErrorKind string

const (
	ErrInvalidSpecKind    ErrorKind = "invalid_spec"
	ErrInvalidCredentials ErrorKind = "invalid_credentials"
	ErrChallengeRequired  ErrorKind = "challenge_required"
	ErrNetwork            ErrorKind = "network_error"
	ErrTimeout            ErrorKind = "timeout"
	ErrDomDrift           ErrorKind = "dom_drift"
	ErrAuthLost           ErrorKind = "auth_lost"
	ErrInternal           ErrorKind = "internal_error"
	ErrDependency         ErrorKind = "dependency_error"
	ErrCancelled          ErrorKind = "cancelled"
)

// Retriable reports whether a job failing with k may be re-queued.
// internal_error is retriable once; the scheduler enforces that bound.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrNetwork, ErrTimeout, ErrDomDrift, ErrAuthLost, ErrInternal:
		return true
	}
	return false
}

// SessionFatal reports whether k means the browser session is unusable.
func (k ErrorKind) SessionFatal() bool {
	switch k {
	case ErrAuthLost, ErrInvalidCredentials, ErrChallengeRequired:
		return true
	}
	return false
}

var (
	// ErrNoWork is returned by ClaimNextJob when nothing is ready.
	ErrNoWork = errors.New("core: no work")
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("core: not found")
	// ErrInvalidSpec wraps every JobSpec validation failure.
	ErrInvalidSpec = errors.New("core: invalid job spec")
)

// Error carries an ErrorKind through error wrapping.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unknown errors are internal_error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidSpec):
		return ErrInvalidSpecKind
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return ErrInternal
}
