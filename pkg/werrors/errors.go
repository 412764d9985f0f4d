// Package werrors defines the typed error kinds used across the watchdog
// control plane, so callers can branch with errors.Is/errors.As instead of
// string-matching.
package werrors

import (
	"errors"
	"fmt"
)

// Kind classifies a watchdog error per the failure taxonomy.
type Kind int

const (
	KindConfig Kind = iota
	KindStoreRead
	KindStoreWrite
	KindProvider
	KindNotFound
	KindBootstrap
	KindHealthTimeout
	KindProbeFailure
	KindKeepaliveFailure
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindStoreRead:
		return "StoreReadError"
	case KindStoreWrite:
		return "StoreWriteError"
	case KindProvider:
		return "ProviderError"
	case KindNotFound:
		return "NotFound"
	case KindBootstrap:
		return "BootstrapError"
	case KindHealthTimeout:
		return "HealthTimeout"
	case KindProbeFailure:
		return "ProbeFailure"
	case KindKeepaliveFailure:
		return "KeepaliveFailure"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind so the rotation controller can
// classify and react to it per spec §7's error policy table.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error with no underlying cause.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap tags an underlying error with a Kind and a reason.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether the first *Error found in err's chain has the given
// Kind. Kinds of *Errors nested further down that chain are not checked.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ReasonOf returns the Reason carried by err if it is a *Error, else "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// ReasonOrError returns the Reason carried by err if it is a *Error,
// falling back to err.Error() otherwise. Used when persisting lastFailure,
// which stores a human-readable reason string regardless of error shape.
func ReasonOrError(err error) string {
	if r := ReasonOf(err); r != "" {
		return r
	}
	return err.Error()
}
