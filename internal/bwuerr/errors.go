// Package bwuerr defines the error taxonomy shared by the bandwidth-upgrade
// subsystem: transport, protocol, policy, resource, cancellation, and
// credential failures, so callers can branch on kind with errors.As instead
// of string-matching.
package bwuerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// Transport covers IO errors, socket creation failures, read timeouts,
	// and peer-initiated closes.
	Transport Kind = "transport"

	// Protocol covers invalid frames, unexpected events for the current
	// state, and malformed UpgradePathInfo payloads.
	Protocol Kind = "protocol"

	// Policy covers same-medium-upgrade refusal, the wifi-lan-vs-hotspot
	// conflict, and mediums unavailable locally.
	Policy Kind = "policy"

	// Resource covers a medium refusing to start accepting connections or
	// an unresolved peer device (e.g. unknown MAC address).
	Resource Kind = "resource"

	// Cancellation covers client-initiated cancellation of an in-flight dial.
	Cancellation Kind = "cancellation"

	// Credential covers advertisement decryption failing to match any
	// shared credential.
	Credential Kind = "credential"
)

// Error is a kinded error that optionally wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a kinded error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a kinded error wrapping cause. If cause is nil, Wrap returns nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Retryable reports whether an error kind represents a failure worth
// retrying on another medium (Transport, Resource, Policy) as opposed to one
// that should end the upgrade attempt outright (Cancellation, Protocol,
// Credential — Credential is presence-only). An error that is not an *Error
// counts as retryable. The BWU manager's retry path does not call it.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return true
	}
	switch e.Kind {
	case Transport, Resource, Policy:
		return true
	default:
		return false
	}
}
