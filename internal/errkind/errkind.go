// Package errkind classifies errors into the coarse categories the monitor
// reacts to: retryable provider failures, fatal configuration problems,
// cancellation, and so on. Kinds travel with the error via wrapping so that
// callers can branch on KindOf without string matching.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a category of failure.
type Kind int

const (
	// Internal is the fallback for unclassified errors.
	Internal Kind = iota
	// BadInput marks malformed caller input (e.g. invalid UTF-8 SQL text).
	BadInput
	// ConfigInvalid marks configuration that failed validation.
	ConfigInvalid
	// ProviderUnavailable marks a monitored instance that cannot be reached.
	ProviderUnavailable
	// ProviderTimeout marks a statistics call that exceeded its deadline.
	ProviderTimeout
	// StorageUnavailable marks the metric store being unreachable.
	StorageUnavailable
	// StorageConflict marks a lost write race in a store.
	StorageConflict
	// PolicyDenied marks a remediation refused by the guard.
	PolicyDenied
	// Cancelled marks context cancellation. Not logged at error level.
	Cancelled
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	BadInput:            "bad_input",
	ConfigInvalid:       "config_invalid",
	ProviderUnavailable: "provider_unavailable",
	ProviderTimeout:     "provider_timeout",
	StorageUnavailable:  "storage_unavailable",
	StorageConflict:     "storage_conflict",
	PolicyDenied:        "policy_denied",
	Cancelled:           "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Error carries a Kind alongside a message and optional cause.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil cause returns nil.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind carried by err. Context cancellation and deadline
// errors are classified even when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderTimeout
	}
	return Internal
}

// IsCancelled reports whether err unwinds from context cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}

// IsRetryable reports whether the failure is transient from the scheduler's
// point of view.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ProviderUnavailable, ProviderTimeout, StorageUnavailable:
		return true
	}
	return false
}
