// Package faults defines the error taxonomy for the execution core and the
// pure classification and recovery-selection logic built on it. Error kinds
// are a tagged enum carried on a structured error value, so classification
// is a switch over the tag rather than a type-assertion chain.
package faults

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for classification and recovery.
type Kind int8

const (
	// KindUnknown is the default for unclassified errors.
	KindUnknown Kind = iota
	// KindInfrastructure covers sandbox or persistence being unavailable.
	KindInfrastructure
	// KindExecution covers generated code failing at runtime.
	KindExecution
	// KindTimeout covers a sandbox command exceeding its deadline. It is a
	// subtype of execution failure and equally recoverable.
	KindTimeout
	// KindSecurityViolation covers path escapes and insecure URLs. Never
	// retried.
	KindSecurityViolation
	// KindCoordination covers planning/analysis failures.
	KindCoordination
	// KindSerialization covers corrupt persisted state.
	KindSerialization
	// KindGeneration covers collaborator errors and unparsable responses.
	KindGeneration
	// KindResourceLimit covers failures a modified parameter could fix.
	KindResourceLimit
	// KindTransient covers rate limits, network resets and similar
	// infrastructure hiccups that resolve on their own.
	KindTransient
)

// String returns the wire representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInfrastructure:
		return "infrastructure"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindSecurityViolation:
		return "security_violation"
	case KindCoordination:
		return "coordination"
	case KindSerialization:
		return "serialization"
	case KindGeneration:
		return "generation"
	case KindResourceLimit:
		return "resource_limit"
	case KindTransient:
		return "transient"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is the structured error value used throughout the core. Context
// carries operation-scoped details (session id, subtask id, exit code) for
// diagnostics; it is never used for control flow.
type Error struct {
	Kind    Kind
	Msg     string
	Context map[string]string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// New creates a structured error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Wrapped: err}
}

// WithContext attaches a context key/value and returns the error for
// chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind from an error chain, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is enables errors.Is matching on kind sentinel values created with New.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}
