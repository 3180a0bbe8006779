// Package coreerr defines the error taxonomy shared across the agent core,
// grounded on the teacher's plain fmt.Errorf("...: %w", err) wrapping style
// (no example repo in the pack ships a dedicated error-taxonomy library) with
// one addition: a structured Kind so callers can branch on error category the
// way spec.md's "tagged result with a structured kind" requires.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError for caller-side branching.
type Kind string

const (
	KindInput             Kind = "input"
	KindTransport         Kind = "transport"
	KindTimeout           Kind = "timeout"
	KindProtocol          Kind = "protocol"
	KindStorage           Kind = "storage"
	KindConsistency       Kind = "consistency"
	KindResourceExhausted Kind = "resource_exhausted"
	KindFatal             Kind = "fatal"
)

// CoreError is the standard error shape returned by public operations.
type CoreError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New constructs a CoreError with no wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap constructs a CoreError wrapping an underlying error.
func Wrap(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
