// Package fault classifies pipeline errors so callers can decide between
// acknowledging, retrying, and shutting down.
package fault

import (
	"errors"
	"fmt"
)

// Kind buckets an error by how the event source should react to it.
type Kind int

const (
	// KindBadInput marks a malformed event or body. The event is failed
	// permanently and acknowledged so the source does not retry it.
	KindBadInput Kind = iota
	// KindTransient marks network blips, lock contention and timeouts.
	// The source retries with backoff.
	KindTransient
	// KindIntegrity marks a unique-index violation other than the expected
	// dedup conflict. Treated as transient once, then escalated.
	KindIntegrity
	// KindDownstream marks a permanent delivery failure (Slack 4xx). Logged
	// and abandoned for that event; never fails the core.
	KindDownstream
	// KindFatal marks an unreachable store. The process stops accepting
	// events and reports unhealthy.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindDownstream:
		return "downstream"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// BadInput wraps a formatted message as KindBadInput.
func BadInput(format string, args ...any) error {
	return &Error{Kind: KindBadInput, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as KindTransient.
func Transient(err error) error { return New(KindTransient, err) }

// Fatal wraps err as KindFatal.
func Fatal(err error) error { return New(KindFatal, err) }

// KindOf extracts the Kind from err. Unclassified errors are treated as
// transient so at-least-once delivery errs on the side of retrying.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
