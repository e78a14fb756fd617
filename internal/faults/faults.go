// Package faults defines the error taxonomy shared by the orchestrator and
// its handlers. Classification decides retry behavior: transient failures
// earn the single automatic retry, permanent ones surface immediately, and
// collaborator outages trigger degraded behavior instead of task failure.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a handler failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindCollaboratorUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCollaboratorUnavailable:
		return "collaborator_unavailable"
	default:
		return "unknown"
	}
}

// Fault wraps an underlying error with its classification. The original
// error text is preserved verbatim for caller diagnostics.
type Fault struct {
	Kind Kind
	Err  error
}

func (f *Fault) Error() string {
	return f.Err.Error()
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Transient marks err as eligible for the orchestrator's automatic retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: KindTransient, Err: err}
}

// Transientf is a convenience formatter for transient faults.
func Transientf(format string, args ...interface{}) error {
	return &Fault{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: KindPermanent, Err: err}
}

// Permanentf is a convenience formatter for permanent faults.
func Permanentf(format string, args ...interface{}) error {
	return &Fault{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Unavailable marks err as a collaborator outage.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: KindCollaboratorUnavailable, Err: err}
}

// Classify returns the kind of err. Deadline and cancellation errors are
// treated as transient even when unwrapped, since they usually indicate a
// timeout rather than bad input.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether the orchestrator may requeue a task that failed
// with err. Unknown errors are not retried; only an explicit transient
// classification or a timeout earns the retry.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}
