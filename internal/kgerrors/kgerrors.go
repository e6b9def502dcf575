// Package kgerrors defines the failure taxonomy shared by every query
// surface: a small set of kinds that callers branch on, carried by a
// structured error with the operation and the dataset/entity it concerns.
package kgerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers.
type Kind string

const (
	// KindNotFound marks a missing referent: an unknown entity
	// reference, document or dataset.
	KindNotFound Kind = "not_found"
	// KindDatasetNotReady marks a dataset whose query structure has not
	// been built yet. Retryable once ingestion or a rebuild completes.
	KindDatasetNotReady Kind = "dataset_not_ready"
	// KindInvalidRequest marks malformed input: wrong arity, empty
	// query, bad dimension.
	KindInvalidRequest Kind = "invalid_request"
	// KindUpstreamUnavailable marks an unreachable or failing backing
	// store or engine.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
)

// Error carries a failure kind plus the context needed for a
// caller-facing message.
type Error struct {
	Kind    Kind
	Op      string
	Dataset string
	Ref     string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Op)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Ref != "" {
		fmt.Fprintf(&b, " (entity %q)", e.Ref)
	}
	if e.Dataset != "" {
		fmt.Fprintf(&b, " (dataset %q)", e.Dataset)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind, so sentinel-style checks
// like errors.Is(err, &Error{Kind: KindNotFound}) work.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// WithDataset attaches the dataset scope to the error.
func (e *Error) WithDataset(dataset string) *Error {
	e.Dataset = dataset
	return e
}

// WithRef attaches the entity reference to the error.
func (e *Error) WithRef(ref string) *Error {
	e.Ref = ref
	return e
}

// New creates a structured error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and operation. Returns nil
// for a nil cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. The second
// return is false when err carries no Kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a KindNotFound failure.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsDatasetNotReady reports whether err marks an unbuilt dataset.
func IsDatasetNotReady(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindDatasetNotReady
}

// IsInvalidRequest reports whether err is a KindInvalidRequest failure.
func IsInvalidRequest(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindInvalidRequest
}

// IsUpstreamUnavailable reports whether err is a KindUpstreamUnavailable failure.
func IsUpstreamUnavailable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUpstreamUnavailable
}

// Common constructors.

// NewNotFound creates a not-found error.
func NewNotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

// NewDatasetNotReady creates a dataset-not-ready error for the dataset.
func NewDatasetNotReady(op, dataset string) *Error {
	return New(KindDatasetNotReady, op, "dataset has no queryable structure yet").WithDataset(dataset)
}

// NewInvalidRequest creates an invalid-request error.
func NewInvalidRequest(op, message string) *Error {
	return New(KindInvalidRequest, op, message)
}

// WrapUpstream wraps a backend failure as upstream-unavailable, with a
// short note on what was being attempted.
func WrapUpstream(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Message: message, Cause: err}
}
