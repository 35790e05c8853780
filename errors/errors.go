// Package errors provides error handling for revsync.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for CLI display
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check sync failure kinds
//	if errors.Is(err, errors.ErrDanglingParent) {
//	    // descriptor batch references a parent the store does not know
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Mark makes err match reference under Is without changing its message.
var Mark = crdb.Mark

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Generic sentinel errors.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// Revision sync sentinel errors.
var (
	// ErrAlreadyInProgress is returned synchronously when a sync session is
	// requested while another one is still running for the same project.
	ErrAlreadyInProgress = New("sync already in progress")

	// ErrTransport marks any non-2xx response or transport-level failure while
	// talking to the remote backend.
	ErrTransport = New("remote unavailable")

	// ErrDanglingParent is returned when a subtree is attached under a parent
	// the store does not contain.
	ErrDanglingParent = New("dangling parent")

	// ErrCyclicInput is returned when a descriptor batch contains a parent cycle.
	ErrCyclicInput = New("cyclic revision input")

	// ErrPayloadConflict is returned when a shallow revision is completed with
	// content that differs from what it already holds.
	ErrPayloadConflict = New("payload conflict")

	// ErrUnknownRevision is returned when the head is pointed at a revision the
	// store does not contain.
	ErrUnknownRevision = New("unknown revision")

	// ErrDuplicateRevision is returned when an inserted revision id already exists.
	ErrDuplicateRevision = New("duplicate revision")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsTransportError checks if an error is or wraps ErrTransport
func IsTransportError(err error) bool {
	return err != nil && Is(err, ErrTransport)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewTransportError creates a transport error carrying the messages reported by
// the remote side as details, so they survive wrapping and reach the owner.
func NewTransportError(remoteErrors []string, format string, args ...interface{}) error {
	err := Wrapf(ErrTransport, format, args...)
	for _, msg := range remoteErrors {
		if msg != "" {
			err = WithDetail(err, msg)
		}
	}
	return err
}

// Messages flattens err into the human-readable list reported to a sync owner.
// Remote-reported details come first when present; the error chain is always
// included as the final entry.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	details := GetAllDetails(err)
	out := make([]string, 0, len(details)+1)
	out = append(out, details...)
	out = append(out, err.Error())
	return out
}
