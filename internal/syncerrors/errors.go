// Package syncerrors provides the structured error types used across the
// synchronization engine.
package syncerrors

import (
	"errors"
	"fmt"
)

// Code classifies what went wrong, independent of where.
type Code string

const (
	CodeVersionConflict    Code = "VERSION_CONFLICT"
	CodeDataIntegrity      Code = "DATA_INTEGRITY"
	CodeBroadcastFailure   Code = "BROADCAST_FAILURE"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
)

// SyncError is the base error type for the engine. Code drives caller
// behavior: conflicts mean refetch-and-retry, integrity failures mean fix the
// payload, broadcast failures mean the mutation already committed, and
// unavailable means back off without assuming either outcome.
type SyncError struct {
	// Op is the operation during which the error occurred.
	Op string

	// Component that generated the error (e.g. "broker", "lock_manager").
	Component string

	Code Code

	// Retryable reports whether retrying the same call can succeed without
	// the caller changing anything.
	Retryable bool

	Err error
}

func (e *SyncError) Error() string {
	msg := e.Op + " failed"
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// VersionConflict reports a stale caller view. The caller must refetch the
// record and retry; no state was mutated.
func VersionConflict(op string, err error) *SyncError {
	return &SyncError{Op: op, Component: "lock_manager", Code: CodeVersionConflict, Err: err}
}

// DataIntegrity reports a malformed or oversized payload, rejected atomically.
func DataIntegrity(op string, err error) *SyncError {
	return &SyncError{Op: op, Code: CodeDataIntegrity, Err: err}
}

// Broadcast reports a delivery failure after the mutation already committed.
func Broadcast(op string, err error) *SyncError {
	return &SyncError{Op: op, Component: "broker", Code: CodeBroadcastFailure, Retryable: true, Err: err}
}

// Unavailable reports that the circuit is open or the system is degraded. The
// caller must back off and must not assume the mutation succeeded or failed.
func Unavailable(op string, err error) *SyncError {
	return &SyncError{Op: op, Code: CodeServiceUnavailable, Err: err}
}

// Wrap creates a generic SyncError for anything outside the taxonomy.
func Wrap(op, component string, err error) *SyncError {
	return &SyncError{Op: op, Component: component, Code: CodeInternal, Err: err}
}

func is(err error, code Code) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func IsVersionConflict(err error) bool { return is(err, CodeVersionConflict) }
func IsDataIntegrity(err error) bool   { return is(err, CodeDataIntegrity) }
func IsBroadcast(err error) bool       { return is(err, CodeBroadcastFailure) }
func IsUnavailable(err error) bool     { return is(err, CodeServiceUnavailable) }

// IsRetryable reports whether the error is a retryable SyncError.
func IsRetryable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}
