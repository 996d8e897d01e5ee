package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrValidation          = errors.New("validation failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStaleGeneration     = errors.New("stale generation")
	ErrPositionCanceled    = errors.New("position canceled")
	ErrExecutionInFlight   = errors.New("execution in flight")
	ErrBatchTooLarge       = errors.New("batch too large")
	ErrNoRoute             = errors.New("no route")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrEmergencyLocked     = errors.New("emergency delay not elapsed")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// SkipError marks an execution attempt as skipped with no mutation of any
// kind. It wraps guard failures, routing dead ends, and slippage shortfalls.
type SkipError struct {
	Reason SkipReason
	Err    error // optional underlying cause
}

func (e *SkipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution skipped (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("execution skipped (%s)", e.Reason)
}

func (e *SkipError) Unwrap() error { return e.Err }

// Skip builds a SkipError for the given reason.
func Skip(reason SkipReason) *SkipError {
	return &SkipError{Reason: reason}
}

// SkipWith builds a SkipError wrapping an underlying cause.
func SkipWith(reason SkipReason, err error) *SkipError {
	return &SkipError{Reason: reason, Err: err}
}

// SkipReasonOf extracts the skip reason from err, or SkipNone when err is not
// a SkipError.
func SkipReasonOf(err error) SkipReason {
	var se *SkipError
	if errors.As(err, &se) {
		return se.Reason
	}
	return SkipNone
}
