package services

import (
	"errors"
	"fmt"
)

// ErrReconcileInFlight is returned when a reconcile pass is triggered while another one runs.
var ErrReconcileInFlight = errors.New("reconcile pass already in flight")

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown user, session or leaderboard entry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError describes a cached aggregate that disagreed with the source of truth.
// It is only logged and recorded; callers never see it.
type ConflictError struct {
	UserID string
	Field  string
	Cached float64
	Fresh  float64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("user %s: %s cached=%v fresh=%v", e.UserID, e.Field, e.Cached, e.Fresh)
}

// TransientIOError wraps a storage or cache failure that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var v *ValidationError
	var nf *NotFoundError
	if errors.As(err, &v) || errors.As(err, &nf) {
		return err
	}
	return &TransientIOError{Op: op, Err: err}
}
