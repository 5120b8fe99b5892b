// Package oasiserr defines the error taxonomy shared across the incident
// engine. Callers classify failures with errors.Is/errors.As and pick retry
// or surface behavior from the class, not from error strings.
package oasiserr

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by conditional finding writes when the
	// stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("finding version conflict")

	// ErrStaleOrInvalidDecision is returned when an approval decision
	// references a finding that does not exist, is not awaiting approval,
	// or conflicts with a decision already recorded.
	ErrStaleOrInvalidDecision = errors.New("stale or invalid decision")

	// ErrNotFound is returned when a record does not exist in the store.
	ErrNotFound = errors.New("not found")
)

// Class buckets an error for propagation policy.
type Class string

const (
	ClassTransientIO          Class = "transient_io"
	ClassValidationFailure    Class = "validation_failure"
	ClassConcurrencyConflict  Class = "concurrency_conflict"
	ClassRemediationFailure   Class = "remediation_failure"
	ClassConfigurationFailure Class = "configuration_failure"
)

// Error carries a taxonomy class alongside a wrapped cause.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a taxonomy class and the operation that failed.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Transient wraps a store/advisory/notification timeout or connectivity
// error that is safe to retry with backoff.
func Transient(op string, err error) *Error {
	return New(ClassTransientIO, op, err)
}

// Validation wraps a malformed-input error. Not retried, nothing mutated.
func Validation(op string, err error) *Error {
	return New(ClassValidationFailure, op, err)
}

// Conflict wraps an optimistic-write collision surfaced after the bounded
// retry was exhausted.
func Conflict(op string, err error) *Error {
	return New(ClassConcurrencyConflict, op, err)
}

// Remediation wraps an action execution failure after retries.
func Remediation(op string, err error) *Error {
	return New(ClassRemediationFailure, op, err)
}

// Configuration wraps a missing or invalid startup configuration value.
// Fatal: the invocation aborts before any detection work.
func Configuration(op string, err error) *Error {
	return New(ClassConfigurationFailure, op, err)
}

// ClassOf returns the taxonomy class of err, or "" when untagged.
func ClassOf(err error) Class {
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return ""
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransientIO
}
