package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures for retry and reporting decisions.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindValidation ErrorKind = "validation"
	KindQuota      ErrorKind = "quota"
	KindConflict   ErrorKind = "conflict"
	KindFatal      ErrorKind = "fatal"
)

var (
	// ErrConflict is returned when a transition is attempted from an unexpected status.
	ErrConflict = errors.New("job state conflict")
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrAdmissionDenied is returned by claims refused by the admission predicate.
	ErrAdmissionDenied = errors.New("admission denied")
)

// JobError tags an error with a kind.
type JobError struct {
	Kind ErrorKind
	Err  error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *JobError) Unwrap() error { return e.Err }

// Transient marks err as retryable (network, timeout).
func Transient(err error) error { return &JobError{Kind: KindTransient, Err: err} }

// Validation marks err as malformed input; never retried.
func Validation(err error) error { return &JobError{Kind: KindValidation, Err: err} }

// Quota marks err as a platform quota refusal.
func Quota(err error) error { return &JobError{Kind: KindQuota, Err: err} }

// Fatal marks err as unexpected.
func Fatal(err error) error { return &JobError{Kind: KindFatal, Err: err} }

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// KindOf extracts the kind of err. Untagged errors are fatal, except context
// deadlines which are transient and conflicts which keep their kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, ErrConflict) {
		return KindConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// Describe renders err as the kind-tagged text stored in last_error.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", KindOf(err), err.Error())
}

// ParseKind splits a stored last_error back into its kind.
func ParseKind(lastError string) ErrorKind {
	kind, _, ok := strings.Cut(lastError, ":")
	if !ok {
		return ""
	}
	return ErrorKind(kind)
}
