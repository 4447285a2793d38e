// Package fielderr defines the error taxonomy shared by the journal, graph,
// clutter engine and review gate.
//
// Three classes of failure exist:
//
//   - ValidationError: the caller broke a contract (bad confidence, missing
//     rationale, re-deciding a terminal proposal). Recoverable by the caller.
//   - IntegrityError: the derived graph disagrees with the journal, or an edge
//     weight is out of range. Fatal; surfaced to an operator and never
//     corrected automatically.
//   - I/O failures: returned wrapped with the operation that failed. No retry
//     policy is applied here.
//
// Use errors.Is with ErrValidation, ErrIntegrity and ErrNotFound to classify.
package fielderr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel classes.
var (
	ErrValidation = errors.New("validation failed")
	ErrIntegrity  = errors.New("integrity violation")
	ErrNotFound   = errors.New("not found")
)

// ValidationError describes a single contract violation by a caller.
type ValidationError struct {
	Field  string // offending field, may be empty
	Reason string
	Err    error // optional more specific sentinel
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
}

// Unwrap allows errors.Is to match both ErrValidation and the specific sentinel.
func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidWrap builds a ValidationError that also matches sentinel.
func InvalidWrap(sentinel error, field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: sentinel}
}

// IntegrityError lists every violation found in one integrity pass.
type IntegrityError struct {
	Violations []string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	const maxShown = 5
	shown := e.Violations
	suffix := ""
	if len(shown) > maxShown {
		suffix = fmt.Sprintf(" (and %d more)", len(shown)-maxShown)
		shown = shown[:maxShown]
	}
	return fmt.Sprintf("%s: %s%s", ErrIntegrity, strings.Join(shown, "; "), suffix)
}

// Unwrap returns ErrIntegrity.
func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

// IsValidation reports whether err is a caller contract violation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }

// IsNotFound reports whether err refers to a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
