// Package apperr defines the five error categories the core surfaces to
// callers (spec.md §7): ValidationError, NotFoundError, ConflictError,
// StoreError, and InternalError. Each carries enough context (an assertion
// key or entity id, when applicable) for a caller to act on it, and maps to
// an HTTP status code without internal/httpapi needing to know the category
// vocabulary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// httpStatus is implemented by every error type in this package.
type httpStatus interface {
	StatusCode() int
}

// StatusCode returns the HTTP status a caller should report for err. Errors
// that don't originate from this package map to 500.
func StatusCode(err error) int {
	var hs httpStatus
	if errors.As(err, &hs) {
		return hs.StatusCode()
	}
	return http.StatusInternalServerError
}

// ValidationError reports malformed input: a spec/schema problem, an unknown
// entity/relationship type, a missing key column. Recoverable by the
// caller; never mutates state.
type ValidationError struct {
	Message       string
	AssertionKey  string
	EntityID      string
	Field         string
}

func (e *ValidationError) Error() string {
	return withContext("validation", e.Message, e.AssertionKey, e.EntityID)
}

func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// NewValidation builds a ValidationError with no assertion/entity context.
func NewValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity, import run, or workspace.
type NotFoundError struct {
	Message  string
	EntityID string
}

func (e *NotFoundError) Error() string {
	return withContext("not found", e.Message, "", e.EntityID)
}

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// NewNotFound builds a NotFoundError for the given entity/resource id.
func NewNotFound(entityID, format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...), EntityID: entityID}
}

// ConflictError reports an attempted duplicate entity creation, or closing
// an already-closed assertion.
type ConflictError struct {
	Message      string
	AssertionKey string
	EntityID     string
}

func (e *ConflictError) Error() string {
	return withContext("conflict", e.Message, e.AssertionKey, e.EntityID)
}

func (e *ConflictError) StatusCode() int { return http.StatusConflict }

// NewConflict builds a ConflictError with no assertion/entity context.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// WithAssertionKey returns a copy of e annotated with an assertion key.
func (e *ConflictError) WithAssertionKey(key string) *ConflictError {
	cp := *e
	cp.AssertionKey = key
	return &cp
}

// StoreError reports the backing graph store failing a call after retries.
// The caller is expected to mark any surrounding import as failed.
type StoreError struct {
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("store error: %s", e.Message)
}

func (e *StoreError) Unwrap() error   { return e.Cause }
func (e *StoreError) StatusCode() int { return http.StatusBadGateway }

// NewStore wraps cause as a StoreError.
func NewStore(message string, cause error) *StoreError {
	return &StoreError{Message: message, Cause: cause}
}

// InternalError reports an invariant violation detected at runtime — e.g.
// multiple open assertions for the same key/source/scenario triple.
type InternalError struct {
	Message      string
	AssertionKey string
	Cause        error
}

func (e *InternalError) Error() string {
	msg := withContext("internal", e.Message, e.AssertionKey, "")
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *InternalError) Unwrap() error   { return e.Cause }
func (e *InternalError) StatusCode() int { return http.StatusInternalServerError }

// NewInternal builds an InternalError invariant violation report.
func NewInternal(assertionKey, format string, args ...any) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...), AssertionKey: assertionKey}
}

func withContext(category, message, assertionKey, entityID string) string {
	s := fmt.Sprintf("%s: %s", category, message)
	if assertionKey != "" {
		s += fmt.Sprintf(" (assertion_key=%s)", assertionKey)
	}
	if entityID != "" {
		s += fmt.Sprintf(" (entity_id=%s)", entityID)
	}
	return s
}
