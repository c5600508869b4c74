// Package apperr defines the error taxonomy shared by the replica, the
// lifecycle engine and the reference server.
//
// Every error carries a Kind so callers can decide how to present it:
// transient failures retry on the next cycle, policy and validation
// failures are shown to the user immediately.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	KindTransient   Kind = "transient_io"
	KindStale       Kind = "stale_state"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindForbidden   Kind = "forbidden"
)

// TransientIOError wraps a network or remote failure. Never fatal: the
// replication cycle that hit it is retried on the next tick.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: remote unavailable (will retry): %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError for operation op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// StaleStateError reports an optimistic-concurrency conflict: the entity was
// not in the state the caller expected when the write was attempted.
type StaleStateError struct {
	Entity   string
	ID       string
	Expected []string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%s %s is %q, expected one of [%s]",
		e.Entity, e.ID, e.Actual, strings.Join(e.Expected, ", "))
}

// RateLimitedError is a policy rejection. It is not retried automatically.
type RateLimitedError struct {
	Key        string
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Reason, e.RetryAfter.Round(time.Second))
	}
	return "rate limited: " + e.Reason
}

// ValidationError rejects malformed input before any store mutation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports a reference to a nonexistent id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ForbiddenError reports an actor that is not allowed to perform an action
// on an entity (e.g. a seller accepting their own order).
type ForbiddenError struct {
	Actor  string
	Action string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s: %s", e.Actor, e.Action, e.Reason)
}

// Forbidden builds a ForbiddenError.
func Forbidden(actor, action, reason string) error {
	return &ForbiddenError{Actor: actor, Action: action, Reason: reason}
}

// RemoteError is a classified error reported by the server over HTTP.
type RemoteError struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.Status, e.Message)
}

// KindOf returns the Kind of the first classified error in err's chain,
// or "" when err is unclassified.
func KindOf(err error) Kind {
	var (
		transient *TransientIOError
		stale     *StaleStateError
		limited   *RateLimitedError
		invalid   *ValidationError
		missing   *NotFoundError
		forbidden *ForbiddenError
		remote    *RemoteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &stale):
		return KindStale
	case errors.As(err, &limited):
		return KindRateLimited
	case errors.As(err, &invalid):
		return KindValidation
	case errors.As(err, &missing):
		return KindNotFound
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &transient):
		return KindTransient
	case errors.As(err, &remote):
		return remote.Kind
	}
	return ""
}

func IsTransient(err error) bool   { return KindOf(err) == KindTransient }
func IsStale(err error) bool       { return KindOf(err) == KindStale }
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsForbidden(err error) bool   { return KindOf(err) == KindForbidden }

// HTTPStatus maps an error to the status code the HTTP handlers return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindStale:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
