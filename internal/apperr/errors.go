// internal/apperr/errors.go
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by adapters, services and handlers. Callers wrap them
// with fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	ErrAuthentication      = errors.New("authentication required")
	ErrAuthorization       = errors.New("permission denied")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrPaymentTimeout      = errors.New("payment provider did not answer in time")
	ErrSignatureInvalid    = errors.New("callback signature invalid")
	ErrInsufficientBalance = errors.New("insufficient balance for payout")
	ErrNotFound            = errors.New("resource not found")
	ErrUnknownOrder        = errors.New("event references an unknown order")
	ErrConflict            = errors.New("state transition conflict")
)

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError is raised when a transition would violate a terminal-state
// invariant, e.g. releasing an escrow that was already refunded.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func Conflict(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Retryable reports whether err is a transport-level provider failure.
// Business rejections are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
