package service

import (
	"errors"
	"fmt"
)

// Standard error categories. Domain errors wrap one of these sentinels so
// callers can classify failures with errors.Is regardless of the concrete
// error type.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("timeout")
	ErrInternal           = errors.New("internal error")
)

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError constructs a NotFoundError for the resource/ID pair.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ValidationError reports invalid caller input on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RequiredError reports a missing required field.
func RequiredError(field string) *ValidationError {
	return NewValidationError(field, "is required")
}

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool { return errors.Is(err, ErrInvalidInput) }

// AccessDeniedError reports a denied operation on a resource.
type AccessDeniedError struct {
	Resource  string
	ID        string
	AccountID string
	Reason    string
}

func (e *AccessDeniedError) Error() string {
	msg := fmt.Sprintf("access denied to %s %q for account %s", e.Resource, e.ID, e.AccountID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AccessDeniedError) Unwrap() error { return ErrForbidden }

// NewAccessDeniedError constructs an AccessDeniedError.
func NewAccessDeniedError(resource, id, accountID string) *AccessDeniedError {
	return &AccessDeniedError{Resource: resource, ID: id, AccountID: accountID}
}

// IsForbidden reports whether err is a forbidden/access-denied error.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// ConflictError reports a uniqueness or state conflict.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrAlreadyExists }

// NewConflictError constructs a ConflictError.
func NewConflictError(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrConflict)
}

// OwnershipError reports that a resource belongs to a different account.
type OwnershipError struct {
	Resource  string
	ID        string
	AccountID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s %s does not belong to account %s", e.Resource, e.ID, e.AccountID)
}

func (e *OwnershipError) Unwrap() error { return ErrForbidden }

// NewOwnershipError constructs an OwnershipError.
func NewOwnershipError(resource, id, accountID string) *OwnershipError {
	return &OwnershipError{Resource: resource, ID: id, AccountID: accountID}
}

// IsOwnershipError reports whether err is an OwnershipError specifically.
func IsOwnershipError(err error) bool {
	var oe *OwnershipError
	return errors.As(err, &oe)
}

// EnsureOwnership verifies the resource belongs to the requesting account.
func EnsureOwnership(resourceAccountID, requestAccountID, resourceType, resourceID string) error {
	if resourceAccountID == "" || resourceAccountID != requestAccountID {
		return NewOwnershipError(resourceType, resourceID, requestAccountID)
	}
	return nil
}

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// ServiceError annotates an error with the originating service and operation.
type ServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Operation, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WrapServiceError wraps err with service/operation context. Returns nil if
// err is nil.
func WrapServiceError(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Operation: operation, Err: err}
}
