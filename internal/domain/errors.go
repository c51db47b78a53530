package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError represents malformed input: missing fields, non-positive
// quantities, unknown enums or decisions that do not add up
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// ConflictError represents a request that is illegal in the current state
type ConflictError struct {
	Resource string
	Message  string
}

// NewConflictError creates a ConflictError
func NewConflictError(resource, message string) *ConflictError {
	return &ConflictError{Resource: resource, Message: message}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

// InsufficientQuantityError represents a transfer asking for more than a lot holds
type InsufficientQuantityError struct {
	PositionID string
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity on position %s: requested %s, available %s",
		e.PositionID, e.Requested, e.Available)
}

// ServiceUnavailableError represents a downstream collaborator that could not be reached
type ServiceUnavailableError struct {
	Service string
	Err     error
}

// NewServiceUnavailableError creates a ServiceUnavailableError for a named service
func NewServiceUnavailableError(service string, err error) *ServiceUnavailableError {
	return &ServiceUnavailableError{Service: service, Err: err}
}

func (e *ServiceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s unavailable: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("service %s unavailable", e.Service)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

// PersistenceError represents a failed storage operation
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError wraps a storage error with the operation that failed
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotFoundError represents an unknown identifier
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a ConflictError
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsInsufficientQuantity reports whether err is or wraps an InsufficientQuantityError
func IsInsufficientQuantity(err error) bool {
	var target *InsufficientQuantityError
	return errors.As(err, &target)
}

// IsServiceUnavailable reports whether err is or wraps a ServiceUnavailableError
func IsServiceUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// IsPersistence reports whether err is or wraps a PersistenceError
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
