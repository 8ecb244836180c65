// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrAlertDisabled     = errors.New("alert is disabled")
	ErrMonitorStopped    = errors.New("monitor is not running")
	ErrNotConnected      = errors.New("not connected")
	ErrFeedClosed        = errors.New("feed closed")
	ErrFeedGaveUp        = errors.New("feed reconnection attempts exhausted")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrUnsupportedTable  = errors.New("unsupported table")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrMissingCredential = errors.New("missing credential")
	ErrInputValidation   = errors.New("input validation failed")
	ErrDatabaseError     = errors.New("database error")
)

// ValidationError represents a validation error on a single field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// StoreError represents a failed record store operation.
type StoreError struct {
	Op      string
	AlertID string
	Err     error
}

func (e *StoreError) Error() string {
	if e.AlertID != "" {
		return fmt.Sprintf("store error [%s] %s: %v", e.Op, e.AlertID, e.Err)
	}
	return fmt.Sprintf("store error [%s]: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(op, alertID string, err error) *StoreError {
	return &StoreError{
		Op:      op,
		AlertID: alertID,
		Err:     err,
	}
}

// NewDatabaseError wraps a driver failure so that it matches both
// ErrDatabaseError and the driver error.
func NewDatabaseError(op, alertID string, err error) *StoreError {
	return NewStoreError(op, alertID, fmt.Errorf("%w: %w", ErrDatabaseError, err))
}

// TransportError represents a failed notification delivery.
type TransportError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Err != nil {
			return fmt.Sprintf("transport error [%s] status %d: %v", e.Transport, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("transport error [%s] status %d", e.Transport, e.StatusCode)
	}
	return fmt.Sprintf("transport error [%s]: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new TransportError.
func NewTransportError(transport string, statusCode int, err error) *TransportError {
	return &TransportError{
		Transport:  transport,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
