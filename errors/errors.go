// Package errors provides standardized error handling for drasi-server
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration.
	ErrorInvalid
	// ErrorConflict represents errors caused by the current registry state,
	// such as duplicate ids or dangling dependents.
	ErrorConflict
	// ErrorFatal represents unrecoverable errors that should stop processing.
	ErrorFatal
)

// String returns the string representation of ErrorClass.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorConflict:
		return "conflict"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions.
var (
	// Configuration errors
	ErrConfigParse    = errors.New("configuration parse failed")
	ErrConfigValidate = errors.New("configuration validation failed")
	ErrMissingEnvVar  = errors.New("environment variable not set")
	ErrBadType        = errors.New("value has wrong type")

	// Registry errors
	ErrNotFound      = errors.New("component not found")
	ErrAlreadyExists = errors.New("component already exists")
	ErrHasDependents = errors.New("component has dependents")
	ErrReadOnly      = errors.New("configuration is read-only")

	// Lifecycle errors
	ErrComponentFailed = errors.New("component failed")
	ErrNotRunning      = errors.New("component not running")
	ErrShuttingDown    = errors.New("server is shutting down")

	// Fabric errors
	ErrSubscriberClosed   = errors.New("subscriber closed")
	ErrUnknownSubscriber  = errors.New("unknown subscriber")
	ErrBootstrapOverflow  = errors.New("bootstrap buffer overflow")
	ErrBootstrapFailed    = errors.New("bootstrap failed")
	ErrQueueFull          = errors.New("queue full")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Query errors
	ErrUnsupportedClause = errors.New("unsupported query clause")
	ErrQueryParse        = errors.New("query parse failed")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
	Detail    string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Detail != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Detail, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// wrap builds a classified error; nil in, nil out.
func wrap(class ErrorClass, err error, component, operation, detail string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
		Detail:    detail,
	}
}

// WrapTransient wraps an error as transient (retryable).
func WrapTransient(err error, component, operation, detail string) error {
	return wrap(ErrorTransient, err, component, operation, detail)
}

// WrapInvalid wraps an error as invalid input or configuration.
func WrapInvalid(err error, component, operation, detail string) error {
	return wrap(ErrorInvalid, err, component, operation, detail)
}

// WrapConflict wraps an error as a registry state conflict.
func WrapConflict(err error, component, operation, detail string) error {
	return wrap(ErrorConflict, err, component, operation, detail)
}

// WrapFatal wraps an error as unrecoverable.
func WrapFatal(err error, component, operation, detail string) error {
	return wrap(ErrorFatal, err, component, operation, detail)
}

// Classify returns the classification of an error, defaulting to fatal for
// unclassified errors.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case IsTransient(err):
		return ErrorTransient
	case errors.Is(err, ErrConfigParse), errors.Is(err, ErrConfigValidate),
		errors.Is(err, ErrMissingEnvVar), errors.Is(err, ErrBadType),
		errors.Is(err, ErrQueryParse), errors.Is(err, ErrUnsupportedClause):
		return ErrorInvalid
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrHasDependents):
		return ErrorConflict
	default:
		return ErrorFatal
	}
}

// IsTransient checks if an error is transient and should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	return errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection)
}

// IsNotFound checks for the not-found registry condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists checks for the duplicate-id registry condition.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsHasDependents checks for the dangling-dependents delete condition.
func IsHasDependents(err error) bool { return errors.Is(err, ErrHasDependents) }

// IsReadOnly checks for the read-only configuration gate.
func IsReadOnly(err error) bool { return errors.Is(err, ErrReadOnly) }

// IsConfig checks for configuration parse or validation failures.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfigParse) || errors.Is(err, ErrConfigValidate) ||
		errors.Is(err, ErrMissingEnvVar) || errors.Is(err, ErrBadType)
}

// Is, As and New re-export the standard library helpers so callers need a
// single errors import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
