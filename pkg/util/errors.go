// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, one per error kind. Typed errors below unwrap to these
// so callers can classify with errors.Is regardless of the concrete type.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation failed")
	ErrConnection    = errors.New("connection failed")
	ErrTimeout       = errors.New("operation timed out")
	ErrSecurity      = errors.New("security violation")
	ErrData          = errors.New("data integrity error")
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
)

// ErrorKind classifies an error for exit-code mapping and batch policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindValidation
	KindConnection
	KindTimeout
	KindSecurity
	KindData
)

// String returns the kind name as used in operator-facing output.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindValidation:
		return "ValidationError"
	case KindConnection:
		return "ConnectionError"
	case KindTimeout:
		return "Timeout"
	case KindSecurity:
		return "SecurityError"
	case KindData:
		return "DataError"
	default:
		return "Error"
	}
}

// KindOf classifies err by walking its wrap chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSecurity):
		return KindSecurity
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrData):
		return KindData
	default:
		return KindUnknown
	}
}

// ExitCode maps an error to the process exit code: 0 on nil, 2 for
// configuration/validation/security failures, 1 otherwise. Signal exits
// (128+signum) are handled by the pipeline, not here.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfiguration, KindValidation, KindSecurity:
		return 2
	default:
		return 1
	}
}

// PipelineError is the common typed error: an operation on a resource
// failed with a classified kind.
type PipelineError struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Detail   string
	Err      error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Resource != "" {
		msg = fmt.Sprintf("%s on %s: %s", e.Op, e.Resource, e.Kind)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelFor(e.Kind)
}

// Is lets errors.Is match the kind sentinel even when a cause is wrapped.
func (e *PipelineError) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

func sentinelFor(k ErrorKind) error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindValidation:
		return ErrValidation
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindSecurity:
		return ErrSecurity
	case KindData:
		return ErrData
	default:
		return nil
	}
}

// NewPipelineError creates a classified operation error.
func NewPipelineError(kind ErrorKind, op, resource, detail string) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Resource: resource, Detail: detail}
}

// WrapError classifies an underlying error without losing it.
func WrapError(kind ErrorKind, op, resource string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Resource: resource, Err: err}
}

// SecurityError is raised for host-key mismatches and injection attempts.
// It is never downgraded and halts the current operation.
type SecurityError struct {
	Op     string
	Detail string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation in %s: %s", e.Op, e.Detail)
}

func (e *SecurityError) Unwrap() error {
	return ErrSecurity
}

// NewSecurityError creates a security error.
func NewSecurityError(op, detail string) *SecurityError {
	return &SecurityError{Op: op, Detail: detail}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
