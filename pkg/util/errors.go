// Package util provides logging helpers and the common error kinds shared by
// the forwarding-table managers.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for every outcome the managers report. Typed errors below
// unwrap to one of these so callers can branch with errors.Is.
var (
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoMemory         = errors.New("handle pool exhausted")
	ErrInUse            = errors.New("resource in use")
	ErrNotFound         = errors.New("entry not found")
	ErrHardwareFailed   = errors.New("hardware operation failed")
	ErrValidationFailed = errors.New("validation failed")
)

// HandleError reports an operation on a handle that is not live or is of the
// wrong kind.
type HandleError struct {
	Operation string
	Handle    string
	Reason    string
}

func (e *HandleError) Error() string {
	msg := fmt.Sprintf("%s: invalid handle %s", e.Operation, e.Handle)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *HandleError) Unwrap() error {
	return ErrInvalidHandle
}

// NewHandleError creates a handle error
func NewHandleError(operation, handle, reason string) *HandleError {
	return &HandleError{Operation: operation, Handle: handle, Reason: reason}
}

// ParameterError reports a malformed argument detected before any table call.
type ParameterError struct {
	Operation string
	Parameter string
	Details   string
}

func (e *ParameterError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s", e.Operation, e.Parameter)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameter
}

// NewParameterError creates a parameter error
func NewParameterError(operation, parameter, details string) *ParameterError {
	return &ParameterError{Operation: operation, Parameter: parameter, Details: details}
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

// Is lets a ValidationError match both ErrValidationFailed and
// ErrInvalidParameter: a malformed event is an invalid parameter.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed || target == ErrInvalidParameter
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

// InUseError represents a resource that cannot be deleted because other
// objects still reference it.
type InUseError struct {
	Resource string
	RefCount uint32
	UsedBy   []string
}

func (e *InUseError) Error() string {
	if len(e.UsedBy) == 0 {
		return fmt.Sprintf("%s is in use (%d references)", e.Resource, e.RefCount)
	}
	return fmt.Sprintf("%s is in use by: %s", e.Resource, strings.Join(e.UsedBy, ", "))
}

func (e *InUseError) Unwrap() error {
	return ErrInUse
}

// NewInUseError creates an in-use error
func NewInUseError(resource string, refs uint32, usedBy ...string) *InUseError {
	return &InUseError{
		Resource: resource,
		RefCount: refs,
		UsedBy:   usedBy,
	}
}

// TableError wraps a failure reported by the table-programming interface.
// It unwraps to ErrNotFound for removals of missing entries and to
// ErrHardwareFailed otherwise.
type TableError struct {
	Op    string
	Table string
	Key   string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s %s[%s]: %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *TableError) Unwrap() error {
	if errors.Is(e.Err, ErrNotFound) {
		return e.Err
	}
	if e.Err == nil {
		return ErrHardwareFailed
	}
	return &hardwareCause{err: e.Err}
}

// hardwareCause keeps the backend error reachable through errors.As while
// also matching ErrHardwareFailed.
type hardwareCause struct {
	err error
}

func (h *hardwareCause) Error() string { return h.err.Error() }

func (h *hardwareCause) Is(target error) bool { return target == ErrHardwareFailed }

func (h *hardwareCause) Unwrap() error { return h.err }

// NewTableError creates a table error
func NewTableError(op, table, key string, err error) *TableError {
	return &TableError{Op: op, Table: table, Key: key, Err: err}
}
