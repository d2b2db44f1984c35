// Package errors defines error types and utilities for cqltheory
package errors

import (
	"errors"
	"fmt"
)

// Common errors that can occur in cqltheory operations
var (
	// ErrItemNotFound is returned when an item is not found in the database
	ErrItemNotFound = errors.New("item not found")

	// ErrInvalidModel is returned when a model struct is invalid
	ErrInvalidModel = errors.New("invalid model")

	// ErrMissingPrimaryKey is returned when a model doesn't have a primary key
	ErrMissingPrimaryKey = errors.New("missing primary key")

	// ErrInvalidPrimaryKey is returned when a primary key value is invalid
	ErrInvalidPrimaryKey = errors.New("invalid primary key")

	// ErrConditionFailed is returned when a guarded write (IF EXISTS or a
	// version check) is not applied by the server
	ErrConditionFailed = errors.New("condition check failed")

	// ErrUniquenessViolation is returned when an insert guarded by
	// IF NOT EXISTS loses to an existing row, or when a declared unique
	// set already holds the value
	ErrUniquenessViolation = errors.New("uniqueness violation")

	// ErrUnsupportedOperation is returned when an operation cannot be
	// satisfied by the storage dialect or the working index set
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUnsupportedType is returned when a field type is not supported
	ErrUnsupportedType = errors.New("unsupported type")

	// ErrInvalidOperator is returned when an invalid query operator is used
	ErrInvalidOperator = errors.New("invalid query operator")

	// ErrInvalidCondition is returned when a condition tree is malformed
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrInvalidCursor is returned when a pagination cursor does not decode
	// or belongs to a different query shape
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrTableNotFound is returned when a table doesn't exist
	ErrTableNotFound = errors.New("table not found")

	// ErrBatchOperationFailed is returned when a batch operation partially fails
	ErrBatchOperationFailed = errors.New("batch operation failed")
)

// OpError represents a detailed error with context
type OpError struct {
	Err     error
	Context map[string]any
	Op      string
	Table   string
}

// Error implements the error interface
func (e *OpError) Error() string {
	// Don't expose table names or context data in error messages; only the
	// operation and underlying error are safe for logs
	return fmt.Sprintf("cqltheory: %s operation failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target error
func (e *OpError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new OpError
func NewError(op, table string, err error) *OpError {
	return &OpError{
		Op:    op,
		Table: table,
		Err:   err,
	}
}

// NewErrorWithContext creates a new OpError with context
func NewErrorWithContext(op, table string, err error, context map[string]any) *OpError {
	return &OpError{
		Op:      op,
		Table:   table,
		Err:     err,
		Context: context,
	}
}

// SchemaElementKind identifies which schema element a SchemaError refers to.
type SchemaElementKind string

const (
	// SchemaElementTable refers to the table itself
	SchemaElementTable SchemaElementKind = "table"
	// SchemaElementIndex refers to a secondary index
	SchemaElementIndex SchemaElementKind = "index"
	// SchemaElementView refers to a materialized view
	SchemaElementView SchemaElementKind = "view"
	// SchemaElementColumn refers to a column addition
	SchemaElementColumn SchemaElementKind = "column"
)

// SchemaError wraps a failure while creating or altering a schema element.
type SchemaError struct {
	Err     error
	Table   string
	Element string
	Kind    SchemaElementKind
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e == nil {
		return "cqltheory: schema operation failed"
	}

	kind := string(e.Kind)
	if kind == "" {
		kind = "element"
	}

	name := e.Element
	if name == "" {
		name = e.Table
	}

	if e.Err == nil {
		return fmt.Sprintf("cqltheory: creating %s %q failed", kind, name)
	}
	return fmt.Sprintf("cqltheory: creating %s %q failed: %v", kind, name, e.Err)
}

// Unwrap returns the underlying error.
func (e *SchemaError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound checks if an error indicates an item was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrItemNotFound)
}

// IsInvalidModel checks if an error indicates an invalid model
func IsInvalidModel(err error) bool {
	return errors.Is(err, ErrInvalidModel)
}

// IsConditionFailed checks if an error indicates a guarded write was rejected
func IsConditionFailed(err error) bool {
	return errors.Is(err, ErrConditionFailed)
}

// IsUniquenessViolation checks if an error indicates a uniqueness conflict
func IsUniquenessViolation(err error) bool {
	return errors.Is(err, ErrUniquenessViolation)
}

// IsUnsupported checks if an error indicates the dialect cannot express the
// requested operation
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedOperation)
}
