// Package errors provides structured error types for the cache store.
// Every error carries a category, code, message and retryable flag so callers
// can branch on the failure without parsing strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryConstraint ErrorCategory = "CONSTRAINT"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	CodeTypeMismatch         = "TYPE_MISMATCH"
	CodeUnknownField         = "UNKNOWN_FIELD"
	CodeInvalidID            = "INVALID_ID"
	CodeInvalidSchema        = "INVALID_SCHEMA"

	// Constraint codes
	CodeUniqueViolation = "UNIQUE_VIOLATION"

	// Schema codes
	CodeSchemaMismatch  = "SCHEMA_MISMATCH"
	CodeCorruptRecord   = "CORRUPT_RECORD"
	CodeVersionMismatch = "VERSION_MISMATCH"

	// Query codes
	CodeInvalidQuery              = "INVALID_QUERY"
	CodeUnknownIndex              = "UNKNOWN_INDEX"
	CodeUnsupportedIndexOperation = "UNSUPPORTED_INDEX_OPERATION"
	CodeNotUniqueIndex            = "NOT_UNIQUE_INDEX"

	// Storage codes
	CodeEngineFailure     = "ENGINE_FAILURE"
	CodeSnapshotFailed    = "SNAPSHOT_FAILED"
	CodeClosed            = "CLOSED"
	CodeUnknownCollection = "UNKNOWN_COLLECTION"
	CodeObjectNotFound    = "OBJECT_NOT_FOUND"
	CodeIDsExhausted      = "IDS_EXHAUSTED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the store.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// IsUniqueViolation reports whether err is a unique index collision.
func IsUniqueViolation(err error) bool {
	return GetCategory(err) == ErrCategoryConstraint && GetCode(err) == CodeUniqueViolation
}

// IsSchemaMismatch reports whether err came from decoding data the current
// schema cannot interpret.
func IsSchemaMismatch(err error) bool {
	return GetCategory(err) == ErrCategorySchema
}

// IsClosed reports whether err was returned by a closed component.
func IsClosed(err error) bool {
	return GetCategory(err) == ErrCategoryStorage && GetCode(err) == CodeClosed
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeEngineFailure:
		return true
	case category == ErrCategoryStorage && code == CodeSnapshotFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewUniqueViolation(index string, key string, existingID int64) *Error {
	return New(ErrCategoryConstraint, CodeUniqueViolation,
		fmt.Sprintf("unique index %q already maps key %s to id %d", index, key, existingID)).
		WithDetails(map[string]interface{}{
			"index":       index,
			"existing_id": existingID,
		})
}

func NewSchemaMismatch(code, message string) *Error {
	return New(ErrCategorySchema, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewQueryError(code, message string) *Error {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// EngineFailure wraps a storage engine error. Already structured errors pass
// through unchanged so categories survive transaction boundaries.
func EngineFailure(message string, cause error) error {
	if cause == nil {
		return nil
	}
	var ce *Error
	if errors.As(cause, &ce) {
		return cause
	}
	return Wrap(ErrCategoryStorage, CodeEngineFailure, message, cause)
}
