// Package errors provides structured error types for SQLiteCult.
// All errors include a category, code, message and optional details so the
// HTTP, gRPC and browser layers can map them consistently.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by origin.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryDatabase   ErrorCategory = "DATABASE"
	ErrCategoryImport     ErrorCategory = "IMPORT"
	ErrCategoryExport     ErrorCategory = "EXPORT"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidInput    = "INVALID_INPUT"
	CodeInvalidName     = "INVALID_NAME"
	CodeDuplicate       = "DUPLICATE"
	CodeUnknownColumn   = "UNKNOWN_COLUMN"
	CodeTypeMismatch    = "TYPE_MISMATCH"
	CodeRequiredField   = "REQUIRED_FIELD"
	CodeUnsupportedKind = "UNSUPPORTED_KIND"

	// Not found codes
	CodeDatabaseNotFound = "DATABASE_NOT_FOUND"
	CodeTableNotFound    = "TABLE_NOT_FOUND"
	CodeColumnNotFound   = "COLUMN_NOT_FOUND"
	CodeIndexNotFound    = "INDEX_NOT_FOUND"
	CodeRowNotFound      = "ROW_NOT_FOUND"

	// Database codes
	CodeLocked       = "LOCKED"
	CodeMalformedSQL = "MALFORMED_SQL"
	CodeConstraint   = "CONSTRAINT"
	CodeExecFailed   = "EXEC_FAILED"

	// Import/export codes
	CodeMalformedFile     = "MALFORMED_FILE"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeEmptyPayload      = "EMPTY_PAYLOAD"
	CodeWriteFailed       = "WRITE_FAILED"

	// Auth codes
	CodeMissingToken     = "MISSING_TOKEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodePermissionDenied = "PERMISSION_DENIED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// AppError is the structured error type used throughout the system.
type AppError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new AppError.
func New(category ErrorCategory, code, message string) *AppError {
	return &AppError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new AppError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *AppError {
	return &AppError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Field returns the form field the error refers to, if any.
func (e *AppError) Field() string {
	if e.Details == nil {
		return ""
	}
	f, _ := e.Details["field"].(string)
	return f
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an AppError.
func GetCategory(err error) ErrorCategory {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an AppError.
func GetCode(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// As is a shorthand for errors.As with *AppError.
func As(err error) (*AppError, bool) {
	var ae *AppError
	ok := errors.As(err, &ae)
	return ae, ok
}

// HTTPStatus maps an error chain to an HTTP status code.
func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Category {
	case ErrCategoryValidation, ErrCategoryImport:
		return http.StatusBadRequest
	case ErrCategoryNotFound:
		return http.StatusNotFound
	case ErrCategoryAuth:
		if ae.Code == CodePermissionDenied {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case ErrCategoryDatabase:
		switch ae.Code {
		case CodeConstraint:
			return http.StatusConflict
		case CodeLocked:
			return http.StatusServiceUnavailable
		case CodeMalformedSQL:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *AppError {
	return New(ErrCategoryValidation, code, message)
}

// NewFieldError is a validation error bound to a form field.
func NewFieldError(field, code, message string) *AppError {
	return New(ErrCategoryValidation, code, message).WithDetails(map[string]interface{}{"field": field})
}

func NewNotFoundError(code, message string) *AppError {
	return New(ErrCategoryNotFound, code, message)
}

func NewDatabaseError(code, message string, cause error) *AppError {
	return Wrap(ErrCategoryDatabase, code, message, cause)
}

func NewImportError(code, message string, cause error) *AppError {
	return Wrap(ErrCategoryImport, code, message, cause)
}

func NewExportError(code, message string, cause error) *AppError {
	return Wrap(ErrCategoryExport, code, message, cause)
}

func NewAuthError(code, message string) *AppError {
	return New(ErrCategoryAuth, code, message)
}

func NewStorageError(code, message string, cause error) *AppError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *AppError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
