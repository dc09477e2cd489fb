package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCategoryNotFound, CodeTableNotFound, "table not found")
	expected := "[NOT_FOUND:TABLE_NOT_FOUND] table not found"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAppError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryDatabase, CodeLocked, "insert failed", cause)
	expected := "[DATABASE:LOCKED] insert failed: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryDatabase, CodeConstraint, "conflict", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestAppError_Is(t *testing.T) {
	err1 := New(ErrCategoryNotFound, CodeRowNotFound, "first")
	err2 := New(ErrCategoryNotFound, CodeRowNotFound, "second")
	err3 := New(ErrCategoryNotFound, CodeTableNotFound, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("rows: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt wrapping")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NewValidationError(CodeInvalidName, "x"), http.StatusBadRequest},
		{NewImportError(CodeMalformedFile, "x", nil), http.StatusBadRequest},
		{NewNotFoundError(CodeRowNotFound, "x"), http.StatusNotFound},
		{NewAuthError(CodeMissingToken, "x"), http.StatusUnauthorized},
		{NewAuthError(CodePermissionDenied, "x"), http.StatusForbidden},
		{NewDatabaseError(CodeConstraint, "x", nil), http.StatusConflict},
		{NewDatabaseError(CodeLocked, "x", nil), http.StatusServiceUnavailable},
		{NewDatabaseError(CodeMalformedSQL, "x", nil), http.StatusBadRequest},
		{NewDatabaseError(CodeExecFailed, "x", nil), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryDatabase, CodeMalformedSQL, "bad sql")
	if GetCategory(err) != ErrCategoryDatabase {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryDatabase)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-AppError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryDatabase, CodeMalformedSQL, "bad sql")
	if GetCode(err) != CodeMalformedSQL {
		t.Errorf("got %q, want %q", GetCode(err), CodeMalformedSQL)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-AppError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeUnknownColumn, "unknown column")
	detailed := err.WithDetails(map[string]interface{}{"field": "column_name"})

	if detailed.Field() != "column_name" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewFieldError("table_name", CodeRequiredField, "table name is required")
	if v.Category != ErrCategoryValidation || v.Field() != "table_name" {
		t.Error("NewFieldError mismatch")
	}

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	e := NewExportError(CodeWriteFailed, "client went away", cause)
	if e.Category != ErrCategoryExport {
		t.Error("NewExportError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
