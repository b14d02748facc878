// Package errors defines the client-facing error types used throughout filerelay.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// RelayError represents an error returned to HTTP clients with a
// machine-readable code, the plain-text message written in the response
// body, and the HTTP status code.
type RelayError struct {
	// Code is a stable identifier (e.g., "NotFound", "Expired").
	Code string
	// Message is the plain-text body sent to the client.
	Message string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
}

// Error implements the error interface for RelayError.
func (e *RelayError) Error() string {
	return fmt.Sprintf("RelayError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the RelayError carrying a different message.
func (e *RelayError) WithMessage(msg string) *RelayError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Is reports whether target is a RelayError with the same code, so that
// copies made with WithMessage still match the predefined values.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Pre-defined errors for common conditions.
var (
	ErrUnauthorized = &RelayError{
		Code:       "Unauthorized",
		Message:    "Unauthorized",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrNotFound = &RelayError{
		Code:       "NotFound",
		Message:    "File not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrExpired is returned when a file outlived its TTL. The record and
	// blob are already gone by the time this is sent.
	ErrExpired = &RelayError{
		Code:       "Expired",
		Message:    "File has expired. If you are the webmaster, you may be able to salvage it.",
		HTTPStatus: http.StatusGone,
	}

	ErrOversizeUpload = &RelayError{
		Code:       "OversizeUpload",
		Message:    "File too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrInvalidRequest = &RelayError{
		Code:       "InvalidRequest",
		Message:    "Invalid request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrDirectoryNotFound = &RelayError{
		Code:       "DirectoryNotFound",
		Message:    "Directory not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInternalError = &RelayError{
		Code:       "InternalError",
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// As unwraps err into a *RelayError. It is a thin wrapper over the standard
// errors.As so callers importing this package under its own name do not need
// a second import.
func As(err error) (*RelayError, bool) {
	var re *RelayError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}
