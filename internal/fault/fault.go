// Package fault defines the failure codes surfaced to API clients and the
// helpers to carry them through error chains.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. Codes are stable API surface; the detail
// string is free-form and may change.
type Code string

const (
	URLExpired        Code = "url_expired"
	URLInvalid        Code = "url_invalid"
	QuotaExceeded     Code = "quota_exceeded"
	MediaTypeRejected Code = "media_type_rejected"
	FileTooSmall      Code = "file_too_small"
	FileTooLarge      Code = "file_too_large"
	WorkspaceLocked   Code = "workspace_locked"
	WorkspaceNotFound Code = "workspace_not_found"
	InvalidFaceCount  Code = "invalid_face_count"
	Internal          Code = "internal"
)

// Error pairs a failure code with a human-readable detail. It wraps an
// optional cause for errors.Is/As dispatch.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a fault with the given code and formatted detail.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a failure code to an underlying error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: err.Error(), cause: err}
}

// CodeOf extracts the failure code from an error chain.
// Unclassified errors map to Internal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// HTTPStatus maps a failure code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case URLExpired, URLInvalid, MediaTypeRejected, FileTooSmall, InvalidFaceCount:
		return http.StatusBadRequest
	case QuotaExceeded:
		return http.StatusForbidden
	case WorkspaceNotFound:
		return http.StatusNotFound
	case WorkspaceLocked:
		return http.StatusConflict
	case FileTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
