package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOf_Direct(t *testing.T) {
	err := New(QuotaExceeded, "cull quota full")
	if CodeOf(err) != QuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", CodeOf(err))
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := Wrap(URLExpired, errors.New("403 AccessDenied"))
	err := fmt.Errorf("download stage: %w", inner)

	if CodeOf(err) != URLExpired {
		t.Errorf("expected url_expired through wrap, got %s", CodeOf(err))
	}
}

func TestCodeOf_Unclassified(t *testing.T) {
	if CodeOf(errors.New("boom")) != Internal {
		t.Error("expected unclassified errors to map to internal")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(Internal, nil) != nil {
		t.Error("expected Wrap(nil) to return nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{URLExpired, http.StatusBadRequest},
		{URLInvalid, http.StatusBadRequest},
		{QuotaExceeded, http.StatusForbidden},
		{WorkspaceNotFound, http.StatusNotFound},
		{WorkspaceLocked, http.StatusConflict},
		{FileTooLarge, http.StatusRequestEntityTooLarge},
		{InvalidFaceCount, http.StatusBadRequest},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Internal, cause)

	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause to be reachable via errors.Is")
	}
}
