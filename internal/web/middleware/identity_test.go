package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeProvisioner struct {
	ensured map[string]string
	err     error
}

func (f *fakeProvisioner) Ensure(_ context.Context, id, email string) error {
	if f.err != nil {
		return f.err
	}
	if f.ensured == nil {
		f.ensured = make(map[string]string)
	}
	f.ensured[id] = email
	return nil
}

func TestRequireUser(t *testing.T) {
	users := &fakeProvisioner{}
	var gotUserID string
	handler := RequireUser(users)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/workspaces", nil)
	req.Header.Set(HeaderUserID, "user-42")
	req.Header.Set(HeaderUserEmail, "u42@example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != "user-42" {
		t.Errorf("expected user-42 in context, got %q", gotUserID)
	}
	if users.ensured["user-42"] != "u42@example.com" {
		t.Errorf("user not provisioned: %v", users.ensured)
	}
}

func TestRequireUserMissingHeader(t *testing.T) {
	handler := RequireUser(&fakeProvisioner{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/api/v1/workspaces", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRequireUserProvisionFailure(t *testing.T) {
	handler := RequireUser(&fakeProvisioner{err: errors.New("db down")})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/api/v1/workspaces", nil)
	req.Header.Set(HeaderUserID, "user-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
