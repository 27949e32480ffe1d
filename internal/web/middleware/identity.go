// Package middleware carries the HTTP middleware for the API server.
//
// Authentication is out of scope for this service: it runs behind a
// gateway that verifies the caller and forwards the identity as the
// X-User-ID header. The middleware here only extracts that identity and
// provisions the matching user row.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const userContextKey contextKey = "user"

// HeaderUserID carries the trusted caller identity set by the gateway.
const HeaderUserID = "X-User-ID"

// HeaderUserEmail optionally carries the caller's email address. It is
// only used when the user row is first provisioned.
const HeaderUserEmail = "X-User-Email"

// UserProvisioner creates a user row on first sight of an identity.
type UserProvisioner interface {
	Ensure(ctx context.Context, id, email string) error
}

// RequireUser is middleware that requires the trusted identity header.
// The user row is provisioned lazily so quota counters always have a row
// to land on.
func RequireUser(users UserProvisioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(HeaderUserID)
			if userID == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error": "unauthorized", "detail": "missing ` + HeaderUserID + ` header"}`))
				return
			}

			if users != nil {
				if err := users.Ensure(r.Context(), userID, r.Header.Get(HeaderUserEmail)); err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error": "internal", "detail": "could not provision user"}`))
					return
				}
			}

			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID retrieves the caller identity from the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey).(string)
	return id
}

// SetUserID adds a caller identity to the context.
// This is primarily for testing - use RequireUser middleware in production.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}
