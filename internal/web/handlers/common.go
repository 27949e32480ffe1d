package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/pipeline"
	"github.com/snapsift/snapsift/internal/store"
)

// multipartMemory is the in-memory threshold for multipart parsing;
// larger parts spill to disk.
const multipartMemory = 32 << 20

// Pipeline is the slice of the coordinator the handlers drive.
type Pipeline interface {
	StartCull(ctx context.Context, userID, workspaceID string, urls []string) (string, error)
	StartPublish(ctx context.Context, userID, eventID string) (string, error)
	DeleteWorkspace(ctx context.Context, userID, workspaceID string) error
	DeleteEvent(ctx context.Context, userID, eventID string) error
	CancelCull(ctx context.Context, userID, workspaceID string) error
	ChainTasks(ctx context.Context, userID, workspaceID string) ([]store.Task, error)
	SearchSelfie(ctx context.Context, eventID, guestID string, selfie []byte) ([]pipeline.SearchResult, error)
}

// ObjectStore is the slice of the object store the handlers use for
// uploads, presigned URL minting, and stale-prefix cleanup.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// Quota reserves and releases per-user storage bytes.
type Quota interface {
	Reserve(ctx context.Context, userID string, module store.QuotaModule, bytes int64) error
	Release(ctx context.Context, userID string, module store.QuotaModule, bytes int64) error
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response with an explicit code and detail.
func respondError(w http.ResponseWriter, status int, code fault.Code, detail string) {
	respondJSON(w, status, map[string]string{
		"error":  string(code),
		"detail": detail,
	})
}

// respondFault maps an error chain to the wire envelope. Unclassified
// errors become opaque 500s so internals never leak to clients.
func respondFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	detail := "internal error"
	var fe *fault.Error
	if errors.As(err, &fe) {
		detail = fe.Detail
	}
	respondError(w, fault.HTTPStatus(code), code, detail)
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
