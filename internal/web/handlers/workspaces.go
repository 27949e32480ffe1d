package handlers

import (
	"context"
	"encoding/json"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/web/middleware"
)

// WorkspaceStore is the slice of the metadata store the workspace
// handlers use.
type WorkspaceStore interface {
	Create(ctx context.Context, w *store.CullWorkspace) error
	GetOwned(ctx context.Context, userID, id string) (*store.CullWorkspace, error)
	GetByName(ctx context.Context, userID, name string) (*store.CullWorkspace, error)
	ListByUser(ctx context.Context, userID string) ([]store.CullWorkspace, error)
	AddSize(ctx context.Context, id string, bytes int64) error
}

// WorkspaceImageStore persists the image metadata of a workspace.
type WorkspaceImageStore interface {
	InsertPreCull(ctx context.Context, img *store.PreCullImage) error
	ListPreCull(ctx context.Context, workspaceID string) ([]store.PreCullImage, error)
	ListCulled(ctx context.Context, workspaceID string, statuses ...store.DetectionStatus) ([]store.CulledImage, error)
}

// WorkspacesHandler handles the cull workspace endpoints.
type WorkspacesHandler struct {
	config     *config.Config
	workspaces WorkspaceStore
	images     WorkspaceImageStore
	quota      Quota
	objects    ObjectStore
	pipe       Pipeline
}

// NewWorkspacesHandler creates a new workspaces handler.
func NewWorkspacesHandler(cfg *config.Config, ws WorkspaceStore, images WorkspaceImageStore, quota Quota, objects ObjectStore, pipe Pipeline) *WorkspacesHandler {
	return &WorkspacesHandler{
		config:     cfg,
		workspaces: ws,
		images:     images,
		quota:      quota,
		objects:    objects,
		pipe:       pipe,
	}
}

type workspaceResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	TotalSize         int64     `json:"total_size"`
	CullingInProgress bool      `json:"culling_in_progress"`
	CullingDone       bool      `json:"culling_done"`
	CreatedAt         time.Time `json:"created_at"`
}

func toWorkspaceResponse(w *store.CullWorkspace) workspaceResponse {
	return workspaceResponse{
		ID:                w.ID,
		Name:              w.Name,
		TotalSize:         w.TotalSize,
		CullingInProgress: w.CullingInProgress,
		CullingDone:       w.CullingDone,
		CreatedAt:         w.CreatedAt,
	}
}

// Create creates a new cull workspace. The object-store prefix derives
// from the slugified name, so names are unique per user.
func (h *WorkspacesHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "name is required")
		return
	}

	slug := objstore.Slug(req.Name)
	if slug == "" {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "name has no usable characters")
		return
	}

	existing, err := h.workspaces.GetByName(r.Context(), userID, req.Name)
	if err != nil {
		respondFault(w, err)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, fault.WorkspaceLocked, "workspace name already in use")
		return
	}

	// A crashed delete can leave stale objects under a reused name; purge
	// the prefix so they do not leak into the new workspace's listings.
	prefix := objstore.WorkspacePrefix(userID, slug)
	if err := h.objects.RemovePrefix(r.Context(), prefix); err != nil {
		log.Printf("workspaces: could not purge stale prefix %s: %v", prefix, err)
	}

	ws := &store.CullWorkspace{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   req.Name,
		Prefix: prefix,
	}
	if err := h.workspaces.Create(r.Context(), ws); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toWorkspaceResponse(ws))
}

// List returns the caller's workspaces, newest first.
func (h *WorkspacesHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	workspaces, err := h.workspaces.ListByUser(r.Context(), userID)
	if err != nil {
		respondFault(w, err)
		return
	}

	out := make([]workspaceResponse, len(workspaces))
	for i := range workspaces {
		out[i] = toWorkspaceResponse(&workspaces[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

// Get returns one workspace.
func (h *WorkspacesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ws, err := h.workspaces.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toWorkspaceResponse(ws))
}

// Delete removes a workspace, its images, and its stored bytes.
func (h *WorkspacesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	if err := h.pipe.DeleteWorkspace(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Upload ingests multipart image files into the workspace's pre-cull
// area: validate, reserve quota, store bytes, mint download URLs, insert
// metadata rows.
func (h *WorkspacesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ws, err := h.workspaces.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	if ws.CullingInProgress {
		respondError(w, http.StatusConflict, fault.WorkspaceLocked, "culling in progress, uploads are closed")
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "failed to parse multipart form")
		return
	}
	files := r.MultipartForm.File["files"]
	total, err := validateUploadSet(files, &h.config.Upload)
	if err != nil {
		respondFault(w, err)
		return
	}

	if err := h.quota.Reserve(r.Context(), userID, store.QuotaCull, total); err != nil {
		respondFault(w, err)
		return
	}

	var stored int64
	uploaded := make([]map[string]any, 0, len(files))
	for _, fh := range files {
		img, err := h.uploadOne(r.Context(), ws, fh)
		if err != nil {
			// Files already stored keep their metadata rows, so they stay
			// charged and counted; only the unstored remainder is given
			// back. Quota and workspace size must reconcile either way.
			_ = h.quota.Release(r.Context(), userID, store.QuotaCull, total-stored)
			if stored > 0 {
				_ = h.workspaces.AddSize(r.Context(), ws.ID, stored)
			}
			respondFault(w, err)
			return
		}
		stored += fh.Size
		uploaded = append(uploaded, map[string]any{
			"id":            img.ID,
			"original_name": img.OriginalName,
			"download_url":  img.DownloadURL,
		})
	}

	if err := h.workspaces.AddSize(r.Context(), ws.ID, stored); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"uploaded": len(uploaded),
		"images":   uploaded,
	})
}

func (h *WorkspacesHandler) uploadOne(ctx context.Context, ws *store.CullWorkspace, fh *multipart.FileHeader) (*store.PreCullImage, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fault.New(fault.URLInvalid, "could not open uploaded file %s", fh.Filename)
	}
	defer file.Close()

	name := safeFilename(fh.Filename)
	id := uuid.New().String()
	key := objstore.PreCullKey(ws.Prefix, id+"_"+name)
	mediaType := fileMediaType(fh)

	if err := h.objects.Upload(ctx, key, file, fh.Size, mediaType); err != nil {
		return nil, err
	}
	url, validUntil, err := h.objects.PresignedGet(ctx, key, h.config.ObjectStore.URLTTL)
	if err != nil {
		return nil, err
	}

	img := &store.PreCullImage{
		ID:            id,
		WorkspaceID:   ws.ID,
		OriginalName:  name,
		MediaType:     mediaType,
		DownloadURL:   url,
		URLValidUntil: validUntil,
	}
	if err := h.images.InsertPreCull(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// StartCull kicks off the culling chain over the given presigned URLs.
func (h *WorkspacesHandler) StartCull(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "invalid request body")
		return
	}

	// Default to every pre-cull image in the workspace.
	if len(req.URLs) == 0 {
		preCull, err := h.images.ListPreCull(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondFault(w, err)
			return
		}
		for _, img := range preCull {
			req.URLs = append(req.URLs, img.DownloadURL)
		}
	}

	chainID, err := h.pipe.StartCull(r.Context(), userID, chi.URLParam(r, "id"), req.URLs)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"chain_id": chainID,
		"images":   len(req.URLs),
	})
}

// CancelCull clears the workspace's running chain.
func (h *WorkspacesHandler) CancelCull(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	if err := h.pipe.CancelCull(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Tasks returns the task rows of the workspace's current chain.
func (h *WorkspacesHandler) Tasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	tasks, err := h.pipe.ChainTasks(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": toTaskResponses(tasks)})
}

// Progress streams the chain's task states as server-sent events until
// every task reaches a terminal state.
func (h *WorkspacesHandler) Progress(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	workspaceID := chi.URLParam(r, "id")

	streamTaskProgress(w, r, func(ctx context.Context) ([]store.Task, error) {
		return h.pipe.ChainTasks(ctx, userID, workspaceID)
	})
}

// Images lists the workspace's culled images, optionally filtered with
// ?status=Blur,ClosedEye,Duplicate,FineCollection.
func (h *WorkspacesHandler) Images(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ws, err := h.workspaces.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}

	statuses, err := parseStatusFilter(r.URL.Query().Get("status"))
	if err != nil {
		respondFault(w, err)
		return
	}

	images, err := h.images.ListCulled(r.Context(), ws.ID, statuses...)
	if err != nil {
		respondFault(w, err)
		return
	}

	out := make([]map[string]any, len(images))
	for i, img := range images {
		out[i] = map[string]any{
			"id":               img.ID,
			"original_name":    img.OriginalName,
			"media_type":       img.MediaType,
			"detection_status": img.DetectionStatus,
			"download_url":     img.DownloadURL,
			"url_valid_until":  img.URLValidUntil,
			"uploaded_at":      img.UploadedAt,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": out})
}

// parseStatusFilter parses the comma-separated status query parameter.
func parseStatusFilter(raw string) ([]store.DetectionStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []store.DetectionStatus
	for _, s := range strings.Split(raw, ",") {
		switch status := store.DetectionStatus(strings.TrimSpace(s)); status {
		case store.StatusBlur, store.StatusClosedEye, store.StatusDuplicate, store.StatusFineCollection:
			out = append(out, status)
		default:
			return nil, fault.New(fault.URLInvalid, "unknown detection status %q", s)
		}
	}
	return out, nil
}
