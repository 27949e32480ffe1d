package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/web/middleware"
)

// EventStore is the slice of the metadata store the event handlers use.
type EventStore interface {
	Create(ctx context.Context, e *store.ShareEvent) error
	GetOwned(ctx context.Context, userID, id string) (*store.ShareEvent, error)
	GetByName(ctx context.Context, userID, name string) (*store.ShareEvent, error)
	ListByUser(ctx context.Context, userID string) ([]store.ShareEvent, error)
	AddSize(ctx context.Context, id string, bytes int64) error
	SetCover(ctx context.Context, id, coverURL string) error
}

// EventImageStore persists the image metadata of a share event.
type EventImageStore interface {
	InsertShare(ctx context.Context, img *store.ShareImage) error
	ListShare(ctx context.Context, eventID string) ([]store.ShareImage, error)
}

// EventsHandler handles the smart-share event endpoints.
type EventsHandler struct {
	config  *config.Config
	events  EventStore
	images  EventImageStore
	quota   Quota
	objects ObjectStore
	pipe    Pipeline
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(cfg *config.Config, events EventStore, images EventImageStore, quota Quota, objects ObjectStore, pipe Pipeline) *EventsHandler {
	return &EventsHandler{
		config:  cfg,
		events:  events,
		images:  images,
		quota:   quota,
		objects: objects,
		pipe:    pipe,
	}
}

type eventResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	CoverURL    string            `json:"cover_url,omitempty"`
	TotalSize   int64             `json:"total_size"`
	Status      store.EventStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toEventResponse(e *store.ShareEvent) eventResponse {
	return eventResponse{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		CoverURL:    e.CoverURL,
		TotalSize:   e.TotalSize,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
	}
}

// Create creates a new share event in NotPublished state.
func (h *EventsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
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

	existing, err := h.events.GetByName(r.Context(), userID, req.Name)
	if err != nil {
		respondFault(w, err)
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, fault.WorkspaceLocked, "event name already in use")
		return
	}

	// Purge any stale objects left under a reused name by a crashed delete.
	prefix := objstore.EventPrefix(userID, slug)
	if err := h.objects.RemovePrefix(r.Context(), prefix); err != nil {
		log.Printf("events: could not purge stale prefix %s: %v", prefix, err)
	}

	ev := &store.ShareEvent{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		Prefix:      prefix,
	}
	if err := h.events.Create(r.Context(), ev); err != nil {
		respondFault(w, err)
		return
	}
	ev.Status = store.EventNotPublished
	respondJSON(w, http.StatusCreated, toEventResponse(ev))
}

// List returns the caller's events, newest first.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	events, err := h.events.ListByUser(r.Context(), userID)
	if err != nil {
		respondFault(w, err)
		return
	}

	out := make([]eventResponse, len(events))
	for i := range events {
		out[i] = toEventResponse(&events[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": out})
}

// Get returns one event.
func (h *EventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ev, err := h.events.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toEventResponse(ev))
}

// Delete removes an event, its images, its vector collection, and its
// index artifact.
func (h *EventsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	if err := h.pipe.DeleteEvent(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Upload ingests multipart photos into the event's share area.
// Published events are frozen; new photos would never reach the index.
func (h *EventsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ev, err := h.events.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	if ev.Status != store.EventNotPublished {
		respondError(w, http.StatusConflict, fault.WorkspaceLocked, "event is published or publishing, uploads are closed")
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

	if err := h.quota.Reserve(r.Context(), userID, store.QuotaShare, total); err != nil {
		respondFault(w, err)
		return
	}

	var stored int64
	uploaded := make([]map[string]any, 0, len(files))
	for _, fh := range files {
		img, err := h.uploadOne(r.Context(), ev, fh)
		if err != nil {
			// Stored files keep their rows and stay charged; give back the
			// unstored remainder and count the stored bytes on the event so
			// quota and event size reconcile.
			_ = h.quota.Release(r.Context(), userID, store.QuotaShare, total-stored)
			if stored > 0 {
				_ = h.events.AddSize(r.Context(), ev.ID, stored)
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

	if err := h.events.AddSize(r.Context(), ev.ID, stored); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"uploaded": len(uploaded),
		"images":   uploaded,
	})
}

func (h *EventsHandler) uploadOne(ctx context.Context, ev *store.ShareEvent, fh *multipart.FileHeader) (*store.ShareImage, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fault.New(fault.URLInvalid, "could not open uploaded file %s", fh.Filename)
	}
	defer file.Close()

	name := safeFilename(fh.Filename)
	id := uuid.New().String()
	key := objstore.ShareKey(ev.Prefix, id+"_"+name)
	mediaType := fileMediaType(fh)

	if err := h.objects.Upload(ctx, key, file, fh.Size, mediaType); err != nil {
		return nil, err
	}
	url, validUntil, err := h.objects.PresignedGet(ctx, key, h.config.ObjectStore.URLTTL)
	if err != nil {
		return nil, err
	}

	img := &store.ShareImage{
		ID:            id,
		EventID:       ev.ID,
		OriginalName:  name,
		MediaType:     mediaType,
		DownloadURL:   url,
		URLValidUntil: validUntil,
	}
	if err := h.images.InsertShare(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// Cover uploads the event's cover image. The cover lives outside the
// photo set: it is not indexed and not counted against quota.
func (h *EventsHandler) Cover(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ev, err := h.events.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "failed to parse multipart form")
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "exactly one cover file is required")
		return
	}
	if _, err := validateUploadSet(files, &h.config.Upload); err != nil {
		respondFault(w, err)
		return
	}

	fh := files[0]
	file, err := fh.Open()
	if err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "could not open uploaded file")
		return
	}
	defer file.Close()

	key := objstore.CoverKey(ev.Prefix, uuid.New().String()+"_"+safeFilename(fh.Filename))
	if err := h.objects.Upload(r.Context(), key, file, fh.Size, fileMediaType(fh)); err != nil {
		respondFault(w, err)
		return
	}
	url, _, err := h.objects.PresignedGet(r.Context(), key, h.config.ObjectStore.URLTTL)
	if err != nil {
		respondFault(w, err)
		return
	}
	if err := h.events.SetCover(r.Context(), ev.ID, url); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"cover_url": url})
}

// Publish kicks off the face-indexing chain and moves the event to
// Pending.
func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	chainID, err := h.pipe.StartPublish(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"chain_id": chainID})
}

// Images lists the event's photos.
func (h *EventsHandler) Images(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	ev, err := h.events.GetOwned(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respondFault(w, err)
		return
	}

	images, err := h.images.ListShare(r.Context(), ev.ID)
	if err != nil {
		respondFault(w, err)
		return
	}

	out := make([]map[string]any, len(images))
	for i, img := range images {
		out[i] = map[string]any{
			"id":              img.ID,
			"original_name":   img.OriginalName,
			"media_type":      img.MediaType,
			"download_url":    img.DownloadURL,
			"url_valid_until": img.URLValidUntil,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": out})
}

// Search finds the event photos containing the caller's face. The
// selfie arrives as a single multipart file; the caller does not need to
// own the event, any identified guest can search.
func (h *EventsHandler) Search(w http.ResponseWriter, r *http.Request) {
	guestID := middleware.UserID(r.Context())

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "failed to parse multipart form")
		return
	}
	files := r.MultipartForm.File["selfie"]
	if len(files) != 1 {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "exactly one selfie file is required")
		return
	}

	file, err := files[0].Open()
	if err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "could not open selfie")
		return
	}
	defer file.Close()
	selfie, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, fault.URLInvalid, "could not read selfie")
		return
	}

	results, err := h.pipe.SearchSelfie(r.Context(), chi.URLParam(r, "id"), guestID, selfie)
	if err != nil {
		respondFault(w, err)
		return
	}

	out := make([]map[string]any, len(results))
	for i, res := range results {
		out[i] = map[string]any{
			"id":            res.Image.ID,
			"original_name": res.Image.OriginalName,
			"download_url":  res.Image.DownloadURL,
			"score":         res.Score,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"matches": out})
}
