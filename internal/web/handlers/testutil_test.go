package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/pipeline"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/web/middleware"
)

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		ObjectStore: config.ObjectStoreConfig{URLTTL: time.Hour},
		Upload: config.UploadConfig{
			MaxFilesPerRequest: 5,
			MinFileSize:        8,
			MaxFileSize:        1 << 20,
			AllowedMediaTypes:  []string{"image/jpeg", "image/png"},
		},
	}
}

// requestWithUser creates a request with a caller identity in context
func requestWithUser(t *testing.T, method, path, userID string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	return req.WithContext(middleware.SetUserID(req.Context(), userID))
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// multipartBody builds a multipart body with one part per file under the
// given field name. Every part claims image/jpeg.
func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
		hdr.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("failed to create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("failed to write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected code
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedCode {
		t.Errorf("expected error '%s', got '%s' (%s)", expectedCode, result["error"], result["detail"])
	}
}

// fakeWorkspaceStore is an in-memory WorkspaceStore.
type fakeWorkspaceStore struct {
	workspaces map[string]*store.CullWorkspace
	err        error
}

func newFakeWorkspaceStore(ws ...*store.CullWorkspace) *fakeWorkspaceStore {
	f := &fakeWorkspaceStore{workspaces: make(map[string]*store.CullWorkspace)}
	for _, w := range ws {
		f.workspaces[w.ID] = w
	}
	return f
}

func (f *fakeWorkspaceStore) Create(_ context.Context, w *store.CullWorkspace) error {
	if f.err != nil {
		return f.err
	}
	f.workspaces[w.ID] = w
	return nil
}

func (f *fakeWorkspaceStore) GetOwned(_ context.Context, userID, id string) (*store.CullWorkspace, error) {
	if f.err != nil {
		return nil, f.err
	}
	if w, ok := f.workspaces[id]; ok && w.UserID == userID {
		return w, nil
	}
	return nil, fault.New(fault.WorkspaceNotFound, "workspace %s not found", id)
}

func (f *fakeWorkspaceStore) GetByName(_ context.Context, userID, name string) (*store.CullWorkspace, error) {
	for _, w := range f.workspaces {
		if w.UserID == userID && w.Name == name {
			return w, nil
		}
	}
	return nil, nil
}

func (f *fakeWorkspaceStore) ListByUser(_ context.Context, userID string) ([]store.CullWorkspace, error) {
	var out []store.CullWorkspace
	for _, w := range f.workspaces {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (f *fakeWorkspaceStore) AddSize(_ context.Context, id string, bytes int64) error {
	if w, ok := f.workspaces[id]; ok {
		w.TotalSize += bytes
	}
	return nil
}

// fakeEventStore is an in-memory EventStore.
type fakeEventStore struct {
	events map[string]*store.ShareEvent
}

func newFakeEventStore(events ...*store.ShareEvent) *fakeEventStore {
	f := &fakeEventStore{events: make(map[string]*store.ShareEvent)}
	for _, e := range events {
		f.events[e.ID] = e
	}
	return f
}

func (f *fakeEventStore) Create(_ context.Context, e *store.ShareEvent) error {
	f.events[e.ID] = e
	return nil
}

func (f *fakeEventStore) GetOwned(_ context.Context, userID, id string) (*store.ShareEvent, error) {
	if e, ok := f.events[id]; ok && e.UserID == userID {
		return e, nil
	}
	return nil, fault.New(fault.WorkspaceNotFound, "event %s not found", id)
}

func (f *fakeEventStore) GetByName(_ context.Context, userID, name string) (*store.ShareEvent, error) {
	for _, e := range f.events {
		if e.UserID == userID && e.Name == name {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeEventStore) ListByUser(_ context.Context, userID string) ([]store.ShareEvent, error) {
	var out []store.ShareEvent
	for _, e := range f.events {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEventStore) AddSize(_ context.Context, id string, bytes int64) error {
	if e, ok := f.events[id]; ok {
		e.TotalSize += bytes
	}
	return nil
}

func (f *fakeEventStore) SetCover(_ context.Context, id, coverURL string) error {
	if e, ok := f.events[id]; ok {
		e.CoverURL = coverURL
	}
	return nil
}

// fakeImageStore collects inserted image rows.
type fakeImageStore struct {
	preCull []store.PreCullImage
	culled  []store.CulledImage
	share   []store.ShareImage
}

func (f *fakeImageStore) InsertPreCull(_ context.Context, img *store.PreCullImage) error {
	f.preCull = append(f.preCull, *img)
	return nil
}

func (f *fakeImageStore) ListPreCull(_ context.Context, workspaceID string) ([]store.PreCullImage, error) {
	var out []store.PreCullImage
	for _, img := range f.preCull {
		if img.WorkspaceID == workspaceID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeImageStore) ListCulled(_ context.Context, workspaceID string, statuses ...store.DetectionStatus) ([]store.CulledImage, error) {
	match := func(s store.DetectionStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}
	var out []store.CulledImage
	for _, img := range f.culled {
		if img.WorkspaceID == workspaceID && match(img.DetectionStatus) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (f *fakeImageStore) InsertShare(_ context.Context, img *store.ShareImage) error {
	f.share = append(f.share, *img)
	return nil
}

func (f *fakeImageStore) ListShare(_ context.Context, eventID string) ([]store.ShareImage, error) {
	var out []store.ShareImage
	for _, img := range f.share {
		if img.EventID == eventID {
			out = append(out, img)
		}
	}
	return out, nil
}

// fakeQuota records reservations and optionally rejects them.
type fakeQuota struct {
	reserveErr error
	reserved   int64
	released   int64
}

func (f *fakeQuota) Reserve(_ context.Context, _ string, _ store.QuotaModule, bytes int64) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved += bytes
	return nil
}

func (f *fakeQuota) Release(_ context.Context, _ string, _ store.QuotaModule, bytes int64) error {
	f.released += bytes
	return nil
}

// fakeObjectStore records uploads and mints deterministic URLs.
// failAfter > 0 fails every upload after that many stored objects.
type fakeObjectStore struct {
	uploads   map[string]int64
	removed   []string
	uploadErr error
	failAfter int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{uploads: make(map[string]int64)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if f.failAfter > 0 && len(f.uploads) >= f.failAfter {
		return fault.New(fault.Internal, "object store unavailable")
	}
	io.Copy(io.Discard, r)
	f.uploads[key] = size
	return nil
}

func (f *fakeObjectStore) PresignedGet(_ context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return "https://objects.test/" + key, time.Now().Add(ttl), nil
}

func (f *fakeObjectStore) RemovePrefix(_ context.Context, prefix string) error {
	f.removed = append(f.removed, prefix)
	return nil
}

// fakePipeline records coordinator calls and returns canned answers.
type fakePipeline struct {
	chainID   string
	err       error
	tasks     []store.Task
	results   []pipeline.SearchResult
	started   []string
	cancelled []string
	deleted   []string
}

func (f *fakePipeline) StartCull(_ context.Context, _, workspaceID string, urls []string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, workspaceID)
	return f.chainID, nil
}

func (f *fakePipeline) StartPublish(_ context.Context, _, eventID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, eventID)
	return f.chainID, nil
}

func (f *fakePipeline) DeleteWorkspace(_ context.Context, _, workspaceID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, workspaceID)
	return nil
}

func (f *fakePipeline) DeleteEvent(_ context.Context, _, eventID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakePipeline) CancelCull(_ context.Context, _, workspaceID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, workspaceID)
	return nil
}

func (f *fakePipeline) ChainTasks(_ context.Context, _, _ string) ([]store.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tasks, nil
}

func (f *fakePipeline) SearchSelfie(_ context.Context, _, _ string, _ []byte) ([]pipeline.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}
