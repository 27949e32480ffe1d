package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/snapsift/snapsift/internal/fault"
	"github.com/snapsift/snapsift/internal/store"
)

func newWorkspacesHandler(ws *fakeWorkspaceStore, images *fakeImageStore, quota *fakeQuota, objects *fakeObjectStore, pipe *fakePipeline) *WorkspacesHandler {
	return NewWorkspacesHandler(testConfig(), ws, images, quota, objects, pipe)
}

func TestWorkspaceCreate(t *testing.T) {
	ws := newFakeWorkspaceStore()
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithUser(t, "POST", "/workspaces", "user-1",
		strings.NewReader(`{"name": "Novák Wedding 2026"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assertStatusCode(t, rec, http.StatusCreated)
	var resp workspaceResponse
	parseJSONResponse(t, rec, &resp)
	if resp.Name != "Novák Wedding 2026" {
		t.Errorf("unexpected name %q", resp.Name)
	}

	created := ws.workspaces[resp.ID]
	if created == nil {
		t.Fatal("workspace not persisted")
	}
	if created.Prefix != "cull/user-1/novak-wedding-2026/" {
		t.Errorf("unexpected prefix %q", created.Prefix)
	}
}

func TestWorkspaceCreateDuplicateName(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1", Name: "Wedding"})
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithUser(t, "POST", "/workspaces", "user-1", strings.NewReader(`{"name": "Wedding"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assertStatusCode(t, rec, http.StatusConflict)
	assertJSONError(t, rec, "workspace_locked")
}

func TestWorkspaceCreateMissingName(t *testing.T) {
	h := newWorkspacesHandler(newFakeWorkspaceStore(), &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithUser(t, "POST", "/workspaces", "user-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assertStatusCode(t, rec, http.StatusBadRequest)
	assertJSONError(t, rec, "url_invalid")
}

func TestWorkspaceGetNotOwned(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "someone-else", Name: "Wedding"})
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithChiParams(
		requestWithUser(t, "GET", "/workspaces/w1", "user-1", nil),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.Get(rec, req)

	assertStatusCode(t, rec, http.StatusNotFound)
	assertJSONError(t, rec, "workspace_not_found")
}

func TestWorkspaceUpload(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{
		ID: "w1", UserID: "user-1", Name: "Wedding", Prefix: "cull/user-1/wedding/",
	})
	images := &fakeImageStore{}
	quota := &fakeQuota{}
	objects := newFakeObjectStore()
	h := newWorkspacesHandler(ws, images, quota, objects, &fakePipeline{})

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.jpg": []byte("aaaaaaaaaaaaaaaa"),
		"b.jpg": []byte("bbbbbbbbbbbbbbbb"),
	})
	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/images", "user-1", body),
		map[string]string{"id": "w1"})
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assertStatusCode(t, rec, http.StatusOK)
	if len(images.preCull) != 2 {
		t.Fatalf("expected 2 pre-cull rows, got %d", len(images.preCull))
	}
	if quota.reserved != 32 {
		t.Errorf("expected 32 bytes reserved, got %d", quota.reserved)
	}
	if len(objects.uploads) != 2 {
		t.Errorf("expected 2 stored objects, got %d", len(objects.uploads))
	}
	for key := range objects.uploads {
		if !strings.HasPrefix(key, "cull/user-1/wedding/pre_cull/") {
			t.Errorf("object key %q outside pre_cull area", key)
		}
	}
	if ws.workspaces["w1"].TotalSize != 32 {
		t.Errorf("expected workspace size 32, got %d", ws.workspaces["w1"].TotalSize)
	}
}

func TestWorkspaceCreatePurgesStalePrefix(t *testing.T) {
	objects := newFakeObjectStore()
	h := newWorkspacesHandler(newFakeWorkspaceStore(), &fakeImageStore{}, &fakeQuota{}, objects, &fakePipeline{})

	req := requestWithUser(t, "POST", "/workspaces", "user-1", strings.NewReader(`{"name": "Wedding"}`))
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	assertStatusCode(t, rec, http.StatusCreated)
	if len(objects.removed) != 1 || objects.removed[0] != "cull/user-1/wedding/" {
		t.Errorf("expected stale prefix purge for cull/user-1/wedding/, got %v", objects.removed)
	}
}

// A mid-batch failure must leave the user's quota counter and the
// workspace size in agreement: stored files stay charged and counted,
// the unstored remainder is released.
func TestWorkspaceUploadPartialFailureReconcilesCounters(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{
		ID: "w1", UserID: "user-1", Name: "Wedding", Prefix: "cull/user-1/wedding/",
	})
	images := &fakeImageStore{}
	quota := &fakeQuota{}
	objects := newFakeObjectStore()
	objects.failAfter = 1
	h := newWorkspacesHandler(ws, images, quota, objects, &fakePipeline{})

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.jpg": []byte("aaaaaaaaaaaaaaaa"),
		"b.jpg": []byte("bbbbbbbbbbbbbbbb"),
	})
	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/images", "user-1", body),
		map[string]string{"id": "w1"})
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assertStatusCode(t, rec, http.StatusInternalServerError)
	if quota.reserved != 32 || quota.released != 16 {
		t.Errorf("expected 32 reserved / 16 released, got %d / %d", quota.reserved, quota.released)
	}
	if got := ws.workspaces["w1"].TotalSize; got != 16 {
		t.Errorf("expected workspace size 16 for the stored file, got %d", got)
	}
	if charged := quota.reserved - quota.released; charged != ws.workspaces["w1"].TotalSize {
		t.Errorf("quota charge %d does not match workspace size %d", charged, ws.workspaces["w1"].TotalSize)
	}
	if len(images.preCull) != 1 {
		t.Errorf("expected 1 pre-cull row for the stored file, got %d", len(images.preCull))
	}
}

func TestWorkspaceUploadQuotaExceeded(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1", Prefix: "cull/user-1/w1/"})
	quota := &fakeQuota{reserveErr: fault.New(fault.QuotaExceeded, "cull quota exceeded")}
	h := newWorkspacesHandler(ws, &fakeImageStore{}, quota, newFakeObjectStore(), &fakePipeline{})

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.jpg": []byte("aaaaaaaaaaaaaaaa"),
	})
	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/images", "user-1", body),
		map[string]string{"id": "w1"})
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assertStatusCode(t, rec, http.StatusForbidden)
	assertJSONError(t, rec, "quota_exceeded")
}

func TestWorkspaceUploadTooSmall(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1", Prefix: "cull/user-1/w1/"})
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"tiny.jpg": []byte("x"),
	})
	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/images", "user-1", body),
		map[string]string{"id": "w1"})
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assertStatusCode(t, rec, http.StatusBadRequest)
	assertJSONError(t, rec, "file_too_small")
}

func TestWorkspaceUploadLockedDuringCulling(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{
		ID: "w1", UserID: "user-1", Prefix: "cull/user-1/w1/", CullingInProgress: true,
	})
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	body, contentType := multipartBody(t, "files", map[string][]byte{
		"a.jpg": []byte("aaaaaaaaaaaaaaaa"),
	})
	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/images", "user-1", body),
		map[string]string{"id": "w1"})
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assertStatusCode(t, rec, http.StatusConflict)
	assertJSONError(t, rec, "workspace_locked")
}

func TestWorkspaceStartCull(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	pipe := &fakePipeline{chainID: "chain-1"}
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), pipe)

	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/cull", "user-1",
			strings.NewReader(`{"urls": ["https://objects.test/a.jpg?X-Amz-Date=20260901T000000Z&X-Amz-Expires=3600"]}`)),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.StartCull(rec, req)

	assertStatusCode(t, rec, http.StatusAccepted)
	var resp map[string]any
	parseJSONResponse(t, rec, &resp)
	if resp["chain_id"] != "chain-1" {
		t.Errorf("unexpected chain id %v", resp["chain_id"])
	}
	if len(pipe.started) != 1 || pipe.started[0] != "w1" {
		t.Errorf("expected cull started for w1, got %v", pipe.started)
	}
}

func TestWorkspaceStartCullDefaultsToPreCull(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	images := &fakeImageStore{preCull: []store.PreCullImage{
		{ID: "i1", WorkspaceID: "w1", DownloadURL: "https://objects.test/i1"},
		{ID: "i2", WorkspaceID: "w1", DownloadURL: "https://objects.test/i2"},
	}}
	pipe := &fakePipeline{chainID: "chain-1"}
	h := newWorkspacesHandler(ws, images, &fakeQuota{}, newFakeObjectStore(), pipe)

	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/cull", "user-1", strings.NewReader(`{}`)),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.StartCull(rec, req)

	assertStatusCode(t, rec, http.StatusAccepted)
	var resp map[string]any
	parseJSONResponse(t, rec, &resp)
	if resp["images"] != float64(2) {
		t.Errorf("expected 2 images in chain, got %v", resp["images"])
	}
}

func TestWorkspaceStartCullLocked(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	pipe := &fakePipeline{err: fault.New(fault.WorkspaceLocked, "culling already in progress")}
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), pipe)

	req := requestWithChiParams(
		requestWithUser(t, "POST", "/workspaces/w1/cull", "user-1", strings.NewReader(`{"urls": ["x"]}`)),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.StartCull(rec, req)

	assertStatusCode(t, rec, http.StatusConflict)
	assertJSONError(t, rec, "workspace_locked")
}

func TestWorkspaceImagesStatusFilter(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	images := &fakeImageStore{culled: []store.CulledImage{
		{ID: "i1", WorkspaceID: "w1", DetectionStatus: store.StatusBlur},
		{ID: "i2", WorkspaceID: "w1", DetectionStatus: store.StatusFineCollection},
		{ID: "i3", WorkspaceID: "w1", DetectionStatus: store.StatusDuplicate},
	}}
	h := newWorkspacesHandler(ws, images, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithChiParams(
		requestWithUser(t, "GET", "/workspaces/w1/images?status=Blur,Duplicate", "user-1", nil),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.Images(rec, req)

	assertStatusCode(t, rec, http.StatusOK)
	var resp struct {
		Images []map[string]any `json:"images"`
	}
	parseJSONResponse(t, rec, &resp)
	if len(resp.Images) != 2 {
		t.Errorf("expected 2 filtered images, got %d", len(resp.Images))
	}
}

func TestWorkspaceImagesBadStatus(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), &fakePipeline{})

	req := requestWithChiParams(
		requestWithUser(t, "GET", "/workspaces/w1/images?status=Sharp", "user-1", nil),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.Images(rec, req)

	assertStatusCode(t, rec, http.StatusBadRequest)
	assertJSONError(t, rec, "url_invalid")
}

func TestWorkspaceProgressTerminalChain(t *testing.T) {
	ws := newFakeWorkspaceStore(&store.CullWorkspace{ID: "w1", UserID: "user-1"})
	pipe := &fakePipeline{tasks: []store.Task{
		{ID: "t1", State: store.TaskSuccess, Progress: 100},
		{ID: "t2", State: store.TaskFailure, Error: "boom"},
	}}
	h := newWorkspacesHandler(ws, &fakeImageStore{}, &fakeQuota{}, newFakeObjectStore(), pipe)

	req := requestWithChiParams(
		requestWithUser(t, "GET", "/workspaces/w1/progress", "user-1", nil),
		map[string]string{"id": "w1"})
	rec := httptest.NewRecorder()
	h.Progress(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Errorf("missing progress event:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("terminal chain should end with done event:\n%s", body)
	}
}
