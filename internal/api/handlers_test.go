package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreplane/mirrorsync/internal/conflict"
	"github.com/coreplane/mirrorsync/internal/draft"
	"github.com/coreplane/mirrorsync/internal/notify"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
)

const testAPIKey = "test-key"

type testAPI struct {
	srv   *httptest.Server
	store *store.SQLiteStore
	hub   *notify.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}

	hub := notify.NewHub(8)
	drafts := draft.NewManager(s, conflict.NewDetector(s), nil)
	h := NewHandler(s, drafts, hub, testAPIKey, "test")

	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		s.Close()
	})
	return &testAPI{srv: srv, store: s, hub: hub}
}

// do runs one authenticated request and decodes the JSON response into out
// when out is non-nil.
func (a *testAPI) do(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func (a *testAPI) seedMirror(t *testing.T, data types.FieldMap) *types.MirrorRecord {
	t.Helper()
	rec, err := a.store.UpsertMirror(context.Background(), "org-1", "ext-100", data)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestHealth_NoAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Version != "test" {
		t.Errorf("health = %+v", health)
	}
}

func TestProtectedRoutes_RejectMissingToken(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.srv.URL + "/api/v1/mirrors?org=org-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %s", ct)
	}
}

func TestIngestMirror_CreateAndResync(t *testing.T) {
	a := newTestAPI(t)

	var created types.MirrorRecord
	resp := a.do(t, http.MethodPost, "/api/v1/mirrors", IngestRequest{
		OrganizationID: "org-1",
		ExternalID:     "ext-1",
		Data:           types.FieldMap{"name": "Crane A", "status": "planned"},
	}, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	// Re-sync with changed data bumps the version.
	var resynced types.MirrorRecord
	a.do(t, http.MethodPost, "/api/v1/mirrors", IngestRequest{
		OrganizationID: "org-1",
		ExternalID:     "ext-1",
		Data:           types.FieldMap{"name": "Crane A", "status": "active"},
	}, &resynced)
	if resynced.Version != 2 {
		t.Errorf("version = %d, want 2", resynced.Version)
	}

	var fetched types.MirrorRecord
	resp = a.do(t, http.MethodGet, "/api/v1/mirrors/"+created.ID, nil, &fetched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fetched.Data["status"] != "active" {
		t.Errorf("data = %v", fetched.Data)
	}
}

func TestIngestMirror_RequiresIdentifiers(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodPost, "/api/v1/mirrors", IngestRequest{
		Data: types.FieldMap{"name": "Crane A"},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetMirror_NotFound(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/api/v1/mirrors/absent", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDraftLifecycle_SaveCommit(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A", "status": "planned"})

	var mod types.ModificationRecord
	resp := a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID:    "user-1",
		SessionID: "sess-1",
		Fields:    types.FieldMap{"status": "active"},
	}, &mod)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	if mod.SyncState != types.StateDraft || mod.BaseVersion != mirror.Version {
		t.Errorf("draft = %+v", mod)
	}

	var result draft.CommitResult
	resp = a.do(t, http.MethodPost, "/api/v1/mirrors/"+mirror.ID+"/draft/commit",
		UserRequest{UserID: "user-1"}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit status = %d", resp.StatusCode)
	}
	if result.SyncState != types.StateCommitted {
		t.Errorf("state = %s", result.SyncState)
	}
}

func TestCommitDraft_ValidationProblem(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A"})

	a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID: "user-1",
		Fields: types.FieldMap{"forecastStart": "2025-06-01", "forecastEnd": "2025-01-01"},
	}, nil)

	var problem ProblemWithErrors
	resp := a.do(t, http.MethodPost, "/api/v1/mirrors/"+mirror.ID+"/draft/commit",
		UserRequest{UserID: "user-1"}, &problem)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if len(problem.Errors) == 0 {
		t.Error("expected field errors in problem payload")
	}
}

func TestCommitDraft_ConflictProblem(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A", "status": "planned"})

	a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID: "user-1",
		Fields: types.FieldMap{"status": "active"},
	}, nil)

	// The mirror moves on the same field before the commit.
	if _, err := a.store.ApplyDelta(context.Background(), mirror.ID, mirror.Version, types.FieldMap{"status": "retired"}); err != nil {
		t.Fatal(err)
	}

	var problem ProblemWithConflict
	resp := a.do(t, http.MethodPost, "/api/v1/mirrors/"+mirror.ID+"/draft/commit",
		UserRequest{UserID: "user-1"}, &problem)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if problem.Conflict == nil {
		t.Fatal("conflict payload missing")
	}
	if len(problem.Conflict.Overlapping) != 1 || problem.Conflict.Overlapping[0].Field != "status" {
		t.Errorf("overlapping = %+v", problem.Conflict.Overlapping)
	}

	// The client can then resolve with use_local.
	var result draft.CommitResult
	resp = a.do(t, http.MethodPost, "/api/v1/mirrors/"+mirror.ID+"/draft/resolve", ResolveRequest{
		UserID:   "user-1",
		Strategy: types.ResolveUseLocal,
	}, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	if result.SyncState != types.StateCommitted {
		t.Errorf("resolved state = %s", result.SyncState)
	}
}

func TestResolveConflict_RejectsUnknownStrategy(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A"})

	resp := a.do(t, http.MethodPost, "/api/v1/mirrors/"+mirror.ID+"/draft/resolve", ResolveRequest{
		UserID:   "user-1",
		Strategy: "overwrite",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDiscardDraft_RestoresBaselineView(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A", "status": "planned"})

	a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID: "user-1",
		Fields: types.FieldMap{"status": "active"},
	}, nil)

	resp := a.do(t, http.MethodDelete, "/api/v1/mirrors/"+mirror.ID+"/draft?user=user-1", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	var view types.MergedView
	a.do(t, http.MethodGet, "/api/v1/mirrors/"+mirror.ID+"/view?user=user-1", nil, &view)
	if view.MergedData["status"] != "planned" {
		t.Errorf("view = %v, want baseline restored", view.MergedData)
	}
	if view.SyncState != types.StateSynced {
		t.Errorf("view state = %s", view.SyncState)
	}
}

func TestListViews_AppliesUserDelta(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A", "status": "planned"})

	a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID: "user-1",
		Fields: types.FieldMap{"status": "active"},
	}, nil)

	var list listResponse[types.MergedView]
	resp := a.do(t, http.MethodGet, "/api/v1/views?org=org-1&user=user-1", nil, &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("list = %+v", list)
	}
	if list.Items[0].MergedData["status"] != "active" {
		t.Errorf("merged = %v", list.Items[0].MergedData)
	}

	// Another user sees the pristine baseline.
	a.do(t, http.MethodGet, "/api/v1/views?org=org-1&user=user-2", nil, &list)
	if list.Items[0].MergedData["status"] != "planned" {
		t.Errorf("other user's view = %v", list.Items[0].MergedData)
	}
}

func TestSyncStats(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A"})

	a.do(t, http.MethodPut, "/api/v1/mirrors/"+mirror.ID+"/draft", SaveDraftRequest{
		UserID: "user-1",
		Fields: types.FieldMap{"name": "Crane B"},
	}, nil)

	var stats types.SyncStats
	resp := a.do(t, http.MethodGet, "/api/v1/sync/stats?org=org-1", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if stats.Counts[types.StateDraft] != 1 {
		t.Errorf("counts = %v", stats.Counts)
	}
}

// seedDeadLetter walks a modification through the lifecycle into the
// dead-letter queue.
func (a *testAPI) seedDeadLetter(t *testing.T, mirrorID string) *types.ModificationRecord {
	t.Helper()
	ctx := context.Background()

	mod, err := a.store.UpsertDraft(ctx, mirrorID, "user-1", "sess-1", types.FieldMap{"name": "Crane B"})
	if err != nil {
		t.Fatal(err)
	}
	for _, state := range []types.SyncState{types.StateCommitted, types.StateQueued, types.StateSyncing} {
		if _, err := a.store.TransitionState(ctx, mod.ID, state); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.store.DeadLetter(ctx, mod.ID, "status 422: rejected"); err != nil {
		t.Fatal(err)
	}
	return mod
}

func TestDeadLetter_ListRequeueDiscard(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A"})
	mod := a.seedDeadLetter(t, mirror.ID)

	var list struct {
		Items []types.ModificationRecord `json:"items"`
	}
	resp := a.do(t, http.MethodGet, "/api/v1/sync/dead-letter?org=org-1", nil, &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(list.Items) != 1 || list.Items[0].ID != mod.ID {
		t.Fatalf("list = %+v", list.Items)
	}
	if list.Items[0].LastError == "" {
		t.Error("dead letter missing its error")
	}

	var requeued types.ModificationRecord
	resp = a.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sync/dead-letter/%s/requeue", mod.ID), nil, &requeued)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue status = %d", resp.StatusCode)
	}
	if requeued.SyncState != types.StateQueued || requeued.RetryCount != 0 {
		t.Errorf("requeued = %+v", requeued)
	}

	// A queued row cannot be discarded from the dead-letter view.
	resp = a.do(t, http.MethodDelete, "/api/v1/sync/dead-letter/"+mod.ID, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("discard status = %d, want 409", resp.StatusCode)
	}
}

func TestDeadLetter_Discard(t *testing.T) {
	a := newTestAPI(t)
	mirror := a.seedMirror(t, types.FieldMap{"name": "Crane A"})
	mod := a.seedDeadLetter(t, mirror.ID)

	resp := a.do(t, http.MethodDelete, "/api/v1/sync/dead-letter/"+mod.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	var list struct {
		Items []types.ModificationRecord `json:"items"`
	}
	a.do(t, http.MethodGet, "/api/v1/sync/dead-letter?org=org-1", nil, &list)
	if len(list.Items) != 0 {
		t.Errorf("list = %+v, want empty", list.Items)
	}
}

func TestListViews_RejectsUnknownState(t *testing.T) {
	a := newTestAPI(t)

	resp := a.do(t, http.MethodGet, "/api/v1/views?org=org-1&user=user-1&state=melted", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
