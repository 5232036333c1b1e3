package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coreplane/mirrorsync/internal/draft"
	"github.com/coreplane/mirrorsync/internal/notify"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
)

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	drafts  *draft.Manager
	hub     *notify.Hub
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, d *draft.Manager, hub *notify.Hub, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		drafts:  d,
		hub:     hub,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Subscribers int    `json:"subscribers"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Subscribers: h.hub.SubscriberCount(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// IngestRequest is one baseline record from the external system, pushed
// in by the periodic import.
type IngestRequest struct {
	OrganizationID string         `json:"organization_id"`
	ExternalID     string         `json:"external_id"`
	Data           types.FieldMap `json:"data"`
}

// IngestMirror handles POST /api/v1/mirrors. It serves first ingestion
// and re-sync alike: changed data bumps the version and archives the
// previous baseline.
func (h *Handler) IngestMirror(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.OrganizationID == "" || req.ExternalID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "organization_id and external_id are required")
		return
	}

	rec, err := h.store.UpsertMirror(r.Context(), req.OrganizationID, req.ExternalID, req.Data)
	if err != nil {
		slog.Error("ingest failed",
			"component", "api",
			"external_id", req.ExternalID,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// GetMirror handles GET /api/v1/mirrors/{id}
func (h *Handler) GetMirror(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetMirror(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListMirrors handles GET /api/v1/mirrors
func (h *Handler) ListMirrors(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}
	page, perPage := pagination(r)

	recs, total, err := h.store.ListMirrors(r.Context(), orgID, page, perPage)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[types.MirrorRecord]{
		Items:   recs,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

// SaveDraftRequest carries a partial field update for one user's draft.
type SaveDraftRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Fields    types.FieldMap `json:"fields"`
}

// SaveDraft handles PUT /api/v1/mirrors/{id}/draft
func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var req SaveDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.UserID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.Fields) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "fields must not be empty")
		return
	}

	mod, err := h.drafts.Save(r.Context(), chi.URLParam(r, "id"), req.UserID, req.SessionID, req.Fields)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mod)
}

// UserRequest identifies the acting user for commit and discard.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// CommitDraft handles POST /api/v1/mirrors/{id}/draft/commit
func (h *Handler) CommitDraft(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.UserID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	result, err := h.drafts.Commit(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		var vfe *draft.ValidationFailedError
		if errors.As(err, &vfe) {
			WriteProblemWithErrors(w, r, "Modification failed validation", vfe.Errors)
			return
		}
		MapStoreError(w, r, err)
		return
	}

	if result.SyncState == types.StateConflict {
		WriteProblemConflict(w, r, "Record changed remotely on the same fields", result.Conflict)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DiscardDraft handles DELETE /api/v1/mirrors/{id}/draft
func (h *Handler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user query parameter is required")
		return
	}

	if err := h.drafts.Discard(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveRequest selects a conflict resolution strategy.
type ResolveRequest struct {
	UserID   string                   `json:"user_id"`
	Strategy types.ResolutionStrategy `json:"strategy"`
}

// ResolveConflict handles POST /api/v1/mirrors/{id}/draft/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.UserID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if !req.Strategy.Valid() {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}

	result, err := h.drafts.Resolve(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Strategy)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetView handles GET /api/v1/mirrors/{id}/view
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "user query parameter is required")
		return
	}

	view, err := h.drafts.MergedView(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListViews handles GET /api/v1/views
func (h *Handler) ListViews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID, userID := q.Get("org"), q.Get("user")
	if orgID == "" || userID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "org and user query parameters are required")
		return
	}

	var state types.SyncState
	if v := q.Get("state"); v != "" {
		state = types.SyncState(v)
		if !state.Valid() {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("unknown sync state %q", v))
			return
		}
	}
	page, perPage := pagination(r)

	views, total, err := h.drafts.ListViews(r.Context(), orgID, userID, state, page, perPage)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[types.MergedView]{
		Items:   views,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	})
}

// SyncStats handles GET /api/v1/sync/stats
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}

	stats, err := h.drafts.Stats(r.Context(), orgID)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDeadLetters handles GET /api/v1/sync/dead-letter
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "org query parameter is required")
		return
	}

	mods, err := h.store.ListByState(r.Context(), orgID, types.StateDeadLettered)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if mods == nil {
		mods = []types.ModificationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": mods})
}

// RequeueDeadLetter handles POST /api/v1/sync/dead-letter/{id}/requeue
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	mod, err := h.store.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("dead letter requeued",
		"component", "api",
		"modification_id", mod.ID,
		"mirror_id", mod.MirrorID,
	)
	writeJSON(w, http.StatusOK, mod)
}

// DiscardDeadLetter handles DELETE /api/v1/sync/dead-letter/{id}
func (h *Handler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	mod, err := h.store.GetModification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if mod.SyncState != types.StateDeadLettered {
		WriteProblem(w, r, http.StatusConflict, "Modification is not dead-lettered")
		return
	}

	if err := h.store.DeleteDraft(r.Context(), mod.MirrorID, mod.UserID); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listResponse is the shared paged payload shape.
type listResponse[T any] struct {
	Items   []T   `json:"items"`
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
}

// pagination reads page/per_page query parameters with sane bounds.
func pagination(r *http.Request) (page, perPage int) {
	page, perPage = 1, 50
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(q.Get("per_page")); err == nil && v > 0 && v <= 200 {
		perPage = v
	}
	return page, perPage
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
