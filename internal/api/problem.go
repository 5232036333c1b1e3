package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coreplane/mirrorsync/internal/draft"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
	"github.com/coreplane/mirrorsync/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://mirrorsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://mirrorsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://mirrorsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://mirrorsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://mirrorsync.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusConflict: {
		typeURI: "https://mirrorsync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://mirrorsync.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://mirrorsync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithConflict extends Problem with the per-field conflict payload
// the client needs to drive resolution.
type ProblemWithConflict struct {
	Problem
	Conflict *types.ConflictDetail `json:"conflict,omitempty"`
}

// WriteProblemConflict writes a 409 Problem Details response carrying both
// sides of every contested field.
func WriteProblemConflict(w http.ResponseWriter, r *http.Request, detail string, conflict *types.ConflictDetail) {
	pt := problemTypes[http.StatusConflict]

	p := ProblemWithConflict{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusConflict,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Conflict: conflict,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusConflict)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrDraftBusy):
		WriteProblem(w, r, http.StatusConflict, "Modification is being synced; retry when it settles")
	case errors.Is(err, store.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, "Modification is not in a state that allows this operation")
	case errors.Is(err, store.ErrVersionConflict):
		WriteProblem(w, r, http.StatusConflict, "Record version has moved; re-read and retry")
	case errors.Is(err, draft.ErrNotCommittable):
		WriteProblem(w, r, http.StatusConflict, "Modification is not in a committable state")
	case errors.Is(err, draft.ErrNotConflicted):
		WriteProblem(w, r, http.StatusConflict, "Modification is not in conflict")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
