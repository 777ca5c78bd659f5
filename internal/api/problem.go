package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/deltasync/internal/archive"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/worker"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

const problemBase = "https://deltasync.dev/errors/"

type problemType struct {
	slug  string
	title string
}

var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {"bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"not-found", "Not Found"},
	http.StatusConflict:            {"conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"validation-error", "Validation Error"},
	http.StatusInternalServerError: {"internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {"service-unavailable", "Service Unavailable"},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{slug: "unknown", title: http.StatusText(status)}
	}

	p := Problem{
		Type:     problemBase + pt.slug,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapError converts domain errors to Problem Details responses.
// Internal error text is never sent to the client.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, worker.ErrRunInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync pass is already running")
	case errors.Is(err, archive.ErrNotConfigured):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Run archive not configured")
	default:
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
