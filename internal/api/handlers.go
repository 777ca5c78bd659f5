package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hyperengineering/deltasync/internal/archive"
	"github.com/hyperengineering/deltasync/internal/orchestrator"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
	"github.com/hyperengineering/deltasync/internal/worker"
)

const (
	defaultErrorLimit = 50
	maxErrorLimit     = 500
	maxRunBodyBytes   = 1 << 16
)

// StatusStore is the read side of the store used by the API.
type StatusStore interface {
	CountByState(ctx context.Context) (map[string]int, error)
	LatestRun(ctx context.Context) (*types.RunSummary, error)
	ListErrors(ctx context.Context, filter types.LedgerFilter) ([]types.LedgerEntry, error)
}

// ReportLinker hands out download links for archived run reports.
type ReportLinker interface {
	PresignedURL(ctx context.Context, runID string) (string, time.Time, error)
}

// Handler implements the API handlers
type Handler struct {
	store   StatusStore
	runner  worker.PassRunner
	reports ReportLinker
	apiKey  string
	version string
}

// NewHandler creates a Handler. A nil linker disables report links.
func NewHandler(s StatusStore, runner worker.PassRunner, reports ReportLinker, apiKey, version string) *Handler {
	if reports == nil {
		reports = archive.Noop{}
	}
	return &Handler{
		store:   s,
		runner:  runner,
		reports: reports,
		apiKey:  apiKey,
		version: version,
	}
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	resp := types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Counts:  counts,
	}
	run, err := h.store.LatestRun(r.Context())
	switch {
	case err == nil:
		finished := run.FinishedAt
		resp.LastRun = &finished
	case !errors.Is(err, store.ErrNotFound):
		MapError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// LatestRunResponse is the body of GET /api/v1/runs/latest.
type LatestRunResponse struct {
	Run             *types.RunSummary `json:"run"`
	ReportURL       string            `json:"report_url,omitempty"`
	ReportExpiresAt *time.Time        `json:"report_expires_at,omitempty"`
}

// LatestRun handles GET /api/v1/runs/latest.
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.LatestRun(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	resp := LatestRunResponse{Run: run}
	link, expiry, err := h.reports.PresignedURL(r.Context(), run.RunID)
	switch {
	case err == nil:
		resp.ReportURL = link
		resp.ReportExpiresAt = &expiry
	case !errors.Is(err, archive.ErrNotConfigured):
		slog.Warn("failed to presign run report",
			"component", "api",
			"run_id", run.RunID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ErrorsResponse is the body of GET /api/v1/errors.
type ErrorsResponse struct {
	Errors []types.LedgerEntry `json:"errors"`
}

// ListErrors handles GET /api/v1/errors?record_key=&operation=&limit=.
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.LedgerFilter{
		RecordKey: q.Get("record_key"),
		Operation: types.Operation(q.Get("operation")),
		Limit:     defaultErrorLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxErrorLimit)
	}

	entries, err := h.store.ListErrors(r.Context(), filter)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, ErrorsResponse{Errors: entries})
}

// RunRequest is the optional body of POST /api/v1/runs.
type RunRequest struct {
	DryRun  bool `json:"dry_run"`
	Limit   int  `json:"limit"`
	Workers int  `json:"workers"`
}

// StartRun handles POST /api/v1/runs. The pass runs to completion within the
// request; a pass already in progress yields 409.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	body := http.MaxBytesReader(w, r.Body, maxRunBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Limit < 0 || req.Workers < 0 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "limit and workers must not be negative")
		return
	}

	res, err := h.runner.RunOnce(r.Context(), orchestrator.Options{
		Workers: req.Workers,
		Limit:   req.Limit,
		DryRun:  req.DryRun,
	})
	if err != nil && (res == nil || res.Run == nil) {
		MapError(w, r, err)
		return
	}

	slog.Info("sync pass requested via api",
		"component", "api",
		"run_id", res.Run.RunID,
		"dry_run", req.DryRun,
		"success", res.Run.Success,
		"request_id", GetRequestID(r),
	)
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
