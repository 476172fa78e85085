package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/abdul-hamid-achik/cmdvec/internal/app"
	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
	"github.com/abdul-hamid-achik/cmdvec/internal/index"
	"github.com/abdul-hamid-achik/cmdvec/internal/search"
	"github.com/abdul-hamid-achik/cmdvec/internal/version"
)

// Service is the application surface the handlers call. *app.App
// implements it.
type Service interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
	Sync(ctx context.Context) (*index.Result, error)
	Reset(ctx context.Context) error
	Status(ctx context.Context) (app.Status, error)
	Health(ctx context.Context) error
}

// Handler handles HTTP API requests.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Search handles GET /api/search?q=...&limit=&version=&type=&include_deprecated=&context=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		h.jsonError(w, errs.New(errs.CodeSearchQueryInvalid, "query parameter 'q' is required"))
		return
	}

	opts := search.Options{
		Version: q.Get("version"),
		Type:    q.Get("type"),
		Context: q.Get("context"),
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			h.jsonError(w, errs.New(errs.CodeSearchQueryInvalid, "limit must be a positive integer", errs.Field("limit", limitStr)))
			return
		}
		opts.Limit = limit
	}
	if v := q.Get("include_deprecated"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			h.jsonError(w, errs.New(errs.CodeSearchQueryInvalid, "include_deprecated must be a boolean", errs.Field("include_deprecated", v)))
			return
		}
		opts.ExcludeDeprecated = !include
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	results, err := h.service.Search(ctx, query, opts)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}

	h.jsonResponse(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := h.service.Status(ctx)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, status)
}

// Sync handles POST /api/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Sync(r.Context())
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"success":  true,
		"result":   result,
		"duration": result.Duration.String(),
	})
}

// Reset handles POST /api/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reset(r.Context()); err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"success": true})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.service.Health(ctx); err != nil {
		h.jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"error":   err.Error(),
			"version": version.Version,
		})
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// jsonError maps err to a status code and writes its code and remediation.
func (h *Handler) jsonError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "code", errs.CodeOf(err))
	}

	body := map[string]any{
		"error": err.Error(),
		"code":  string(errs.CodeOf(err)),
	}
	if remediation := errs.RemediationOf(err); remediation != "" {
		body["remediation"] = remediation
	}
	h.jsonResponse(w, status, body)
}
