package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wgje/flowsync/internal/rpc"
	"github.com/wgje/flowsync/internal/store"
	"github.com/wgje/flowsync/internal/types"
	"github.com/wgje/flowsync/internal/validation"
)

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is returned by GET /rpc/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Rows    *store.Stats `json:"rows"`
}

// writableTables are the tables clients may upsert into and delete from.
var writableTables = map[string]bool{
	"projects":    true,
	"tasks":       true,
	"connections": true,
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, HealthResponse{Status: "healthy", Version: h.version, Rows: stats})
}

// Upsert handles POST /rpc/v1/{table}
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !writableTables[table] {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown table %q", table))
		return
	}

	var req rpc.UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteCodedProblem(w, r, http.StatusBadRequest, rpc.CodeInvalidInput, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Key == "" {
		WriteCodedProblem(w, r, http.StatusBadRequest, rpc.CodeNotNullViolation, "key is required")
		return
	}

	errs, err := validatePayload(table, req.Payload)
	if err != nil {
		WriteCodedProblem(w, r, http.StatusBadRequest, rpc.CodeInvalidInput, fmt.Sprintf("Invalid payload: %s", err.Error()))
		return
	}
	if len(errs) > 0 {
		WriteValidationProblem(w, r, errs)
		return
	}

	updatedAt, err := h.store.Upsert(r.Context(), table, req.Key, req.Payload)
	if err != nil {
		slog.Debug("upsert rejected",
			"component", "api",
			"table", table,
			"key", req.Key,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, rpc.UpsertResponse{UpdatedAt: updatedAt})
}

// validatePayload decodes payload as the table's row type and validates
// it. A decode failure is returned as err.
func validatePayload(table string, payload json.RawMessage) ([]validation.ValidationError, error) {
	switch table {
	case "projects":
		var p types.ProjectMetadata
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return validation.ValidateProject(p), nil
	case "tasks":
		var t types.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		return validation.ValidateTask(t), nil
	default:
		var c types.Connection
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, err
		}
		return validation.ValidateConnection(c), nil
	}
}

// Delete handles DELETE /rpc/v1/{table}/{key}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")
	if !writableTables[table] {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown table %q", table))
		return
	}

	if err := h.store.Delete(r.Context(), table, key); err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("row deleted",
		"component", "api",
		"action", "row_deleted",
		"table", table,
		"key", key,
	)
	w.WriteHeader(http.StatusNoContent)
}

// Query handles GET /rpc/v1/{table}?col=val
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !rpc.Tables[table] {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown table %q", table))
		return
	}

	filter := make(map[string]string)
	for col, vals := range r.URL.Query() {
		if len(vals) > 0 {
			filter[col] = vals[0]
		}
	}

	rows, err := h.store.Query(r.Context(), table, filter)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, rpc.QueryResponse{Rows: rows})
}
