package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/querygate/querygate/internal/audit"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/schema"
)

const adminRole = "admin"

type schemaTableResponse struct {
	Name       string             `json:"name"`
	Category   string             `json:"category,omitempty"`
	Columns    []schema.Column    `json:"columns"`
	Operations []schema.Operation `json:"operations"`
}

type schemaResponse struct {
	Role       string                `json:"role"`
	Version    int64                 `json:"version"`
	Operations []schema.Operation    `json:"operations"`
	Tables     []schemaTableResponse `json:"tables"`
	RowScopes  []schema.RowScope     `json:"row_scopes"`
}

func handleSchema(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	user, err := userFromRequest(r, authRequired, nil)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return
	}

	allowed, _, err := deps.Schema.Resolve(r.Context(), user)
	if err != nil || allowed.Empty() {
		status, code := http.StatusForbidden, "UNKNOWN_ROLE"
		if err != nil && !errors.Is(err, permission.ErrUnknownRole) {
			status, code = http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE"
		}
		writeError(r.Context(), w, status, code, "no schema is available for this role", status == http.StatusServiceUnavailable, nil)
		return
	}

	response := schemaResponse{
		Role:       allowed.Role,
		Version:    allowed.Version,
		Operations: allowed.Operations,
		Tables:     make([]schemaTableResponse, 0, len(allowed.Tables)),
		RowScopes:  allowed.RowScopes,
	}
	if response.RowScopes == nil {
		response.RowScopes = []schema.RowScope{}
	}
	for _, name := range allowed.TableNames() {
		table, _ := allowed.Table(name)
		response.Tables = append(response.Tables, schemaTableResponse{
			Name:       table.Name,
			Category:   table.Category,
			Columns:    table.Columns,
			Operations: allowed.TableOperations(name),
		})
	}
	writeJSON(w, http.StatusOK, response)
}

func handleStatistics(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}
	user, err := userFromRequest(r, authRequired, nil)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return
	}

	report, err := deps.Pipeline.Statistics(r.Context(), user)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func handleSchemaRefresh(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	if !requireAdmin(deps, authRequired, w, r) {
		return
	}

	snap, err := deps.Catalog.Refresh(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_REFRESH_FAILED", "schema refresh failed; the previous snapshot remains in effect", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "refreshed",
		"version":   snap.Version(),
		"loaded_at": snap.LoadedAt(),
		"tables":    snap.TableNames(),
	})
}

func handleAuditRecent(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) {
	if deps.AuditLog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "audit log is not configured", false, nil)
		return
	}
	if !requireAdmin(deps, authRequired, w, r) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500", false, nil)
			return
		}
		limit = parsed
	}

	records, err := deps.AuditLog.Recent(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "failed to load audit records", true, nil)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// requireAdmin resolves the caller and admits only roles that resolve to the
// admin profile.
func requireAdmin(deps Dependencies, authRequired bool, w http.ResponseWriter, r *http.Request) bool {
	user, err := userFromRequest(r, authRequired, nil)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), false, nil)
		return false
	}
	if deps.Schema != nil {
		allowed, _, err := deps.Schema.Resolve(r.Context(), user)
		if err == nil && allowed.Role == adminRole {
			return true
		}
	} else if strings.EqualFold(user.Role, adminRole) {
		return true
	}
	writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "admin role is required", false, nil)
	return false
}
