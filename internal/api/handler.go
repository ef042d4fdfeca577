package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygate/querygate/internal/audit"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/permission"
	"github.com/querygate/querygate/internal/pipeline"
	"github.com/querygate/querygate/internal/schema"
)

type ReadinessCheck func(ctx context.Context) error

// Pipeline is the query surface the handlers drive.
type Pipeline interface {
	Query(ctx context.Context, req pipeline.QueryRequest) pipeline.Envelope
	QueryBatch(ctx context.Context, reqs []pipeline.QueryRequest) []pipeline.Envelope
	Preview(ctx context.Context, req pipeline.QueryRequest) pipeline.Preview
	Suggest(ctx context.Context, user permission.UserContext, partial string) ([]string, error)
	Statistics(ctx context.Context, user permission.UserContext) (pipeline.StatisticsReport, error)
}

type SchemaResolver interface {
	Resolve(ctx context.Context, user permission.UserContext) (permission.AllowedSchema, *schema.Snapshot, error)
}

type CatalogRefresher interface {
	Refresh(ctx context.Context) (*schema.Snapshot, error)
}

type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

type Dependencies struct {
	Logger           *slog.Logger
	Readiness        ReadinessCheck
	AuthMiddleware   func(http.Handler) http.Handler
	DependencyTimout time.Duration
	Pipeline         Pipeline
	Schema           SchemaResolver
	Catalog          CatalogRefresher
	AuditLog         AuditLog
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/query": func(w http.ResponseWriter, r *http.Request) {
			handleQuery(deps, cfg.Auth.Required, w, r)
		},
		"POST /v1/query/batch": func(w http.ResponseWriter, r *http.Request) {
			handleQueryBatch(deps, cfg.Auth.Required, w, r)
		},
		"POST /v1/query/validate": func(w http.ResponseWriter, r *http.Request) {
			handleValidate(deps, cfg.Auth.Required, w, r)
		},
		"GET /v1/query/suggestions": func(w http.ResponseWriter, r *http.Request) {
			handleSuggestions(deps, cfg.Auth.Required, w, r)
		},
		"GET /v1/schema": func(w http.ResponseWriter, r *http.Request) {
			handleSchema(deps, cfg.Auth.Required, w, r)
		},
		"GET /v1/statistics": func(w http.ResponseWriter, r *http.Request) {
			handleStatistics(deps, cfg.Auth.Required, w, r)
		},
		"POST /v1/schema/refresh": func(w http.ResponseWriter, r *http.Request) {
			handleSchemaRefresh(deps, cfg.Auth.Required, w, r)
		},
		"GET /v1/audit/recent": func(w http.ResponseWriter, r *http.Request) {
			handleAuditRecent(deps, cfg.Auth.Required, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

type snapshotSource interface {
	Snapshot() (*schema.Snapshot, error)
}

// CheckCatalogLoaded fails until the first schema snapshot is published.
func CheckCatalogLoaded(catalog snapshotSource) ReadinessCheck {
	return func(_ context.Context) error {
		if catalog == nil {
			return errors.New("schema catalog is not configured")
		}
		_, err := catalog.Snapshot()
		return err
	}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func CheckDataStore(db pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("data store is not configured")
		}
		if err := db.PingContext(ctx); err != nil {
			return errors.New("data store is unreachable")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
