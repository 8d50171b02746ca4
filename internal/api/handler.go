package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	openapi "github.com/ensembl/lakehouse/api"
	"github.com/ensembl/lakehouse/internal/apperr"
	"github.com/ensembl/lakehouse/internal/config"
	"github.com/ensembl/lakehouse/internal/export"
	"github.com/ensembl/lakehouse/internal/observability"
	"github.com/ensembl/lakehouse/internal/query"
	"github.com/ensembl/lakehouse/internal/service"
)

type ReadinessCheck func(ctx context.Context) error

// Queries is the catalog and query side of the API, implemented by
// service.Service.
type Queries interface {
	DataTypes(ctx context.Context) ([]query.TableMetadata, error)
	Filters(ctx context.Context, dataset string) (service.Filters, error)
	SubmitQuery(ctx context.Context, dataset, species, fields, condition string) (service.Submission, error)
	QueryStatus(ctx context.Context, queryID string) (service.QueryStatus, error)
	Preview(ctx context.Context, queryID string, maxResults int) (service.Preview, error)
	PreviewDefault() int
}

type Exports interface {
	RequestExport(ctx context.Context, queryID, formatName string) (export.Status, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Queries           Queries
	Exports           Exports
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.CorrelationMiddleware)
	r.Use(observability.MetricsMiddleware(routePattern))
	if deps.Logger != nil {
		r.Use(observability.LoggingMiddleware(deps.Logger))
	}
	r.Use(recoverer(deps.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", observability.CorrelationHeader},
		ExposedHeaders: []string{observability.CorrelationHeader},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path, false, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not allowed on "+r.URL.Path, false, nil)
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     cfg.Service.Name,
			"description": "Ensembl's data lakehouse backend",
		})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
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
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(openapi.Document)
	})

	r.Get("/data_types", func(w http.ResponseWriter, r *http.Request) {
		handleDataTypes(deps, w, r)
	})
	r.Get("/filters/{data_type}", func(w http.ResponseWriter, r *http.Request) {
		handleFilters(deps, w, r)
	})

	// Every /query route shares the {ref} parameter: a dataset name when
	// submitting, a query id otherwise. Static segments win over {species}.
	r.Route("/query/{ref}", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			handleQueryStatus(deps, w, r)
		})
		r.Get("/preview", func(w http.ResponseWriter, r *http.Request) {
			handlePreview(deps, w, r)
		})
		r.Get("/export", func(w http.ResponseWriter, r *http.Request) {
			handleExport(deps, w, r)
		})
		r.Get("/{species}", func(w http.ResponseWriter, r *http.Request) {
			handleSubmitQuery(deps, w, r)
		})
	})

	return r
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if logger != nil {
					logger.ErrorContext(r.Context(), "handler panic", slog.Any("panic", rec), slog.String("path", r.URL.Path))
				}
				writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", false, nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CheckEngineConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Engine.Backend == config.EngineAthena && cfg.Athena.OutputLocation == "" {
			return errors.New("athena output location is not configured")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONAs(w, "application/json", status, payload)
}

func writeJSONAs(w http.ResponseWriter, contentType string, status int, payload any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.CorrelationIDFromContext(ctx),
	})
}

// writeAppError maps a classified service error onto the error envelope.
// Unclassified errors are logged and reported without their text.
func writeAppError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		writeError(ctx, w, http.StatusBadRequest, "INVALID_INPUT", apperr.Message(err), false, nil)
	case apperr.KindPreconditionFailed:
		writeError(ctx, w, http.StatusBadRequest, "PRECONDITION_FAILED", apperr.Message(err), false, nil)
	case apperr.KindNotFound:
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", apperr.Message(err), false, nil)
	case apperr.KindUpstream:
		if logger != nil {
			logger.ErrorContext(ctx, "upstream failure", slog.Any("error", err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "UPSTREAM_ERROR", apperr.Message(err), true, nil)
	default:
		if logger != nil {
			logger.ErrorContext(ctx, "request failed", slog.Any("error", err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", false, nil)
	}
}

func notConfigured(ctx context.Context, w http.ResponseWriter, code, what string) {
	writeError(ctx, w, http.StatusNotImplemented, code, what+" dependency is not configured", false, nil)
}
