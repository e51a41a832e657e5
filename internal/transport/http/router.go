// Package httptransport assembles the HTTP surface: shared middleware, the
// per-module handlers, and the operational endpoints.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"veritas/pkg/platform/httputil"
	"veritas/pkg/platform/middleware/admin"
	"veritas/pkg/platform/middleware/metadata"
	"veritas/pkg/platform/middleware/requesttime"
)

const healthTimeout = 2 * time.Second

// Module is implemented by each domain handler. Register mounts public
// routes; RegisterAdmin mounts operator routes.
type Module interface {
	RegisterAdmin(r chi.Router)
}

// PublicModule is a Module that also serves unauthenticated routes.
type PublicModule interface {
	Module
	Register(r chi.Router)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Logger *slog.Logger
	// AdminToken guards operator routes. Empty leaves them open.
	AdminToken string
	// Metrics serves GET /metrics when set.
	Metrics      http.Handler
	HealthChecks map[string]HealthCheck
}

// NewRouter wires the middleware chain and mounts every module.
func NewRouter(cfg RouterConfig, modules ...Module) http.Handler {
	r := chi.NewRouter()
	r.Use(requesttime.Middleware)
	r.Use(metadata.RequestMetadata)

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	for _, m := range modules {
		if pub, ok := m.(PublicModule); ok {
			pub.Register(r)
		}
	}

	r.Group(func(op chi.Router) {
		if cfg.AdminToken != "" {
			op.Use(admin.RequireAdminToken(cfg.AdminToken, cfg.Logger))
		} else if cfg.Logger != nil {
			cfg.Logger.Warn("operator routes are not protected by an admin token")
		}
		for _, m := range modules {
			m.RegisterAdmin(op)
		}
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(names) > 0 {
			resp.Checks = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
