package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/treemap/internal/audit/http"
	authzhttp "github.com/odyssey-erp/treemap/internal/authz/http"
	"github.com/odyssey-erp/treemap/internal/observability"
	"github.com/odyssey-erp/treemap/internal/platform/httpx"
	"github.com/odyssey-erp/treemap/internal/rbac"
	"github.com/odyssey-erp/treemap/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Users              rbac.Middleware
	AuditHandler       *audithttp.Handler
	RecordsHandler     *authzhttp.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Users:   params.Users,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/instances/{instanceID}", func(r chi.Router) {
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r, params.Users)
		}
		if params.RecordsHandler != nil {
			params.RecordsHandler.MountRoutes(r, params.Users)
		}
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
