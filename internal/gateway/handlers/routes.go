package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// Deps are the collaborators the HTTP surface is assembled from
type Deps struct {
	Prefix     string
	Middleware *Middleware
	Gateway    *GatewayHandler
	Catalog    store.CatalogStore
	Usage      store.UsageReader
	Checks     map[string]Check
	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the gateway's HTTP handler
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := "/" + strings.Trim(d.Prefix, "/")

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(d.Middleware.RequestLogger)
	r.Use(d.Middleware.CORSMiddleware)

	// Probes (no auth required)
	r.Get("/health", Health)
	r.Get("/ready", Ready(d.Checks, logger))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// Catalog discovery
	catalog := NewCatalogHandler(d.Catalog, logger)
	r.Get("/apis", catalog.List)
	r.Get("/apis/{idOrSlug}", catalog.Get)

	// Usage of the calling key
	if d.Usage != nil {
		usageHandler := NewUsageHandler(d.Usage, logger)
		r.With(d.Middleware.AuthMiddleware, d.Middleware.RequireKey).Get("/usage", usageHandler.Summary)
	}

	// Dispatch
	r.Route(prefix, func(r chi.Router) {
		r.Use(d.Middleware.AuthMiddleware)
		r.Handle("/*", d.Gateway)
	})

	return r
}
