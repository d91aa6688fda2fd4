package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Router assembles the HTTP API.
type Router struct {
	fileHandler     *FileHandler
	locationHandler *LocationHandler
	registry        *prometheus.Registry
	metricsPath     string
	logger          zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	FileHandler     *FileHandler
	LocationHandler *LocationHandler

	// Registry enables the metrics endpoint when non-nil.
	Registry    *prometheus.Registry
	MetricsPath string

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	return &Router{
		fileHandler:     config.FileHandler,
		locationHandler: config.LocationHandler,
		registry:        config.Registry,
		metricsPath:     config.MetricsPath,
		logger:          config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(rt.requestLogger)

	r.Get("/health", rt.handleHealth)

	if rt.registry != nil {
		path := rt.metricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	rt.fileHandler.RegisterRoutes(r)
	rt.locationHandler.RegisterRoutes(r)

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// requestLogger logs one line per request at debug level.
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rt.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
