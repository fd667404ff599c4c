package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sciffer/sandboxgate/pkg/auth"
)

// RouterConfig holds everything the router serves
type RouterConfig struct {
	Handler        *Handler
	MetricsHandler *MetricsHandler
	TerminalSocket *TerminalSocket
	AuthService    *auth.Service
	// Metrics serves the Prometheus exposition; nil disables /metrics.
	Metrics http.Handler
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *RouterConfig) *mux.Router {
	r := mux.NewRouter()

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	// Health check (no auth required)
	api.HandleFunc("/health", cfg.Handler.HealthCheck).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(cfg.AuthService.Middleware)

	protected.HandleFunc("/terminal", cfg.Handler.RunTerminal).Methods(http.MethodPost)
	if cfg.TerminalSocket != nil {
		protected.Handle("/terminal/ws", cfg.TerminalSocket).Methods(http.MethodGet)
	}
	protected.HandleFunc("/sandboxes/{template}", cfg.Handler.GetSandbox).Methods(http.MethodGet)
	protected.HandleFunc("/sandboxes/{template}/events", cfg.Handler.GetSandboxEvents).Methods(http.MethodGet)
	protected.HandleFunc("/limits", cfg.Handler.GetLimits).Methods(http.MethodGet)
	if cfg.MetricsHandler != nil {
		protected.HandleFunc("/metrics/history", cfg.MetricsHandler.GetMetricHistory).Methods(http.MethodGet)
	}

	return r
}
