package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/konpol/sampipe/internal/shell/api/middleware"
)

// =============================================================================
// API Setup
// =============================================================================

// APIConfig holds configuration for the API setup.
type APIConfig struct {
	Submitter Submitter
	Reader    Reader
	Checks    map[string]Pinger
	Logger    *slog.Logger

	// WebhookSecret verifies source webhook signatures. Empty disables
	// verification.
	WebhookSecret string

	// Gatherer is served on /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// SetupAPI creates the complete API router. The result is instrumented with
// OpenTelemetry.
func SetupAPI(cfg APIConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := NewHandler(cfg.Submitter, cfg.Reader, cfg.Checks, cfg.Logger)
	webhook := middleware.NewWebhookAuth(middleware.WebhookAuthConfig{
		Secret: cfg.WebhookSecret,
		Logger: cfg.Logger,
	})

	root := chi.NewRouter()
	if cfg.Gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	root.Mount("/", h.Routes(webhook.Handler))

	return otelhttp.NewHandler(root, "sampipe-api")
}
