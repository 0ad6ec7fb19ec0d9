package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Config struct {
	// GitHub receives POST /wh/{token}.
	GitHub http.Handler
	// Telegram receives POST /tg/{botID}/{token}.
	Telegram    http.Handler
	HealthPath  string
	MetricsPath string
	Checks      map[string]HealthCheck
	Logger      zerolog.Logger
}

// NewRouter mounts the public webhook routes next to the health and metrics
// endpoints.
func NewRouter(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	logger := cfg.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, "/wh/{token}", cfg.GitHub)
	r.Method(http.MethodPost, "/tg/{botID}/{token}", cfg.Telegram)
	r.Get(cfg.HealthPath, healthHandler(cfg.Checks, logger))
	r.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())
	return r
}

func healthHandler(checks map[string]HealthCheck, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn().Err(err).Str("check", name).Msg("health check failed")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
