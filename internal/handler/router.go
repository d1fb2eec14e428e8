package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orderscan/screenlink/internal/config"
	"github.com/orderscan/screenlink/internal/middleware"
)

// HealthReporter exposes live counters for /health.
type HealthReporter interface {
	Connections() int
}

type RouterConfig struct {
	Pairing      *PairingHandler
	Channels     *ChannelHandler
	Socket       http.Handler
	Health       HealthReporter
	IsProduction bool
}

// NewRouter mounts the relay's HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		}
		if cfg.Health != nil {
			body["connections"] = cfg.Health.Connections()
		}
		writeJSON(w, http.StatusOK, body)
	})
	r.Handle("/metrics", promhttp.Handler())

	// the socket outlives any request timeout
	r.Get("/ws", cfg.Socket.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(securityHeadersMiddleware.Handler)

		r.Mount("/pairing", cfg.Pairing.Routes())
		r.Mount("/channels", cfg.Channels.Routes())
	})

	return r
}
