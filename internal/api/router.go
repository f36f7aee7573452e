package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vnmchuo/penny-counter/internal/logger"
	"github.com/vnmchuo/penny-counter/internal/telemetry"
)

func NewRouter(h *Handler, log *zap.Logger, metrics *telemetry.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logger.Middleware(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", h.HandleDashboard)
	r.Get("/count", h.HandleCount)
	r.Get("/stats", h.HandleStats)
	r.Get("/health", h.HandleHealth)
	r.Get("/tenants/{tenantID}", h.HandleTenantUsage)
	r.Post("/receipt", h.HandleReceipt)
	r.Post("/batch", h.HandleBatch)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
