package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viralforge/cuepassport/internal/application"
	"github.com/viralforge/cuepassport/internal/metrics"
)

// Handler is the HTTP adapter entrypoint for the passport use-cases.
type Handler struct {
	service *application.Service
	metrics *metrics.Collector
	devMode bool
}

// NewHandler binds the handler to the service. With devMode on, error responses carry the
// raw error text in a detail field.
func NewHandler(service *application.Service, devMode bool) *Handler {
	return &Handler{service: service, metrics: service.Metrics(), devMode: devMode}
}

// NewRouter registers the passport routes and the middleware stack.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)
	r.Use(handler.metricsMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Get("/metrics", handler.metricsSnapshot)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/start", handler.authStart)
			r.Post("/complete", handler.authComplete)

			r.Group(func(r chi.Router) {
				r.Use(handler.authMiddleware)
				r.Get("/session", handler.currentSession)
				r.Post("/logout", handler.logout)
				r.Get("/sessions", handler.listSessions)
				r.Delete("/sessions/{session_id}", handler.revokeSession)
				r.Delete("/sessions", handler.revokeAllSessions)
			})
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/credit", handler.credit)
			r.Post("/debit", handler.debit)
			r.Get("/balance/{userId}", handler.balance)
			r.Get("/history/{userId}", handler.history)

			r.Group(func(r chi.Router) {
				r.Use(handler.authMiddleware)
				r.Post("/mine", handler.mine)
				r.Post("/daily-bonus", handler.dailyBonus)
			})
		})
	})

	return r
}
