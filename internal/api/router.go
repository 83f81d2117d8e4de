package api

import (
	"net/http"

	"eventgate/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers, authCfg middleware.AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Signed event ingestion
	r.With(middleware.Auth(authCfg, nil)).Post("/events", h.IngestEvent)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
