package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/netwatch/updater/internal/config"
	"github.com/netwatch/updater/internal/job"
	"github.com/netwatch/updater/internal/metrics"
	"github.com/netwatch/updater/internal/storage"
)

func NewRouter(cfg *config.Config, jobs *job.Manager, logs *storage.Store, m *metrics.Metrics) http.Handler {
	return newRouter(cfg, NewHandlers(cfg, jobs, logs), m)
}

func newRouter(cfg *config.Config, h *Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.StandardLogger(),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	// Health & metrics
	r.Get("/health", h.Health)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(cfg.Token))

		r.Get("/stats", h.Stats)

		r.With(middleware.RequestSize(cfg.MaxBodyBytes)).Post("/update", h.Update)

		// Jobs API
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.TailJob)
		r.Get("/jobs/{id}/status", h.JobStatus)
		r.Post("/jobs/{id}/cancel", h.CancelJob)
		r.Get("/jobs/{id}/follow", h.FollowJob)
	})

	return r
}
