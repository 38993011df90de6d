package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig wires the handlers into the router. Feed may be nil.
type RouterConfig struct {
	IngestToken string
	Intake      *IntakeHandler
	Ops         *OpsHandler
	Postings    *PostingHandler
	Checks      map[string]Pinger
	Feed        http.HandlerFunc
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	if cfg.Feed != nil {
		r.Get("/ws", cfg.Feed)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(cfg.Checks))

		r.Group(func(r chi.Router) {
			r.Use(requireToken(cfg.IngestToken))

			r.Post("/intake", cfg.Intake.Create)

			r.Route("/postings", func(r chi.Router) {
				r.Get("/", cfg.Postings.List)
				r.Get("/{externalID}", cfg.Postings.Get)
			})

			r.Route("/ops", func(r chi.Router) {
				r.Get("/summary", cfg.Ops.Summary)
				r.Post("/replay", cfg.Ops.Replay)
				r.Get("/failures", cfg.Ops.Failures)
				r.Get("/alerts", cfg.Ops.Alerts)
				r.Get("/stats", cfg.Ops.Stats)
			})
		})
	})

	return r
}
