// Package rest is the operator-facing admin API: health, metrics, and
// JWT-guarded dead-letter inspection and recovery per store.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/meridianhq/relay/internal/metrics"
)

type RouterDeps struct {
	Handler  *Handler
	Verifier AccessTokenVerifier
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)

	// Panic recovery
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(d.Verifier))

		r.Get("/stores", d.Handler.Stores)

		r.Route("/stores/{store}", func(r chi.Router) {
			r.Get("/stats", d.Handler.Stats)

			r.Get("/outbox/failed", d.Handler.OutboxFailed)
			r.Post("/outbox/{workItemID}/requeue", d.Handler.OutboxRequeue)

			r.Get("/inbox/dead", d.Handler.InboxDead)
			r.Post("/inbox/revive", d.Handler.InboxRevive)

			r.Get("/joins/{joinID}", d.Handler.GetJoin)
		})
	})

	return r
}
