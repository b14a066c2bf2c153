package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/evalrunner/internal/api/middleware"
	"github.com/kiranshivaraju/evalrunner/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	CreateRunHandler  http.HandlerFunc
	GetRunHandler     http.HandlerFunc
	PauseRunHandler   http.HandlerFunc
	ResumeRunHandler  http.HandlerFunc
	StopRunHandler    http.HandlerFunc
	AccelerateHandler http.HandlerFunc
	ProgressHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/runs", func(r chi.Router) {
			r.With(deps.Auth.RequireScope(mw.ScopeRead)).Get("/{runID}", orNotImplemented(deps.GetRunHandler))
			r.With(deps.Auth.RequireScope(mw.ScopeRead)).Get("/{runID}/progress", orNotImplemented(deps.ProgressHandler))

			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope(mw.ScopeWrite))

				r.Post("/", orNotImplemented(deps.CreateRunHandler))
				r.Post("/{runID}/pause", orNotImplemented(deps.PauseRunHandler))
				r.Post("/{runID}/resume", orNotImplemented(deps.ResumeRunHandler))
				r.Post("/{runID}/stop", orNotImplemented(deps.StopRunHandler))
				r.Post("/{runID}/accelerate", orNotImplemented(deps.AccelerateHandler))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
