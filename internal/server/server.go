// Package server exposes the thin HTTP boundary over the trust engine:
// the public stats read, the authenticated rating submission, and the
// operator job triggers.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustlens/trustd/internal/ratings"
	"github.com/trustlens/trustd/internal/score"
	"github.com/trustlens/trustd/internal/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	// PrincipalSecret is shared with the external identity issuer;
	// rating submissions carry tokens it signed.
	PrincipalSecret string
	// AdminToken guards the manual job-trigger endpoints.
	AdminToken string
}

// Jobs are the scheduled passes exposed for manual triggering. Each
// entry is the same RunOnce the scheduler itself invokes.
type Jobs struct {
	Aggregate func(ctx context.Context)
	Sweep     func(ctx context.Context)
	Analyze   func(ctx context.Context)
}

// Server is the HTTP server for the trust engine.
type Server struct {
	config  Config
	store   store.Store
	ratings *ratings.Service
	calc    *score.Calculator
	jobs    Jobs
	logger  *slog.Logger
	router  chi.Router
}

// NewServer creates a Server from the given config and collaborators.
func NewServer(cfg Config, s store.Store, rs *ratings.Service, calc *score.Calculator, jobs Jobs, logger *slog.Logger) *Server {
	srv := &Server{
		config:  cfg,
		store:   s,
		ratings: rs,
		calc:    calc,
		jobs:    jobs,
		logger:  logger,
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)
	r.Use(s.PrincipalMiddleware)

	r.Get("/healthz", s.HandleHealthz)

	// Public read path: never requires authentication.
	r.Get("/api/url-stats", s.HandleURLStats)

	// Submission path: requires an authenticated principal.
	r.Group(func(r chi.Router) {
		r.Use(RequirePrincipal)
		r.Post("/api/rating", s.HandleSubmitRating)
	})

	// Operator triggers: the same entry points the schedulers use.
	r.Group(func(r chi.Router) {
		r.Use(s.RequireAdminToken)
		r.Post("/internal/jobs/{job}", s.HandleRunJob)
	})

	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HandleHealthz reports liveness.
func (s *Server) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
