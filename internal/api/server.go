// Package api exposes the deployment control plane over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edvin/deployctl/internal/api/handler"
	mw "github.com/edvin/deployctl/internal/api/middleware"
	"github.com/edvin/deployctl/internal/api/response"
	"github.com/edvin/deployctl/internal/approval"
	"github.com/edvin/deployctl/internal/cluster"
	"github.com/edvin/deployctl/internal/pipeline"
	"github.com/edvin/deployctl/internal/release"
)

type Server struct {
	router chi.Router
	logger zerolog.Logger

	orch     *pipeline.Orchestrator
	gate     *approval.Gate
	probe    cluster.Probe
	releases release.Store

	// pool and rdb are nil when running with in-memory backends; readyz then
	// only reports process liveness and auth is disabled.
	pool *pgxpool.Pool
	rdb  *redis.Client
}

func NewServer(
	logger zerolog.Logger,
	orch *pipeline.Orchestrator,
	gate *approval.Gate,
	probe cluster.Probe,
	releases release.Store,
	pool *pgxpool.Pool,
	rdb *redis.Client,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		orch:     orch,
		gate:     gate,
		probe:    probe,
		releases: releases,
		pool:     pool,
		rdb:      rdb,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.pool != nil {
			r.Use(mw.Auth(s.pool))
		}

		deployment := handler.NewDeployment(s.orch)
		r.Get("/deployments", deployment.List)
		r.Get("/deployments/{executionID}", deployment.Get)
		r.Group(func(r chi.Router) {
			if s.pool != nil {
				r.Use(mw.RequireScope("deploy", "write"))
			}
			r.Post("/deployments", deployment.Create)
			r.Post("/deployments/{executionID}/rollback", deployment.Rollback)
			r.Post("/deployments/{executionID}/cancel", deployment.Cancel)
		})

		appr := handler.NewApproval(s.gate)
		r.Get("/approvals/pending", appr.Pending)
		r.Group(func(r chi.Router) {
			if s.pool != nil {
				r.Use(mw.RequireScope("approve", "write"))
			}
			r.Post("/approvals/deployments/{executionID}/approve", appr.Approve)
			r.Post("/approvals/deployments/{executionID}/reject", appr.Reject)
		})

		env := handler.NewEnvironment(s.probe)
		r.Get("/environments/{env}/health", env.Health)

		rel := handler.NewRelease(s.releases)
		r.Get("/modules/{module}/releases", rel.List)
		r.Get("/modules/{module}/releases/{env}", rel.Get)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz checks the backing stores this instance is configured with.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.pool != nil {
		if err := s.pool.Ping(r.Context()); err != nil {
			checks["postgres"] = err.Error()
			ready = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	response.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// Router exposes the handler tree, used by tests and the HTTP server.
func (s *Server) Router() http.Handler {
	return s.router
}
