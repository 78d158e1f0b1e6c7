// Copyright (C) 2026 Pipewright
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the pipeline kernel over REST and WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pipewright/pipewright/internal/bus"
	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/logger"
)

var (
	apiLog     *zerolog.Logger
	apiLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	apiLogOnce.Do(func() {
		l := logger.GetAPILogger()
		apiLog = &l
	})
	return apiLog
}

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
	registry   *ClientRegistry
	bus        *bus.Bus
}

// New creates and wires up the API server. It does NOT start listening —
// call Run() for that.
func New(cfg *config.ServerConfig, b *bus.Bus, handlers *Handlers) *Server {
	registry := NewClientRegistry()

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Get("/healthz", handlers.Health)

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", handlers.GetProjects)
		r.Post("/projects", handlers.CreateProject)

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/pipelines", handlers.GetProjectPipelines)
			r.Post("/pipelines", handlers.CreatePipeline)
		})

		r.Route("/pipelines/{id}", func(r chi.Router) {
			r.Get("/", handlers.GetPipeline)
			r.Delete("/", handlers.DeletePipeline)
			r.Get("/stages", handlers.GetPipelineStages)
			r.Get("/tasks", handlers.GetPipelineTasks)
			r.Get("/plan", handlers.GetPipelinePlan)
			r.Get("/sessions", handlers.GetPipelineSessions)
			r.Get("/costs", handlers.GetPipelineCosts)
			r.Get("/interventions", handlers.GetPipelineInterventions)

			r.Post("/start", handlers.StartPipeline)
			r.Post("/cancel", handlers.CancelPipeline)
			r.Post("/pause", handlers.PausePipeline)
			r.Post("/resume", handlers.ResumePipeline)
			r.Post("/replan", handlers.ReplanPipeline)
			r.Post("/plan-review", handlers.ReviewPlan)
		})

		r.Post("/interventions/{id}/resolve", handlers.ResolveIntervention)
		r.Post("/consultations/{id}/respond", handlers.RespondToConsultation)
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: registry,
		bus:      b,
	}
}

// Run subscribes the WebSocket registry to the event bus and starts the HTTP
// server. Blocks until the server is shut down.
func (s *Server) Run(ctx context.Context) error {
	s.bus.Subscribe(s.registry, bus.Scope{})
	defer s.bus.Unsubscribe(s.registry.ID())

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
