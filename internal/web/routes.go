package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/facepoke/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	// Create handlers
	sessionsHandler := handlers.NewSessionsHandler(s.engine, s.logger)
	emotionsHandler := handlers.NewEmotionsHandler(s.config, s.engine, s.logger)
	wsHandler := handlers.NewWSHandler(s.engine, s.origins.CheckOrigin, s.logger)

	// Health check
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		if s.config.Server.RequestTimeout > 0 {
			r.Use(chiMiddleware.Timeout(s.config.Server.RequestTimeout))
		}

		// Sessions
		r.Post("/sessions", sessionsHandler.Upload)
		r.Post("/sessions/{id}/transform", sessionsHandler.Transform)
		r.Get("/sessions/{id}/keypoints", sessionsHandler.Keypoints)

		// Emotion presets
		r.Get("/presets", emotionsHandler.Presets)
		r.Post("/apply-emotion", emotionsHandler.Apply)
	})

	// Websocket (long-lived, no request timeout)
	s.router.Get("/ws", wsHandler.Serve)

	// Prometheus
	s.router.Handle("/metrics", s.engine.Metrics().Handler())
}
