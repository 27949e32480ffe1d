package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/snapsift/snapsift/internal/web/handlers"
	"github.com/snapsift/snapsift/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	// Create handlers
	workspacesHandler := handlers.NewWorkspacesHandler(
		s.config, s.deps.Workspaces, s.deps.Images, s.deps.Quota, s.deps.Objects, s.deps.Pipeline)
	eventsHandler := handlers.NewEventsHandler(
		s.config, s.deps.Events, s.deps.Images, s.deps.Quota, s.deps.Objects, s.deps.Pipeline)

	// Health check (no identity required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Identity arrives as a trusted header from the gateway; every
		// route below needs it, guests included.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser(s.deps.Users))

			// Cull workspaces
			r.Post("/workspaces", workspacesHandler.Create)
			r.Get("/workspaces", workspacesHandler.List)
			r.Get("/workspaces/{id}", workspacesHandler.Get)
			r.Delete("/workspaces/{id}", workspacesHandler.Delete)
			r.Post("/workspaces/{id}/images", workspacesHandler.Upload)
			r.Get("/workspaces/{id}/images", workspacesHandler.Images)
			r.Post("/workspaces/{id}/cull", workspacesHandler.StartCull)
			r.Delete("/workspaces/{id}/cull", workspacesHandler.CancelCull)
			r.Get("/workspaces/{id}/tasks", workspacesHandler.Tasks)
			r.Get("/workspaces/{id}/progress", workspacesHandler.Progress)

			// Share events
			r.Post("/events", eventsHandler.Create)
			r.Get("/events", eventsHandler.List)
			r.Get("/events/{id}", eventsHandler.Get)
			r.Delete("/events/{id}", eventsHandler.Delete)
			r.Post("/events/{id}/images", eventsHandler.Upload)
			r.Get("/events/{id}/images", eventsHandler.Images)
			r.Post("/events/{id}/cover", eventsHandler.Cover)
			r.Post("/events/{id}/publish", eventsHandler.Publish)
			r.Post("/events/{id}/search", eventsHandler.Search)
		})
	})
}
