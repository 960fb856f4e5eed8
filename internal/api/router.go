package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router, passed from main.go so the
// router can configure CORS and auth from env vars.
type RouterConfig struct {
	// APIKey protects the render endpoints. Empty skips auth (development
	// mode).
	APIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// Empty defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, public
	r.Get("/health", h.Health)

	protect := func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(APIKeyAuth(cfg.APIKey))
		}
	}

	// Synchronous render for backends that want to block on the result
	r.Group(func(r chi.Router) {
		protect(r)
		r.Post("/process-task", h.ProcessTask)
	})

	r.Route("/v1", func(r chi.Router) {
		protect(r)

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)

		// Cache maintenance
		r.Post("/cache/clear", h.ClearCache)
	})

	return r
}
