package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/conductor/internal/api/handlers"
	"github.com/agentoven/conductor/internal/api/middleware"
	"github.com/agentoven/conductor/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/chains", func(r chi.Router) {
			r.Get("/", h.ListChains)
			r.Post("/", h.CreateChain)
			r.Post("/batch", h.CreateBatch)
			r.Route("/{chainID}", func(r chi.Router) {
				r.Get("/", h.GetChain)
				r.Post("/cancel", h.CancelChain)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentName}/contract", func(r chi.Router) {
				r.Get("/", h.GetContract)
				r.Put("/", h.PutContract)
			})
		})

		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", h.ListEscalations)
			r.Route("/{escalationID}", func(r chi.Router) {
				r.Get("/", h.GetEscalation)
				r.Post("/forward", h.ForwardEscalation)
				r.Post("/resolve", h.ResolveEscalation)
			})
		})

		r.Route("/nudges", func(r chi.Router) {
			r.Get("/", h.ListNudges)
			r.Get("/{nudgeID}", h.GetNudge)
		})

		r.Route("/drift", func(r chi.Router) {
			r.Post("/snapshots", h.RecordSnapshot)
			r.Post("/monitor", h.MonitorDrift)
			r.Get("/logs", h.ListDriftLogs)
		})

		r.Route("/contracts", func(r chi.Router) {
			r.Get("/violations", h.ListViolations)
			r.Post("/{agentID}/validate", h.ValidateContract)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "conductor",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "conductor",
		})
	}
}
