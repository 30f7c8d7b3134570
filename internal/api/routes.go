package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/agentboard/llm-engine/internal/auth"
)

// Routes assembles the full HTTP surface. The health endpoint stays public,
// everything else sits behind API key auth.
func Routes(h *Handler, authMiddleware auth.Middleware) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-engine"})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Post("/v1/chat/completions/stream", h.HandleCompleteStream)
		r.Get("/v1/models", h.HandleModels)
		r.Get("/v1/usage", h.HandleUsage)
		r.Get("/v1/sessions/{id}/messages", h.HandleSessionMessages)
		r.Post("/v1/jobs", h.HandleEnqueueJob)
		r.Get("/v1/jobs/{id}", h.HandleGetJob)
	})

	return r
}
