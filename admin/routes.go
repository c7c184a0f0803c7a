package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handler builds the admin API router using chi
func Handler(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", handlers.handleHealth)

		r.Route("/publication", func(r chi.Router) {
			r.Get("/stats", handlers.handleStats)
		})

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/state", handlers.handleClusterState)
			r.Get("/members", handlers.handleClusterMembers)
		})
	})

	log.Info().Msg("Admin endpoints enabled at /admin/*")
	return r
}
