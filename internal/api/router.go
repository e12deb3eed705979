package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// SetupRouter mounts the dashboard API. Read endpoints are open; anything
// that drives the feed server or injects data goes through Authenticate.
func SetupRouter(h *APIHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/ws", h.HandleWebSocket)
	r.Post("/auth/login", h.HandleLogin)
	if h.stats != nil {
		r.Handle("/metrics", h.stats.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.HandleStatus)
		r.Get("/points", h.HandleFilteredPoints)
		r.Get("/points/all", h.HandleAllPoints)
		r.Get("/hotspots", h.HandleHotspots)
		r.Get("/alerts", h.HandleAlerts)
		r.Put("/window", h.HandleSetWindow)
		r.Delete("/points", h.HandleClearPoints)
		r.Post("/live/start", h.HandleLiveStart)
		r.Post("/live/stop", h.HandleLiveStop)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Authenticate)
			r.Post("/fires", h.HandleStartFire)
			r.Delete("/fires", h.HandleClearFires)
			r.Post("/playback/{action}", h.HandlePlayback)
			r.Put("/playback/step", h.HandleSetStep)
			r.Put("/playback/speed", h.HandleSetSpeed)
			r.Post("/simulate/smoke", h.HandleStartSmoke)
			r.Delete("/simulate/smoke", h.HandleStopSmoke)
		})
	})

	if h.webDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.webDir)))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	})
	return c.Handler(r)
}
