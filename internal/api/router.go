package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and returns the control API router. metrics, when not
// nil, is served at /metrics. An empty apiKey leaves the API open.
func NewRouter(ctrl Controller, bus EventBus, metrics http.Handler, apiKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{ctrl: ctrl, events: bus}

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(keyMiddleware(apiKey))

		r.Get("/api", h.getState)
		r.Get("/api/", h.getState)
		r.Get("/api/info", h.getInfo)
		r.Patch("/api/enabled", h.setEnabled)

		// Devices
		r.Get("/api/devices", h.getDevices)
		r.Put("/api/devices/{did}/config", h.setDeviceConfig)
		r.Post("/api/devices/config", h.mergedConfig)
		r.Put("/api/devices/config", h.setDevicesConfig)

		// Configs
		r.Get("/api/configs", h.getConfigs)
		r.Get("/api/configs/{id}", h.getConfig)
		r.Put("/api/configs/{id}", h.putConfig)
		r.Delete("/api/configs/{id}", h.deleteConfig)

		// Sessions (mock mode)
		r.Post("/api/sessions/{sid}", h.openSession)
		r.Delete("/api/sessions/{sid}", h.closeSession)

		// SSE
		r.Get("/api/subscribe", h.sseEvents)
	})

	return r
}

// corsMiddleware adds permissive CORS headers for the local settings UI.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, api-key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
