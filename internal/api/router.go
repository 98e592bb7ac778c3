package api

import (
	"media-sync/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Health check stays outside identity so load balancers can probe it
	r.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket route
	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(middleware.IdentityMiddleware)
	ws.HandleFunc("", h.HandleWebSocket)

	// API routes
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.IdentityMiddleware)

	// Sync endpoints
	api.HandleFunc("/sync/watchlist", h.GetWatchlist).Methods("GET")
	api.HandleFunc("/sync/watchlist", h.UpdateWatchlist).Methods("POST")
	api.HandleFunc("/sync/progress", h.GetProgress).Methods("GET")
	api.HandleFunc("/sync/progress", h.UpdateProgress).Methods("POST")
	api.HandleFunc("/sync/continue-watching", h.ContinueWatching).Methods("GET")
	api.HandleFunc("/sync/state", h.GetState).Methods("GET")

	// Device endpoints
	// Learning: fixed paths are registered before {id} so they are not
	// captured by the variable
	api.HandleFunc("/devices", h.ListDevices).Methods("GET")
	api.HandleFunc("/devices", h.RegisterDevice).Methods("POST")
	api.HandleFunc("/devices/heartbeat", h.Heartbeat).Methods("POST")
	api.HandleFunc("/devices/handoff", h.Handoff).Methods("POST")
	api.HandleFunc("/devices/command", h.SendCommand).Methods("POST")
	api.HandleFunc("/devices/{id}", h.DeleteDevice).Methods("DELETE")

	// Relay endpoints
	api.HandleFunc("/relay/stats", h.RelayStats).Methods("GET")

	return r
}
