package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleWebSocket upgrades a device's persistent sync connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.websocket == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime relay disabled"})
		return
	}
	h.websocket.ServeHTTP(w, r)
}
