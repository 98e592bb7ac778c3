package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"media-sync/internal/crdt"
	"media-sync/internal/hlc"
	"media-sync/internal/middleware"
	"media-sync/internal/models"
	"media-sync/internal/repository"
	"media-sync/internal/services/coordinator"
	"media-sync/internal/services/devices"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	sync      SyncService
	state     StateReader
	devices   DeviceDirectory
	relay     RelayStatter
	publisher PublisherStatter
	websocket http.Handler
	checks    map[string]Pinger
}

// Deps bundles what the handlers are built from. Relay, Publisher,
// WebSocket and Checks may be nil.
type Deps struct {
	Sync      SyncService
	State     StateReader
	Devices   DeviceDirectory
	Relay     RelayStatter
	Publisher PublisherStatter
	WebSocket http.Handler
	Checks    map[string]Pinger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		sync:      deps.Sync,
		state:     deps.State,
		devices:   deps.Devices,
		relay:     deps.Relay,
		publisher: deps.Publisher,
		websocket: deps.WebSocket,
		checks:    deps.Checks,
	}
}

// Health

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failing := map[string]string{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Watchlist handlers

type watchlistRequest struct {
	Operation models.WatchlistOperation `json:"operation"`
	ContentID string                    `json:"content_id"`
}

func (h *Handler) UpdateWatchlist(w http.ResponseWriter, r *http.Request) {
	var req watchlistRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	userID, deviceID := middleware.UserID(ctx), middleware.DeviceID(ctx)

	var ts hlc.Timestamp
	switch req.Operation {
	case models.OperationAdd:
		entry, err := h.sync.AddToWatchlist(ctx, userID, deviceID, req.ContentID)
		if err != nil {
			writeError(w, err)
			return
		}
		ts = entry.Timestamp
	case models.OperationRemove:
		removal, err := h.sync.RemoveFromWatchlist(ctx, userID, deviceID, req.ContentID)
		if err != nil {
			writeError(w, err)
			return
		}
		ts = removal.Timestamp
	default:
		writeError(w, fmt.Errorf("%w: operation must be add or remove", coordinator.ErrInvalidRequest))
		return
	}

	resp := map[string]interface{}{
		"success":    true,
		"operation":  req.Operation,
		"content_id": req.ContentID,
	}
	// Removing absent content changes nothing and carries no stamp
	if !ts.IsZero() {
		resp["timestamp"] = ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	set, err := h.state.LoadWatchlist(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	items := set.Items()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// Progress handlers

type progressRequest struct {
	ContentID       string             `json:"content_id"`
	PositionSeconds uint32             `json:"position_seconds"`
	DurationSeconds uint32             `json:"duration_seconds"`
	State           crdt.PlaybackState `json:"state"`
}

func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	p, err := h.sync.UpdateProgress(ctx, middleware.UserID(ctx), middleware.DeviceID(ctx),
		req.ContentID, req.PositionSeconds, req.DurationSeconds, req.State)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"content_id":         p.ContentID,
		"position_seconds":   p.PositionSeconds,
		"completion_percent": p.CompletionPercent(),
		"timestamp":          p.Timestamp,
	})
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	positions, err := h.state.LoadProgress(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []crdt.PlaybackPosition{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"total":     len(positions),
	})
}

func (h *Handler) ContinueWatching(w http.ResponseWriter, r *http.Request) {
	items, err := h.sync.ContinueWatching(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.sync.LoadState(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Device handlers

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.devices.List(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.DeviceInfo{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": list,
		"total":   len(list),
	})
}

func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var info models.DeviceInfo
	if !decodeBody(w, r, &info) {
		return
	}

	ctx := r.Context()
	if info.DeviceID == "" {
		info.DeviceID = middleware.DeviceID(ctx)
	}

	device, err := h.sync.RegisterDevice(ctx, middleware.UserID(ctx), &info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

type heartbeatRequest struct {
	Capabilities *models.Capabilities `json:"capabilities,omitempty"`
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	deviceID := middleware.DeviceID(ctx)
	seen, err := h.sync.Heartbeat(ctx, middleware.UserID(ctx), deviceID, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"device_id": deviceID,
		"last_seen": seen,
	})
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	if err := h.devices.Delete(r.Context(), middleware.UserID(r.Context()), deviceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type handoffRequest struct {
	TargetDeviceID string `json:"target_device_id"`
	ContentID      string `json:"content_id"`
}

func (h *Handler) Handoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	handoff, err := h.sync.Handoff(ctx, middleware.UserID(ctx), middleware.DeviceID(ctx), req.TargetDeviceID, req.ContentID)
	if err != nil {
		writeError(w, err)
		return
	}

	var position uint32
	if handoff.PositionSeconds != nil {
		position = *handoff.PositionSeconds
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"target_device_id": handoff.TargetDeviceID,
		"content_id":       handoff.ContentID,
		"position_seconds": position,
	})
}

type commandRequest struct {
	TargetDeviceID  string             `json:"target_device_id"`
	Command         models.CommandKind `json:"command"`
	PositionSeconds *uint32            `json:"position_seconds,omitempty"`
	ContentID       string             `json:"content_id,omitempty"`
}

func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx := r.Context()
	cmd := models.Command{Kind: req.Command, PositionSeconds: req.PositionSeconds, ContentID: req.ContentID}
	if _, err := h.sync.SendCommand(ctx, middleware.UserID(ctx), middleware.DeviceID(ctx), req.TargetDeviceID, cmd); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Relay handlers

func (h *Handler) RelayStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if h.relay != nil {
		body["relay"] = h.relay.Stats()
	}
	if h.publisher != nil {
		body["publisher"] = h.publisher.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

// Helpers

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrInvalidRequest), errors.Is(err, devices.ErrInvalidDevice):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrTargetDeviceOffline):
		return http.StatusConflict
	case errors.Is(err, repository.ErrRepositoryUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("❌ Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
