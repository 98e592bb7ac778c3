package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Identity headers set by the auth proxy in front of the gateway.
const (
	UserHeader   = "X-User-ID"
	DeviceHeader = "X-Device-ID"
)

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
)

// IdentityMiddleware puts the caller's user and device ids in the request
// context. Session validation happens upstream; here a request without a
// user id is rejected with 401. Browsers cannot set headers on a WebSocket
// handshake, so user_id and device_id query parameters are accepted too.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		deviceID := strings.TrimSpace(r.Header.Get(DeviceHeader))

		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if deviceID == "" {
			deviceID = strings.TrimSpace(r.URL.Query().Get("device_id"))
		}

		if userID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing user identity"})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), userID, deviceID)))
	})
}

// WithIdentity stores the ids in ctx.
func WithIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// UserID returns the authenticated user id.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// DeviceID returns the calling device id; empty when the caller sent none.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}
