package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/jaydenbeard/peerlink/internal/auth"
)

type contextKey string

const (
	PeerIDKey   contextKey = "peer_id"
	DeviceIDKey contextKey = "device_id"
)

// AuthMiddleware validates JWT tokens
func AuthMiddleware(authService *auth.AuthService, skipAuth func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip authentication for public paths
			if skipAuth != nil && skipAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Expect "Bearer <token>"
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token := parts[1]

			// Validate token
			claims, err := authService.ValidateToken(token)
			if err != nil {
				if err == auth.ErrTokenExpired {
					http.Error(w, "Token expired", http.StatusUnauthorized)
				} else {
					http.Error(w, "Invalid token", http.StatusUnauthorized)
				}
				return
			}

			// Add peer info to context
			ctx := context.WithValue(r.Context(), PeerIDKey, claims.PeerID)
			ctx = context.WithValue(ctx, DeviceIDKey, claims.DeviceID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPeerID extracts the peer ID from context
func GetPeerID(ctx context.Context) (string, bool) {
	peerID, ok := ctx.Value(PeerIDKey).(string)
	return peerID, ok
}

// GetDeviceID extracts the device ID from context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(DeviceIDKey).(string)
	return deviceID, ok
}
