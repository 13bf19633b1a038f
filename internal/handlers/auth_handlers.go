package handlers

// Bootstrap handler: exchanges a peer_id/device_id pair for the JWT a
// peer presents when opening its WebSocket connection. There is no
// user table, password, or phone verification here — the wire
// protocol's own handshake (public key exchange, challenge/response)
// is what actually authenticates a peer to its counterpart; this
// token only lets the orchestrator attribute a WebSocket connection
// to a peer_id before a handshake starts.

import (
	"encoding/json"
	"net/http"

	"github.com/jaydenbeard/peerlink/internal/auth"
	"github.com/jaydenbeard/peerlink/internal/metrics"
	"github.com/jaydenbeard/peerlink/internal/security"
)

type connectRequest struct {
	PeerID   string `json:"peer_id"`
	DeviceID string `json:"device_id"`
}

type connectResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	PeerID    string `json:"peer_id"`
	DeviceID  string `json:"device_id"`
}

// Connect godoc
// @Summary Bootstrap a peer connection token
// @Description Issues a short-lived JWT for peer_id/device_id to present when opening a WebSocket connection
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body connectRequest true "peer_id and device_id"
// @Success 200 {object} connectResponse
// @Failure 400 {object} map[string]string "Invalid request body"
// @Failure 500 {object} map[string]string "Failed to issue token"
// @Router /auth/connect [post]
func Connect(authService *auth.AuthService, auditLogger *security.AuditLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.PeerID == "" || req.DeviceID == "" {
			http.Error(w, "peer_id and device_id are required", http.StatusBadRequest)
			return
		}

		token, expiresAt, err := authService.IssuePeerToken(req.PeerID, req.DeviceID)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			if auditLogger != nil {
				auditLogger.Log(&security.AuditEvent{
					PeerID:      req.PeerID,
					EventType:   security.AuditEventInvalidRequest,
					Result:      security.AuditResultError,
					Description: "failed to issue peer token",
					EventData:   map[string]any{"error": err.Error()},
				})
			}
			http.Error(w, "Failed to issue token", http.StatusInternalServerError)
			return
		}
		metrics.RecordAuthAttempt(true)

		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, connectResponse{
			Token:     token,
			ExpiresAt: expiresAt.Format("2006-01-02T15:04:05Z07:00"),
			PeerID:    req.PeerID,
			DeviceID:  req.DeviceID,
		})
	}
}
