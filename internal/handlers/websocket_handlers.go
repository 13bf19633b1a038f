package handlers

import (
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jaydenbeard/peerlink/internal/auth"
	"github.com/jaydenbeard/peerlink/internal/security"
	"github.com/jaydenbeard/peerlink/internal/wsrelay"
)

// ===========================================================================
// WebSocket Security Components
// ===========================================================================

// WebSocketConnectionTracker tracks connection attempts for security monitoring
type WebSocketConnectionTracker struct {
	mu                 sync.RWMutex
	connectionAttempts map[string][]time.Time // IP -> timestamps of attempts
	failedAttempts     map[string][]time.Time // IP -> timestamps of failed attempts
	suspiciousIPs      map[string]time.Time   // IP -> when flagged as suspicious
}

// Global tracker instance
var wsTracker = &WebSocketConnectionTracker{
	connectionAttempts: make(map[string][]time.Time),
	failedAttempts:     make(map[string][]time.Time),
	suspiciousIPs:      make(map[string]time.Time),
}

// wsBootstrapNonces rejects a bootstrap token presented for a second
// WebSocket upgrade while the first connection it opened is still
// within the token's validity window. A leaked or logged token is
// then only good for one connection, not an arbitrary number.
var wsBootstrapNonces = security.NewNonceStore(1 * time.Hour)

// Constants for rate limiting and security thresholds
const (
	wsMaxConnectionsPerMinute = 30              // Max WebSocket connections per IP per minute
	wsMaxFailedAttemptsPerMin = 10              // Max failed attempts before flagging
	wsSuspiciousCooldown      = 5 * time.Minute // How long to track suspicious IPs
)

// recordConnectionAttempt records a WebSocket connection attempt
func (t *WebSocketConnectionTracker) recordConnectionAttempt(ip string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)

	if success {
		attempts := t.connectionAttempts[ip]
		filtered := make([]time.Time, 0)
		for _, ts := range attempts {
			if ts.After(cutoff) {
				filtered = append(filtered, ts)
			}
		}
		t.connectionAttempts[ip] = append(filtered, now)
	} else {
		attempts := t.failedAttempts[ip]
		filtered := make([]time.Time, 0)
		for _, ts := range attempts {
			if ts.After(cutoff) {
				filtered = append(filtered, ts)
			}
		}
		t.failedAttempts[ip] = append(filtered, now)

		if len(t.failedAttempts[ip]) >= wsMaxFailedAttemptsPerMin {
			t.suspiciousIPs[ip] = now
			log.Printf("SECURITY: IP %s flagged as suspicious due to %d failed WebSocket attempts", ip, len(t.failedAttempts[ip]))
		}
	}
}

// isRateLimited checks if an IP should be rate limited
func (t *WebSocketConnectionTracker) isRateLimited(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)

	if flagTime, ok := t.suspiciousIPs[ip]; ok {
		if now.Sub(flagTime) < wsSuspiciousCooldown {
			return true
		}
	}

	count := 0
	for _, ts := range t.connectionAttempts[ip] {
		if ts.After(cutoff) {
			count++
		}
	}

	return count >= wsMaxConnectionsPerMinute
}

// isSuspicious checks if an IP is flagged as suspicious
func (t *WebSocketConnectionTracker) isSuspicious(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if flagTime, ok := t.suspiciousIPs[ip]; ok {
		if time.Since(flagTime) < wsSuspiciousCooldown {
			return true
		}
	}
	return false
}

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		if r.Method == http.MethodOptions {
			return true
		}

		origin := r.Header.Get("Origin")

		if origin == "" {
			if os.Getenv("DEV_MODE") == "true" {
				log.Printf("SECURITY WARNING: Empty origin allowed in DEV_MODE for WebSocket connection from IP=%s", getClientIP(r))
				return true
			}
			log.Printf("SECURITY: WebSocket connection rejected - empty origin header from IP=%s", getClientIP(r))
			return false
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil || parsedOrigin.Host == "" {
			log.Printf("SECURITY: WebSocket connection rejected - invalid origin format: %s from IP=%s", origin, getClientIP(r))
			return false
		}

		if parsedOrigin.Scheme != "http" && parsedOrigin.Scheme != "https" {
			log.Printf("SECURITY: WebSocket connection rejected - invalid origin scheme: %s from IP=%s", parsedOrigin.Scheme, getClientIP(r))
			return false
		}

		allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
		if allowedOriginsEnv == "" {
			allowedOriginsEnv = "http://localhost:3000,http://localhost:5173,https://localhost"
		}

		allowedOrigins := strings.Split(allowedOriginsEnv, ",")
		for _, allowed := range allowedOrigins {
			allowed = strings.TrimSpace(allowed)
			if allowed == "" {
				continue
			}

			if origin == allowed {
				return true
			}

			if !strings.Contains(allowed, "localhost") {
				parsedAllowed, err := url.Parse(allowed)
				if err == nil && parsedAllowed.Host != "" {
					if strings.HasSuffix(parsedOrigin.Host, "."+parsedAllowed.Host) ||
						parsedOrigin.Host == parsedAllowed.Host {
						return true
					}
				}
			}
		}

		log.Printf("SECURITY: WebSocket connection rejected - origin %s not in allowed list from IP=%s", origin, getClientIP(r))
		return false
	},
}

// handleWebSocketPreflight handles CORS preflight requests for WebSocket connections
func handleWebSocketPreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		allowedOriginsEnv = "http://localhost:3000,http://localhost:5173,https://localhost"
	}

	allowedOrigins := strings.Split(allowedOriginsEnv, ",")
	validOrigin := false

	for _, allowed := range allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}

		if origin == allowed {
			validOrigin = true
			break
		}

		if !strings.Contains(allowed, "localhost") {
			parsedAllowed, err := url.Parse(allowed)
			if err == nil && parsedAllowed.Host != "" {
				parsedOrigin, err := url.Parse(origin)
				if err == nil && parsedOrigin.Host != "" {
					if strings.HasSuffix(parsedOrigin.Host, "."+parsedAllowed.Host) ||
						parsedOrigin.Host == parsedAllowed.Host {
						validOrigin = true
						break
					}
				}
			}
		}
	}

	if validOrigin {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Sec-WebSocket-Protocol")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusOK)
	} else {
		log.Printf("SECURITY: WebSocket preflight rejected - invalid origin: %s", origin)
		http.Error(w, "Invalid origin", http.StatusForbidden)
	}
}

// WebSocketHandler upgrades an authenticated connection and registers it
// with the relay hub. The server never inspects envelope payloads past
// Type/From/To: a connected peer's own chatsession.Session (run by its
// client, not this server) is what actually drives the handshake and
// decrypts chat content.
func WebSocketHandler(hub *wsrelay.Hub, authService *auth.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			handleWebSocketPreflight(w, r)
			return
		}

		clientIP := getClientIP(r)
		requestFingerprint := generateRequestFingerprint(r)

		if wsTracker.isRateLimited(clientIP) {
			log.Printf("SECURITY: WebSocket rate limit exceeded for IP=%s fingerprint=%s", clientIP, requestFingerprint)
			http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
			return
		}

		if wsTracker.isSuspicious(clientIP) {
			log.Printf("SECURITY: WebSocket connection blocked for suspicious IP=%s fingerprint=%s", clientIP, requestFingerprint)
			http.Error(w, "Connection temporarily blocked", http.StatusForbidden)
			return
		}

		token := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			} else {
				token = authHeader
			}
		}

		if token == "" {
			wsProtocol := r.Header.Get("Sec-WebSocket-Protocol")
			if wsProtocol != "" {
				parts := strings.Split(wsProtocol, ", ")
				if len(parts) == 2 && parts[0] == "Bearer" {
					token = parts[1]
				} else if !strings.Contains(wsProtocol, ",") {
					token = wsProtocol
				}
			}
		}

		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			log.Printf("SECURITY: WebSocket connection without token from IP=%s fingerprint=%s", clientIP, requestFingerprint)
			wsTracker.recordConnectionAttempt(clientIP, false)
			http.Error(w, "Authorization required", http.StatusUnauthorized)
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			log.Printf("SECURITY: Invalid WebSocket token from IP=%s fingerprint=%s error=%v", clientIP, requestFingerprint, err)
			wsTracker.recordConnectionAttempt(clientIP, false)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		if !wsBootstrapNonces.Use(token) {
			log.Printf("SECURITY: WebSocket bootstrap token reused peer=%s IP=%s fingerprint=%s", claims.PeerID, clientIP, requestFingerprint)
			wsTracker.recordConnectionAttempt(clientIP, false)
			http.Error(w, "Token already used", http.StatusUnauthorized)
			return
		}

		log.Printf("SECURITY: WebSocket authenticated peer=%s device=%s IP=%s fingerprint=%s",
			claims.PeerID, claims.DeviceID, clientIP, requestFingerprint)

		wsTracker.recordConnectionAttempt(clientIP, true)

		var responseHeader http.Header
		if r.Header.Get("Sec-WebSocket-Protocol") != "" {
			responseHeader = http.Header{
				"Sec-WebSocket-Protocol": []string{"Bearer"},
			}
		}
		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			log.Printf("SECURITY: WebSocket upgrade failed for peer=%s IP=%s error=%v", claims.PeerID, clientIP, err)
			return
		}

		client := wsrelay.NewClient(hub, conn, claims.PeerID, claims.DeviceID, token)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}

// CSPReportHandler handles Content Security Policy violation reports
func CSPReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		security.CSPViolationHandler(w, r)
	}
}
