package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/peerlink/internal/metrics"
)

// EnhancedRateLimiter enforces tiered rate limits (global, endpoint,
// IP, peer) backed by Redis sliding windows, with an in-memory abuse
// detector that moves repeat offenders into a penalty box and flips
// their tier into strict mode. The relay fronts a handshake protocol
// whose expensive part is per-message crypto on the peers themselves,
// so limits here mostly protect the bootstrap endpoint and the relay's
// own fan-out capacity.
type EnhancedRateLimiter struct {
	redisClient *redis.Client
	ctx         context.Context

	abuseDetector *AbuseDetector

	config *RateLimitConfig

	logger *log.Logger
}

// LimitConfig defines rate limit parameters for one tier/mode.
type LimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// TieredLimitConfig pairs the normal-mode limit with the tightened one
// applied while an entity is in strict mode.
type TieredLimitConfig struct {
	Normal *LimitConfig
	Strict *LimitConfig
}

// RateLimitConfig holds all rate limiting configuration.
type RateLimitConfig struct {
	IPLimits       map[string]*TieredLimitConfig
	PeerLimits     map[string]*TieredLimitConfig
	EndpointLimits map[string]*TieredLimitConfig
	GlobalLimits   *TieredLimitConfig
	AbuseDetection *AbuseDetectionConfig
}

// AbuseDetectionConfig defines abuse detection parameters.
type AbuseDetectionConfig struct {
	Threshold          int
	Window             time.Duration
	PenaltyDuration    time.Duration
	StrictModeDuration time.Duration
}

// AbuseDetector tracks request attempts per IP and per peer and
// penalizes entities that exceed the configured threshold inside the
// detection window.
type AbuseDetector struct {
	ipAttempts    map[string][]time.Time
	peerAttempts  map[string][]time.Time
	penaltyBox    map[string]time.Time // IP/peer -> penalty end time
	strictModeEnd map[string]time.Time // IP/peer -> strict mode end time
	mu            sync.RWMutex
	config        *AbuseDetectionConfig
}

// tierLimits are the built-in per-tier defaults; normal first, strict
// second.
var tierLimits = map[string][2]int{
	"global":   {1000, 500},
	"endpoint": {100, 50},
	"ip":       {60, 30},
	"peer":     {120, 60},
}

// NewEnhancedRateLimiter creates a rate limiter sharing the caller's
// Redis connection, so every relay instance behind the load balancer
// counts against the same windows.
func NewEnhancedRateLimiter(config *RateLimitConfig, redisClient *redis.Client) *EnhancedRateLimiter {
	rl := &EnhancedRateLimiter{
		redisClient:   redisClient,
		ctx:           context.Background(),
		abuseDetector: NewAbuseDetector(config.AbuseDetection),
		config:        config,
		logger:        log.New(log.Writer(), "[RATE-LIMIT] ", log.Ldate|log.Ltime|log.LUTC),
	}

	go rl.abuseDetector.cleanup()

	return rl
}

// NewAbuseDetector creates an abuse detector; a nil config gets
// conservative defaults.
func NewAbuseDetector(config *AbuseDetectionConfig) *AbuseDetector {
	if config == nil {
		config = &AbuseDetectionConfig{
			Threshold:          100,
			Window:             5 * time.Minute,
			PenaltyDuration:    15 * time.Minute,
			StrictModeDuration: 30 * time.Minute,
		}
	}

	return &AbuseDetector{
		ipAttempts:    make(map[string][]time.Time),
		peerAttempts:  make(map[string][]time.Time),
		penaltyBox:    make(map[string]time.Time),
		strictModeEnd: make(map[string]time.Time),
		config:        config,
	}
}

// Middleware returns an HTTP middleware enforcing the tiered limits in
// order of blast radius: penalty box, global, endpoint, IP, peer.
func (rl *EnhancedRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades are long-lived, one per peer, and already
		// tracked by the connection tracker in the upgrade handler.
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
			strings.HasPrefix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}

		ip := r.RemoteAddr
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ip = forwarded
		} else if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			ip = realIP
		}

		peerID, _ := GetPeerID(r.Context())
		endpoint := r.Method + " " + r.URL.Path

		if rl.abuseDetector.IsInPenaltyBox(ip) || (peerID != "" && rl.abuseDetector.IsInPenaltyBox(peerID)) {
			rl.deny(w, endpoint, "penalty", ip, peerID)
			return
		}
		if !rl.allowRequest("global", "ratelimit:global") {
			rl.deny(w, endpoint, "global", ip, peerID)
			return
		}
		if !rl.allowRequest("endpoint", "ratelimit:endpoint:"+endpoint) {
			rl.deny(w, endpoint, "endpoint", ip, peerID)
			return
		}
		if !rl.allowRequest("ip", "ratelimit:ip:"+ip) {
			rl.deny(w, endpoint, "ip", ip, peerID)
			return
		}
		if peerID != "" && !rl.allowRequest("peer", "ratelimit:peer:"+peerID) {
			rl.deny(w, endpoint, "peer", ip, peerID)
			return
		}

		metrics.RecordRateLimitRequest(endpoint, "allowed", "allowed")
		rl.abuseDetector.recordAttempt(ip, peerID)

		next.ServeHTTP(w, r)
	})
}

func (rl *EnhancedRateLimiter) deny(w http.ResponseWriter, endpoint, tier, ip, peerID string) {
	metrics.RecordRateLimitHit(endpoint, tier)
	metrics.RecordRateLimitRequest(endpoint, tier, "denied")
	rl.logger.Printf("RATE LIMIT DENIED - %s limit reached (IP: %s, Peer: %s, Endpoint: %s)", tier, ip, peerID, endpoint)
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
}

// allowRequest runs one Redis sliding-window check for a tier. Redis
// being unreachable fails open: the relay keeps serving rather than
// rejecting every request because its limiter store blinked.
func (rl *EnhancedRateLimiter) allowRequest(tier, key string) bool {
	limits := tierLimits[tier]
	maxRequests := limits[0]
	window := time.Minute

	strictMode, err := rl.redisClient.Get(rl.ctx, key+":mode").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get %s mode: %v", tier, err)
	}
	if strictMode == "strict" {
		maxRequests = limits[1]
	}

	now := time.Now().Unix()
	windowStart := now - int64(window.Seconds())

	if err := rl.redisClient.ZRemRangeByScore(rl.ctx, key, "-inf", fmt.Sprintf("(%d", windowStart)).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to remove old requests: %v", err)
	}

	count, err := rl.redisClient.ZCard(rl.ctx, key).Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to count requests for %s: %v", key, err)
		return true
	}

	if count >= int64(maxRequests) {
		return false
	}

	if err := rl.redisClient.ZAdd(rl.ctx, key, redis.Z{Score: float64(now), Member: fmt.Sprintf("%d-%d", now, count)}).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to add request: %v", err)
	}
	if err := rl.redisClient.Expire(rl.ctx, key, window).Err(); err != nil {
		rl.logger.Printf("Warning: Failed to set expiry: %v", err)
	}

	return true
}

// recordAttempt records an attempt for abuse detection.
func (ad *AbuseDetector) recordAttempt(ip string, peerID string) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	now := time.Now()

	ad.ipAttempts[ip] = append(ad.ipAttempts[ip], now)
	if peerID != "" {
		ad.peerAttempts[peerID] = append(ad.peerAttempts[peerID], now)
	}

	ad.checkForAbuse(ip, peerID)
}

// checkForAbuse penalizes an IP or peer exceeding the attempt
// threshold inside the detection window. Caller holds ad.mu.
func (ad *AbuseDetector) checkForAbuse(ip string, peerID string) {
	now := time.Now()

	if attempts, exists := ad.ipAttempts[ip]; exists {
		recent := ad.filterOldAttempts(attempts, ad.config.Window, now)
		if len(recent) >= ad.config.Threshold {
			ad.penaltyBox[ip] = now.Add(ad.config.PenaltyDuration)
			ad.strictModeEnd[ip] = now.Add(ad.config.StrictModeDuration)
			metrics.RecordAbuseDetectionEvent("ip", "penalty")
			metrics.RecordStrictModeActivation("ip")
			log.Printf("ABUSE DETECTED: IP %s placed in penalty box for %v", ip, ad.config.PenaltyDuration)
		}
	}

	if peerID != "" {
		if attempts, exists := ad.peerAttempts[peerID]; exists {
			recent := ad.filterOldAttempts(attempts, ad.config.Window, now)
			if len(recent) >= ad.config.Threshold {
				ad.penaltyBox[peerID] = now.Add(ad.config.PenaltyDuration)
				ad.strictModeEnd[peerID] = now.Add(ad.config.StrictModeDuration)
				metrics.RecordAbuseDetectionEvent("peer", "penalty")
				metrics.RecordStrictModeActivation("peer")
				log.Printf("ABUSE DETECTED: Peer %s placed in penalty box for %v", peerID, ad.config.PenaltyDuration)
			}
		}
	}
}

// IsInPenaltyBox checks if an IP or peer is in the penalty box.
func (ad *AbuseDetector) IsInPenaltyBox(key string) bool {
	ad.mu.RLock()
	defer ad.mu.RUnlock()

	if endTime, exists := ad.penaltyBox[key]; exists {
		return time.Now().Before(endTime)
	}
	return false
}

// RecordAttempt records an attempt for abuse detection (public for testing).
func (ad *AbuseDetector) RecordAttempt(ip string, peerID string) {
	ad.recordAttempt(ip, peerID)
}

// cleanup periodically prunes expired attempt records and penalties.
func (ad *AbuseDetector) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		ad.mu.Lock()

		now := time.Now()

		for ip, times := range ad.ipAttempts {
			ad.ipAttempts[ip] = ad.filterOldAttempts(times, ad.config.Window, now)
			if len(ad.ipAttempts[ip]) == 0 {
				delete(ad.ipAttempts, ip)
			}
		}
		for peer, times := range ad.peerAttempts {
			ad.peerAttempts[peer] = ad.filterOldAttempts(times, ad.config.Window, now)
			if len(ad.peerAttempts[peer]) == 0 {
				delete(ad.peerAttempts, peer)
			}
		}
		for key, endTime := range ad.penaltyBox {
			if now.After(endTime) {
				delete(ad.penaltyBox, key)
			}
		}
		for key, endTime := range ad.strictModeEnd {
			if now.After(endTime) {
				delete(ad.strictModeEnd, key)
			}
		}

		ad.mu.Unlock()
	}
}

// filterOldAttempts removes attempts outside the time window.
func (ad *AbuseDetector) filterOldAttempts(times []time.Time, window time.Duration, now time.Time) []time.Time {
	filtered := []time.Time{}
	for _, t := range times {
		if now.Sub(t) < window {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// SetGlobalStrictMode enables strict mode globally.
func (rl *EnhancedRateLimiter) SetGlobalStrictMode(enable bool) {
	mode := "normal"
	if enable {
		mode = "strict"
	}
	rl.redisClient.Set(rl.ctx, "ratelimit:global:mode", mode, 0)
	rl.logger.Printf("Global strict mode %s", strings.ToUpper(mode))
	metrics.RecordStrictModeActivation("global")
}

// SetEndpointStrictMode enables strict mode for a specific endpoint.
func (rl *EnhancedRateLimiter) SetEndpointStrictMode(endpoint string, enable bool) {
	mode := "normal"
	if enable {
		mode = "strict"
	}
	rl.redisClient.Set(rl.ctx, fmt.Sprintf("ratelimit:endpoint:%s:mode", endpoint), mode, 0)
	rl.logger.Printf("Strict mode %s for endpoint: %s", strings.ToUpper(mode), endpoint)
}

// GetRateLimitStatus reports current window occupancy for operators.
func (rl *EnhancedRateLimiter) GetRateLimitStatus() map[string]interface{} {
	globalMode, err := rl.redisClient.Get(rl.ctx, "ratelimit:global:mode").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get global mode: %v", err)
	}
	if globalMode == "" {
		globalMode = "normal"
	}

	globalCount, err := rl.redisClient.ZCard(rl.ctx, "ratelimit:global").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get global count: %v", err)
	}

	ipKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:ip:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get IP keys: %v", err)
	}
	peerKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:peer:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get peer keys: %v", err)
	}
	endpointKeys, err := rl.redisClient.Keys(rl.ctx, "ratelimit:endpoint:*").Result()
	if err != nil && err != redis.Nil {
		rl.logger.Printf("Warning: Failed to get endpoint keys: %v", err)
	}

	return map[string]interface{}{
		"global_mode":     globalMode,
		"global_requests": globalCount,
		"ip_counts":       len(ipKeys),
		"peer_counts":     len(peerKeys),
		"endpoint_counts": len(endpointKeys),
	}
}
