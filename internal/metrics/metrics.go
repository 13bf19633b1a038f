package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket relay metrics
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerlink_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
		[]string{"server_id"},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_websocket_messages_total",
			Help: "Total number of WebSocket envelopes routed",
		},
		[]string{"server_id", "direction"}, // direction: in, out
	)

	// Session FSM metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlink_sessions_active",
			Help: "Number of sessions currently in ACTIVE_SESSION",
		},
	)

	SessionStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_session_state_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"to_state"},
	)

	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerlink_handshake_duration_seconds",
			Help:    "Time from session creation to ACTIVE_SESSION",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	SessionResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_session_resets_total",
			Help: "Total number of session resets by the state they reset from",
		},
		[]string{"prior_state"},
	)

	// Authentication metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_auth_attempts_total",
			Help: "Total number of bootstrap token requests",
		},
		[]string{"result"}, // success, failure
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "peerlink_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"endpoint", "tier"},
	)

	RateLimitRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_rate_limit_requests_total",
			Help: "Total number of rate limited requests",
		},
		[]string{"endpoint", "tier", "result"}, // result: allowed, denied
	)

	AbuseDetectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_abuse_detection_events_total",
			Help: "Total number of abuse detection events",
		},
		[]string{"type", "action"}, // type: ip/user, action: penalty/strict
	)

	StrictModeActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_strict_mode_activations_total",
			Help: "Total number of strict mode activations",
		},
		[]string{"entity_type"}, // ip, user, global
	)

	RateLimitGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "peerlink_rate_limit_current_requests",
			Help: "Current number of requests in rate limit windows",
		},
		[]string{"tier", "mode"}, // tier: ip/user/endpoint/global, mode: normal/strict
	)

	// Audit logging metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlink_audit_queue_depth",
			Help: "Current depth of the audit logging queue",
		},
	)

	AuditOverflowEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlink_audit_overflow_events_total",
			Help: "Total number of audit events that overflowed the queue",
		},
	)

	AuditBatchWriteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerlink_audit_batch_write_latency_seconds",
			Help:    "Latency of audit batch writes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
		},
	)

	AuditEventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlink_audit_events_processed_total",
			Help: "Total number of audit events processed",
		},
	)

	AuditBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "peerlink_audit_batch_size",
			Help:    "Size of audit event batches written",
			Buckets: prometheus.LinearBuckets(1, 10, 20), // 1 to 200
		},
	)

	AuditDeadLetterEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlink_audit_dead_letter_events_total",
			Help: "Total number of audit events sent to dead letter queue",
		},
	)

	AuditDroppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlink_audit_dropped_events_total",
			Help: "Total number of audit events dropped due to system failures",
		},
	)

	AuditValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_audit_validation_failures_total",
			Help: "Total number of audit validation failures by type",
		},
		[]string{"validation_type"},
	)

	AuditCriticalEventBypassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "peerlink_audit_critical_event_bypasses_total",
			Help: "Total number of critical events that bypassed filtering",
		},
	)

	// Security metrics
	SecurityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_security_events_total",
			Help: "Total number of security events detected",
		},
		[]string{"event_type", "severity", "action"},
	)

	TokenBlacklistEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "peerlink_token_blacklist_events_total",
			Help: "Total number of token blacklist events",
		},
		[]string{"operation", "reason"},
	)

	TokenBlacklistGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "peerlink_token_blacklist_current_count",
			Help: "Current number of blacklisted tokens",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuthAttempt records a bootstrap token request.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	AuthAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordSessionTransition records a session entering a new state.
func RecordSessionTransition(toState string) {
	SessionStateTransitionsTotal.WithLabelValues(toState).Inc()
}

// RecordSessionActive records a session reaching ACTIVE_SESSION,
// including how long the handshake leading up to it took.
func RecordSessionActive(handshakeDuration time.Duration) {
	SessionsActive.Inc()
	HandshakeDuration.Observe(handshakeDuration.Seconds())
}

// RecordSessionReset records a session reset, decrementing the active
// gauge if it was resetting out of ACTIVE_SESSION.
func RecordSessionReset(priorState string, wasActive bool) {
	SessionResetsTotal.WithLabelValues(priorState).Inc()
	if wasActive {
		SessionsActive.Dec()
	}
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(endpoint string, tier string) {
	RateLimitHits.WithLabelValues(endpoint, tier).Inc()
}

// RecordRateLimitRequest records a rate limit request
func RecordRateLimitRequest(endpoint string, tier string, result string) {
	RateLimitRequests.WithLabelValues(endpoint, tier, result).Inc()
}

// RecordAbuseDetectionEvent records an abuse detection event
func RecordAbuseDetectionEvent(entityType string, action string) {
	AbuseDetectionEvents.WithLabelValues(entityType, action).Inc()
}

// RecordStrictModeActivation records a strict mode activation
func RecordStrictModeActivation(entityType string) {
	StrictModeActivations.WithLabelValues(entityType).Inc()
}

// UpdateRateLimitGauge updates the current rate limit gauge
func UpdateRateLimitGauge(tier string, mode string, value float64) {
	RateLimitGauge.WithLabelValues(tier, mode).Set(value)
}

// RecordSecurityEvent records a generic security event.
func RecordSecurityEvent(eventType string, severity string, action string) {
	SecurityEventsTotal.WithLabelValues(eventType, severity, action).Inc()
}

// RecordTokenBlacklistEvent records a token blacklist operation.
func RecordTokenBlacklistEvent(operation string, reason string) {
	TokenBlacklistEventsTotal.WithLabelValues(operation, reason).Inc()
}

// UpdateTokenBlacklistCount updates the current blacklist size gauge.
func UpdateTokenBlacklistCount(count int) {
	TokenBlacklistGauge.Set(float64(count))
}

// RecordWebSocketConnection adjusts the active connection gauge for a
// server instance by delta (+1 on connect, -1 on disconnect).
func RecordWebSocketConnection(serverID string, delta float64) {
	WebSocketConnections.WithLabelValues(serverID).Add(delta)
}

// RecordWebSocketMessage records an envelope routed through the relay.
func RecordWebSocketMessage(serverID, direction string) {
	WebSocketMessagesTotal.WithLabelValues(serverID, direction).Inc()
}
