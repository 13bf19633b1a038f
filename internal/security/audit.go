package security

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/peerlink/internal/metrics"
)

// AuditEventType defines the type of handshake audit event
type AuditEventType string

// AuditSeverity defines the severity level of an audit event
type AuditSeverity string

// AuditResult defines the outcome of an audited action
type AuditResult string

const (
	// Handshake lifecycle events
	AuditEventSessionRequested AuditEventType = "session_requested"
	AuditEventSessionAccepted  AuditEventType = "session_accepted"
	AuditEventSessionDenied    AuditEventType = "session_denied"
	AuditEventSessionActive    AuditEventType = "session_active"
	AuditEventSessionEnded     AuditEventType = "session_ended"

	// Failure/teardown events - these map directly onto the reasons a
	// chatsession.Session calls its ResetHook
	AuditEventSessionReset      AuditEventType = "session_reset"
	AuditEventChallengeMismatch AuditEventType = "challenge_mismatch"
	AuditEventDecryptionFailed  AuditEventType = "decryption_failed"
	AuditEventMalformedMessage  AuditEventType = "malformed_message"
	AuditEventUnexpectedMessage AuditEventType = "unexpected_message"
	AuditEventDerivationFailed  AuditEventType = "derivation_failed"

	// Transport/abuse events raised by the relay, not the FSM
	AuditEventPeerConnected    AuditEventType = "peer_connected"
	AuditEventPeerDisconnected AuditEventType = "peer_disconnected"
	AuditEventRateLimited      AuditEventType = "rate_limited"
	AuditEventInvalidRequest   AuditEventType = "invalid_request"

	// Operator-plane events
	AuditEventSecretRotated AuditEventType = "bootstrap_secret_rotated"
)

const (
	// Severity levels
	AuditSeverityCritical AuditSeverity = "critical"
	AuditSeverityHigh     AuditSeverity = "high"
	AuditSeverityMedium   AuditSeverity = "medium"
	AuditSeverityLow      AuditSeverity = "low"
	AuditSeverityInfo     AuditSeverity = "info"
)

const (
	// Result outcomes
	AuditResultSuccess AuditResult = "success"
	AuditResultFailure AuditResult = "failure"
	AuditResultDenied  AuditResult = "denied"
	AuditResultError   AuditResult = "error"
	AuditResultPending AuditResult = "pending"
)

// AuditConfig holds configuration for audit logging
type AuditConfig struct {
	MinSeverity            AuditSeverity    `json:"min_severity"`
	AllowedEventTypes      []AuditEventType `json:"allowed_event_types"`
	QueueSize              int              `json:"queue_size"`
	BatchSize              int              `json:"batch_size"`
	FlushInterval          time.Duration    `json:"flush_interval"`
	MaxRetries             int              `json:"max_retries"`
	BaseRetryDelay         time.Duration    `json:"base_retry_delay"`
	MaxConcurrentOverflows int              `json:"max_concurrent_overflows"`
	AuditFailureLogPath    string           `json:"audit_failure_log_path"`
}

// DefaultAuditConfig returns default audit configuration
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		MinSeverity:            AuditSeverityInfo,
		AllowedEventTypes:      nil, // nil means all allowed
		QueueSize:              100000,
		BatchSize:              100,
		FlushInterval:          5 * time.Second,
		MaxRetries:             3,
		BaseRetryDelay:         100 * time.Millisecond,
		MaxConcurrentOverflows: 10,
		AuditFailureLogPath:    "/tmp/audit_failures.log",
	}
}

// validateAuditConfigWithLogging validates the audit configuration with detailed logging
func validateAuditConfigWithLogging(config *AuditConfig) error {
	log.Printf("[AUDIT_CONFIG] Starting audit configuration validation")

	validator := NewComprehensiveAuditValidator(nil) // nil auditLogger for config-only validation

	if err := validator.ValidateAuditConfigurationWithComprehensiveChecks(config); err != nil {
		return err
	}

	log.Printf("[AUDIT_CONFIG] All audit configuration validations passed successfully")
	return nil
}

// ValidateAuditConfig validates the audit configuration
func ValidateAuditConfig(config *AuditConfig) error {
	return validateAuditConfigWithLogging(config)
}

// AuditEvent represents one row of the handshake audit trail: a record
// of a session reaching RESET, DENY, or ACTIVE, keyed by the two peer
// IDs involved rather than by a user/session/device UUID triple -
// chatsession has no notion of any of those.
type AuditEvent struct {
	ID           uuid.UUID `json:"id"`
	PeerID       string    `json:"peer_id"`
	Counterparty string    `json:"counterparty,omitempty"`

	EventType AuditEventType `json:"event_type"`
	Severity  AuditSeverity  `json:"severity"`
	Result    AuditResult    `json:"result"`

	Reason      string `json:"reason,omitempty"`
	PriorState  string `json:"prior_state,omitempty"`
	Description string `json:"description,omitempty"`

	EventData             map[string]any `json:"event_data,omitempty"`
	PreMarshaledEventData []byte         `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"duration_ms,omitempty"`
}

// AuditLogger handles handshake audit logging
type AuditLogger struct {
	db                *sql.DB
	config            *AuditConfig
	queue             chan *AuditEvent
	wg                sync.WaitGroup
	shutdown          chan struct{}
	bufferPool        sync.Pool
	deadLetterChan    chan *AuditEvent
	failureLogger     *log.Logger
	failureFile       *os.File
	overflowSemaphore chan struct{} // Semaphore to limit concurrent overflow writes
}

// NewAuditLogger creates a new audit logger with default settings
func NewAuditLogger(db *sql.DB) *AuditLogger {
	return NewAuditLoggerWithConfig(db, DefaultAuditConfig())
}

// NewAuditLoggerWithConfig creates a new audit logger with custom configuration
func NewAuditLoggerWithConfig(db *sql.DB, config *AuditConfig) *AuditLogger {
	if err := ValidateAuditConfig(config); err != nil {
		log.Printf("Invalid audit configuration: %v", err)
		config = DefaultAuditConfig()
		log.Printf("Falling back to default audit configuration")
	}

	var failureFile *os.File
	var err error
	if config.AuditFailureLogPath != "" {
		failureFile, err = os.OpenFile(config.AuditFailureLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Printf("Failed to open audit failure log file at %s: %v", config.AuditFailureLogPath, err)
			failureFile = os.Stderr
		}
	} else {
		failureFile, err = os.OpenFile("/tmp/audit_failures.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Printf("Failed to open default audit failure log file: %v", err)
			failureFile = os.Stderr
		}
	}
	failureLogger := log.New(failureFile, "[AUDIT_FAILURE] ", log.LstdFlags|log.LUTC)

	al := &AuditLogger{
		db:                db,
		config:            config,
		queue:             make(chan *AuditEvent, config.QueueSize),
		shutdown:          make(chan struct{}),
		deadLetterChan:    make(chan *AuditEvent, 1000),
		failureLogger:     failureLogger,
		failureFile:       failureFile,
		overflowSemaphore: make(chan struct{}, config.MaxConcurrentOverflows),
		bufferPool: sync.Pool{
			New: func() any {
				return &bytes.Buffer{}
			},
		},
	}

	al.wg.Add(1)
	go al.batchWriter()

	al.wg.Add(1)
	go al.deadLetterHandler()

	return al
}

// Shutdown gracefully shuts down the audit logger
func (al *AuditLogger) Shutdown(timeout time.Duration) error {
	close(al.queue)
	close(al.shutdown)

	done := make(chan struct{})
	go func() {
		al.wg.Wait()
		if al.failureFile != nil && al.failureFile != os.Stderr {
			if err := al.failureFile.Close(); err != nil {
				log.Printf("Warning: failed to close failure file: %v", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		if al.failureFile != nil && al.failureFile != os.Stderr {
			if err := al.failureFile.Close(); err != nil {
				log.Printf("Warning: failed to close failure file: %v", err)
			}
		}
		return fmt.Errorf("audit logger shutdown timed out after %v", timeout)
	}
}

// Log records an audit event
func (al *AuditLogger) Log(event *AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = getSeverityForEventType(event.EventType)
	}
	if event.Result == "" {
		event.Result = AuditResultSuccess
	}

	if !al.shouldLog(event) {
		return
	}

	if event.EventData != nil {
		buf := al.bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		if err := json.NewEncoder(buf).Encode(event.EventData); err == nil {
			event.PreMarshaledEventData = make([]byte, buf.Len())
			copy(event.PreMarshaledEventData, buf.Bytes())
		}
		al.bufferPool.Put(buf)
	}

	select {
	case al.queue <- event:
		metrics.AuditQueueDepth.Set(float64(len(al.queue)))
	default:
		metrics.AuditOverflowEventsTotal.Inc()
		go func() {
			al.overflowSemaphore <- struct{}{}
			defer func() {
				<-al.overflowSemaphore
			}()

			if err := al.write(event); err != nil {
				al.failureLogger.Printf("Failed to write overflow audit event: %v", err)
			}
			metrics.AuditEventsProcessedTotal.Inc()
		}()
	}
}

// LogReset is the convenience constructor wired directly to
// chatsession.ResetHook: every RESET a Session emits becomes one audit
// row, tagged by the reason the FSM gave.
func (al *AuditLogger) LogReset(peerID, reason, priorState string, notifyUser bool) {
	al.Log(&AuditEvent{
		PeerID:      peerID,
		EventType:   classifyResetReason(reason),
		Result:      AuditResultDenied,
		Reason:      reason,
		PriorState:  priorState,
		Description: fmt.Sprintf("session reset from %s: %s", priorState, reason),
		EventData:   map[string]any{"notify_user": notifyUser},
		Timestamp:   time.Now().UTC(),
	})
}

// classifyResetReason maps a chatsession reset reason string onto an
// AuditEventType so operators can filter the trail by failure class
// without parsing free text.
func classifyResetReason(reason string) AuditEventType {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "challenge") || strings.Contains(lower, "confirmation"):
		return AuditEventChallengeMismatch
	case strings.Contains(lower, "decrypt"):
		return AuditEventDecryptionFailed
	case strings.Contains(lower, "derivation") || strings.Contains(lower, "derive"):
		return AuditEventDerivationFailed
	case strings.Contains(lower, "unexpected") || strings.Contains(lower, "out of order"):
		return AuditEventUnexpectedMessage
	case strings.Contains(lower, "malformed") || strings.Contains(lower, "invalid"):
		return AuditEventMalformedMessage
	default:
		return AuditEventSessionReset
	}
}

// LogDenied records a peer explicitly declining an incoming session request.
func (al *AuditLogger) LogDenied(peerID, counterparty string) {
	al.Log(&AuditEvent{
		PeerID:       peerID,
		Counterparty: counterparty,
		EventType:    AuditEventSessionDenied,
		Result:       AuditResultDenied,
		Timestamp:    time.Now().UTC(),
	})
}

// LogSessionActive records a handshake reaching StateActiveSession.
func (al *AuditLogger) LogSessionActive(peerID, counterparty string) {
	al.Log(&AuditEvent{
		PeerID:       peerID,
		Counterparty: counterparty,
		EventType:    AuditEventSessionActive,
		Severity:     AuditSeverityInfo,
		Result:       AuditResultSuccess,
		Timestamp:    time.Now().UTC(),
	})
}

// shouldLog checks if an event should be logged based on configuration filters
func (al *AuditLogger) shouldLog(event *AuditEvent) bool {
	validator := NewComprehensiveAuditValidator(al)

	if err := validator.ValidateAuditEventWithContext(event); err != nil {
		log.Printf("[AUDIT_EVENT_FILTERED] Event failed validation: %v", err)
		return false
	}

	if event.Severity == AuditSeverityCritical {
		log.Printf("[AUDIT_CRITICAL_BYPASS] Critical event bypassed filtering: EventType=%s, EventID=%s",
			event.EventType, event.ID)
		return true
	}

	return true
}

// getSeverityLevel returns a numeric level for severity comparison
func getSeverityLevel(severity AuditSeverity) int {
	switch severity {
	case AuditSeverityCritical:
		return 5
	case AuditSeverityHigh:
		return 4
	case AuditSeverityMedium:
		return 3
	case AuditSeverityLow:
		return 2
	case AuditSeverityInfo:
		return 1
	default:
		return 0
	}
}

// batchWriter processes queued events in batches
func (al *AuditLogger) batchWriter() {
	defer al.wg.Done()

	batch := make([]*AuditEvent, 0, al.config.BatchSize)
	ticker := time.NewTicker(al.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-al.queue:
			batch = append(batch, event)
			if len(batch) >= al.config.BatchSize {
				al.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				al.writeBatch(batch)
				batch = batch[:0]
			}

		case <-al.shutdown:
			for {
				select {
				case event := <-al.queue:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						al.writeBatch(batch)
					}
					return
				}
			}
		}
	}
}

// deadLetterHandler processes permanently failed audit events
func (al *AuditLogger) deadLetterHandler() {
	defer al.wg.Done()

	for {
		select {
		case event := <-al.deadLetterChan:
			al.failureLogger.Printf("Permanently failed audit event: ID=%s, Type=%s, PeerID=%s, Error=Max retries exceeded",
				event.ID, event.EventType, event.PeerID)
		case <-al.shutdown:
			for {
				select {
				case event := <-al.deadLetterChan:
					al.failureLogger.Printf("Permanently failed audit event on shutdown: ID=%s, Type=%s, PeerID=%s",
						event.ID, event.EventType, event.PeerID)
				default:
					return
				}
			}
		}
	}
}

// retryDBOperation retries a database operation with exponential backoff and comprehensive error handling
func (al *AuditLogger) retryDBOperation(events []*AuditEvent, operation func() error) error {
	var lastErr error
	delay := al.config.BaseRetryDelay

	validator := NewComprehensiveAuditValidator(al)

	for attempt := 0; attempt <= al.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Printf("[AUDIT_RETRY_SUCCESS] Operation succeeded after %d retries", attempt)
			}
			return nil
		}

		lastErr = err

		errorType := classifyDatabaseError(err)
		log.Printf("[AUDIT_DB_ERROR] %s error (attempt %d/%d): %v",
			errorType, attempt+1, al.config.MaxRetries+1, err)

		for _, event := range events {
			al.failureLogger.Printf("Audit DB operation failed (%s, attempt %d/%d): %v, EventID=%s, EventType=%s",
				errorType, attempt+1, al.config.MaxRetries+1, err, event.ID, event.EventType)

			if event.EventData == nil {
				event.EventData = make(map[string]any)
			}
			event.EventData["audit_error_type"] = errorType
			event.EventData["audit_error_message"] = err.Error()
			event.EventData["audit_retry_attempt"] = attempt + 1
		}

		if isCriticalDatabaseError(err) {
			log.Printf("[AUDIT_CRITICAL_ERROR] Critical database error detected, failing fast: %v", err)
			break
		}
	}

	for _, event := range events {
		if err := validator.ValidateAuditEventBeforeLogging(event); err != nil {
			al.failureLogger.Printf("Failed event validation before dead letter queue: ID=%s, Error=%v", event.ID, err)
			continue
		}

		select {
		case al.deadLetterChan <- event:
			al.failureLogger.Printf("Sent failed event to dead letter queue: ID=%s, Type=%s, Error=%v",
				event.ID, event.EventType, lastErr)
			metrics.AuditDeadLetterEventsTotal.Inc()
		default:
			al.failureLogger.Printf("Dead letter queue full, dropping failed event: ID=%s, Type=%s, Error=%v",
				event.ID, event.EventType, lastErr)
			metrics.AuditDroppedEventsTotal.Inc()

			if event.Severity == AuditSeverityCritical {
				al.writeCriticalEventToEmergencyLog(event, lastErr)
			}
		}
	}

	return lastErr
}

// classifyDatabaseError classifies database errors for appropriate handling
func classifyDatabaseError(err error) string {
	if err == nil {
		return "unknown"
	}

	errorStr := err.Error()

	if strings.Contains(errorStr, "connection refused") ||
		strings.Contains(errorStr, "network error") ||
		strings.Contains(errorStr, "dial") {
		return "connection_error"
	}

	if strings.Contains(errorStr, "timeout") ||
		strings.Contains(errorStr, "deadline exceeded") {
		return "timeout_error"
	}

	if strings.Contains(errorStr, "deadlock") ||
		strings.Contains(errorStr, "lock") {
		return "deadlock_error"
	}

	if strings.Contains(errorStr, "disk full") ||
		strings.Contains(errorStr, "storage") {
		return "storage_error"
	}

	if strings.Contains(errorStr, "syntax") ||
		strings.Contains(errorStr, "SQL") {
		return "syntax_error"
	}

	if strings.Contains(errorStr, "constraint") ||
		strings.Contains(errorStr, "duplicate") {
		return "constraint_error"
	}

	return "general_error"
}

// isCriticalDatabaseError checks if an error is critical and should fail fast
func isCriticalDatabaseError(err error) bool {
	if err == nil {
		return false
	}

	errorStr := err.Error()

	criticalPatterns := []string{
		"database does not exist",
		"table does not exist",
		"permission denied",
		"authentication failed",
		"role does not exist",
		"fatal",
		"panic",
	}

	for _, pattern := range criticalPatterns {
		if strings.Contains(errorStr, pattern) {
			return true
		}
	}

	return false
}

// writeCriticalEventToEmergencyLog writes critical events to emergency log when normal logging fails
func (al *AuditLogger) writeCriticalEventToEmergencyLog(event *AuditEvent, err error) {
	emergencyLogFile := "/tmp/audit_emergency_critical.log"
	file, fileErr := os.OpenFile(emergencyLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if fileErr != nil {
		al.failureLogger.Printf("Failed to open emergency log file: %v, Critical event lost: ID=%s", fileErr, event.ID)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			al.failureLogger.Printf("Warning: failed to close file: %v", err)
		}
	}()

	emergencyLog := fmt.Sprintf("[EMERGENCY_CRITICAL_EVENT] Time=%s, EventID=%s, EventType=%s, PeerID=%s, Error=%v\n",
		time.Now().UTC().Format(time.RFC3339),
		event.ID, event.EventType, event.PeerID, err)

	if _, writeErr := file.WriteString(emergencyLog); writeErr != nil {
		al.failureLogger.Printf("Failed to write to emergency log: %v, Critical event: ID=%s", writeErr, event.ID)
	}

	log.Printf("[EMERGENCY_CRITICAL_EVENT] %s", emergencyLog)
}

// writeBatch writes a batch of events to the database
func (al *AuditLogger) writeBatch(events []*AuditEvent) {
	start := time.Now()
	defer func() {
		metrics.AuditBatchWriteLatency.Observe(time.Since(start).Seconds())
		metrics.AuditBatchSize.Observe(float64(len(events)))
	}()
	if len(events) == 0 {
		return
	}

	err := al.retryDBOperation(events, func() error {
		tx, err := al.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to start transaction for audit batch: %w", err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO audit_events
			(event_id, event_type, peer_id, counterparty, reason, prior_state, severity, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				al.failureLogger.Printf("Warning: rollback failed: %v", rbErr)
			}
			return fmt.Errorf("failed to prepare audit batch statement: %w", err)
		}

		for _, event := range events {
			var eventData []byte
			if len(event.PreMarshaledEventData) > 0 {
				eventData = event.PreMarshaledEventData
			} else {
				eventData, _ = json.Marshal(event.EventData)
			}

			_, err = stmt.Exec(
				event.ID, event.EventType, event.PeerID, event.Counterparty,
				event.Reason, event.PriorState, event.Severity, eventData, event.Timestamp,
			)
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					log.Printf("Warning: tx.Rollback failed: %v", rbErr)
				}
				if clErr := stmt.Close(); clErr != nil {
					log.Printf("Warning: stmt.Close failed: %v", clErr)
				}
				return fmt.Errorf("failed to insert audit event %s: %w", event.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit audit batch: %w", err)
		}

		return nil
	})

	if err != nil {
		al.failureLogger.Printf("Audit batch write failed after retries: %v", err)
	}
}

// write persists a single event to the database
func (al *AuditLogger) write(event *AuditEvent) error {
	return al.retryDBOperation([]*AuditEvent{event}, func() error {
		var eventData []byte
		if len(event.PreMarshaledEventData) > 0 {
			eventData = event.PreMarshaledEventData
		} else {
			eventData, _ = json.Marshal(event.EventData)
		}

		_, err := al.db.Exec(`
			INSERT INTO audit_events
			(event_id, event_type, peer_id, counterparty, reason, prior_state, severity, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, event.ID, event.EventType, event.PeerID, event.Counterparty,
			event.Reason, event.PriorState, event.Severity, eventData, event.Timestamp,
		)

		if err != nil {
			return fmt.Errorf("failed to write audit log: %w", err)
		}
		return nil
	})
}

// getSeverityForEventType returns the default severity for an event type
func getSeverityForEventType(eventType AuditEventType) AuditSeverity {
	switch eventType {
	case AuditEventDerivationFailed, AuditEventDecryptionFailed, AuditEventChallengeMismatch:
		return AuditSeverityHigh

	case AuditEventSessionReset, AuditEventUnexpectedMessage, AuditEventMalformedMessage,
		AuditEventSecretRotated:
		return AuditSeverityMedium

	case AuditEventSessionDenied, AuditEventRateLimited, AuditEventInvalidRequest:
		return AuditSeverityLow

	case AuditEventSessionRequested, AuditEventSessionAccepted, AuditEventSessionActive, AuditEventSessionEnded,
		AuditEventPeerConnected, AuditEventPeerDisconnected:
		return AuditSeverityInfo

	default:
		return AuditSeverityInfo
	}
}

// getCriticalEventTypes returns a list of event types that are considered critical.
// The handshake audit trail has no event that must always bypass
// filtering for compliance reasons; this stays empty but is kept as a
// hook the configuration validator relies on.
func getCriticalEventTypes() []AuditEventType {
	return []AuditEventType{}
}

// containsEventType checks if an event type is in a slice of event types
func containsEventType(eventTypes []AuditEventType, target AuditEventType) bool {
	for _, et := range eventTypes {
		if et == target {
			return true
		}
	}
	return false
}

// Query retrieves recent audit events for a peer, optionally filtered by event type.
func (al *AuditLogger) Query(ctx context.Context, peerID string, eventType *AuditEventType, limit int) ([]*AuditEvent, error) {
	var query string
	var args []any

	if eventType != nil {
		query = `
			SELECT peer_id, counterparty, event_type, reason, prior_state, severity, metadata, created_at
			FROM audit_events
			WHERE peer_id = $1 AND event_type = $2
			ORDER BY created_at DESC
			LIMIT $3
		`
		args = []any{peerID, *eventType, limit}
	} else {
		query = `
			SELECT peer_id, counterparty, event_type, reason, prior_state, severity, metadata, created_at
			FROM audit_events
			WHERE peer_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`
		args = []any{peerID, limit}
	}

	rows, err := al.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Warning: failed to close rows: %v", err)
		}
	}()

	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		var eventData []byte
		var counterparty, reason, priorState sql.NullString

		if err := rows.Scan(
			&event.PeerID, &counterparty, &event.EventType, &reason, &priorState,
			&event.Severity, &eventData, &event.Timestamp,
		); err != nil {
			return nil, err
		}
		event.Counterparty = counterparty.String
		event.Reason = reason.String
		event.PriorState = priorState.String

		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &event.EventData); err != nil {
				log.Printf("Warning: failed to unmarshal event data: %v", err)
			}
		}

		events = append(events, event)
	}

	return events, nil
}
