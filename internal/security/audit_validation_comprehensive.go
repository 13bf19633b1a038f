package security

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/peerlink/internal/metrics"
)

// ComprehensiveAuditValidator performs the deeper validation AuditLogger
// delegates to beyond the basic shouldLog filter: event shape, critical
// event bypass accounting, and configuration sanity before either is
// trusted with the handshake audit trail.
type ComprehensiveAuditValidator struct {
	auditLogger       *AuditLogger
	errorLogger       *log.Logger
	validationMetrics *ComprehensiveValidationMetrics
}

// ComprehensiveValidationMetrics tracks validation performance and failures.
type ComprehensiveValidationMetrics struct {
	TotalValidations         int
	ValidationFailures       int
	CriticalEventBypasses    int
	ConfigurationValidations int
	EventValidations         int
	PathValidations          int
	SeverityValidations      int
	EventTypeValidations     int
}

// NewComprehensiveAuditValidator creates a new comprehensive validator.
func NewComprehensiveAuditValidator(auditLogger *AuditLogger) *ComprehensiveAuditValidator {
	return &ComprehensiveAuditValidator{
		auditLogger:       auditLogger,
		errorLogger:       log.New(os.Stderr, "[AUDIT_VALIDATION] ", log.LstdFlags|log.LUTC),
		validationMetrics: &ComprehensiveValidationMetrics{},
	}
}

// ValidateAuditEventWithContext validates an audit event before it is
// queued for writing.
func (v *ComprehensiveAuditValidator) ValidateAuditEventWithContext(event *AuditEvent) error {
	v.validationMetrics.TotalValidations++
	v.validationMetrics.EventValidations++

	if err := v.validateEventID(event); err != nil {
		v.logValidationFailure("event_id_validation", event, err)
		return err
	}
	if err := v.validateEventType(event); err != nil {
		v.logValidationFailure("event_type_validation", event, err)
		return err
	}
	if err := v.validateSeverity(event); err != nil {
		v.logValidationFailure("severity_validation", event, err)
		return err
	}
	if err := v.validateTimestamp(event); err != nil {
		v.logValidationFailure("timestamp_validation", event, err)
		return err
	}
	if err := v.validateCriticalEventBypass(event); err != nil {
		v.logValidationFailure("critical_bypass_validation", event, err)
		return err
	}
	if err := v.validateEventAgainstConfig(event); err != nil {
		v.logValidationFailure("config_compliance_validation", event, err)
		return err
	}
	if err := v.validateEventDataSize(event); err != nil {
		v.logValidationFailure("event_data_size_validation", event, err)
		return err
	}

	return nil
}

func (v *ComprehensiveAuditValidator) validateEventID(event *AuditEvent) error {
	if event.ID == uuid.Nil {
		return fmt.Errorf("audit event ID cannot be nil")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateEventType(event *AuditEvent) error {
	if event.EventType == "" {
		return fmt.Errorf("audit event type cannot be empty")
	}
	if len(string(event.EventType)) > 100 {
		return fmt.Errorf("event type name too long: %d characters (max: 100)", len(string(event.EventType)))
	}
	if strings.ContainsAny(string(event.EventType), " \t\n\r<>\"'\\") {
		return fmt.Errorf("event type contains invalid characters")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateSeverity(event *AuditEvent) error {
	v.validationMetrics.SeverityValidations++

	if event.Severity == "" {
		return fmt.Errorf("audit event severity cannot be empty")
	}

	knownSeverities := []AuditSeverity{
		AuditSeverityCritical,
		AuditSeverityHigh,
		AuditSeverityMedium,
		AuditSeverityLow,
		AuditSeverityInfo,
	}
	for _, known := range knownSeverities {
		if event.Severity == known {
			return nil
		}
	}
	return fmt.Errorf("unknown severity level: %s", event.Severity)
}

func (v *ComprehensiveAuditValidator) validateTimestamp(event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		return fmt.Errorf("audit event timestamp cannot be zero")
	}

	now := time.Now().UTC()
	if event.Timestamp.After(now.Add(5 * time.Minute)) {
		return fmt.Errorf("event timestamp is too far in the future: %v (current: %v)", event.Timestamp, now)
	}
	if event.Timestamp.Before(now.AddDate(-1, 0, 0)) {
		log.Printf("[AUDIT_EVENT_WARNING] Very old event timestamp: %v (current: %v)", event.Timestamp, now)
	}
	return nil
}

// validateCriticalEventBypass accounts for events whose severity marks
// them as never-filter-out, then lets them through regardless of
// configured MinSeverity/AllowedEventTypes.
func (v *ComprehensiveAuditValidator) validateCriticalEventBypass(event *AuditEvent) error {
	if event.Severity == AuditSeverityCritical {
		v.validationMetrics.CriticalEventBypasses++
		metrics.AuditCriticalEventBypassesTotal.Inc()
		v.logCriticalEventBypass(event)
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateEventAgainstConfig(event *AuditEvent) error {
	if v.auditLogger == nil || v.auditLogger.config == nil {
		return nil
	}

	if event.Severity == AuditSeverityCritical {
		return nil
	}

	if getSeverityLevel(event.Severity) < getSeverityLevel(v.auditLogger.config.MinSeverity) {
		return fmt.Errorf("event severity %s is below minimum configured severity %s",
			event.Severity, v.auditLogger.config.MinSeverity)
	}

	if v.auditLogger.config.AllowedEventTypes != nil {
		if !containsEventType(v.auditLogger.config.AllowedEventTypes, event.EventType) {
			return fmt.Errorf("event type %s is not in allowed event types", event.EventType)
		}
	}

	return nil
}

func (v *ComprehensiveAuditValidator) validateEventDataSize(event *AuditEvent) error {
	if event.EventData != nil {
		if size := estimateMapSize(event.EventData); size > 10000 {
			return fmt.Errorf("event data exceeds maximum size limit of 10KB (actual: %d bytes)", size)
		}
	}
	if len(event.PreMarshaledEventData) > 10000 {
		return fmt.Errorf("pre-marshaled event data exceeds maximum size limit of 10KB")
	}
	if len(event.Description) > 4096 {
		return fmt.Errorf("event description exceeds maximum length of 4096 characters")
	}
	if containsSuspiciousContent(event.Description) {
		log.Printf("[AUDIT_EVENT_WARNING] Suspicious content detected in event description for EventID: %s", event.ID)
	}
	return nil
}

func estimateMapSize(data map[string]any) int {
	size := 0
	for key, value := range data {
		size += len(key)
		switch v := value.(type) {
		case string:
			size += len(v)
		case []byte:
			size += len(v)
		case map[string]any:
			size += estimateMapSize(v)
		}
	}
	return size
}

func containsSuspiciousContent(text string) bool {
	suspiciousPatterns := []string{
		"eval(", "script>", "javascript:", "onerror=", "onload=",
		"document.cookie", "window.location", "<?php", "<%=",
		"1=1", "OR 1=1", "UNION SELECT",
	}
	for _, pattern := range suspiciousPatterns {
		if strings.Contains(strings.ToLower(text), pattern) {
			return true
		}
	}
	return false
}

// ValidateAuditConfigurationWithComprehensiveChecks validates audit
// configuration bounds beyond the basic shape check in
// validateAuditConfigWithLogging.
func (v *ComprehensiveAuditValidator) ValidateAuditConfigurationWithComprehensiveChecks(config *AuditConfig) error {
	v.validationMetrics.TotalValidations++
	v.validationMetrics.ConfigurationValidations++

	if err := v.validateDataLossPreventionConfiguration(config); err != nil {
		return err
	}
	if err := v.validateMaxConcurrentOverflows(config.MaxConcurrentOverflows); err != nil {
		return err
	}
	if err := v.validateQueueSize(config.QueueSize); err != nil {
		return err
	}
	if err := v.validateBatchSize(config.BatchSize); err != nil {
		return err
	}
	if err := v.validateMaxRetries(config.MaxRetries); err != nil {
		return err
	}
	if err := v.validateBaseRetryDelay(config.BaseRetryDelay); err != nil {
		return err
	}
	if err := v.validateFlushInterval(config.FlushInterval); err != nil {
		return err
	}
	if err := v.validateAuditFailureLogPath(config.AuditFailureLogPath); err != nil {
		return err
	}
	if err := v.validateMinSeverity(config.MinSeverity); err != nil {
		return err
	}
	if err := v.validateAllowedEventTypes(config.AllowedEventTypes); err != nil {
		return err
	}

	return nil
}

func (v *ComprehensiveAuditValidator) validateDataLossPreventionConfiguration(config *AuditConfig) error {
	if config.QueueSize < 1000 {
		return fmt.Errorf("QueueSize too small for data loss prevention: %d (minimum recommended: 1000)", config.QueueSize)
	}
	if config.FlushInterval > 30*time.Minute {
		return fmt.Errorf("FlushInterval too long for data loss prevention: %v (maximum recommended: 30m)", config.FlushInterval)
	}
	if getSeverityLevel(config.MinSeverity) > getSeverityLevel(AuditSeverityCritical) {
		return fmt.Errorf("configuration would filter out critical events, causing data loss")
	}
	if config.AllowedEventTypes != nil {
		for _, criticalType := range getCriticalEventTypes() {
			if !containsEventType(config.AllowedEventTypes, criticalType) {
				return fmt.Errorf("configuration excludes critical event type %s, causing data loss", criticalType)
			}
		}
	}
	if config.MaxConcurrentOverflows < 5 {
		return fmt.Errorf("MaxConcurrentOverflows too low for overflow protection: %d (minimum recommended: 5)", config.MaxConcurrentOverflows)
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateMaxConcurrentOverflows(value int) error {
	v.validationMetrics.PathValidations++
	if value < 1 {
		return fmt.Errorf("MaxConcurrentOverflows must be at least 1 to ensure basic functionality")
	}
	if value > 100 {
		return fmt.Errorf("MaxConcurrentOverflows must not exceed 100 to prevent resource exhaustion")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateQueueSize(value int) error {
	v.validationMetrics.PathValidations++
	if value < 100 {
		return fmt.Errorf("QueueSize must be at least 100 to ensure basic functionality")
	}
	if value > 1000000 {
		return fmt.Errorf("QueueSize must not exceed 1,000,000 to prevent memory exhaustion")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateBatchSize(value int) error {
	v.validationMetrics.PathValidations++
	if value < 1 {
		return fmt.Errorf("BatchSize must be at least 1")
	}
	if value > 10000 {
		return fmt.Errorf("BatchSize must not exceed 10,000 to prevent database transaction timeouts and memory pressure")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateMaxRetries(value int) error {
	v.validationMetrics.PathValidations++
	if value < 0 {
		return fmt.Errorf("MaxRetries must be non-negative")
	}
	if value > 10 {
		return fmt.Errorf("MaxRetries must not exceed 10 to prevent excessive retry delays and resource consumption")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateBaseRetryDelay(value time.Duration) error {
	v.validationMetrics.PathValidations++
	if value < 10*time.Millisecond {
		return fmt.Errorf("BaseRetryDelay must be at least 10ms to ensure minimum backoff")
	}
	if value > 5*time.Second {
		return fmt.Errorf("BaseRetryDelay must not exceed 5 seconds to prevent excessive retry delays")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateFlushInterval(value time.Duration) error {
	v.validationMetrics.PathValidations++
	if value < time.Second {
		return fmt.Errorf("FlushInterval must be at least 1 second to prevent excessive database writes")
	}
	if value > time.Hour {
		return fmt.Errorf("FlushInterval must not exceed 1 hour to ensure timely audit log persistence")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateAuditFailureLogPath(value string) error {
	v.validationMetrics.PathValidations++
	if value == "" {
		return nil
	}
	if len(value) > 255 {
		return fmt.Errorf("AuditFailureLogPath must not exceed 255 characters")
	}
	if strings.ContainsAny(value, `\:*?"<>|`) {
		return fmt.Errorf("AuditFailureLogPath contains invalid characters that could cause filesystem issues")
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("AuditFailureLogPath contains path traversal sequences that could compromise system security")
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateMinSeverity(value AuditSeverity) error {
	v.validationMetrics.SeverityValidations++
	if getSeverityLevel(value) > getSeverityLevel(AuditSeverityCritical) {
		return fmt.Errorf("MinSeverity cannot exclude critical events: %s would filter out critical severity events", value)
	}
	return nil
}

func (v *ComprehensiveAuditValidator) validateAllowedEventTypes(value []AuditEventType) error {
	v.validationMetrics.EventTypeValidations++
	if value == nil {
		return nil
	}
	for _, criticalType := range getCriticalEventTypes() {
		if !containsEventType(value, criticalType) {
			return fmt.Errorf("AllowedEventTypes cannot exclude critical event types: %s is missing", criticalType)
		}
	}
	return nil
}

// ValidateAuditEventBeforeLogging is the lightweight check retryDBOperation
// runs before handing a permanently-failed event to the dead letter queue,
// so a malformed event doesn't get retried forever.
func (v *ComprehensiveAuditValidator) ValidateAuditEventBeforeLogging(event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("cannot log nil audit event")
	}
	if event.EventType == "" {
		return fmt.Errorf("cannot log audit event with empty event type")
	}
	if event.Severity == AuditSeverityCritical {
		return nil
	}
	return nil
}

func (v *ComprehensiveAuditValidator) logValidationFailure(validationType string, event *AuditEvent, err error) {
	v.validationMetrics.ValidationFailures++
	metrics.AuditValidationFailuresTotal.WithLabelValues(validationType).Inc()

	details := map[string]interface{}{
		"validation_type": validationType,
		"error":           err.Error(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if event != nil {
		details["event_id"] = event.ID
		details["event_type"] = event.EventType
		details["peer_id"] = event.PeerID
	}

	detailsJSON, marshalErr := json.Marshal(details)
	if marshalErr != nil {
		v.errorLogger.Printf("Warning: failed to marshal validation failure details: %v", marshalErr)
		detailsJSON = []byte("{}")
	}
	v.errorLogger.Printf("[AUDIT_VALIDATION_FAILURE] %s: %s", validationType, detailsJSON)

	if v.auditLogger != nil && v.auditLogger.failureLogger != nil {
		v.auditLogger.failureLogger.Printf("[AUDIT_VALIDATION_FAILURE] %s: %s", validationType, detailsJSON)
	}
}

func (v *ComprehensiveAuditValidator) logCriticalEventBypass(event *AuditEvent) {
	log.Printf("[AUDIT_CRITICAL_BYPASS] critical event bypassed validation: id=%s type=%s peer=%s",
		event.ID, event.EventType, event.PeerID)
}

// GetValidationMetrics returns current validation metrics.
func (v *ComprehensiveAuditValidator) GetValidationMetrics() *ComprehensiveValidationMetrics {
	return v.validationMetrics
}

// ResetValidationMetrics resets validation metrics.
func (v *ComprehensiveAuditValidator) ResetValidationMetrics() {
	v.validationMetrics = &ComprehensiveValidationMetrics{}
}
