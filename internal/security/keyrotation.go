package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaydenbeard/peerlink/internal/config"
)

// KeyRotationScheduler rotates the relay's JWT bootstrap secret on the
// cadence config's key manager tracks. Rotation is the one operator
// action that touches live handshakes: a peer that fetched a bootstrap
// token moments before the flip still has to complete its WebSocket
// upgrade, which is exactly what config.RotateSecret's dual-key window
// exists for. Every rotation therefore lands in the handshake audit
// trail, recording how many peer connections were open when the window
// opened, so a spike of auth failures after a rotation can be traced
// back to it.
type KeyRotationScheduler struct {
	serverID string

	ctx        context.Context
	cancelFunc context.CancelFunc
	mu         sync.Mutex

	audit          *AuditLogger
	connectedPeers func() int

	logger *log.Logger
}

// NewKeyRotationScheduler builds a scheduler for this relay instance.
// audit may be nil (rotations then only hit the process log);
// connectedPeers may be nil when no relay hub exists, e.g. in tests.
func NewKeyRotationScheduler(serverID string, audit *AuditLogger, connectedPeers func() int) *KeyRotationScheduler {
	return &KeyRotationScheduler{
		serverID:       serverID,
		audit:          audit,
		connectedPeers: connectedPeers,
		logger:         log.New(os.Stdout, "[KEY-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// SetRotationInterval sets how long a bootstrap secret stays current.
func (krs *KeyRotationScheduler) SetRotationInterval(interval time.Duration) {
	config.SetRotationInterval(interval)
	krs.logger.Printf("Rotation interval set to: %v", interval)
}

// Start runs the rotation loop until Stop. The check cadence is a
// quarter of the rotation interval, floored at an hour, so a missed
// tick never stretches a secret's lifetime by more than 25%.
func (krs *KeyRotationScheduler) Start() {
	krs.mu.Lock()
	defer krs.mu.Unlock()

	if krs.cancelFunc != nil {
		return
	}
	krs.ctx, krs.cancelFunc = context.WithCancel(context.Background())
	krs.logger.Println("Starting key rotation scheduler")
	go krs.run(krs.ctx)
}

// Stop halts the rotation loop. The current and previous secrets stay
// valid; stopping only freezes the cadence.
func (krs *KeyRotationScheduler) Stop() {
	krs.mu.Lock()
	defer krs.mu.Unlock()

	if krs.cancelFunc != nil {
		krs.cancelFunc()
		krs.cancelFunc = nil
		krs.logger.Println("Key rotation scheduler stopped")
	}
}

func (krs *KeyRotationScheduler) run(ctx context.Context) {
	krs.checkAndRotateIfNeeded()

	_, rotationInterval := config.GetRotationInfo()
	checkInterval := rotationInterval / 4
	if checkInterval < 1*time.Hour {
		checkInterval = 1 * time.Hour
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	krs.logger.Printf("Key rotation scheduler running with check interval: %v", checkInterval)

	for {
		select {
		case <-ticker.C:
			krs.checkAndRotateIfNeeded()
		case <-ctx.Done():
			return
		}
	}
}

func (krs *KeyRotationScheduler) checkAndRotateIfNeeded() {
	if !config.ShouldRotate() {
		lastRotation, interval := config.GetRotationInfo()
		timeSinceLast := time.Since(lastRotation)
		krs.logger.Printf("Rotation check: %v since last rotation, next rotation in %v",
			timeSinceLast, interval-timeSinceLast)
		return
	}

	krs.logger.Println("Automatic rotation condition met - initiating key rotation")
	if err := krs.rotate("scheduled"); err != nil {
		krs.logger.Printf("ERROR: automatic key rotation failed: %v", err)
	}
}

// ForceImmediateRotation rotates now, e.g. after a suspected secret
// leak, without waiting for the interval to elapse.
func (krs *KeyRotationScheduler) ForceImmediateRotation() error {
	krs.logger.Println("Forcing immediate key rotation")
	return krs.rotate("forced")
}

// rotate generates a fresh secret, installs it through the dual-key
// window, and writes the audit record.
func (krs *KeyRotationScheduler) rotate(trigger string) error {
	newSecret, err := generateSecureJWTSecret()
	if err != nil {
		return err
	}
	if err := config.RotateSecret(newSecret); err != nil {
		return err
	}

	liveConnections := 0
	if krs.connectedPeers != nil {
		liveConnections = krs.connectedPeers()
	}
	krs.logger.Printf("Key rotation completed (%s), %d peer connections in the transition window", trigger, liveConnections)

	if krs.audit != nil {
		krs.audit.Log(&AuditEvent{
			PeerID:      krs.serverID,
			EventType:   AuditEventSecretRotated,
			Result:      AuditResultSuccess,
			Description: "bootstrap secret rotated, dual-key transition window open",
			EventData: map[string]any{
				"trigger":          trigger,
				"live_connections": liveConnections,
				"server_id":        krs.serverID,
			},
		})
	}
	return nil
}

// generateSecureJWTSecret generates a cryptographically secure JWT secret
func generateSecureJWTSecret() (string, error) {
	// Generate 64 random bytes (512 bits) for high security
	randomBytes := make([]byte, 64)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}

	secret := hex.EncodeToString(randomBytes)

	if err := config.ValidateJWTSecret(secret); err != nil {
		return "", err
	}

	return secret, nil
}

// GenerateSecureJWTSecret exports the secure secret generation for external use
func GenerateSecureJWTSecret() (string, error) {
	return generateSecureJWTSecret()
}
