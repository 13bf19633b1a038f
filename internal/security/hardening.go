package security

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// ============================================
// SECURE MEMORY HANDLING
// Keys should never linger in memory
// ============================================

// SecureZero overwrites a byte slice with zeros. Used to wipe
// ephemeral key material once a session no longer needs it.
func SecureZero(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	_ = b[len(b)-1]
}

// ============================================
// SECURE RANDOM
// Never use math/rand for security
// ============================================

// SecureRandomBytes generates cryptographically secure random bytes.
// Session challenges (32 bytes) and AES-GCM IVs come from here.
func SecureRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SecureRandomHex generates a hex-encoded random string
func SecureRandomHex(n int) (string, error) {
	b, err := SecureRandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ============================================
// REPLAY ATTACK PREVENTION
// ============================================

// NonceStore stores used nonces to prevent replay. Used to reject a
// bootstrap token presented twice for a new WebSocket connection
// within the same TTL window.
type NonceStore struct {
	mu     sync.RWMutex
	nonces map[string]time.Time
	ttl    time.Duration
}

// NewNonceStore creates a new nonce store
func NewNonceStore(ttl time.Duration) *NonceStore {
	ns := &NonceStore{
		nonces: make(map[string]time.Time),
		ttl:    ttl,
	}
	go ns.cleanup()
	return ns
}

// Use attempts to use a nonce, returns false if already used
func (ns *NonceStore) Use(nonce string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.nonces[nonce]; exists {
		return false
	}

	ns.nonces[nonce] = time.Now()
	return true
}

// cleanup removes expired nonces
func (ns *NonceStore) cleanup() {
	ticker := time.NewTicker(ns.ttl / 2)
	for range ticker.C {
		ns.mu.Lock()
		cutoff := time.Now().Add(-ns.ttl)
		for nonce, t := range ns.nonces {
			if t.Before(cutoff) {
				delete(ns.nonces, nonce)
			}
		}
		ns.mu.Unlock()
	}
}
