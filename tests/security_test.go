package tests

import (
	"strings"
	"testing"
	"time"

	"github.com/jaydenbeard/peerlink/internal/auth"
	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/jaydenbeard/peerlink/internal/security"
)

// ============================================
// SECURITY TEST SUITE
// These tests verify security controls work
// ============================================

// TestJWTSecretValidation ensures weak bootstrap-token secrets are rejected
func TestJWTSecretValidation(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"valid_random_secret", "fA9slk3Jqz8LmWx2vP0eRtYbNc5DgH7u", false},
		{"empty_secret", "", true},
		{"too_short", "short", true},
		{"long_but_low_diversity", strings.Repeat("ab", 32), true},
		{"hex_secret", "a1b2c3d4e5f6071829304a5b6c7d8e9f0011223344556677", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := config.ValidateJWTSecret(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJWTSecret(%q) error = %v, wantErr %v", tt.secret, err, tt.wantErr)
			}
		})
	}
}

// TestTamperedTokenRejected ensures a modified bootstrap token fails validation
func TestTamperedTokenRejected(t *testing.T) {
	secret := "fA9slk3Jqz8LmWx2vP0eRtYbNc5DgH7u"
	config.InitializeKeyManager(secret)

	svc, err := auth.NewAuthService(nil, secret)
	if err != nil {
		t.Fatalf("failed to build auth service: %v", err)
	}

	token, _, err := svc.IssuePeerToken("peer-alice", "device-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("freshly issued token failed validation: %v", err)
	}
	if claims.PeerID != "peer-alice" || claims.DeviceID != "device-1" {
		t.Errorf("claims mismatch: got peer=%s device=%s", claims.PeerID, claims.DeviceID)
	}

	// Flip the end of the signature
	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.ValidateToken(tampered); err == nil {
		t.Error("tampered token passed validation")
	}

	// A token signed under a different secret must not validate
	otherSecret := "zZ8kQw2NvB6mXc4LpO1aRtUy9sEdGh3f"
	other, err := auth.NewAuthService(nil, otherSecret)
	if err != nil {
		t.Fatalf("failed to build second auth service: %v", err)
	}
	foreign, _, err := other.IssuePeerToken("peer-mallory", "device-9")
	if err != nil {
		t.Fatalf("failed to issue foreign token: %v", err)
	}
	if _, err := svc.ValidateToken(foreign); err == nil {
		t.Error("token signed under a foreign secret passed validation")
	}
}

// TestNonceStoreRejectsReplay ensures a bootstrap token cannot open two connections
func TestNonceStoreRejectsReplay(t *testing.T) {
	store := security.NewNonceStore(1 * time.Hour)

	if !store.Use("token-1") {
		t.Error("first use of a nonce should succeed")
	}
	if store.Use("token-1") {
		t.Error("second use of the same nonce should be rejected")
	}
	if !store.Use("token-2") {
		t.Error("a distinct nonce should still succeed")
	}
}

// TestSecureZeroWipes ensures key material is actually overwritten
func TestSecureZeroWipes(t *testing.T) {
	key, err := security.SecureRandomBytes(32)
	if err != nil {
		t.Fatalf("failed to generate random bytes: %v", err)
	}

	security.SecureZero(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after SecureZero", i)
		}
	}

	// Zero-length input must not panic
	security.SecureZero(nil)
}

// TestSecureRandomUniqueness ensures challenges and IVs don't repeat
func TestSecureRandomUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 256; i++ {
		hexStr, err := security.SecureRandomHex(16)
		if err != nil {
			t.Fatalf("failed to generate random hex: %v", err)
		}
		if len(hexStr) != 32 {
			t.Fatalf("expected 32 hex chars, got %d", len(hexStr))
		}
		if seen[hexStr] {
			t.Fatalf("duplicate random value generated: %s", hexStr)
		}
		seen[hexStr] = true
	}
}

// TestConstantTimeEqual verifies the challenge comparison routine
func TestConstantTimeEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte("0123456789abcdef0123456789abcdef"), []byte("0123456789abcdef0123456789abcdef"), true},
		{"one_byte_differs", []byte("0123456789abcdef0123456789abcdef"), []byte("0123456789abcdef0123456789abcdeX"), false},
		{"different_lengths", []byte("short"), []byte("longer value"), false},
		{"both_empty", []byte{}, []byte{}, true},
		{"nil_vs_empty", nil, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := security.ConstantTimeEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
