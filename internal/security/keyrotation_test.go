package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/peerlink/internal/config"
)

func TestGenerateSecureJWTSecret(t *testing.T) {
	secret, err := GenerateSecureJWTSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 128) // 64 random bytes, hex encoded
	require.NoError(t, config.ValidateJWTSecret(secret))

	other, err := GenerateSecureJWTSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

// A forced rotation installs a fresh secret and keeps the old one in
// the dual-key window, so bootstrap tokens minted just before the flip
// still validate.
func TestForceImmediateRotationOpensDualKeyWindow(t *testing.T) {
	initial, err := GenerateSecureJWTSecret()
	require.NoError(t, err)
	config.InitializeKeyManager(initial)

	connections := 3
	krs := NewKeyRotationScheduler("relay-test-1", nil, func() int { return connections })

	require.NoError(t, krs.ForceImmediateRotation())

	current, previous, hasPrevious := config.GetAllActiveSecrets()
	assert.NotEqual(t, initial, current)
	require.True(t, hasPrevious)
	assert.Equal(t, initial, previous)
}
