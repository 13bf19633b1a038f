package auth_test

import (
	"testing"

	"github.com/jaydenbeard/peerlink/internal/auth"
	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTSecretSecurity(t *testing.T) {
	t.Run("Test JWT Secret Validation", func(t *testing.T) {
		_, err := auth.NewAuthService(nil, "")
		assert.Error(t, err)
		assert.Equal(t, auth.ErrJWTSecretEmpty, err)

		_, err = auth.NewAuthService(nil, "short")
		assert.Error(t, err)
		assert.Equal(t, auth.ErrJWTSecretWeak, err)

		validSecret := "this_is_a_valid_jwt_secret_with_sufficient_length_and_entropy_1234567890"
		authService, err := auth.NewAuthService(nil, validSecret)
		assert.NoError(t, err)
		assert.NotNil(t, authService)
	})

	t.Run("Test JWT Secret Rotation", func(t *testing.T) {
		validSecret := "original_jwt_secret_with_sufficient_length_and_entropy_1234567890"
		authService, err := auth.NewAuthService(nil, validSecret)
		require.NoError(t, err)
		require.NotNil(t, authService)

		newSecret := "new_jwt_secret_with_sufficient_length_and_entropy_0987654321"
		err = authService.RotateJWTSecret(newSecret)
		assert.NoError(t, err)

		err = authService.RotateJWTSecret("short")
		assert.Error(t, err)
		assert.Equal(t, auth.ErrJWTSecretWeak, err)
	})

	t.Run("Test Config JWT Secret Management", func(t *testing.T) {
		err := config.ValidateJWTSecret("")
		assert.Error(t, err)

		err = config.ValidateJWTSecret("short")
		assert.Error(t, err)

		validSecret := "valid_jwt_secret_with_sufficient_length_and_entropy_1234567890"
		err = config.ValidateJWTSecret(validSecret)
		assert.NoError(t, err)
	})

	t.Run("Test Thread Safe JWT Access", func(t *testing.T) {
		validSecret := "thread_safe_jwt_secret_with_sufficient_length_and_entropy_1234567890"
		authService, err := auth.NewAuthService(nil, validSecret)
		require.NoError(t, err)
		require.NotNil(t, authService)

		done := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			go func() {
				secret := authService.GetJWTSecret()
				assert.NotEmpty(t, secret)
				done <- true
			}()
		}

		for i := 0; i < 10; i++ {
			<-done
		}
	})

	t.Run("Test Peer Token Issue and Validate", func(t *testing.T) {
		validSecret := "jwt_token_test_secret_with_sufficient_length_and_entropy_1234567890"
		authService, err := auth.NewAuthService(nil, validSecret)
		require.NoError(t, err)
		require.NotNil(t, authService)

		peerID := "peer-7f3a9c2e"
		deviceID := "device-b1"

		token, expiresAt, err := authService.IssuePeerToken(peerID, deviceID)
		assert.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.NotZero(t, expiresAt)

		claims, err := authService.ValidateToken(token)
		assert.NoError(t, err)
		assert.NotNil(t, claims)
		assert.Equal(t, peerID, claims.PeerID)
		assert.Equal(t, deviceID, claims.DeviceID)
	})
}
