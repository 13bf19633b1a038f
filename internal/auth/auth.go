// Package auth issues and validates the short-lived JWT bootstrap
// tokens a peer presents when opening a WebSocket connection. Identity
// itself — who a peer_id actually belongs to — is established by the
// surrounding system; this package only proves "holder of this token
// may act as peer_id" for the duration the token is valid.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/jaydenbeard/peerlink/internal/metrics"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrJWTSecretEmpty     = errors.New("JWT secret is empty or invalid")
	ErrJWTSecretWeak      = errors.New("JWT secret is too weak for security requirements")
	ErrTokenBlacklisted   = errors.New("token has been blacklisted due to security concerns")
	ErrBlacklistOperation = errors.New("failed to update token blacklist")
)

// AuthService issues peer bootstrap tokens and validates them on
// connect, with dual-key JWT secret rotation and Redis-backed token
// blacklisting.
type AuthService struct {
	jwtSecret         []byte
	previousJWTSecret []byte
	secretLock        sync.RWMutex

	redisClient    *redis.Client
	blacklistLock  sync.RWMutex
	rotationLogger *log.Logger
	securityLogger *log.Logger
}

// Claims are the JWT claims carried by a bootstrap token: enough to
// identify the peer and the connecting device, nothing more.
type Claims struct {
	PeerID   string `json:"peer_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// NewAuthService creates an auth service with a validated JWT secret.
// db may be nil in tests that never exercise session revocation.
func NewAuthService(db *sql.DB, jwtSecret string) (*AuthService, error) {
	if jwtSecret == "" {
		return nil, ErrJWTSecretEmpty
	}
	if len(jwtSecret) < 32 {
		return nil, ErrJWTSecretWeak
	}
	if !validateJWTSecretStrength(jwtSecret) {
		return nil, ErrJWTSecretWeak
	}

	nodeEnv := os.Getenv("NODE_ENV")

	redisAddr := os.Getenv("REDIS_URL")
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		if nodeEnv == "production" {
			return nil, fmt.Errorf("failed to connect to Redis in production: %w", err)
		}
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		log.Printf("Token blacklisting will be unavailable until Redis is reachable")
	}

	currentSecret, previousSecret, hasPrevious := config.GetAllActiveSecrets()
	if !hasPrevious {
		previousSecret = ""
	}

	return &AuthService{
		jwtSecret:         []byte(currentSecret),
		previousJWTSecret: []byte(previousSecret),
		redisClient:       redisClient,
		rotationLogger:    log.New(os.Stdout, "[AUTH-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
		securityLogger:    log.New(os.Stdout, "[AUTH-SECURITY] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// validateJWTSecretStrength requires at least 3.5 bits of Shannon
// entropy per character.
func validateJWTSecretStrength(secret string) bool {
	entropy := 0.0
	charCount := make(map[rune]int)
	for _, char := range secret {
		charCount[char]++
	}
	for _, count := range charCount {
		probability := float64(count) / float64(len(secret))
		entropy -= probability * math.Log2(probability)
	}
	return entropy >= 3.5
}

func (a *AuthService) GetJWTSecret() []byte {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return a.jwtSecret
}

func (a *AuthService) GetPreviousJWTSecret() []byte {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return a.previousJWTSecret
}

func (a *AuthService) GetAllJWTSecrets() (current, previous []byte) {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return a.jwtSecret, a.previousJWTSecret
}

// RotateJWTSecret rotates the signing secret with a dual-key
// transition window: tokens signed under the previous secret still
// validate until they expire naturally.
func (a *AuthService) RotateJWTSecret(newSecret string) error {
	if newSecret == "" {
		return ErrJWTSecretEmpty
	}
	if len(newSecret) < 32 {
		return ErrJWTSecretWeak
	}
	if !validateJWTSecretStrength(newSecret) {
		return ErrJWTSecretWeak
	}

	a.secretLock.Lock()
	defer a.secretLock.Unlock()

	a.rotationLogger.Printf("Starting JWT secret rotation in AuthService")
	a.previousJWTSecret = a.jwtSecret
	a.jwtSecret = []byte(newSecret)

	if err := config.RotateSecret(newSecret); err != nil {
		a.rotationLogger.Printf("Warning: Failed to update global key manager: %v", err)
	}

	a.rotationLogger.Printf("JWT secret rotation completed - dual-key validation enabled")
	return nil
}

// IssuePeerToken mints a bootstrap token proving possession of peerID
// for deviceID, valid for one hour — long enough to open a WebSocket
// connection and complete a handshake, short enough to bound the
// blast radius of a leaked token.
func (a *AuthService) IssuePeerToken(peerID, deviceID string) (token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().Add(1 * time.Hour)
	claims := &Claims{
		PeerID:   peerID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   peerID,
		},
	}

	tokenObj := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = tokenObj.SignedString(a.GetJWTSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateToken validates a JWT, trying the current secret and then
// (during a rotation window) the previous one.
func (a *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := a.validateTokenWithSecret(tokenString, a.GetJWTSecret())
	if err == nil {
		return claims, nil
	}

	if a.hasPreviousSecret() {
		fingerprint := hashTokenForBlacklist(tokenString)[:8]
		a.rotationLogger.Printf("Attempting validation with previous JWT secret for token fingerprint: %s...", fingerprint)
		claims, err = a.validateTokenWithSecret(tokenString, a.GetPreviousJWTSecret())
		if err == nil {
			a.rotationLogger.Printf("Token validated successfully with previous secret - transition period active")
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	return nil, ErrInvalidToken
}

func (a *AuthService) validateTokenWithSecret(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (a *AuthService) hasPreviousSecret() bool {
	a.secretLock.RLock()
	defer a.secretLock.RUnlock()
	return len(a.previousJWTSecret) > 0
}

// BlacklistToken adds a token to the Redis blacklist, e.g. after a
// RESET the orchestrator judges security-relevant.
func (a *AuthService) BlacklistToken(tokenString, reason string) error {
	a.blacklistLock.Lock()
	defer a.blacklistLock.Unlock()

	tokenHash := hashTokenForBlacklist(tokenString)
	ctx := context.Background()
	if err := a.redisClient.Set(ctx, fmt.Sprintf("blacklist:%s", tokenHash), reason, 7*24*time.Hour).Err(); err != nil {
		a.securityLogger.Printf("Failed to blacklist token %s: %v", tokenHash[:8], err)
		return fmt.Errorf("%w: %v", ErrBlacklistOperation, err)
	}
	a.securityLogger.Printf("Token blacklisted: %s (reason: %s)", tokenHash[:8], reason)
	metrics.RecordTokenBlacklistEvent("add", reason)
	if count, err := a.GetBlacklistedTokenCount(); err == nil {
		metrics.UpdateTokenBlacklistCount(int(count))
	}
	return nil
}

// IsTokenBlacklisted checks whether a token has been revoked.
func (a *AuthService) IsTokenBlacklisted(tokenString string) (bool, string, error) {
	a.blacklistLock.RLock()
	defer a.blacklistLock.RUnlock()

	tokenHash := hashTokenForBlacklist(tokenString)
	ctx := context.Background()
	reason, err := a.redisClient.Get(ctx, fmt.Sprintf("blacklist:%s", tokenHash)).Result()
	if err == redis.Nil {
		return false, "", nil
	} else if err != nil {
		a.securityLogger.Printf("Error checking token blacklist: %v", err)
		return false, "", fmt.Errorf("failed to check token blacklist: %w", err)
	}
	a.securityLogger.Printf("Blacklisted token detected: %s (reason: %s)", tokenHash[:8], reason)
	return true, reason, nil
}

// CheckTokenSecurity rejects a blacklisted token before it reaches a
// handshake.
func (a *AuthService) CheckTokenSecurity(tokenString string) error {
	isBlacklisted, reason, err := a.IsTokenBlacklisted(tokenString)
	if err != nil {
		a.securityLogger.Printf("Token security check failed: %v", err)
		return fmt.Errorf("token security check failed: %w", err)
	}
	if isBlacklisted {
		a.securityLogger.Printf("Security violation: Blacklisted token used (reason: %s)", reason)
		return ErrTokenBlacklisted
	}
	return nil
}

// GetBlacklistedTokenCount reports the current blacklist size.
func (a *AuthService) GetBlacklistedTokenCount() (int64, error) {
	ctx := context.Background()
	keys, err := a.redisClient.Keys(ctx, "blacklist:*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count blacklisted tokens: %w", err)
	}
	return int64(len(keys)), nil
}

func hashTokenForBlacklist(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// generateNonce is kept for callers that need a random hex identifier
// alongside a bootstrap token (e.g. a connection nonce); it does not
// touch JWT signing.
func generateNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
