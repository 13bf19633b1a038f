package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Errors returned by CryptoCapability implementations. Handlers in
// internal/chatsession map these onto RESET actions; they are never
// surfaced to a peer verbatim.
var (
	ErrNoKeyPair         = errors.New("handshake crypto: no ephemeral key pair generated")
	ErrPeerKeyAlreadySet = errors.New("handshake crypto: peer public key already imported")
	ErrNoPeerKey         = errors.New("handshake crypto: peer public key not imported")
	ErrKeyAlreadyDerived = errors.New("handshake crypto: session key already derived")
	ErrNoSharedSecret    = errors.New("handshake crypto: shared secret not derived")
	ErrNoSessionKey      = errors.New("handshake crypto: session key not derived")
	ErrKeysWiped         = errors.New("handshake crypto: keys wiped, generate a new key pair before use")
	ErrBadPublicKey      = errors.New("handshake crypto: malformed or non-P256 public key")
)

// CryptoCapability is the pluggable crypto collaborator a chat session
// drives through its handshake. One instance is owned exclusively by a
// single session; it is never shared across peers.
//
// Every operation here is a candidate suspension point: a real
// implementation may delegate to hardware-backed keystores or an
// out-of-process signer. Callers that need the buffered-challenge
// reconciliation behavior (see internal/chatsession) must run
// DeriveSharedSecret/DeriveSessionKey off the goroutine that owns the
// session and synchronize completion back through a channel.
type CryptoCapability interface {
	GenerateKeyPair() error
	ExportOwnPublicKey() (string, error)
	ImportPeerPublicKey(base64SPKI string) error
	DeriveSharedSecret() error
	DeriveSessionKey() error
	HasSessionKey() bool
	Encrypt(plaintext []byte) (ivB64, ciphertextB64 string, err error)
	Decrypt(ivB64, ciphertextB64 string) ([]byte, error)
	WipeKeys()
}

// hkdfInfo is the fixed HKDF info parameter both peers must agree on
// out-of-band; exact KDF parameters are a parameter of CryptoCapability,
// documented here rather than pinned in the wire protocol.
var hkdfInfo = []byte("peerlink/chat-session-key/v1")

// ECDHCryptoCapability implements CryptoCapability using ephemeral
// P-256 ECDH, HKDF-SHA256 key derivation, and AES-256-GCM, matching
// the primitive choices the messaging server's SignalProtocol used for
// its own double-ratchet (crypto.EncryptAESGCM/DecryptAESGCM are the
// same pair, reused verbatim below) adapted to a single-derivation,
// non-ratcheting handshake.
type ECDHCryptoCapability struct {
	mu sync.Mutex

	priv    *ecdsa.PrivateKey
	peerPub *ecdsa.PublicKey

	sharedSecret []byte
	sessionKey   []byte

	wiped  bool
	logger *log.Logger
}

// NewECDHCryptoCapability returns a fresh capability with no key
// material; GenerateKeyPair must be called before any other operation.
func NewECDHCryptoCapability() *ECDHCryptoCapability {
	return &ECDHCryptoCapability{
		logger: log.New(os.Stdout, "[HANDSHAKE-CRYPTO] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// GenerateKeyPair creates a fresh ephemeral P-256 key pair, clearing
// any previously wiped state so the capability can be reused for a
// brand-new session attempt.
func (c *ECDHCryptoCapability) GenerateKeyPair() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ephemeral key pair: %w", err)
	}

	c.priv = priv
	c.peerPub = nil
	c.sharedSecret = nil
	c.sessionKey = nil
	c.wiped = false
	return nil
}

// ExportOwnPublicKey returns the ephemeral public key as base64-encoded
// DER SubjectPublicKeyInfo, the wire encoding the handshake requires.
func (c *ECDHCryptoCapability) ExportOwnPublicKey() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return "", ErrKeysWiped
	}
	if c.priv == nil {
		return "", ErrNoKeyPair
	}

	der, err := x509.MarshalPKIXPublicKey(&c.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPeerPublicKey decodes and validates a peer's base64 SPKI P-256
// public key. It is a pure, non-suspending operation in this
// implementation; session.go still models it as synchronous (only the
// ECDH+HKDF pair suspends).
func (c *ECDHCryptoCapability) ImportPeerPublicKey(base64SPKI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return ErrKeysWiped
	}
	if c.peerPub != nil {
		return ErrPeerKeyAlreadySet
	}

	der, err := base64.StdEncoding.DecodeString(base64SPKI)
	if err != nil {
		return fmt.Errorf("%w: invalid base64: %v", ErrBadPublicKey, err)
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("%w: invalid SPKI DER: %v", ErrBadPublicKey, err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an EC public key", ErrBadPublicKey)
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return fmt.Errorf("%w: curve is not P-256", ErrBadPublicKey)
	}
	// ParsePKIXPublicKey already rejects points off-curve; ECDH() below
	// re-validates before any scalar multiplication happens.
	if _, err := ecdsaPub.ECDH(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}

	c.peerPub = ecdsaPub
	return nil
}

// DeriveSharedSecret runs the ECDH scalar multiplication. Callers that
// need to model this as a suspending step should invoke it from a
// dedicated goroutine and use its return only to decide whether to
// continue to DeriveSessionKey.
func (c *ECDHCryptoCapability) DeriveSharedSecret() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return ErrKeysWiped
	}
	if c.priv == nil {
		return ErrNoKeyPair
	}
	if c.peerPub == nil {
		return ErrNoPeerKey
	}

	ownECDH, err := c.priv.ECDH()
	if err != nil {
		return fmt.Errorf("own key not ECDH-capable: %w", err)
	}
	peerECDH, err := c.peerPub.ECDH()
	if err != nil {
		return fmt.Errorf("peer key not ECDH-capable: %w", err)
	}

	secret, err := ownECDH.ECDH(peerECDH)
	if err != nil {
		return fmt.Errorf("ECDH key agreement failed: %w", err)
	}

	c.sharedSecret = secret
	return nil
}

// DeriveSessionKey runs HKDF-SHA256 over the shared secret to produce
// a 256-bit AES-GCM key. Idempotent-by-rejection: a second call fails
// rather than silently re-deriving.
func (c *ECDHCryptoCapability) DeriveSessionKey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return ErrKeysWiped
	}
	if c.sessionKey != nil {
		return ErrKeyAlreadyDerived
	}
	if c.sharedSecret == nil {
		return ErrNoSharedSecret
	}

	reader := hkdf.New(sha256.New, c.sharedSecret, nil, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	c.sessionKey = key
	c.logger.Printf("session key derived")
	return nil
}

// HasSessionKey reports whether DeriveSessionKey has completed. The
// session FSM polls this (while holding no lock of its own — this
// method takes the capability's lock) to distinguish "key ready" from
// "derivation still in flight" when a Type 5 challenge arrives.
func (c *ECDHCryptoCapability) HasSessionKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != nil
}

// Encrypt seals plaintext with a fresh 96-bit nonce under the derived
// session key using AES-256-GCM.
func (c *ECDHCryptoCapability) Encrypt(plaintext []byte) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return "", "", ErrKeysWiped
	}
	if c.sessionKey == nil {
		return "", "", ErrNoSessionKey
	}

	block, err := aes.NewCipher(c.sessionKey)
	if err != nil {
		return "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", fmt.Errorf("generate IV: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(iv), base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a ciphertext produced by Encrypt (ours or the peer's,
// since both sides derive the same key).
func (c *ECDHCryptoCapability) Decrypt(ivB64, ciphertextB64 string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wiped {
		return nil, ErrKeysWiped
	}
	if c.sessionKey == nil {
		return nil, ErrNoSessionKey
	}

	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("invalid IV encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	block, err := aes.NewCipher(c.sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length: got %d want %d", len(iv), gcm.NonceSize())
	}

	return gcm.Open(nil, iv, ciphertext, nil)
}

// WipeKeys zeroizes the shared secret and derived session key in
// place and drops the key pair. The ECDSA private scalar is a
// math/big.Int and cannot be reliably zeroized in place; dropping the
// pointer is the best this implementation can do, and that limitation
// is documented here rather than silently assumed away. Idempotent.
func (c *ECDHCryptoCapability) WipeKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sharedSecret) > 0 {
		SecureZero(c.sharedSecret)
	}
	if len(c.sessionKey) > 0 {
		SecureZero(c.sessionKey)
	}

	c.priv = nil
	c.peerPub = nil
	c.sharedSecret = nil
	c.sessionKey = nil
	c.wiped = true
}

// ConstantTimeEqual reports whether a and b are byte-for-byte equal
// using a length check followed by a constant-time body comparison
// (crypto/subtle.ConstantTimeCompare). Used when verifying a Type 6
// challenge response.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
