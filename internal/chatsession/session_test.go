package chatsession

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/peerlink/internal/security"
)

// newHandshakePair builds two sessions, wired with real ECDH crypto
// capabilities, ready to drive a full initiator/responder handshake.
func newHandshakePair() (initiator *Session, responder *Session) {
	initiatorCrypto := security.NewECDHCryptoCapability()
	responderCrypto := security.NewECDHCryptoCapability()
	_ = initiatorCrypto.GenerateKeyPair()
	_ = responderCrypto.GenerateKeyPair()

	initiator = NewSession("responder-peer", StateInitiatingSession, initiatorCrypto)
	responder = NewSession("initiator-peer", StateRequestReceived, responderCrypto)
	return initiator, responder
}

func acceptPayload(t *testing.T, pubKey string) []byte {
	t.Helper()
	b, err := json.Marshal(Payload{PublicKey: pubKey})
	require.NoError(t, err)
	return b
}

func challengePayload(t *testing.T, ivField, encField string) []byte {
	t.Helper()
	b, err := json.Marshal(Payload{IV: ivField, EncryptedChallenge: encField})
	require.NoError(t, err)
	return b
}

func responsePayload(t *testing.T, ivField, encField string) []byte {
	t.Helper()
	b, err := json.Marshal(Payload{IV: ivField, EncryptedResponse: encField})
	require.NoError(t, err)
	return b
}

func awaitDerivation(t *testing.T, s *Session) Action {
	t.Helper()
	select {
	case a := <-s.DerivationDone():
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("derivation did not complete in time")
		return Action{}
	}
}

// S1 — initiator happy path.
func TestSessionInitiatorHappyPath(t *testing.T) {
	initiator, responder := newHandshakePair()

	// Responder accepts: issue its own keypair, put the session into
	// AWAITING_CHALLENGE, and hand initiator a Type 2 ACCEPT.
	responder.state = StateAwaitingChallenge
	responderPub, err := responder.crypto.ExportOwnPublicKey()
	require.NoError(t, err)

	act := initiator.Process(TypeAccept, acceptPayload(t, responderPub))
	assert.Equal(t, ActionNone, act.Kind)
	assert.Equal(t, StateDerivingKeyInitiator, initiator.State())

	derived := awaitDerivation(t, initiator)
	require.Equal(t, ActionSendType4, derived.Kind)
	assert.Equal(t, StateKeyDerivedInitiator, initiator.State())

	// Responder receives Type 4, derives its side.
	act = responder.Process(TypePublicKeyResponse, acceptPayload(t, derived.PublicKeyForPeer))
	assert.Equal(t, ActionNone, act.Kind)
	respDerived := awaitDerivation(t, responder)
	require.Equal(t, ActionSendType5, respDerived.Kind)
	assert.Len(t, respDerived.ChallengeData, 32)

	// Initiator receives Type 5 challenge.
	act = initiator.Process(TypeKeyConfChallenge, challengePayload(t, respDerived.IV, respDerived.Ciphertext))
	require.Equal(t, ActionSendType6, act.Kind)
	assert.Equal(t, respDerived.ChallengeData, act.ChallengeData)
	assert.Equal(t, StateReceivedChallenge, initiator.State())

	// Initiator's Type 6 goes on the wire; it now waits for Type 7.
	initiator.MarkChallengeResponseSent()
	assert.Equal(t, StateAwaitingFinalConfirmation, initiator.State())

	// Responder verifies Type 6.
	act = responder.Process(TypeKeyConfResponse, responsePayload(t, act.IV, act.Ciphertext))
	require.Equal(t, ActionSendType7, act.Kind)
	assert.Equal(t, StateHandshakeComplete, responder.State())

	// Responder's Type 7 goes on the wire, opening its data plane; the
	// initiator opens its own when the Type 7 arrives.
	act = responder.MarkSessionEstablishedSent()
	assert.Equal(t, ActionSessionActive, act.Kind)
	assert.Equal(t, StateActiveSession, responder.State())

	act = initiator.Process(TypeSessionEstablished, nil)
	assert.Equal(t, ActionSessionActive, act.Kind)
	assert.Equal(t, StateActiveSession, initiator.State())

	// Property: a successful handshake derives the same key on both
	// sides — a chat message encrypted by one decrypts on the other.
	iv, ciphertext, err := initiator.EncryptOutgoing("me", "hello across the wire")
	require.NoError(t, err)
	chat, err := json.Marshal(Payload{IV: iv, Data: ciphertext})
	require.NoError(t, err)
	act = responder.Process(TypeChatMessage, chat)
	require.Equal(t, ActionDisplayMessage, act.Kind)
	assert.Equal(t, "hello across the wire", act.Text)
	assert.Equal(t, KindPeer, act.Msg)
}

// S2 — a Type 5 challenge arriving while derivation is still in flight
// must be buffered, then reconciled once derivation completes. The
// derivation itself is driven directly here (rather than through the
// background goroutine Process normally starts) so the buffering
// window is deterministic instead of dependent on scheduler timing.
func TestSessionBufferedChallengeRace(t *testing.T) {
	initiatorCrypto := security.NewECDHCryptoCapability()
	responderCrypto := security.NewECDHCryptoCapability()
	require.NoError(t, initiatorCrypto.GenerateKeyPair())
	require.NoError(t, responderCrypto.GenerateKeyPair())

	initiatorPub, err := initiatorCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	responderPub, err := responderCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	require.NoError(t, initiatorCrypto.ImportPeerPublicKey(responderPub))
	require.NoError(t, responderCrypto.ImportPeerPublicKey(initiatorPub))

	// Responder derives and sends its challenge before the initiator's
	// own derivation has even started.
	require.NoError(t, responderCrypto.DeriveSharedSecret())
	require.NoError(t, responderCrypto.DeriveSessionKey())
	challenge, err := security.SecureRandomBytes(32)
	require.NoError(t, err)
	iv, ciphertext, err := responderCrypto.Encrypt(challenge)
	require.NoError(t, err)

	s := NewSession("peer-1", StateDerivingKeyInitiator, initiatorCrypto)
	s.derivationDone = make(chan Action, 1) // simulate derivation in flight

	act := s.Process(TypeKeyConfChallenge, challengePayload(t, iv, ciphertext))
	assert.Equal(t, ActionNone, act.Kind)
	assert.Equal(t, StateDerivingKeyInitiator, s.State())
	assert.Equal(t, challengeBuffered, s.challengeReceived.kind)

	// Now the initiator's own derivation actually runs and completes.
	s.mu.Lock()
	require.NoError(t, s.crypto.DeriveSharedSecret())
	require.NoError(t, s.crypto.DeriveSessionKey())
	s.derivationDone = nil
	derived := s.onInitiatorDerivationComplete()
	s.mu.Unlock()

	require.Equal(t, ActionSendType4, derived.Kind)
	assert.Equal(t, challengeDecrypted, s.challengeReceived.kind)
	assert.Equal(t, challenge, s.challengeReceived.plaintext)

	pending := s.CheckPendingChallenge()
	require.Equal(t, ActionSendType6, pending.Kind)
	assert.Equal(t, challenge, pending.ChallengeData)
	assert.Equal(t, StateReceivedChallenge, s.State())
}

// The derivation handle outranks the crypto capability's key flag: the
// capability has its own lock, so the key can already be installed
// while the derivation goroutine is still waiting for the session lock
// to clear the handle. A Type 5 landing in that window must buffer —
// deciding on the key flag alone would double-emit the challenge
// response once the completion callback runs.
func TestSessionChallengeBuffersWhileHandleOutstanding(t *testing.T) {
	initiatorCrypto := security.NewECDHCryptoCapability()
	responderCrypto := security.NewECDHCryptoCapability()
	require.NoError(t, initiatorCrypto.GenerateKeyPair())
	require.NoError(t, responderCrypto.GenerateKeyPair())

	initiatorPub, err := initiatorCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	responderPub, err := responderCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	require.NoError(t, initiatorCrypto.ImportPeerPublicKey(responderPub))
	require.NoError(t, responderCrypto.ImportPeerPublicKey(initiatorPub))

	require.NoError(t, responderCrypto.DeriveSharedSecret())
	require.NoError(t, responderCrypto.DeriveSessionKey())
	challenge, err := security.SecureRandomBytes(32)
	require.NoError(t, err)
	iv, ciphertext, err := responderCrypto.Encrypt(challenge)
	require.NoError(t, err)

	// Key installed, handle still outstanding: the exact window between
	// DeriveSessionKey returning and runDerivation reacquiring the lock.
	require.NoError(t, initiatorCrypto.DeriveSharedSecret())
	require.NoError(t, initiatorCrypto.DeriveSessionKey())
	s := NewSession("peer-1", StateDerivingKeyInitiator, initiatorCrypto)
	s.derivationDone = make(chan Action, 1)

	act := s.Process(TypeKeyConfChallenge, challengePayload(t, iv, ciphertext))
	assert.Equal(t, ActionNone, act.Kind)
	assert.Equal(t, StateDerivingKeyInitiator, s.State())
	assert.Equal(t, challengeBuffered, s.challengeReceived.kind)

	// Completion reconciles the buffered challenge exactly once.
	s.mu.Lock()
	s.derivationDone = nil
	derived := s.onInitiatorDerivationComplete()
	s.mu.Unlock()
	require.Equal(t, ActionSendType4, derived.Kind)
	assert.Equal(t, challengeDecrypted, s.challengeReceived.kind)
	assert.Equal(t, challenge, s.challengeReceived.plaintext)

	pending := s.CheckPendingChallenge()
	require.Equal(t, ActionSendType6, pending.Kind)
	assert.Equal(t, ActionNone, s.CheckPendingChallenge().Kind)
}

// A Type 5 challenge arriving before any derivation has started is a
// protocol violation, not a race, and resets the session.
func TestSessionChallengeBeforeDerivationResets(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)

	act := s.Process(TypeKeyConfChallenge, challengePayload(t, "aXY=", "Y2lwaGVydGV4dA=="))
	require.Equal(t, ActionReset, act.Kind)
	assert.Contains(t, act.Reason, "before key derivation initiated")
}

// S3 — oversized public key is rejected before any crypto import.
func TestSessionOversizedPublicKeyRejected(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)

	oversized := make([]byte, MaxPublicKeyLength+1)
	for i := range oversized {
		oversized[i] = 'A'
	}

	act := s.Process(TypeAccept, acceptPayload(t, string(oversized)))
	require.Equal(t, ActionReset, act.Kind)
	assert.Contains(t, act.Reason, "excessively large public key")
}

// spyCrypto records which operations a session attempted, to verify
// size-cap validation happens before any cryptographic work.
type spyCrypto struct {
	imports  int
	decrypts int
}

func (s *spyCrypto) GenerateKeyPair() error                 { return nil }
func (s *spyCrypto) ExportOwnPublicKey() (string, error)    { return "", nil }
func (s *spyCrypto) ImportPeerPublicKey(string) error       { s.imports++; return nil }
func (s *spyCrypto) DeriveSharedSecret() error              { return nil }
func (s *spyCrypto) DeriveSessionKey() error                { return nil }
func (s *spyCrypto) HasSessionKey() bool                    { return false }
func (s *spyCrypto) Encrypt([]byte) (string, string, error) { return "", "", nil }
func (s *spyCrypto) Decrypt(string, string) ([]byte, error) {
	s.decrypts++
	return nil, nil
}
func (s *spyCrypto) WipeKeys() {}

// Universal property 2: an over-cap field resets the session before
// any crypto operation runs.
func TestSessionSizeCapsEnforcedBeforeCrypto(t *testing.T) {
	spy := &spyCrypto{}
	s := NewSession("peer-1", StateInitiatingSession, spy)

	oversizedKey := make([]byte, MaxPublicKeyLength+1)
	for i := range oversizedKey {
		oversizedKey[i] = 'B'
	}
	act := s.Process(TypeAccept, acceptPayload(t, string(oversizedKey)))
	require.Equal(t, ActionReset, act.Kind)
	assert.Zero(t, spy.imports)

	oversizedData := make([]byte, MaxEncryptedDataLength+1)
	for i := range oversizedData {
		oversizedData[i] = 'C'
	}
	s2 := NewSession("peer-2", StateActiveSession, &spyCrypto{})
	payload, err := json.Marshal(Payload{IV: "aXY=", Data: string(oversizedData)})
	require.NoError(t, err)
	act = s2.Process(TypeChatMessage, payload)
	require.Equal(t, ActionReset, act.Kind)
	assert.Zero(t, spy.decrypts)
}

// S4 — a one-byte-wrong challenge response fails verification.
func TestSessionChallengeMismatchResets(t *testing.T) {
	responderCrypto := security.NewECDHCryptoCapability()
	require.NoError(t, responderCrypto.GenerateKeyPair())
	initiatorCrypto := security.NewECDHCryptoCapability()
	require.NoError(t, initiatorCrypto.GenerateKeyPair())

	initiatorPub, err := initiatorCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	require.NoError(t, responderCrypto.ImportPeerPublicKey(initiatorPub))
	require.NoError(t, responderCrypto.DeriveSharedSecret())
	require.NoError(t, responderCrypto.DeriveSessionKey())

	responder := NewSession("peer-1", StateReceivedInitiatorKey, responderCrypto)
	sendAction := responder.emitChallengeLocked()
	require.Equal(t, ActionSendType5, sendAction.Kind)

	tampered := append([]byte(nil), sendAction.ChallengeData...)
	tampered[0] ^= 0xFF
	iv, ciphertext, err := responderCrypto.Encrypt(tampered)
	require.NoError(t, err)

	act := responder.Process(TypeKeyConfResponse, responsePayload(t, iv, ciphertext))
	require.Equal(t, ActionReset, act.Kind)
	assert.Contains(t, act.Reason, "verification failed")
}

// S5 — a tampered data-plane ciphertext is recoverable, not fatal.
func TestSessionDataPlaneDecryptFailureIsRecoverable(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	peerCrypto := security.NewECDHCryptoCapability()
	require.NoError(t, peerCrypto.GenerateKeyPair())

	pub, err := peerCrypto.ExportOwnPublicKey()
	require.NoError(t, err)
	require.NoError(t, crypto.ImportPeerPublicKey(pub))
	require.NoError(t, crypto.DeriveSharedSecret())
	require.NoError(t, crypto.DeriveSessionKey())

	s := NewSession("peer-1", StateActiveSession, crypto)

	iv, ciphertext, err := crypto.Encrypt([]byte("hello"))
	require.NoError(t, err)
	tampered := []byte(ciphertext)
	tampered[0] ^= 0xFF

	payload, err := json.Marshal(Payload{IV: iv, Data: string(tampered)})
	require.NoError(t, err)

	act := s.Process(TypeChatMessage, payload)
	require.Equal(t, ActionDisplaySystemMessage, act.Kind)
	assert.Equal(t, StateActiveSession, s.State())
	assert.True(t, crypto.HasSessionKey())
}

// S6 — typing indicators are ignored outside an active session.
func TestSessionTypingIgnoredOutsideActiveSession(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)

	act := s.Process(TypeTypingStart, nil)
	assert.Equal(t, ActionNone, act.Kind)
	assert.False(t, s.PeerIsTyping())
}

// Universal property 7: unknown message types are ignored without
// mutating state.
func TestSessionUnknownMessageTypeIgnored(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)

	act := s.Process(MessageType(99), nil)
	assert.Equal(t, ActionNone, act.Kind)
	assert.Equal(t, StateInitiatingSession, s.State())
}

// Universal property 3: reset clears all handshake-scoped key material
// and fields.
func TestSessionResetClearsState(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)
	s.challengeSent = []byte("sent")
	s.challengeReceived = challengeState{kind: challengeDecrypted, plaintext: []byte("x")}

	act := s.Reset("manual end", true)
	assert.Equal(t, ActionReset, act.Kind)
	assert.Nil(t, s.challengeSent)
	assert.Equal(t, challengeNone, s.challengeReceived.kind)
	assert.False(t, crypto.HasSessionKey())
}

// Denial transitions to DENIED and shows non-retryable info, per Type 3.
func TestSessionDenyTransitionsToDenied(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateInitiatingSession, crypto)

	act := s.Process(TypeDeny, nil)
	assert.Equal(t, ActionShowInfo, act.Kind)
	assert.False(t, act.ShowRetry)
	assert.Equal(t, StateDenied, s.State())
}

// Reset hook fires with the reason and prior state on RESET.
func TestSessionResetHookInvoked(t *testing.T) {
	crypto := security.NewECDHCryptoCapability()
	require.NoError(t, crypto.GenerateKeyPair())
	s := NewSession("peer-1", StateActiveSession, crypto)

	var gotPeer, gotReason string
	var gotState State
	s.SetResetHook(func(peerID, reason string, priorState State, notifyUser bool) {
		gotPeer, gotReason, gotState = peerID, reason, priorState
	})

	s.Process(TypeSessionEnd, nil)
	assert.Equal(t, "peer-1", gotPeer)
	assert.Equal(t, "Peer ended the session.", gotReason)
	assert.Equal(t, StateActiveSession, gotState)
}
