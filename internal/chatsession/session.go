package chatsession

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaydenbeard/peerlink/internal/metrics"
	"github.com/jaydenbeard/peerlink/internal/security"
)

// ResetHook is notified every time a session resets, so an orchestrator
// can write a forensic audit record without the session package taking
// a direct dependency on a particular audit store.
type ResetHook func(peerID, reason string, priorState State, notifyUser bool)

// Session is the per-peer secure chat session state machine. It owns a
// CryptoCapability exclusively; callers (an orchestrator) must
// serialize calls to Process for a given session, typically through a
// per-session mailbox channel — Session itself does not lock across
// Process calls, only around its own field reads/writes that race with
// the derivation goroutine.
type Session struct {
	mu sync.Mutex

	peerID string
	state  State
	crypto security.CryptoCapability

	challengeSent     []byte
	challengeReceived challengeState

	// derivationDone is non-nil exactly while a derivation goroutine is
	// in flight; it is the "pending-computation handle" recorded before
	// DeriveSharedSecret/DeriveSessionKey are invoked so that a Type 5
	// arriving mid-derivation observes it and buffers instead of racing
	// the goroutine.
	derivationDone chan Action

	messages     []ChatEntry
	peerIsTyping bool

	createdAt time.Time

	onReset ResetHook
	logger  *log.Logger
}

// NewSession constructs a session for peerID in initialState, owning
// crypto exclusively. initialState is normally StateInitiatingSession
// for the peer that requests the session, or StateRequestReceived for
// the peer that receives the request.
func NewSession(peerID string, initialState State, crypto security.CryptoCapability) *Session {
	return &Session{
		peerID:    peerID,
		state:     initialState,
		crypto:    crypto,
		createdAt: time.Now(),
		logger:    log.New(os.Stdout, "[SESSION] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// SetResetHook installs the callback invoked whenever the session
// resets. Intended for wiring an audit trail; not required for
// correctness of the state machine itself.
func (s *Session) SetResetHook(hook ResetHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReset = hook
}

// State returns the session's current state label.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the immutable peer identifier this session was
// constructed with.
func (s *Session) PeerID() string {
	return s.peerID
}

// PeerIsTyping reports the last typing-indicator state received from
// the peer.
func (s *Session) PeerIsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerIsTyping
}

// Messages returns a copy of the session's append-only message
// history.
func (s *Session) Messages() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatEntry, len(s.messages))
	copy(out, s.messages)
	return out
}

// DerivationDone returns the channel an orchestrator selects on to
// learn the action produced once an in-flight key derivation
// completes. It is nil when no derivation is in flight — selecting on
// a nil channel blocks forever, which is the desired behavior when
// there is nothing to wait for.
func (s *Session) DerivationDone() <-chan Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derivationDone
}

// InitiateHandshake starts an outbound session request: it generates
// the initiator's ephemeral key pair (so it is ready the moment a
// Type 2 accept arrives) and returns the action that tells the
// orchestrator to send the initial Type 1 request to the peer. It is
// the initiator-side counterpart to the responder's local Accept/Deny
// decision — neither is triggered by an incoming wire message, so
// neither goes through Process.
func (s *Session) InitiateHandshake() Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitiatingSession {
		return none()
	}
	if err := s.crypto.GenerateKeyPair(); err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to generate key pair: %v", err), true)
	}
	return Action{Kind: ActionSendType1}
}

// Accept is invoked when the local user accepts an incoming session
// request. It generates the responder's key pair, transitions
// RequestReceived -> AwaitingChallenge, and returns the action that
// sends Type 2 (carrying the responder's public key) to the peer.
func (s *Session) Accept() Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRequestReceived {
		return none()
	}
	if err := s.crypto.GenerateKeyPair(); err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to generate key pair: %v", err), true)
	}
	pub, err := s.crypto.ExportOwnPublicKey()
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to export public key: %v", err), true)
	}

	s.state = StateAwaitingChallenge
	return Action{Kind: ActionSendType2, PublicKeyForPeer: pub}
}

// Deny is invoked when the local user declines an incoming session
// request. It transitions RequestReceived -> Denied and returns the
// action that sends Type 3 to the peer.
func (s *Session) Deny() Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRequestReceived {
		return none()
	}
	s.state = StateDenied
	return Action{Kind: ActionSendType3}
}

// Process ingests one wire message and returns the action the
// orchestrator should perform. It never panics: any unexpected failure
// is recovered and converted into a RESET action, mirroring the
// handling the rest of this codebase gives attacker-controlled input.
func (s *Session) Process(mt MessageType, raw []byte) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			action = s.doReset(fmt.Sprintf("Internal error processing message: %v", r), true)
		}
	}()

	payload, err := ParsePayload(raw)
	if err != nil {
		return s.doReset(err.Error(), true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch mt {
	case TypeAccept:
		return s.handleAcceptLocked(payload)
	case TypeDeny:
		return s.handleDenyLocked()
	case TypePublicKeyResponse:
		return s.handlePublicKeyResponseLocked(payload)
	case TypeKeyConfChallenge:
		return s.handleKeyConfChallengeLocked(payload)
	case TypeKeyConfResponse:
		return s.handleKeyConfResponseLocked(payload)
	case TypeSessionEstablished:
		return s.handleSessionEstablishedLocked()
	case TypeChatMessage:
		return s.handleChatMessageLocked(payload)
	case TypeSessionEnd:
		return s.doResetLocked("Peer ended the session.", true)
	case TypeTypingStart:
		return s.handleTypingLocked(true)
	case TypeTypingStop:
		return s.handleTypingLocked(false)
	default:
		s.logger.Printf("peer=%s unknown message type %d, ignoring", s.peerID, mt)
		return none()
	}
}

// handleAcceptLocked processes Type 2 (initiator receives responder's
// public key).
func (s *Session) handleAcceptLocked(p Payload) Action {
	if s.state != StateInitiatingSession {
		s.logger.Printf("peer=%s ACCEPT ignored in state %s", s.peerID, s.state)
		return none()
	}
	if err := validatePublicKeyField(p.PublicKey); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if err := s.crypto.ImportPeerPublicKey(p.PublicKey); err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to import peer public key: %v", err), true)
	}

	s.state = StateDerivingKeyInitiator
	s.startDerivationLocked(s.onInitiatorDerivationComplete)
	return none()
}

func (s *Session) handleDenyLocked() Action {
	s.state = StateDenied
	return showInfo("The peer declined the session request.", false)
}

// handlePublicKeyResponseLocked processes Type 4 (responder receives
// initiator's public key).
func (s *Session) handlePublicKeyResponseLocked(p Payload) Action {
	if s.state != StateAwaitingChallenge {
		s.logger.Printf("peer=%s PUBLIC_KEY_RESPONSE ignored in state %s", s.peerID, s.state)
		return none()
	}
	if err := validatePublicKeyField(p.PublicKey); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if err := s.crypto.ImportPeerPublicKey(p.PublicKey); err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to import peer public key: %v", err), true)
	}

	s.state = StateDerivingKeyResponder
	s.startDerivationLocked(s.onResponderDerivationComplete)
	return none()
}

// startDerivationLocked records the pending-derivation handle
// synchronously, before the goroutine that performs the (possibly
// suspending) ECDH + HKDF work is scheduled. A Type 5 arriving after
// this point but before the goroutine finishes observes a non-nil
// derivationDone and takes the buffering branch instead of racing it.
func (s *Session) startDerivationLocked(onComplete func() Action) {
	done := make(chan Action, 1)
	s.derivationDone = done

	go func() {
		action := s.runDerivation(onComplete)
		done <- action
	}()
}

// runDerivation executes the two suspending crypto steps off the
// caller's goroutine, then re-acquires the session lock to reconcile
// state and any buffered challenge.
func (s *Session) runDerivation(onComplete func() Action) Action {
	if err := s.crypto.DeriveSharedSecret(); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.doResetLocked(fmt.Sprintf("Key derivation failed: %v", err), true)
	}
	if err := s.crypto.DeriveSessionKey(); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.doResetLocked(fmt.Sprintf("Key derivation failed: %v", err), true)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.derivationDone = nil
	return onComplete()
}

// onInitiatorDerivationComplete runs with the session lock held, on
// the derivation goroutine, once the initiator's key has been
// installed.
func (s *Session) onInitiatorDerivationComplete() Action {
	s.state = StateKeyDerivedInitiator

	if s.challengeReceived.kind == challengeBuffered {
		plaintext, err := s.crypto.Decrypt(bytesToBase64(s.challengeReceived.iv), bytesToBase64(s.challengeReceived.ciphertext))
		if err != nil {
			return s.doResetLocked(fmt.Sprintf("Failed to decrypt buffered challenge: %v", err), true)
		}
		s.challengeReceived = challengeState{kind: challengeDecrypted, plaintext: plaintext}
	}

	pub, err := s.crypto.ExportOwnPublicKey()
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to export public key: %v", err), true)
	}
	return Action{Kind: ActionSendType4, PublicKeyForPeer: pub}
}

// onResponderDerivationComplete runs with the session lock held, on
// the derivation goroutine, once the responder's key has been
// installed.
func (s *Session) onResponderDerivationComplete() Action {
	s.state = StateReceivedInitiatorKey
	return s.emitChallengeLocked()
}

// emitChallengeLocked generates a fresh 32-byte challenge, encrypts it
// under the just-derived session key, records it as challenge_sent,
// and returns the SEND_TYPE_5 action.
func (s *Session) emitChallengeLocked() Action {
	challenge, err := security.SecureRandomBytes(32)
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to generate challenge: %v", err), true)
	}
	iv, ciphertext, err := s.crypto.Encrypt(challenge)
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to encrypt challenge: %v", err), true)
	}

	s.challengeSent = challenge
	return Action{Kind: ActionSendType5, IV: iv, Ciphertext: ciphertext, ChallengeData: challenge}
}

// CheckPendingChallenge lets an orchestrator re-inspect challenge_received
// after a SEND_TYPE_4 action arrives from DerivationDone: if a buffered
// Type 5 challenge was decrypted during derivation completion, this
// performs the state transition and SEND_TYPE_6 emission that would
// normally happen inline inside handleKeyConfChallengeLocked.
func (s *Session) CheckPendingChallenge() Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.challengeReceived.kind != challengeDecrypted {
		return none()
	}
	if s.state != StateKeyDerivedInitiator {
		return none()
	}

	s.state = StateReceivedChallenge
	return s.emitChallengeResponseLocked(s.challengeReceived.plaintext)
}

// emitChallengeResponseLocked re-encrypts the decrypted challenge under
// the session key and builds the SEND_TYPE_6 action carrying both the
// wire fields and the plaintext challengeData a caller can use to
// verify the round trip.
func (s *Session) emitChallengeResponseLocked(plaintext []byte) Action {
	iv, ciphertext, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to encrypt challenge response: %v", err), true)
	}
	return Action{Kind: ActionSendType6, IV: iv, Ciphertext: ciphertext, ChallengeData: append([]byte(nil), plaintext...)}
}

// handleKeyConfChallengeLocked processes Type 5 (initiator receives
// the responder's encrypted challenge).
//
// derivationDone is checked before the crypto capability's key flag:
// the capability carries its own lock, so DeriveSessionKey can have
// installed the key while the derivation goroutine is still waiting on
// s.mu to clear the handle and finish its state transition. Only the
// handle — set and cleared under s.mu — says whether the derivation is
// fully reconciled; deciding on the key flag alone would let this
// handler transition mid-derivation and the completion callback would
// then clobber that transition and re-emit the challenge response.
func (s *Session) handleKeyConfChallengeLocked(p Payload) Action {
	if err := validateIVField(p.IV); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if err := validateEncryptedField("encryptedChallenge", p.EncryptedChallenge); err != nil {
		return s.doResetLocked(err.Error(), true)
	}

	if s.derivationDone != nil {
		iv, err := base64ToBytes(p.IV)
		if err != nil {
			return s.doResetLocked(err.Error(), true)
		}
		ciphertext, err := base64ToBytes(p.EncryptedChallenge)
		if err != nil {
			return s.doResetLocked(err.Error(), true)
		}
		s.challengeReceived = challengeState{kind: challengeBuffered, iv: iv, ciphertext: ciphertext}
		return none()
	}

	if s.crypto.HasSessionKey() {
		plaintext, err := s.crypto.Decrypt(p.IV, p.EncryptedChallenge)
		if err != nil {
			return s.doResetLocked(fmt.Sprintf("Failed to decrypt key confirmation challenge: %v", err), true)
		}
		s.challengeReceived = challengeState{kind: challengeDecrypted, plaintext: plaintext}
		s.state = StateReceivedChallenge
		return s.emitChallengeResponseLocked(plaintext)
	}

	return s.doResetLocked("Challenge received before key derivation initiated.", true)
}

// MarkChallengeResponseSent is the orchestrator-driven transition out
// of ReceivedChallenge once the Type 6 frame produced by a SEND_TYPE_6
// action has actually been written to the wire. The initiator then
// waits for the responder's Type 7.
func (s *Session) MarkChallengeResponseSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReceivedChallenge {
		s.state = StateAwaitingFinalConfirmation
	}
}

// MarkSessionEstablishedSent is the responder-side counterpart: after
// the orchestrator sends the Type 7 frame a SEND_TYPE_7 action asked
// for, the responder's handshake is done and its data plane opens.
func (s *Session) MarkSessionEstablishedSent() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshakeComplete {
		return none()
	}
	s.state = StateActiveSession
	metrics.RecordSessionTransition(s.state.String())
	metrics.RecordSessionActive(time.Since(s.createdAt))
	return Action{Kind: ActionSessionActive}
}

// handleKeyConfResponseLocked processes Type 6 (responder receives the
// initiator's decrypted-then-reencrypted challenge).
func (s *Session) handleKeyConfResponseLocked(p Payload) Action {
	if s.challengeSent == nil {
		return s.doResetLocked("No challenge was sent for this session.", true)
	}
	if !s.crypto.HasSessionKey() {
		return s.doResetLocked("Session key not yet derived.", true)
	}
	if err := validateIVField(p.IV); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if err := validateEncryptedField("encryptedResponse", p.EncryptedResponse); err != nil {
		return s.doResetLocked(err.Error(), true)
	}

	plaintext, err := s.crypto.Decrypt(p.IV, p.EncryptedResponse)
	if err != nil {
		return s.doResetLocked(fmt.Sprintf("Failed to decrypt challenge response: %v", err), true)
	}

	if !security.ConstantTimeEqual(plaintext, s.challengeSent) {
		return s.doResetLocked("Challenge response verification failed!", true)
	}

	s.challengeSent = nil
	s.state = StateHandshakeComplete
	return Action{Kind: ActionSendType7}
}

// handleSessionEstablishedLocked processes Type 7. Preserves the
// lenient behavior of transitioning to ACTIVE_SESSION even from an
// unexpected prior state, only logging a warning in that case.
func (s *Session) handleSessionEstablishedLocked() Action {
	if s.state != StateAwaitingFinalConfirmation && s.state != StateReceivedChallenge {
		s.logger.Printf("peer=%s SESSION_ESTABLISHED received in unexpected state %s", s.peerID, s.state)
	}
	if !s.crypto.HasSessionKey() {
		return s.doResetLocked("Session establishment received before key derivation completed.", true)
	}
	s.challengeReceived = challengeState{}
	s.state = StateActiveSession
	metrics.RecordSessionTransition(s.state.String())
	metrics.RecordSessionActive(time.Since(s.createdAt))
	return Action{Kind: ActionSessionActive}
}

// handleChatMessageLocked processes Type 8.
func (s *Session) handleChatMessageLocked(p Payload) Action {
	if s.state != StateActiveSession {
		return none()
	}
	if err := validateIVField(p.IV); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if err := validateEncryptedField("data", p.Data); err != nil {
		return s.doResetLocked(err.Error(), true)
	}
	if !s.crypto.HasSessionKey() {
		return s.doResetLocked("No session key present for active session.", true)
	}

	plaintext, err := s.crypto.Decrypt(p.IV, p.Data)
	if err != nil {
		return displaySystemMessage("Failed to decrypt incoming message.")
	}
	text, err := decodeUTF8(plaintext)
	if err != nil {
		return displaySystemMessage("Failed to decrypt incoming message.")
	}

	s.messages = append(s.messages, ChatEntry{Sender: s.peerID, Text: text, Kind: KindPeer})
	return displayMessage(s.peerID, text, KindPeer)
}

func (s *Session) handleTypingLocked(typing bool) Action {
	if s.state != StateActiveSession {
		return none()
	}
	s.peerIsTyping = typing
	if typing {
		return Action{Kind: ActionShowTyping}
	}
	return Action{Kind: ActionHideTyping}
}

// EncryptOutgoing encrypts text for transmission over Type 8 while the
// session is active, appending it to history as our own message.
func (s *Session) EncryptOutgoing(sender, text string) (iv, ciphertext string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActiveSession {
		return "", "", fmt.Errorf("cannot send a message outside an active session")
	}
	iv, ciphertext, err = s.crypto.Encrypt([]byte(text))
	if err != nil {
		return "", "", fmt.Errorf("encrypt outgoing message: %w", err)
	}
	s.messages = append(s.messages, ChatEntry{Sender: sender, Text: text, Kind: KindOwn})
	return iv, ciphertext, nil
}

// Reset tears the session down: cancels any notion of in-flight work
// the caller still holds a reference to, wipes crypto key material, and
// clears handshake-scoped fields. It is exported so an orchestrator's
// timeout/explicit-end paths can drive it directly, in addition to the
// internal paths that reach it through a RESET action.
func (s *Session) Reset(reason string, notifyUser bool) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doResetLocked(reason, notifyUser)
}

func (s *Session) doReset(reason string, notifyUser bool) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doResetLocked(reason, notifyUser)
}

func (s *Session) doResetLocked(reason string, notifyUser bool) Action {
	priorState := s.state

	s.crypto.WipeKeys()
	s.challengeSent = nil
	s.challengeReceived = challengeState{}
	s.peerIsTyping = false
	s.state = StateDenied

	if s.onReset != nil {
		s.onReset(s.peerID, reason, priorState, notifyUser)
	}
	metrics.RecordSessionReset(priorState.String(), priorState == StateActiveSession)
	s.logger.Printf("peer=%s session reset from %s: %s", s.peerID, priorState, reason)
	return reset(reason, notifyUser)
}
