// Package orchestrator multiplexes chat sessions across peers. It owns
// one chatsession.Session per remote peer, serializes every Process
// call for a session through that peer's worker goroutine, runs the
// handshake/request/typing timers the sessions themselves do not own,
// and turns the action records sessions emit into network sends and UI
// updates.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/jaydenbeard/peerlink/internal/chatsession"
	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/jaydenbeard/peerlink/internal/models"
	"github.com/jaydenbeard/peerlink/internal/security"
)

// Transport sends an envelope toward the remote peer, normally over the
// relay's WebSocket connection.
type Transport interface {
	Send(env *models.Envelope) error
}

// UI receives the user-facing side of session actions. Implementations
// must not block: they are called from per-peer worker goroutines.
type UI interface {
	SessionRequest(peerID string)
	Info(peerID, message string, showRetry bool)
	Active(peerID string)
	Message(peerID, sender, text string, kind chatsession.MessageKind)
	System(peerID, text string)
	Typing(peerID string, typing bool)
	ResetNotice(peerID, reason string)
}

// ResetHook mirrors chatsession.ResetHook so callers can feed resets
// into an audit trail without importing chatsession directly.
type ResetHook = chatsession.ResetHook

// Orchestrator drives one session per peer over a shared transport.
type Orchestrator struct {
	mu      sync.Mutex
	selfID  string
	workers map[string]*worker

	transport Transport
	ui        UI
	timeouts  config.SessionTimeouts
	onReset   ResetHook

	logger *log.Logger
	closed bool
}

// New builds an orchestrator for the local peer selfID. onReset may be
// nil; when set it is installed on every session this orchestrator
// creates.
func New(selfID string, transport Transport, ui UI, timeouts config.SessionTimeouts, onReset ResetHook) *Orchestrator {
	return &Orchestrator{
		selfID:    selfID,
		workers:   make(map[string]*worker),
		transport: transport,
		ui:        ui,
		timeouts:  timeouts,
		onReset:   onReset,
		logger:    log.New(os.Stdout, "[ORCHESTRATOR] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Initiate opens an outbound session request to peerID. Fails if a
// session with that peer already exists.
func (o *Orchestrator) Initiate(peerID string) error {
	w, err := o.spawn(peerID, chatsession.StateInitiatingSession)
	if err != nil {
		return err
	}
	w.commands <- func() {
		w.perform(w.session.InitiateHandshake())
		w.startHandshakeTimer()
	}
	return nil
}

// Accept resolves a pending incoming request in the peer's favor.
func (o *Orchestrator) Accept(peerID string) error {
	return o.enqueueCommand(peerID, func(w *worker) {
		w.stopRequestTimer()
		w.perform(w.session.Accept())
		w.startHandshakeTimer()
	})
}

// Deny declines a pending incoming request.
func (o *Orchestrator) Deny(peerID string) error {
	return o.enqueueCommand(peerID, func(w *worker) {
		w.stopRequestTimer()
		w.perform(w.session.Deny())
	})
}

// Send encrypts text for peerID's active session and ships it as a
// Type 8 envelope.
func (o *Orchestrator) Send(peerID, text string) error {
	return o.enqueueCommand(peerID, func(w *worker) {
		iv, ciphertext, err := w.session.EncryptOutgoing(o.selfID, text)
		if err != nil {
			o.ui.System(peerID, fmt.Sprintf("Could not send message: %v", err))
			return
		}
		w.send(int(chatsession.TypeChatMessage), chatsession.Payload{IV: iv, Data: ciphertext})
	})
}

// SetTyping reports the local user's typing state to the peer.
func (o *Orchestrator) SetTyping(peerID string, typing bool) error {
	mt := chatsession.TypeTypingStop
	if typing {
		mt = chatsession.TypeTypingStart
	}
	return o.enqueueCommand(peerID, func(w *worker) {
		if w.session.State() == chatsession.StateActiveSession {
			w.send(int(mt), chatsession.Payload{})
		}
	})
}

// End terminates the session with peerID, notifying the peer first.
func (o *Orchestrator) End(peerID string) error {
	return o.enqueueCommand(peerID, func(w *worker) {
		w.send(int(chatsession.TypeSessionEnd), chatsession.Payload{})
		w.perform(w.session.Reset("Session ended.", false))
	})
}

// HandleEnvelope routes an inbound envelope to its peer's worker,
// creating a responder-side session when the envelope is the initial
// session request. Envelopes for unknown peers that are not requests
// are dropped with a warning, matching the FSM's treatment of messages
// in unexpected states.
func (o *Orchestrator) HandleEnvelope(env *models.Envelope) {
	if env.From == "" {
		o.logger.Printf("dropping envelope with no sender (type=%d)", env.Type)
		return
	}

	if env.Type == models.TypeSessionRequest {
		w, err := o.spawn(env.From, chatsession.StateRequestReceived)
		if err != nil {
			o.logger.Printf("duplicate session request from peer=%s ignored", env.From)
			return
		}
		w.commands <- func() {
			w.startRequestTimer()
			o.ui.SessionRequest(env.From)
		}
		return
	}

	o.mu.Lock()
	w, ok := o.workers[env.From]
	o.mu.Unlock()
	if !ok {
		o.logger.Printf("dropping type=%d envelope from peer=%s with no session", env.Type, env.From)
		return
	}

	select {
	case w.mailbox <- inboundFrame{mt: chatsession.MessageType(env.Type), payload: env.Payload}:
	default:
		// A full mailbox means the peer is flooding faster than crypto
		// can keep up; tearing down is safer than unbounded buffering.
		o.logger.Printf("mailbox overflow for peer=%s, resetting session", env.From)
		w.commands <- func() {
			w.perform(w.session.Reset("Peer exceeded message processing capacity.", true))
		}
	}
}

// Reset tears down the session with peerID from outside the message
// flow (an operator action, a transport-level failure).
func (o *Orchestrator) Reset(peerID, reason string) error {
	return o.enqueueCommand(peerID, func(w *worker) {
		w.perform(w.session.Reset(reason, true))
	})
}

// SessionState reports the current state of the session with peerID.
func (o *Orchestrator) SessionState(peerID string) (chatsession.State, bool) {
	o.mu.Lock()
	w, ok := o.workers[peerID]
	o.mu.Unlock()
	if !ok {
		return 0, false
	}
	return w.session.State(), true
}

// Shutdown stops every worker. Sessions are reset so their key
// material is wiped before the process exits.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	workers := make([]*worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.workers = make(map[string]*worker)
	o.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (o *Orchestrator) spawn(peerID string, initial chatsession.State) (*worker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, fmt.Errorf("orchestrator is shut down")
	}
	if _, exists := o.workers[peerID]; exists {
		return nil, fmt.Errorf("session with peer %s already exists", peerID)
	}

	session := chatsession.NewSession(peerID, initial, security.NewECDHCryptoCapability())
	if o.onReset != nil {
		session.SetResetHook(o.onReset)
	}

	w := &worker{
		orch:     o,
		peerID:   peerID,
		session:  session,
		mailbox:  make(chan inboundFrame, 64),
		commands: make(chan func(), 16),
		quit:     make(chan struct{}),
	}
	o.workers[peerID] = w
	go w.run()
	return w, nil
}

func (o *Orchestrator) enqueueCommand(peerID string, cmd func(*worker)) error {
	o.mu.Lock()
	w, ok := o.workers[peerID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session with peer %s", peerID)
	}
	w.commands <- func() { cmd(w) }
	return nil
}

// remove drops a worker after its session reached a terminal reset, so
// a fresh request to the same peer can start over with new key
// material.
func (o *Orchestrator) remove(peerID string) {
	o.mu.Lock()
	delete(o.workers, peerID)
	o.mu.Unlock()
}
