package orchestrator

import (
	"sync"
	"time"

	"github.com/jaydenbeard/peerlink/internal/chatsession"
	"github.com/jaydenbeard/peerlink/internal/models"
)

// inboundFrame is one wire message queued for a session, exactly as it
// arrived: the session's own validation decides what to make of it.
type inboundFrame struct {
	mt      chatsession.MessageType
	payload []byte
}

// worker is the serial executor for one peer's session. Everything that
// touches the session — inbound frames, local user commands, timer
// fires, derivation completions — funnels through run's select loop, so
// no two Process calls for the same session ever overlap and frames
// from a peer are handled in arrival order.
type worker struct {
	orch    *Orchestrator
	peerID  string
	session *chatsession.Session

	mailbox  chan inboundFrame
	commands chan func()
	quit     chan struct{}
	quitOnce sync.Once

	handshakeTimer *time.Timer
	requestTimer   *time.Timer
	typingTimer    *time.Timer

	stopped bool
}

func (w *worker) run() {
	for {
		select {
		case frame := <-w.mailbox:
			w.perform(w.session.Process(frame.mt, frame.payload))
		case cmd := <-w.commands:
			cmd()
		case action := <-w.session.DerivationDone():
			w.performDerived(action)
		case <-w.quit:
			w.cancelTimers()
			return
		}
		if w.stopped {
			w.cancelTimers()
			return
		}
	}
}

func (w *worker) stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// performDerived handles the action produced by an asynchronous key
// derivation. For the initiator that action is SEND_TYPE_4; a Type 5
// challenge buffered during derivation has been decrypted by then, so
// the worker re-inspects it and emits the follow-up SEND_TYPE_6 that a
// synchronous arrival would have produced inline.
func (w *worker) performDerived(action chatsession.Action) {
	w.perform(action)
	if action.Kind == chatsession.ActionSendType4 {
		w.perform(w.session.CheckPendingChallenge())
	}
}

// perform executes one action record: the network send, UI update, or
// teardown the session asked for.
func (w *worker) perform(action chatsession.Action) {
	switch action.Kind {
	case chatsession.ActionNone:

	case chatsession.ActionSendType1:
		w.send(models.TypeSessionRequest, chatsession.Payload{})

	case chatsession.ActionSendType2:
		w.send(int(chatsession.TypeAccept), chatsession.Payload{PublicKey: action.PublicKeyForPeer})

	case chatsession.ActionSendType3:
		w.send(int(chatsession.TypeDeny), chatsession.Payload{})
		w.finish()

	case chatsession.ActionSendType4:
		w.send(int(chatsession.TypePublicKeyResponse), chatsession.Payload{PublicKey: action.PublicKeyForPeer})

	case chatsession.ActionSendType5:
		w.send(int(chatsession.TypeKeyConfChallenge), chatsession.Payload{IV: action.IV, EncryptedChallenge: action.Ciphertext})

	case chatsession.ActionSendType6:
		w.send(int(chatsession.TypeKeyConfResponse), chatsession.Payload{IV: action.IV, EncryptedResponse: action.Ciphertext})
		w.session.MarkChallengeResponseSent()

	case chatsession.ActionSendType7:
		w.send(int(chatsession.TypeSessionEstablished), chatsession.Payload{Message: "Session established."})
		w.perform(w.session.MarkSessionEstablishedSent())

	case chatsession.ActionSessionActive:
		w.stopHandshakeTimer()
		w.orch.ui.Active(w.peerID)

	case chatsession.ActionShowInfo:
		w.orch.ui.Info(w.peerID, action.Message, action.ShowRetry)
		w.finish()

	case chatsession.ActionDisplayMessage:
		w.orch.ui.Message(w.peerID, action.Sender, action.Text, action.Msg)

	case chatsession.ActionDisplaySystemMessage:
		w.orch.ui.System(w.peerID, action.SystemText)

	case chatsession.ActionShowTyping:
		w.orch.ui.Typing(w.peerID, true)
		w.startTypingTimer()

	case chatsession.ActionHideTyping:
		w.stopTypingTimer()
		w.orch.ui.Typing(w.peerID, false)

	case chatsession.ActionReset:
		if action.NotifyUser {
			w.orch.ui.ResetNotice(w.peerID, action.Reason)
		}
		w.finish()
	}
}

func (w *worker) send(msgType int, payload chatsession.Payload) {
	env, err := models.NewEnvelope(msgType, w.orch.selfID, w.peerID, payload)
	if err != nil {
		w.orch.logger.Printf("failed to build type=%d envelope for peer=%s: %v", msgType, w.peerID, err)
		return
	}
	if err := w.orch.transport.Send(env); err != nil {
		w.orch.logger.Printf("failed to send type=%d envelope to peer=%s: %v", msgType, w.peerID, err)
		w.perform(w.session.Reset("Connection to the relay was lost.", true))
	}
}

// finish retires the worker once its session reached a terminal state.
// Timers are cancelled before the worker leaves the map so a late fire
// cannot touch a session that is already gone.
func (w *worker) finish() {
	if w.stopped {
		return
	}
	w.stopped = true
	w.cancelTimers()
	w.quitOnce.Do(func() { close(w.quit) })
	w.orch.remove(w.peerID)
}

func (w *worker) startHandshakeTimer() {
	w.stopHandshakeTimer()
	w.handshakeTimer = time.AfterFunc(w.orch.timeouts.Handshake, func() {
		select {
		case w.commands <- func() {
			w.perform(w.session.Reset("Handshake timed out.", true))
		}:
		case <-w.quit:
		}
	})
}

func (w *worker) stopHandshakeTimer() {
	if w.handshakeTimer != nil {
		w.handshakeTimer.Stop()
		w.handshakeTimer = nil
	}
}

func (w *worker) startRequestTimer() {
	w.stopRequestTimer()
	w.requestTimer = time.AfterFunc(w.orch.timeouts.Request, func() {
		select {
		case w.commands <- func() {
			w.perform(w.session.Reset("Session request timed out.", false))
		}:
		case <-w.quit:
		}
	})
}

func (w *worker) stopRequestTimer() {
	if w.requestTimer != nil {
		w.requestTimer.Stop()
		w.requestTimer = nil
	}
}

// startTypingTimer auto-hides a typing indicator if the peer never
// sends the explicit TYPING_STOP, e.g. because it disconnected
// mid-keystroke.
func (w *worker) startTypingTimer() {
	w.stopTypingTimer()
	w.typingTimer = time.AfterFunc(w.orch.timeouts.TypingIndicator, func() {
		select {
		case w.commands <- func() {
			w.orch.ui.Typing(w.peerID, false)
		}:
		case <-w.quit:
		}
	})
}

func (w *worker) stopTypingTimer() {
	if w.typingTimer != nil {
		w.typingTimer.Stop()
		w.typingTimer = nil
	}
}

func (w *worker) cancelTimers() {
	w.stopHandshakeTimer()
	w.stopRequestTimer()
	w.stopTypingTimer()
}
