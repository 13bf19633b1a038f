package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/peerlink/internal/chatsession"
	"github.com/jaydenbeard/peerlink/internal/config"
	"github.com/jaydenbeard/peerlink/internal/models"
	"github.com/jaydenbeard/peerlink/internal/orchestrator"
)

// chatclient is the interactive peer: it bootstraps a token, opens the
// WebSocket to the relay, and drives one chatsession per remote peer
// through an orchestrator. All cryptography happens here — the relay
// only ever sees envelopes.

type bootstrapResponse struct {
	Token    string `json:"token"`
	PeerID   string `json:"peer_id"`
	DeviceID string `json:"device_id"`
}

// wsTransport serializes envelope writes onto the single relay
// connection; gorilla/websocket allows only one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// consoleUI renders session events as terminal lines.
type consoleUI struct {
	out *log.Logger
}

func newConsoleUI() *consoleUI {
	return &consoleUI{out: log.New(os.Stdout, "", 0)}
}

func (ui *consoleUI) SessionRequest(peerID string) {
	ui.out.Printf("** %s wants to start a secure chat. /accept %s or /deny %s", peerID, peerID, peerID)
}

func (ui *consoleUI) Info(peerID, message string, showRetry bool) {
	if showRetry {
		ui.out.Printf("** [%s] %s (you can /connect %s again)", peerID, message, peerID)
		return
	}
	ui.out.Printf("** [%s] %s", peerID, message)
}

func (ui *consoleUI) Active(peerID string) {
	ui.out.Printf("** secure session with %s is active", peerID)
}

func (ui *consoleUI) Message(peerID, sender, text string, kind chatsession.MessageKind) {
	ui.out.Printf("<%s> %s", sender, text)
}

func (ui *consoleUI) System(peerID, text string) {
	ui.out.Printf("** [%s] %s", peerID, text)
}

func (ui *consoleUI) Typing(peerID string, typing bool) {
	if typing {
		ui.out.Printf(".. %s is typing", peerID)
	}
}

func (ui *consoleUI) ResetNotice(peerID, reason string) {
	ui.out.Printf("** session with %s ended: %s", peerID, reason)
}

func main() {
	serverAddr := flag.String("server", envOr("RELAY_ADDR", "localhost:8080"), "relay server host:port")
	peerID := flag.String("peer", envOr("PEER_ID", ""), "this client's peer identifier")
	useTLS := flag.Bool("tls", false, "connect with https/wss")
	flag.Parse()

	if *peerID == "" {
		log.Fatal("a peer identifier is required: -peer or PEER_ID")
	}
	deviceID := uuid.NewString()

	token, err := bootstrap(*serverAddr, *useTLS, *peerID, deviceID)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	conn, err := dial(*serverAddr, *useTLS, token)
	if err != nil {
		log.Fatalf("failed to connect to relay: %v", err)
	}

	transport := &wsTransport{conn: conn}
	ui := newConsoleUI()
	orch := orchestrator.New(*peerID, transport, ui, config.LoadSessionTimeouts(), nil)

	log.Printf("connected to relay %s as %s (device %s)", *serverAddr, *peerID, deviceID)
	log.Printf("commands: /connect <peer> | /accept <peer> | /deny <peer> | /msg <peer> <text> | /end <peer> | /quit")

	done := make(chan struct{})
	go readPump(conn, orch, done)
	go commandLoop(orch, ui)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
		log.Printf("relay connection closed")
	}

	orch.Shutdown()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// bootstrap exchanges peer_id/device_id for the short-lived JWT the
// relay requires on the WebSocket upgrade.
func bootstrap(addr string, tls bool, peerID, deviceID string) (string, error) {
	scheme := "http"
	if tls {
		scheme = "https"
	}

	body, err := json.Marshal(map[string]string{"peer_id": peerID, "device_id": deviceID})
	if err != nil {
		return "", err
	}

	resp, err := http.Post(
		fmt.Sprintf("%s://%s/api/v1/auth/connect", scheme, addr),
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("warning: failed to close bootstrap response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay rejected bootstrap: %s", resp.Status)
	}

	var br bootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return "", fmt.Errorf("decode bootstrap response: %w", err)
	}
	if br.Token == "" {
		return "", fmt.Errorf("relay returned an empty token")
	}
	return br.Token, nil
}

func dial(addr string, tls bool, token string) (*websocket.Conn, error) {
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/ws"}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Origin", envOr("RELAY_ORIGIN", "http://localhost:3000"))

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", u.String(), err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

// readPump decodes inbound frames and hands every envelope to the
// orchestrator. The relay batches queued envelopes newline-separated
// into a single frame, so each frame is split before decoding.
func readPump(conn *websocket.Conn, orch *orchestrator.Orchestrator, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			var env models.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				// ClientError frames from the relay share the connection.
				var clientErr models.ClientError
				if json.Unmarshal(frame, &clientErr) == nil && clientErr.Message != "" {
					log.Printf("relay: %s", clientErr.Message)
					continue
				}
				log.Printf("discarding malformed frame: %v", err)
				continue
			}
			if env.Type == 0 {
				var clientErr models.ClientError
				if json.Unmarshal(frame, &clientErr) == nil && clientErr.Message != "" {
					log.Printf("relay: %s", clientErr.Message)
				}
				continue
			}
			orch.HandleEnvelope(&env)
		}
	}
}

// commandLoop parses stdin commands into orchestrator calls. Typing
// indicators are sent around each outgoing message rather than on
// every keystroke; a richer client would hook its input widget.
func commandLoop(orch *orchestrator.Orchestrator, ui *consoleUI) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/connect":
			err = orch.Initiate(strings.TrimSpace(rest))
		case "/accept":
			err = orch.Accept(strings.TrimSpace(rest))
		case "/deny":
			err = orch.Deny(strings.TrimSpace(rest))
		case "/end":
			err = orch.End(strings.TrimSpace(rest))
		case "/msg":
			peer, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
			if !ok || text == "" {
				ui.out.Printf("usage: /msg <peer> <text>")
				continue
			}
			if err = orch.SetTyping(peer, true); err == nil {
				err = orch.Send(peer, text)
				_ = orch.SetTyping(peer, false)
			}
		case "/quit":
			return
		default:
			ui.out.Printf("unknown command %q", cmd)
			continue
		}
		if err != nil {
			ui.out.Printf("** %v", err)
		}
	}
}
