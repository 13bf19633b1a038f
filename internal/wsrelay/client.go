package wsrelay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jaydenbeard/peerlink/internal/models"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	// chatsession.MaxEncryptedDataLength bounds the largest legitimate
	// payload; this is a generous ceiling above that plus envelope
	// overhead, not a tuned media limit.
	maxMessageSize = 256 * 1024
)

// Client represents one connected peer's WebSocket connection.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	send chan []byte

	PeerID   string
	DeviceID string

	authToken string

	messageTokens int
	lastRefill    time.Time
	tokenMu       sync.Mutex
}

// NewClient wraps an upgraded connection for a peer/device pair that
// already passed token validation.
func NewClient(hub *Hub, conn *websocket.Conn, peerID, deviceID, authToken string) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 100),
		PeerID:        peerID,
		DeviceID:      deviceID,
		authToken:     authToken,
		messageTokens: 200,
		lastRefill:    time.Now(),
	}
}

// canSendMessage token-buckets inbound frames: 50/sec sustained, burst
// of 200, enough for rapid typing-indicator and challenge/response
// traffic without letting one connection flood the relay.
func (c *Client) canSendMessage() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * 50)

	if tokensToAdd > 0 {
		c.messageTokens = min(c.messageTokens+tokensToAdd, 200)
		c.lastRefill = now
	}

	if c.messageTokens > 0 {
		c.messageTokens--
		return true
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ReadPump reads envelopes off the connection and hands them to the
// hub for routing. It never inspects anything past Type/From/To —
// validating the payload belongs to the orchestrator driving the
// session on the other end.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			log.Printf("Warning: failed to close WebSocket connection: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Warning: failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for peer=%s: %v", c.PeerID, err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendClientError("malformed_envelope", "could not parse message as JSON")
			continue
		}

		if !c.canSendMessage() {
			c.sendClientError("rate_limited", "slow down")
			continue
		}

		env.From = c.PeerID
		if env.To == "" {
			c.sendClientError("missing_destination", "envelope has no \"to\" peer")
			continue
		}

		c.hub.Route(&env)
	}
}

func (c *Client) sendClientError(kind, message string) {
	data, err := json.Marshal(&models.ClientError{Type: kind, Message: message})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump drains c.send to the connection, batching whatever has
// queued up into the current frame and pinging on idle.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			log.Printf("Warning: failed to close WebSocket connection: %v", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					log.Printf("Warning: failed to write close message: %v", err)
				}
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				log.Printf("WebSocket write error for peer=%s: %v", c.PeerID, err)
				_ = w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case nextMessage := <-c.send:
					if _, err := w.Write([]byte{'\n'}); err != nil {
						_ = w.Close()
						return
					}
					if _, err := w.Write(nextMessage); err != nil {
						_ = w.Close()
						return
					}
				default:
					break
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
