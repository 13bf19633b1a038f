// Package wsrelay is the connected-peer transport: it frames
// chatsession wire messages over WebSocket and fans them out between
// whichever two peers a session involves. It never looks inside a
// message past the envelope — interpreting Type, deciding what a
// Type 5 challenge means, deriving keys, all of that is the
// orchestrator's job (see cmd/chatclient), not the relay's.
package wsrelay

import (
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/jaydenbeard/peerlink/internal/metrics"
	"github.com/jaydenbeard/peerlink/internal/models"
	"github.com/jaydenbeard/peerlink/internal/pubsub"
	"github.com/jaydenbeard/peerlink/internal/security"
)

// Hub keeps the set of locally-connected peers and relays envelopes
// between them, falling back to the cross-instance publisher when the
// destination peer is connected to a different server instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // peerID -> connected devices

	register   chan *Client
	unregister chan *Client
	inbound    chan *models.Envelope

	serverID string
	redis    *pubsub.RedisClient
	audit    *security.AuditLogger
	logger   *log.Logger

	shutdown chan struct{}
}

// NewHub wires a relay hub to the cross-instance publisher and the
// audit logger that records connect/disconnect events.
func NewHub(serverID string, redis *pubsub.RedisClient, audit *security.AuditLogger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *models.Envelope, 1024),
		serverID:   serverID,
		redis:      redis,
		audit:      audit,
		logger:     log.New(os.Stdout, "[RELAY] ", log.Ldate|log.Ltime|log.LUTC),
		shutdown:   make(chan struct{}),
	}
}

// Run processes register/unregister/inbound events on a single
// goroutine so the client map only ever needs mu for readers racing
// against it from other goroutines.
func (h *Hub) Run() {
	if h.redis != nil {
		go h.consumeRemote()
	}

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case env := <-h.inbound:
			h.route(env)
		case <-h.shutdown:
			h.closeAllClients()
			return
		}
	}
}

// Shutdown stops Run and closes every locally-connected client.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Register admits a newly-upgraded connection. A peer may hold more
// than one connection open at once (multiple devices); chatsession has
// no notion of "device", so every connection for a peer receives every
// envelope addressed to that peer.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a connection, e.g. after ReadPump exits.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Route accepts an envelope read off a client connection for delivery
// to its destination.
func (h *Hub) Route(env *models.Envelope) {
	h.inbound <- env
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.PeerID] == nil {
		h.clients[client.PeerID] = make(map[*Client]bool)
	}
	h.clients[client.PeerID][client] = true
	h.mu.Unlock()

	if h.redis != nil {
		if err := h.redis.RegisterConnection(client.PeerID, h.serverID); err != nil {
			h.logger.Printf("failed to register presence for peer=%s: %v", client.PeerID, err)
		}
	}
	metrics.RecordWebSocketConnection(h.serverID, 1)
	if h.audit != nil {
		h.audit.Log(&security.AuditEvent{
			PeerID:    client.PeerID,
			EventType: security.AuditEventPeerConnected,
			EventData: map[string]any{"device_id": client.DeviceID, "server_id": h.serverID},
		})
	}
	h.logger.Printf("peer connected: %s (device=%s)", client.PeerID, client.DeviceID)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if conns, ok := h.clients[client.PeerID]; ok {
		if _, ok := conns[client]; ok {
			delete(conns, client)
			close(client.send)
		}
		if len(conns) == 0 {
			delete(h.clients, client.PeerID)
		}
	}
	h.mu.Unlock()

	if h.redis != nil {
		if err := h.redis.UnregisterConnection(client.PeerID, h.serverID); err != nil {
			h.logger.Printf("failed to clear presence for peer=%s: %v", client.PeerID, err)
		}
	}
	metrics.RecordWebSocketConnection(h.serverID, -1)
	if h.audit != nil {
		h.audit.Log(&security.AuditEvent{
			PeerID:    client.PeerID,
			EventType: security.AuditEventPeerDisconnected,
			EventData: map[string]any{"device_id": client.DeviceID, "server_id": h.serverID},
		})
	}
	h.logger.Printf("peer disconnected: %s (device=%s)", client.PeerID, client.DeviceID)
}

// route delivers an envelope to its destination peer if connected
// locally, and otherwise publishes it for whichever server instance
// holds that peer's connection.
func (h *Hub) route(env *models.Envelope) {
	metrics.RecordWebSocketMessage(h.serverID, "in")
	if delivered := h.deliverLocal(env); delivered {
		return
	}

	if h.redis == nil {
		h.logger.Printf("no route to peer=%s and no cross-instance relay configured, dropping type=%d", env.To, env.Type)
		return
	}

	if err := h.redis.PublishEnvelope(env); err != nil {
		h.logger.Printf("failed to publish envelope to peer=%s: %v", env.To, err)
	}
}

// deliverLocal writes env to every connection this instance holds open
// for env.To, reporting whether any connection received it.
func (h *Hub) deliverLocal(env *models.Envelope) bool {
	h.mu.RLock()
	conns, ok := h.clients[env.To]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Printf("failed to marshal envelope for peer=%s: %v", env.To, err)
		return true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for client := range conns {
		select {
		case client.send <- data:
			delivered = true
			metrics.RecordWebSocketMessage(h.serverID, "out")
		default:
			h.logger.Printf("send buffer full for peer=%s device=%s, dropping frame", client.PeerID, client.DeviceID)
		}
	}
	return delivered
}

// DeliverRemote is invoked by the cross-instance subscriber when an
// envelope arrives over Redis addressed to a peer this instance might
// hold a connection for.
func (h *Hub) DeliverRemote(env *models.Envelope) {
	h.deliverLocal(env)
}

// SendError pushes a ClientError to every connection a peer holds
// open, for frames rejected before they ever reach a session (bad
// JSON, unknown type, rate limited).
func (h *Hub) SendError(peerID string, clientErr *models.ClientError) {
	h.mu.RLock()
	conns := h.clients[peerID]
	h.mu.RUnlock()

	data, err := json.Marshal(clientErr)
	if err != nil {
		return
	}
	for client := range conns {
		select {
		case client.send <- data:
		default:
		}
	}
}

// ConnectionCount reports how many connections this instance currently
// holds across all peers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// IsConnected reports whether a peer currently holds an open
// connection to this instance.
func (h *Hub) IsConnected(peerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[peerID]
	return ok
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for client := range conns {
			close(client.send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}

// consumeRemote hands every envelope published for this server
// instance to DeliverRemote until the subscription ends.
func (h *Hub) consumeRemote() {
	if err := h.redis.SubscribeEnvelopes(h.serverID, h.DeliverRemote); err != nil {
		h.logger.Printf("cross-instance relay subscription ended: %v", err)
	}
}
