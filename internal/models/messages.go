// Package models defines the wire-level types exchanged between a
// connected peer and the server, and relayed between server instances
// over Redis pub/sub.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeSessionRequest is the implicit message type 1: a peer asking the
// server to open a handshake with another peer. It has no
// chatsession.MessageType counterpart because chatsession models it as
// the local-only InitiateHandshake/Accept/Deny entry points rather
// than a Process() case — the orchestrator is what turns this wire
// message into those calls.
const TypeSessionRequest = 1

// Envelope is the container every message to or from a connected peer
// travels in, and the payload relayed between server instances over
// Redis when the two ends of a session are on different servers.
//
// Type carries chatsession.MessageType's numeric values (2-11) for
// everything after the initial request, and TypeSessionRequest for the
// request itself. Payload is the raw JSON body chatsession.ParsePayload
// expects; the envelope never interprets it.
type Envelope struct {
	Type      int             `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it for delivery from "from"
// to "to".
func NewEnvelope(msgType int, from, to string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return &Envelope{
		Type:      msgType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ClientError is sent to a connected peer when its own frame is
// rejected before it ever reaches a session (malformed envelope,
// unknown recipient, rate limited) — distinct from a session RESET,
// which is a protocol-level outcome the FSM itself decided.
type ClientError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
