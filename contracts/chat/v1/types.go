// Package v1 defines the Relay chat notification protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeConnectionEstablished is sent once by the server after accepting a channel.
	TypeConnectionEstablished = "connection_established"

	// TypeJoin subscribes the channel to a chat (client -> server).
	TypeJoin = "join"
	// TypeJoined acknowledges a join to the joining channel only (server -> client).
	TypeJoined = "joined"

	// TypeTyping carries a typing indicator (client -> server, relayed to the chat).
	TypeTyping = "typing"

	// TypeMessage broadcasts a newly posted chat message (server -> chat subscribers).
	TypeMessage = "message"

	// TypePing is a client liveness probe (client -> server).
	TypePing = "ping"
	// TypePong answers a ping (server -> client).
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Typing status values.
const (
	TypingStarted  = "started"
	TypingFinished = "finished"
)

// Envelope is the canonical wire wrapper for notification-channel events.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ChatID  string          `json:"chat_id,omitempty"`
	Status  string          `json:"status,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeConnectionEstablished,
		TypeJoin,
		TypeJoined,
		TypeTyping,
		TypeMessage,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinPayload subscribes the channel to a chat id.
type JoinPayload struct {
	ChatID string `json:"chat_id"`
}

// JoinedPayload acknowledges a join.
type JoinedPayload struct {
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

// TypingPayload carries a typing indicator for a chat.
// Status is one of TypingStarted, TypingFinished.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	Status string `json:"status"`
	Sender string `json:"sender,omitempty"`
}

// MessagePayload wraps a posted chat message. Body is opaque to the
// delivery layer: it is transported, never interpreted.
type MessagePayload struct {
	ChatID string          `json:"chat_id"`
	Seq    int64           `json:"seq,omitempty"`
	Body   json.RawMessage `json:"body"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- Long-poll response contract ----

// Poll statuses returned by the long-poll read endpoint.
const (
	PollStatusSuccess = "success"
	PollStatusTimeout = "timeout"
	PollStatusError   = "error"
)

// PollResponse is the long-poll read response body.
// Messages are opaque payloads in per-chat FIFO order.
type PollResponse struct {
	Status   string            `json:"status"`
	Messages []json.RawMessage `json:"messages"`
}
