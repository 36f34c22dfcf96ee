// Package v1 defines the Quad chat wire protocol v1.
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

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "quad.chat.v1"

// Op constants (wire-stable).
const (
	// OpSend requests appending a message to a chat (client -> server).
	OpSend = "send"
	// OpSubscribe requests live delivery for a chat (client -> server).
	OpSubscribe = "subscribe"

	// OpMessage broadcasts a newly appended message (server -> subscribers).
	OpMessage = "message"
	// OpAck confirms a send request with the canonical server ids (server -> sender).
	OpAck = "ack"
	// OpSubscribed confirms a subscribe request (server -> client).
	OpSubscribed = "subscribed"

	// OpError is a generic error envelope (server -> client).
	OpError = "error"
)

// Error codes carried by ErrorPayload (wire-stable).
const (
	CodeAuthRejected     = "auth_rejected"
	CodeForbidden        = "forbidden"
	CodeInvalidOperation = "invalid_operation"
	CodeUnavailable      = "unavailable"
	CodeBadEnvelope      = "bad_envelope"
	CodeRateLimited      = "rate_limited"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
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
	if strings.TrimSpace(e.Op) == "" {
		return errors.New("missing field: op")
	}

	switch e.Op {
	case OpSend,
		OpSubscribe,
		OpMessage,
		OpAck,
		OpSubscribed,
		OpError:
		return nil
	default:
		return fmt.Errorf("unknown op: %q", e.Op)
	}
}

// ---- Payloads ----

// SendPayload requests appending a message into a chat.
// ClientMsgID is a client-generated correlation id; resends with the same id
// are idempotent and never consume a new sequence number.
type SendPayload struct {
	ChatID      string `json:"chat_id"`
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// SubscribePayload requests live delivery for a chat.
type SubscribePayload struct {
	ChatID string `json:"chat_id"`
}

// SubscribedPayload confirms a subscribe request.
type SubscribedPayload struct {
	ChatID string `json:"chat_id"`
}

// AckPayload confirms a send request and returns the canonical server ids.
// Duplicate is true when the send was matched to an earlier append by
// client_msg_id.
type AckPayload struct {
	ChatID      string `json:"chat_id"`
	ClientMsgID string `json:"client_msg_id"`
	MessageID   string `json:"message_id"`
	Seq         int64  `json:"seq"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// MessagePayload is broadcast when a new message is appended (non-duplicate).
type MessagePayload struct {
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	Seq         int64     `json:"seq"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
