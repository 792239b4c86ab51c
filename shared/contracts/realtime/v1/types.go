// Package v1 defines the Agora chat protocol v1 contract.
//
// This package is stable and dependency-light. It is shared between the server and
// clients so the wire protocol has a single source of truth.
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

// Subprotocol is the websocket subprotocol negotiated at handshake.
const Subprotocol = "agora.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello identifies the session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes the session to a conversation room (client -> server).
	TypeConversationJoin = "conversation_join"
	// TypeConversationJoined confirms a join (server -> client).
	TypeConversationJoined = "conversation_joined"
	// TypeConversationLeave unsubscribes the session from a room (client -> server).
	TypeConversationLeave = "conversation_leave"
	// TypeConversationLeft confirms a leave (server -> client).
	TypeConversationLeft = "conversation_left"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a persisted send (server -> sender).
	TypeMessageAck = "message_ack"
	// TypeMessageReceived pushes a newly persisted message (server -> room members).
	TypeMessageReceived = "message_received"

	// TypeConversationHistoryFetch requests a window of history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError reports a failed request (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeTimeout      = "timeout"
	CodeUnavailable  = "unavailable"
	CodeNotJoined    = "not_joined"
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeBadJSON      = "bad_json"
	CodeBadEnvelope  = "bad_envelope"
	CodeRateLimited  = "rate_limited"
	CodeUnsupported  = "unsupported"
	CodeInternal     = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
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
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// KnownType reports whether t is part of protocol v1.
func KnownType(t string) bool {
	switch t {
	case TypeHello, TypeHelloAck,
		TypeConversationJoin, TypeConversationJoined,
		TypeConversationLeave, TypeConversationLeft,
		TypeMessageSend, TypeMessageAck, TypeMessageReceived,
		TypeConversationHistoryFetch, TypeConversationHistoryChunk,
		TypeError:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// ConversationKey identifies a conversation on the wire.
type ConversationKey struct {
	ItemID   string `json:"item_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
}

// Message is a persisted chat message as seen by clients.
type Message struct {
	ID          string          `json:"id"`
	Key         ConversationKey `json:"key"`
	Seq         int64           `json:"seq"`
	SenderID    string          `json:"sender_id"`
	Body        string          `json:"body"`
	SentAt      time.Time       `json:"sent_at"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
}

// HelloPayload identifies the session. Token is verified by the identity provider;
// UserID is only honoured by servers running in dev auth mode.
type HelloPayload struct {
	Token  string `json:"token,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// HelloAckPayload carries the server-assigned session id and the resolved user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ConversationJoinPayload requests room membership.
type ConversationJoinPayload struct {
	Key ConversationKey `json:"key"`
}

// ConversationJoinedPayload confirms room membership.
type ConversationJoinedPayload struct {
	RequestID string          `json:"request_id,omitempty"`
	Key       ConversationKey `json:"key"`
}

// ConversationLeavePayload requests leaving a room.
type ConversationLeavePayload struct {
	Key ConversationKey `json:"key"`
}

// ConversationLeftPayload confirms leaving a room.
type ConversationLeftPayload struct {
	RequestID string          `json:"request_id,omitempty"`
	Key       ConversationKey `json:"key"`
}

// MessageSendPayload requests appending a message. SenderID, when present, must
// match the session user.
type MessageSendPayload struct {
	Key         ConversationKey `json:"key"`
	SenderID    string          `json:"sender_id,omitempty"`
	Body        string          `json:"body"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
}

// MessageAckPayload answers a send with the persisted message.
type MessageAckPayload struct {
	RequestID  string  `json:"request_id"`
	Message    Message `json:"message"`
	Duplicated bool    `json:"duplicated,omitempty"`
}

// MessageReceivedPayload is pushed to every session in the room.
type MessageReceivedPayload struct {
	Message Message `json:"message"`
}

// ConversationHistoryFetchPayload requests a history window.
type ConversationHistoryFetchPayload struct {
	Key      ConversationKey `json:"key"`
	AfterSeq *int64          `json:"after_seq,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns a history window in seq order.
type ConversationHistoryChunkPayload struct {
	RequestID string          `json:"request_id"`
	Key       ConversationKey `json:"key"`
	Messages  []Message       `json:"messages"`
	HasMore   bool            `json:"has_more"`
}

// ErrorPayload reports a failed request. RequestID echoes the envelope id of the
// request when one is known.
type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
