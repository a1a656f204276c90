package parley

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of A2A envelope.
type MessageType string

const (
	TypeRequest     MessageType = "request"
	TypeResponse    MessageType = "response"
	TypeBroadcast   MessageType = "broadcast"
	TypeDelegate    MessageType = "delegate"
	TypeCollaborate MessageType = "collaborate"
	TypeAck         MessageType = "ack"
	TypeError       MessageType = "error"
)

// ParseMessageType maps a wire string to a MessageType; unknown
// strings default to request, matching the envelope's zero behavior.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case TypeResponse, TypeBroadcast, TypeDelegate, TypeCollaborate, TypeAck, TypeError:
		return MessageType(s)
	default:
		return TypeRequest
	}
}

// defaultEnvelopeTTL bounds how long an undelivered envelope stays
// readable before garbage collection.
const defaultEnvelopeTTL = 30 * time.Second

// Envelope is one agent-to-agent message. CorrelationID links a
// delegate or request to its eventual response; HopCount is the
// logical depth of the delegation chain, not the transport attempt
// count.
type Envelope struct {
	ID            string      `json:"id"`
	From          string      `json:"from_agent"`
	To            string      `json:"to_agent,omitempty"` // empty for broadcast
	Type          MessageType `json:"message_type"`
	Payload       Value       `json:"payload"`
	CorrelationID string      `json:"correlation_id"`
	SessionID     string      `json:"session_id,omitempty"`
	HopCount      int         `json:"hop_count"`
	CreatedAt     time.Time   `json:"created_at"`
	TTL           time.Duration `json:"ttl"`
}

// NewEnvelope creates an envelope with a fresh ID and correlation ID.
func NewEnvelope(from, to string, typ MessageType, payload Value) Envelope {
	return Envelope{
		ID:            uuid.NewString(),
		From:          from,
		To:            to,
		Type:          typ,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
		TTL:           defaultEnvelopeTTL,
	}
}

// Response builds the reply envelope for a request-like message: the
// correlation ID is preserved so it resolves the originator's wait,
// and the hop count advances along the chain.
func (e Envelope) Response(from string, payload Value) Envelope {
	r := NewEnvelope(from, e.From, TypeResponse, payload)
	r.CorrelationID = e.CorrelationID
	r.SessionID = e.SessionID
	r.HopCount = e.HopCount + 1
	return r
}

// ErrorResponse builds an error reply carrying the failure text.
func (e Envelope) ErrorResponse(from string, msg string) Envelope {
	r := e.Response(from, M(map[string]Value{"error": S(msg)}))
	r.Type = TypeError
	return r
}

// Expired reports whether the envelope has outlived its TTL.
func (e Envelope) Expired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Now().After(e.CreatedAt.Add(e.TTL))
}
