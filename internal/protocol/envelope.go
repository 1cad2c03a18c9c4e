package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a wire envelope.
type MessageType string

const (
	TypeConnect         MessageType = "connect"
	TypeDisconnect      MessageType = "disconnect"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeJoinSession     MessageType = "join_session"
	TypeLeaveSession    MessageType = "leave_session"
	TypeSessionUpdate   MessageType = "session_update"
	TypeActionBroadcast MessageType = "action_broadcast"
	TypeStateSync       MessageType = "state_sync"
	TypeError           MessageType = "error"
	TypeConflict        MessageType = "conflict"
)

var knownTypes = map[MessageType]struct{}{
	TypeConnect:         {},
	TypeDisconnect:      {},
	TypeHeartbeat:       {},
	TypeJoinSession:     {},
	TypeLeaveSession:    {},
	TypeSessionUpdate:   {},
	TypeActionBroadcast: {},
	TypeStateSync:       {},
	TypeError:           {},
	TypeConflict:        {},
}

// Known reports whether t is a message type this protocol version understands.
// Unknown types must be logged and dropped by routers, never treated as fatal.
func (t MessageType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is the wire format exchanged over the collaboration channel.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// New builds an envelope with a fresh message id and current timestamp.
// A nil payload produces an envelope without a payload field.
func New(t MessageType, sessionID, userID string, payload interface{}) (Envelope, error) {
	env := Envelope{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode serializes the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	if e.MessageID == "" {
		return nil, fmt.Errorf("envelope requires a messageId")
	}
	return json.Marshal(e)
}

// Decode parses a wire frame into an envelope. Decoding succeeds for unknown
// message types so the caller can drop them with a log entry instead of
// failing the read loop.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	if env.MessageID == "" {
		return Envelope{}, fmt.Errorf("envelope missing messageId")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// JoinSessionPayload asks the coordinator to add the sender to a session.
type JoinSessionPayload struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

// LeaveSessionPayload announces a deliberate departure.
type LeaveSessionPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a non-fatal protocol or session error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
