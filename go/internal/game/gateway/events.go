package gateway

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of push sent to subscribers.
type MessageType string

const (
	TypeSessionSnapshot MessageType = "session.snapshot"
	TypeSessionUpdated  MessageType = "session.updated"
	TypeSessionDeleted  MessageType = "session.deleted"
	TypeTimerUpdated    MessageType = "timer.updated"
	TypePing            MessageType = "ping"
	TypeError           MessageType = "error"
)

// Message is the envelope pushed to a subscriber.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// NewMessage builds an envelope with a fresh id. data must not be mutated
// after the message is handed to the gateway.
func NewMessage(t MessageType, sessionID string, data any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SessionDeletedPayload is sent to a group just before it is disconnected.
type SessionDeletedPayload struct {
	SessionID string    `json:"session_id"`
	DeletedBy string    `json:"deleted_by,omitempty"`
	DeletedAt time.Time `json:"deleted_at"`
}

// PingPayload carries an out-of-band notice to a single user.
type PingPayload struct {
	Text string `json:"text"`
}

// ErrorPayload reports a failed client command back to its connection.
type ErrorPayload struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}
