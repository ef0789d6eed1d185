// Package events carries domain events out of the game core. Events are
// emitted after a mutation commits and published asynchronously; a slow or
// unavailable sink never holds up a mutation.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event. It is also the last token of the publish subject.
type Type string

const (
	SessionStarted         Type = "SessionStarted"
	ParticipantAdded       Type = "ParticipantAdded"
	ParticipantRemoved     Type = "ParticipantRemoved"
	ParticipantRoleChanged Type = "ParticipantRoleChanged"
	PhaseChanged           Type = "PhaseChanged"
	SessionDeleted         Type = "SessionDeleted"
	TimerStarted           Type = "TimerStarted"
	TimerCancelled         Type = "TimerCancelled"
	TimerCompleted         Type = "TimerCompleted"
	PresenceReplaced       Type = "PresenceReplaced"
)

// Event is a committed state change.
type Event struct {
	ID         string          `json:"eventId"`
	Type       Type            `json:"eventType"`
	SessionID  string          `json:"sessionId,omitempty"`
	GuildID    string          `json:"guildId,omitempty"`
	OccurredAt time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an event with a fresh id, marshalling payload as JSON.
func New(t Type, sessionID, guildID string, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		SessionID:  sessionID,
		GuildID:    guildID,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}
