package models

import (
	"time"
)

// Role defines what a participant is allowed to see and do in a session.
type Role string

const (
	RoleUnknown     Role = "UNKNOWN"
	RolePlayer      Role = "PLAYER"
	RoleStoryTeller Role = "STORYTELLER"
	RoleSpectator   Role = "SPECTATOR"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUnknown, RolePlayer, RoleStoryTeller, RoleSpectator:
		return true
	}
	return false
}

// IsFacilitator reports whether r has full visibility over a session.
func (r Role) IsFacilitator() bool {
	return r == RoleStoryTeller
}

// Phase is the time of day a session is currently in.
type Phase string

const (
	PhaseUnknown Phase = "UNKNOWN"
	PhaseEvening Phase = "EVENING"
	PhaseNight   Phase = "NIGHT"
	PhaseDay     Phase = "DAY"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseUnknown, PhaseEvening, PhaseNight, PhaseDay:
		return true
	}
	return false
}

// VoiceState holds the mute/deafen flags reported by the presence provider.
type VoiceState struct {
	Muted        bool `json:"muted"`
	Deafened     bool `json:"deafened"`
	SelfMuted    bool `json:"self_muted"`
	SelfDeafened bool `json:"self_deafened"`
}

// Participant is a person attached to a session.
type Participant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	AvatarURL  string     `json:"avatar_url,omitempty"`
	Role       Role       `json:"role"`
	IsPlaying  bool       `json:"is_playing"`
	IsPresent  bool       `json:"is_present"`
	VoiceState VoiceState `json:"voice_state"`
}

// Session is one running game. Values are treated as immutable once stored;
// use Clone before modifying a copy obtained from a store.
type Session struct {
	ID              string        `json:"id"`
	GuildID         string        `json:"guild_id"`
	Participants    []Participant `json:"participants"`
	CreatedAt       time.Time     `json:"created_at"`
	CreatedBy       string        `json:"created_by"`
	Phase           Phase         `json:"phase"`
	MaxParticipants *int          `json:"max_participants,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	if s.Participants != nil {
		out.Participants = make([]Participant, len(s.Participants))
		copy(out.Participants, s.Participants)
	}
	if s.MaxParticipants != nil {
		limit := *s.MaxParticipants
		out.MaxParticipants = &limit
	}
	return out
}

// Participant returns the participant with the given id.
func (s Session) Participant(id string) (Participant, bool) {
	if i := s.participantIndex(id); i >= 0 {
		return s.Participants[i], true
	}
	return Participant{}, false
}

// HasParticipant reports whether id is in the participant list.
func (s Session) HasParticipant(id string) bool {
	return s.participantIndex(id) >= 0
}

// RoleOf returns the role of id, or RoleUnknown when id is not a participant.
func (s Session) RoleOf(id string) Role {
	if p, ok := s.Participant(id); ok {
		return p.Role
	}
	return RoleUnknown
}

// IsFull reports whether the participant cap has been reached.
func (s Session) IsFull() bool {
	return s.MaxParticipants != nil && len(s.Participants) >= *s.MaxParticipants
}

// UpdateParticipant applies fn to the participant with the given id in place.
// It returns false when no such participant exists. Callers must own s.
func (s *Session) UpdateParticipant(id string, fn func(*Participant)) bool {
	i := s.participantIndex(id)
	if i < 0 {
		return false
	}
	fn(&s.Participants[i])
	return true
}

// RemoveParticipant drops the participant with the given id, keeping order.
// Callers must own s.
func (s *Session) RemoveParticipant(id string) bool {
	i := s.participantIndex(id)
	if i < 0 {
		return false
	}
	s.Participants = append(s.Participants[:i:i], s.Participants[i+1:]...)
	return true
}

func (s Session) participantIndex(id string) int {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return i
		}
	}
	return -1
}
