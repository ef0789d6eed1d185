package game

import (
	"time"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

// StartSessionRequest represents the data needed to open a session
type StartSessionRequest struct {
	SessionID        string `json:"session_id"`
	GuildID          string `json:"guild_id"`
	CreatedBy        string `json:"created_by"`
	CreatorName      string `json:"creator_name"`
	CreatorAvatarURL string `json:"creator_avatar_url,omitempty"`
	MaxParticipants  *int   `json:"max_participants,omitempty"`
}

// AddParticipantRequest represents the data needed to add a participant
type AddParticipantRequest struct {
	SessionID     string      `json:"session_id"`
	ActorID       string      `json:"actor_id"`
	ParticipantID string      `json:"participant_id"`
	Name          string      `json:"name"`
	AvatarURL     string      `json:"avatar_url,omitempty"`
	Role          models.Role `json:"role,omitempty"`
}

// RemoveParticipantRequest represents the data needed to remove a participant
type RemoveParticipantRequest struct {
	SessionID     string `json:"session_id"`
	ActorID       string `json:"actor_id"`
	ParticipantID string `json:"participant_id"`
}

// ChangeRoleRequest represents the data needed to change a participant's role
type ChangeRoleRequest struct {
	SessionID     string      `json:"session_id"`
	ActorID       string      `json:"actor_id"`
	ParticipantID string      `json:"participant_id"`
	Role          models.Role `json:"role"`
}

// SetPhaseRequest represents the data needed to move a session to a phase
type SetPhaseRequest struct {
	SessionID string       `json:"session_id"`
	ActorID   string       `json:"actor_id"`
	Phase     models.Phase `json:"phase"`
}

// SubscriberRequest identifies a subscriber and the session it follows
type SubscriberRequest struct {
	SessionID    string `json:"session_id"`
	SubscriberID string `json:"subscriber_id"`
}

// DeleteSessionRequest represents the data needed to delete a session
type DeleteSessionRequest struct {
	SessionID string `json:"session_id"`
	ActorID   string `json:"actor_id"`
}

// SessionRequest identifies a session
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// ListSessionsRequest filters sessions by guild; empty means every guild
type ListSessionsRequest struct {
	GuildID string `json:"guild_id"`
}

// ProjectionRequest identifies one viewer's projection
type ProjectionRequest struct {
	SessionID string `json:"session_id"`
	ViewerID  string `json:"viewer_id"`
}

// StartTimerRequest represents the data needed to start or edit a countdown
type StartTimerRequest struct {
	SessionID       string  `json:"session_id"`
	DurationSeconds int     `json:"duration_seconds"`
	Label           *string `json:"label,omitempty"`
}

// GuildRequest identifies a guild
type GuildRequest struct {
	GuildID string `json:"guild_id"`
}

// ReplacePresenceRequest carries a full presence snapshot for a guild
type ReplacePresenceRequest struct {
	GuildID  string                  `json:"guild_id"`
	Snapshot models.PresenceSnapshot `json:"snapshot"`
}

// PingRequest represents an out-of-band notice to one subscriber
type PingRequest struct {
	SubscriberID string `json:"subscriber_id"`
	Text         string `json:"text"`
}

// SessionResponse wraps a session aggregate
type SessionResponse struct {
	Session models.Session `json:"session"`
}

// ListSessionsResponse wraps a list of sessions
type ListSessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
}

// ProjectionResponse wraps a viewer projection
type ProjectionResponse struct {
	Projection models.ViewerProjection `json:"projection"`
}

// TimerResponse wraps a timer state
type TimerResponse struct {
	Timer models.TimerState `json:"timer"`
}

// PresenceResponse wraps a presence snapshot
type PresenceResponse struct {
	Snapshot models.PresenceSnapshot `json:"snapshot"`
}

// Empty is the response of operations that return nothing
type Empty struct{}

// timerDuration converts whole seconds from the API into a duration. ok is
// false when seconds is not positive or exceeds limit; the bound is checked
// before multiplying so huge inputs cannot wrap around.
func timerDuration(seconds int, limit time.Duration) (d time.Duration, ok bool) {
	if seconds <= 0 || int64(seconds) > int64(limit/time.Second) {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
