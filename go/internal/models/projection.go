package models

// ProjectionKey identifies one viewer's projection of one session.
type ProjectionKey struct {
	SessionID string
	ViewerID  string
}

// ParticipantView is a participant as a particular viewer sees it. Fields the
// viewer may not see are left nil or empty.
type ParticipantView struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	AvatarURL  string      `json:"avatar_url,omitempty"`
	Role       Role        `json:"role"`
	IsPlaying  bool        `json:"is_playing"`
	IsPresent  *bool       `json:"is_present,omitempty"`
	VoiceState *VoiceState `json:"voice_state,omitempty"`
}

// ViewerProjection is the slice of a session a viewer is permitted to see.
type ViewerProjection struct {
	SessionID    string            `json:"session_id"`
	GuildID      string            `json:"guild_id"`
	ViewerID     string            `json:"viewer_id"`
	ViewerRole   Role              `json:"viewer_role"`
	Phase        Phase             `json:"phase"`
	Participants []ParticipantView `json:"participants"`
}

// Clone returns a deep copy of v.
func (v ViewerProjection) Clone() ViewerProjection {
	out := v
	if v.Participants == nil {
		return out
	}
	out.Participants = make([]ParticipantView, len(v.Participants))
	for i, p := range v.Participants {
		if p.IsPresent != nil {
			present := *p.IsPresent
			p.IsPresent = &present
		}
		if p.VoiceState != nil {
			voice := *p.VoiceState
			p.VoiceState = &voice
		}
		out.Participants[i] = p
	}
	return out
}
