package models

import "time"

// Occupant is a member currently sitting in a voice channel.
type Occupant struct {
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	AvatarURL  string     `json:"avatar_url,omitempty"`
	VoiceState VoiceState `json:"voice_state"`
}

// Channel is a voice sub-channel and who is in it.
type Channel struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Occupants []Occupant `json:"occupants"`
}

// Category groups channels the way the presence provider does.
type Category struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Channels []Channel `json:"channels"`
}

// PresenceSnapshot is a point-in-time view of a guild's voice channels.
type PresenceSnapshot struct {
	GuildID    string     `json:"guild_id"`
	Categories []Category `json:"categories"`
	CapturedAt time.Time  `json:"captured_at"`
}

// Clone returns a deep copy of p.
func (p PresenceSnapshot) Clone() PresenceSnapshot {
	out := p
	if p.Categories == nil {
		return out
	}
	out.Categories = make([]Category, len(p.Categories))
	for i, cat := range p.Categories {
		out.Categories[i] = cat
		if cat.Channels == nil {
			continue
		}
		out.Categories[i].Channels = make([]Channel, len(cat.Channels))
		for j, ch := range cat.Channels {
			out.Categories[i].Channels[j] = ch
			if ch.Occupants != nil {
				out.Categories[i].Channels[j].Occupants = append([]Occupant(nil), ch.Occupants...)
			}
		}
	}
	return out
}

// Locate finds the channel a user currently occupies.
func (p PresenceSnapshot) Locate(userID string) (Channel, Occupant, bool) {
	for _, cat := range p.Categories {
		for _, ch := range cat.Channels {
			for _, occ := range ch.Occupants {
				if occ.UserID == userID {
					return ch, occ, true
				}
			}
		}
	}
	return Channel{}, Occupant{}, false
}
