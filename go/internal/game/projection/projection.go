// Package projection derives what a single viewer may see of a session.
package projection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

// Field names a participant attribute that can be withheld from viewers
// who are not the facilitator.
type Field string

const (
	FieldVoiceState Field = "voice_state"
	FieldPresence   Field = "presence"
	FieldAvatar     Field = "avatar"
)

// Rules configures visibility for non-facilitator viewers. Role and the
// is-playing flag are always visible.
type Rules struct {
	Withheld []Field `yaml:"withheld"`
	// RevealSelf lets a viewer see their own withheld fields.
	RevealSelf bool `yaml:"reveal_self"`
}

// DefaultRules hides detailed voice flags from everyone but the facilitator.
func DefaultRules() Rules {
	return Rules{Withheld: []Field{FieldVoiceState}}
}

// LoadRules reads rules from a YAML file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read visibility rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse visibility rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate rejects unknown field names.
func (r Rules) Validate() error {
	for _, f := range r.Withheld {
		switch f {
		case FieldVoiceState, FieldPresence, FieldAvatar:
		default:
			return fmt.Errorf("unknown withheld field %q", f)
		}
	}
	return nil
}

func (r Rules) withholds(f Field) bool {
	for _, w := range r.Withheld {
		if w == f {
			return true
		}
	}
	return false
}

// Builder computes viewer projections. It holds no mutable state and is safe
// for concurrent use.
type Builder struct {
	rules Rules
}

// NewBuilder creates a builder applying rules.
func NewBuilder(rules Rules) *Builder {
	return &Builder{rules: rules}
}

// Build returns the projection of s for viewerID. It never fails: a viewer
// who is not a participant is treated as RoleUnknown. The result depends only
// on s, viewerID and the builder's rules.
func (b *Builder) Build(s models.Session, viewerID string) models.ViewerProjection {
	role := s.RoleOf(viewerID)
	full := role.IsFacilitator()

	views := make([]models.ParticipantView, 0, len(s.Participants))
	for _, p := range s.Participants {
		reveal := full || (b.rules.RevealSelf && p.ID == viewerID)
		views = append(views, b.view(p, reveal))
	}

	return models.ViewerProjection{
		SessionID:    s.ID,
		GuildID:      s.GuildID,
		ViewerID:     viewerID,
		ViewerRole:   role,
		Phase:        s.Phase,
		Participants: views,
	}
}

func (b *Builder) view(p models.Participant, reveal bool) models.ParticipantView {
	v := models.ParticipantView{
		ID:        p.ID,
		Name:      p.Name,
		Role:      p.Role,
		IsPlaying: p.IsPlaying,
	}
	if reveal || !b.rules.withholds(FieldAvatar) {
		v.AvatarURL = p.AvatarURL
	}
	if reveal || !b.rules.withholds(FieldPresence) {
		present := p.IsPresent
		v.IsPresent = &present
	}
	if reveal || !b.rules.withholds(FieldVoiceState) {
		voice := p.VoiceState
		v.VoiceState = &voice
	}
	return v
}
