// Package game is the session sync service: it owns the session and
// projection stores and turns every mutation into per-viewer broadcasts.
//
// Each mutation runs as a single transform under the session's key lock.
// The transform validates, applies the change, stores the refreshed
// projections and hands the broadcast to the gateway before the lock is
// released, so subscribers receive updates in commit order and a failed
// validation leaves both state and subscribers untouched.
//
// Lock order: session -> timer -> gateway membership, and session ->
// projection / presence. Nothing takes a session lock while holding any of
// the others.
package game

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/apperr"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/presence"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/projection"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/timer"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/store"
)

var errUnchanged = errors.New("unchanged")

// App handles game session business logic
type App struct {
	sessions    *store.Store[string, models.Session]
	projections *store.Store[models.ProjectionKey, models.ViewerProjection]
	builder     *projection.Builder
	timers      *timer.Coordinator
	gateway     *gateway.Gateway
	presence    *presence.Store
	emitter     events.Emitter
	clock       clockwork.Clock
}

// NewApp creates a new game App. emitter may be nil.
func NewApp(
	builder *projection.Builder,
	timers *timer.Coordinator,
	gw *gateway.Gateway,
	presenceStore *presence.Store,
	emitter events.Emitter,
	clock clockwork.Clock,
) *App {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &App{
		sessions:    store.New[string](models.Session.Clone),
		projections: store.New[models.ProjectionKey](models.ViewerProjection.Clone),
		builder:     builder,
		timers:      timers,
		gateway:     gw,
		presence:    presenceStore,
		emitter:     emitter,
		clock:       clock,
	}
}

// StartSession opens a session with its creator as the storyteller.
func (a *App) StartSession(ctx context.Context, req StartSessionRequest) (models.Session, error) {
	if req.GuildID == "" || req.CreatedBy == "" {
		return models.Session{}, fmt.Errorf("guild_id and created_by: %w", apperr.ErrInvalidID)
	}
	if req.MaxParticipants != nil && *req.MaxParticipants < 1 {
		return models.Session{}, fmt.Errorf("max_participants must be positive: %w", apperr.ErrInvalid)
	}

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	s := models.Session{
		ID:      id,
		GuildID: req.GuildID,
		Participants: []models.Participant{{
			ID:        req.CreatedBy,
			Name:      req.CreatorName,
			AvatarURL: req.CreatorAvatarURL,
			Role:      models.RoleStoryTeller,
		}},
		CreatedAt: a.clock.Now().UTC(),
		CreatedBy: req.CreatedBy,
		Phase:     models.PhaseUnknown,
	}
	if req.MaxParticipants != nil {
		limit := *req.MaxParticipants
		s.MaxParticipants = &limit
	}

	conflict := false
	committed, _ := a.sessions.Compute(id, func(cur models.Session, exists bool) (models.Session, bool) {
		if exists {
			conflict = true
			return cur, true
		}
		a.applyPresence(&s)
		a.refresh(s)
		return s, true
	})
	if conflict {
		return models.Session{}, fmt.Errorf("session %q: %w", id, apperr.ErrSessionExists)
	}

	log.Info().
		Str("session_id", id).
		Str("guild_id", committed.GuildID).
		Str("created_by", committed.CreatedBy).
		Msg("session started")
	a.emit(events.SessionStarted, committed, committed)

	return committed, nil
}

// AddParticipant adds a participant to a session.
func (a *App) AddParticipant(ctx context.Context, req AddParticipantRequest) (models.Session, error) {
	if req.ParticipantID == "" {
		return models.Session{}, fmt.Errorf("participant_id: %w", apperr.ErrInvalidID)
	}
	role := req.Role
	if role == "" {
		role = models.RolePlayer
	}
	if !assignable(role) {
		return models.Session{}, fmt.Errorf("%q: %w", role, apperr.ErrInvalidRole)
	}

	p := models.Participant{
		ID:        req.ParticipantID,
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
		Role:      role,
		IsPlaying: role == models.RolePlayer,
	}

	s, err := a.mutate(req.SessionID, func(s *models.Session) error {
		if s.HasParticipant(p.ID) {
			return fmt.Errorf("participant %q: %w", p.ID, apperr.ErrParticipantExists)
		}
		if s.IsFull() {
			return fmt.Errorf("session %q: %w", s.ID, apperr.ErrSessionFull)
		}
		s.Participants = append(s.Participants, p)
		a.applyPresence(s)
		return nil
	}, req.ActorID)
	if err != nil {
		return models.Session{}, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("participant_id", p.ID).
		Str("role", string(p.Role)).
		Msg("participant added")
	added, _ := s.Participant(p.ID)
	a.emit(events.ParticipantAdded, s, added)

	return s, nil
}

// RemoveParticipant removes a participant from a session.
func (a *App) RemoveParticipant(ctx context.Context, req RemoveParticipantRequest) (models.Session, error) {
	if req.ParticipantID == "" {
		return models.Session{}, fmt.Errorf("participant_id: %w", apperr.ErrInvalidID)
	}

	s, err := a.mutate(req.SessionID, func(s *models.Session) error {
		if !s.RemoveParticipant(req.ParticipantID) {
			return fmt.Errorf("participant %q: %w", req.ParticipantID, apperr.ErrParticipantNotFound)
		}
		return nil
	}, req.ActorID, req.ParticipantID)
	if err != nil {
		return models.Session{}, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("participant_id", req.ParticipantID).
		Msg("participant removed")
	a.emit(events.ParticipantRemoved, s, map[string]string{"participant_id": req.ParticipantID})

	return s, nil
}

// ChangeParticipantRole changes the role of a participant.
func (a *App) ChangeParticipantRole(ctx context.Context, req ChangeRoleRequest) (models.Session, error) {
	if req.ParticipantID == "" {
		return models.Session{}, fmt.Errorf("participant_id: %w", apperr.ErrInvalidID)
	}
	if !assignable(req.Role) {
		return models.Session{}, fmt.Errorf("%q: %w", req.Role, apperr.ErrInvalidRole)
	}

	s, err := a.mutate(req.SessionID, func(s *models.Session) error {
		found := s.UpdateParticipant(req.ParticipantID, func(p *models.Participant) {
			p.Role = req.Role
			p.IsPlaying = req.Role == models.RolePlayer
		})
		if !found {
			return fmt.Errorf("participant %q: %w", req.ParticipantID, apperr.ErrParticipantNotFound)
		}
		return nil
	}, req.ActorID)
	if err != nil {
		return models.Session{}, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("participant_id", req.ParticipantID).
		Str("role", string(req.Role)).
		Msg("participant role changed")
	a.emit(events.ParticipantRoleChanged, s, map[string]string{
		"participant_id": req.ParticipantID,
		"role":           string(req.Role),
	})

	return s, nil
}

// SetPhase moves a session to phase.
func (a *App) SetPhase(ctx context.Context, req SetPhaseRequest) (models.Session, error) {
	if !req.Phase.Valid() {
		return models.Session{}, fmt.Errorf("%q: %w", req.Phase, apperr.ErrInvalidPhase)
	}

	s, err := a.mutate(req.SessionID, func(s *models.Session) error {
		s.Phase = req.Phase
		return nil
	}, req.ActorID)
	if err != nil {
		return models.Session{}, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("phase", string(s.Phase)).
		Msg("phase changed")
	a.emit(events.PhaseChanged, s, map[string]string{"phase": string(s.Phase)})

	return s, nil
}

// JoinSubscriber adds subscriberID to the session's group and pushes it
// exactly one full snapshot of its projection.
func (a *App) JoinSubscriber(ctx context.Context, sessionID, subscriberID string) (models.ViewerProjection, error) {
	if sessionID == "" || subscriberID == "" {
		return models.ViewerProjection{}, fmt.Errorf("session_id and subscriber_id: %w", apperr.ErrInvalidID)
	}

	var proj models.ViewerProjection
	_, err := a.sessions.Modify(sessionID, func(s models.Session) (models.Session, error) {
		// Joining and the snapshot push share the session lock with every
		// broadcast, so the joiner sees either the snapshot alone or the
		// snapshot followed by later updates.
		a.gateway.Join(subscriberID, s.ID)
		proj = a.builder.Build(s, subscriberID)
		a.storeProjection(proj)
		a.gateway.NotifyUser(subscriberID, gateway.NewMessage(gateway.TypeSessionSnapshot, s.ID, proj))

		if t := a.timers.Get(s.ID); t.Status != models.TimerStatusNone {
			a.gateway.NotifyUser(subscriberID, gateway.NewMessage(gateway.TypeTimerUpdated, s.ID, t))
		}
		return s, nil
	})
	if err != nil {
		return models.ViewerProjection{}, a.sessionError(sessionID, err)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("subscriber_id", subscriberID).
		Msg("subscriber joined")

	return proj.Clone(), nil
}

// LeaveSubscriber removes subscriberID from the session's group.
func (a *App) LeaveSubscriber(ctx context.Context, sessionID, subscriberID string) error {
	if sessionID == "" || subscriberID == "" {
		return fmt.Errorf("session_id and subscriber_id: %w", apperr.ErrInvalidID)
	}
	if a.gateway.Leave(subscriberID, sessionID) {
		log.Debug().
			Str("session_id", sessionID).
			Str("subscriber_id", subscriberID).
			Msg("subscriber left")
	}
	return nil
}

// DropSubscriber removes subscriberID from every group. It is called when
// the subscriber's last connection closes.
func (a *App) DropSubscriber(ctx context.Context, subscriberID string) {
	sessions := a.gateway.Drop(subscriberID)
	if len(sessions) > 0 {
		log.Debug().
			Str("subscriber_id", subscriberID).
			Strs("sessions", sessions).
			Msg("subscriber dropped")
	}
}

// DeleteSession removes a session, its projections and its timer, and tells
// its group before dissolving it.
func (a *App) DeleteSession(ctx context.Context, req DeleteSessionRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("session_id: %w", apperr.ErrInvalidID)
	}

	var deleted models.Session
	var projections int
	ok := a.sessions.RemoveFunc(req.SessionID, func(s models.Session) {
		deleted = s
		a.timers.Clear(s.ID)
		projections = a.projections.DeleteMatching(func(k models.ProjectionKey, _ models.ViewerProjection) bool {
			return k.SessionID == s.ID
		})
		a.gateway.Publish(s.ID, gateway.NewMessage(gateway.TypeSessionDeleted, s.ID, gateway.SessionDeletedPayload{
			SessionID: s.ID,
			DeletedBy: req.ActorID,
			DeletedAt: a.clock.Now().UTC(),
		}))
		a.gateway.DisconnectGroup(s.ID)
	})
	if !ok {
		return fmt.Errorf("session %q: %w", req.SessionID, apperr.ErrSessionNotFound)
	}

	log.Info().
		Str("session_id", req.SessionID).
		Str("deleted_by", req.ActorID).
		Int("projections", projections).
		Msg("session deleted")
	a.emit(events.SessionDeleted, deleted, map[string]string{"deleted_by": req.ActorID})

	return nil
}

// GetSession returns a session aggregate.
func (a *App) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return models.Session{}, fmt.Errorf("session %q: %w", sessionID, apperr.ErrSessionNotFound)
	}
	return s, nil
}

// ListSessions returns the sessions of guildID, or of every guild when
// guildID is empty, oldest first.
func (a *App) ListSessions(ctx context.Context, guildID string) ([]models.Session, error) {
	out := a.sessions.AllMatching(func(s models.Session) bool {
		return guildID == "" || s.GuildID == guildID
	})
	slices.SortFunc(out, func(x, y models.Session) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

// GetProjection returns what viewerID sees of a session.
func (a *App) GetProjection(ctx context.Context, sessionID, viewerID string) (models.ViewerProjection, error) {
	if viewerID == "" {
		return models.ViewerProjection{}, fmt.Errorf("viewer_id: %w", apperr.ErrInvalidID)
	}
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return models.ViewerProjection{}, fmt.Errorf("session %q: %w", sessionID, apperr.ErrSessionNotFound)
	}
	if p, ok := a.projections.Get(models.ProjectionKey{SessionID: sessionID, ViewerID: viewerID}); ok {
		return p, nil
	}
	return a.builder.Build(s, viewerID), nil
}

// GetTimer returns the countdown of a session. A session without one, or
// one that no longer exists, reports status None.
func (a *App) GetTimer(ctx context.Context, sessionID string) (models.TimerState, error) {
	if sessionID == "" {
		return models.TimerState{}, fmt.Errorf("session_id: %w", apperr.ErrInvalidID)
	}
	return a.timers.Get(sessionID), nil
}

// StartOrEditTimer starts the session's countdown, replacing a running one.
// A nil label keeps the current label.
func (a *App) StartOrEditTimer(ctx context.Context, sessionID string, durationSeconds int, label *string) (models.TimerState, error) {
	if sessionID == "" {
		return models.TimerState{}, fmt.Errorf("session_id: %w", apperr.ErrInvalidID)
	}
	d, ok := timerDuration(durationSeconds, a.timers.MaxDuration())
	if !ok {
		return models.TimerState{}, fmt.Errorf("%d seconds: %w", durationSeconds, apperr.ErrInvalidDuration)
	}

	var state models.TimerState
	_, err := a.sessions.Modify(sessionID, func(s models.Session) (models.Session, error) {
		var err error
		state, err = a.timers.StartOrEdit(s.ID, d, label)
		return s, err
	})
	if err != nil {
		return models.TimerState{}, a.sessionError(sessionID, err)
	}
	return state, nil
}

// CancelTimer stops the session's countdown. Cancelling a timer that is not
// running is not an error.
func (a *App) CancelTimer(ctx context.Context, sessionID string) (models.TimerState, error) {
	if sessionID == "" {
		return models.TimerState{}, fmt.Errorf("session_id: %w", apperr.ErrInvalidID)
	}

	var state models.TimerState
	_, err := a.sessions.Modify(sessionID, func(s models.Session) (models.Session, error) {
		var err error
		state, err = a.timers.Cancel(s.ID)
		return s, err
	})
	if err != nil {
		return models.TimerState{}, a.sessionError(sessionID, err)
	}
	return state, nil
}

// GetPresence returns the cached presence snapshot of a guild.
func (a *App) GetPresence(ctx context.Context, guildID string) (models.PresenceSnapshot, error) {
	snap, ok := a.presence.Get(guildID)
	if !ok {
		return models.PresenceSnapshot{}, fmt.Errorf("guild %q: %w", guildID, apperr.ErrPresenceNotFound)
	}
	return snap, nil
}

// ReplacePresence stores a guild's snapshot and brings the presence flags of
// every session in that guild up to date.
func (a *App) ReplacePresence(ctx context.Context, guildID string, snap models.PresenceSnapshot) error {
	if guildID == "" {
		return fmt.Errorf("guild_id: %w", apperr.ErrInvalidID)
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = a.clock.Now().UTC()
	}
	stored := a.presence.Replace(guildID, snap)

	synced := 0
	for _, s := range a.sessions.AllMatching(func(s models.Session) bool { return s.GuildID == guildID }) {
		_, err := a.sessions.Modify(s.ID, func(s models.Session) (models.Session, error) {
			// re-read under the session lock so racing replacements converge
			// on whichever snapshot is stored last
			if !a.applyPresence(&s) {
				return s, errUnchanged
			}
			a.refresh(s)
			return s, nil
		})
		if err == nil {
			synced++
		}
	}

	log.Info().
		Str("guild_id", guildID).
		Int("sessions_synced", synced).
		Msg("presence replaced")
	e, err := events.New(events.PresenceReplaced, "", guildID, map[string]any{
		"captured_at":     stored.CapturedAt,
		"sessions_synced": synced,
	})
	if err == nil {
		a.emitter.Emit(e)
	}
	return nil
}

// InvalidatePresence drops a guild's cached snapshot. Participants keep their
// last known presence until the next snapshot arrives.
func (a *App) InvalidatePresence(ctx context.Context, guildID string) error {
	if guildID == "" {
		return fmt.Errorf("guild_id: %w", apperr.ErrInvalidID)
	}
	existed := a.presence.Invalidate(guildID)
	log.Debug().
		Str("guild_id", guildID).
		Bool("existed", existed).
		Msg("presence invalidated")
	return nil
}

// Ping sends an out-of-band notice to one subscriber.
func (a *App) Ping(ctx context.Context, subscriberID, text string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id: %w", apperr.ErrInvalidID)
	}
	a.gateway.NotifyUser(subscriberID, gateway.NewMessage(gateway.TypePing, "", gateway.PingPayload{Text: text}))
	return nil
}

// Stats returns counters describing the service.
func (a *App) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sessions":       a.sessions.Len(),
		"projections":    a.projections.Len(),
		"running_timers": len(a.timers.Running()),
		"gateway":        a.gateway.GetStats(),
	}
}

// mutate applies fn to the session under its lock and, when fn succeeds,
// refreshes projections and broadcasts before the lock is released. extra
// names viewers beyond the participants and group members whose projection
// is affected.
func (a *App) mutate(sessionID string, fn func(*models.Session) error, extra ...string) (models.Session, error) {
	if sessionID == "" {
		return models.Session{}, fmt.Errorf("session_id: %w", apperr.ErrInvalidID)
	}
	s, err := a.sessions.Modify(sessionID, func(s models.Session) (models.Session, error) {
		if err := fn(&s); err != nil {
			return s, err
		}
		a.refresh(s, extra...)
		return s, nil
	})
	if err != nil {
		return models.Session{}, a.sessionError(sessionID, err)
	}
	return s, nil
}

func (a *App) sessionError(sessionID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session %q: %w", sessionID, apperr.ErrSessionNotFound)
	}
	if apperr.KindOf(err) == apperr.KindUnexpected {
		log.Error().Err(err).Str("session_id", sessionID).Msg("unexpected session failure")
		return apperr.Unexpected("session "+sessionID, err)
	}
	return err
}

// refresh must run under the session's lock.
func (a *App) refresh(s models.Session, extra ...string) {
	ids := make([]string, 0, len(s.Participants)+len(extra))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	ids = append(ids, extra...)
	ids = append(ids, a.gateway.Members(s.ID)...)

	built := make(map[string]models.ViewerProjection, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := built[id]; ok {
			continue
		}
		p := a.builder.Build(s, id)
		built[id] = p
		a.storeProjection(p)
	}

	a.gateway.PublishEach(s.ID, func(subscriberID string) gateway.Message {
		p, ok := built[subscriberID]
		if !ok {
			p = a.builder.Build(s, subscriberID)
			a.storeProjection(p)
		}
		return gateway.NewMessage(gateway.TypeSessionUpdated, s.ID, p)
	})
}

func (a *App) storeProjection(p models.ViewerProjection) {
	key := models.ProjectionKey{SessionID: p.SessionID, ViewerID: p.ViewerID}
	a.projections.Upsert(key, func(models.ViewerProjection, bool) models.ViewerProjection {
		return p
	})
}

// applyPresence copies presence flags from the guild's snapshot onto the
// participants and reports whether anything changed. Without a snapshot the
// session is left as is.
func (a *App) applyPresence(s *models.Session) bool {
	snap, ok := a.presence.Get(s.GuildID)
	if !ok {
		return false
	}
	changed := false
	for i := range s.Participants {
		p := &s.Participants[i]
		_, occ, present := snap.Locate(p.ID)
		voice := models.VoiceState{}
		if present {
			voice = occ.VoiceState
		}
		if p.IsPresent != present || p.VoiceState != voice {
			p.IsPresent = present
			p.VoiceState = voice
			changed = true
		}
	}
	return changed
}

func (a *App) emit(t events.Type, s models.Session, payload any) {
	e, err := events.New(t, s.ID, s.GuildID, payload)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("failed to build domain event")
		return
	}
	a.emitter.Emit(e)
}

func assignable(r models.Role) bool {
	return r.Valid() && r != models.RoleUnknown
}
