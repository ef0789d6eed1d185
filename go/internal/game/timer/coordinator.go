// Package timer runs the single authoritative countdown of each session.
//
// Every transition of a session's timer (start, edit, cancel, completion)
// happens under that session's key lock in the timer store. A countdown
// carries a cancellation flag that is set under the same lock when it is
// superseded or cancelled, and the completion callback checks it under that
// lock before committing. A superseded countdown therefore can never complete
// the period that replaced it.
package timer

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/apperr"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/store"
)

var errStale = errors.New("countdown superseded")

// Config holds coordinator settings.
type Config struct {
	MaxDuration time.Duration
}

// DefaultConfig returns default coordinator settings.
func DefaultConfig() Config {
	return Config{MaxDuration: 24 * time.Hour}
}

type countdown struct {
	timer     clockwork.Timer
	cancelled bool
}

// stop must be called with the session's key locked.
func (cd *countdown) stop() {
	cd.cancelled = true
	if cd.timer != nil {
		cd.timer.Stop()
	}
}

type record struct {
	state models.TimerState
	cd    *countdown
}

func cloneRecord(r record) record {
	if r.state.EndUTC != nil {
		end := *r.state.EndUTC
		r.state.EndUTC = &end
	}
	return r
}

// Coordinator owns the timers of every session.
type Coordinator struct {
	clock     clockwork.Clock
	timers    *store.Store[string, record]
	publisher gateway.Publisher
	emitter   events.Emitter
	config    Config
}

// New creates a coordinator. emitter may be nil.
func New(config Config, clock clockwork.Clock, publisher gateway.Publisher, emitter events.Emitter) *Coordinator {
	if config.MaxDuration <= 0 {
		config.MaxDuration = DefaultConfig().MaxDuration
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Coordinator{
		clock:     clock,
		timers:    store.New[string](cloneRecord),
		publisher: publisher,
		emitter:   emitter,
		config:    config,
	}
}

// MaxDuration returns the longest accepted countdown.
func (c *Coordinator) MaxDuration() time.Duration {
	return c.config.MaxDuration
}

// Get returns the timer of sessionID, or a None state stamped with the
// current server time when the session has never had one.
func (c *Coordinator) Get(sessionID string) models.TimerState {
	rec, ok := c.timers.Get(sessionID)
	if !ok {
		return c.none(sessionID)
	}
	return rec.state
}

func (c *Coordinator) none(sessionID string) models.TimerState {
	return models.TimerState{
		SessionID:    sessionID,
		Status:       models.TimerStatusNone,
		ServerNowUTC: c.clock.Now().UTC(),
	}
}

// StartOrEdit starts a countdown of d for sessionID, superseding any countdown
// already running. A nil label keeps the previous label.
func (c *Coordinator) StartOrEdit(sessionID string, d time.Duration, label *string) (models.TimerState, error) {
	if sessionID == "" {
		return models.TimerState{}, apperr.ErrInvalidID
	}
	if d <= 0 || d > c.config.MaxDuration {
		return models.TimerState{}, apperr.ErrInvalidDuration
	}

	superseded := false
	rec := c.timers.Upsert(sessionID, func(cur record, exists bool) record {
		if cur.cd != nil {
			superseded = !cur.cd.cancelled
			cur.cd.stop()
		}

		now := c.clock.Now().UTC()
		end := now.Add(d)
		next := record{
			state: models.TimerState{
				SessionID:    sessionID,
				Status:       models.TimerStatusRunning,
				ServerNowUTC: now,
				EndUTC:       &end,
				Label:        cur.state.Label,
			},
			cd: &countdown{},
		}
		if label != nil {
			next.state.Label = *label
		}

		cd := next.cd
		cd.timer = c.clock.AfterFunc(d, func() { c.expire(sessionID, cd) })
		c.broadcast(next.state)
		return next
	})

	log.Info().
		Str("session_id", sessionID).
		Dur("duration", d).
		Time("end_utc", *rec.state.EndUTC).
		Bool("superseded", superseded).
		Msg("timer started")
	c.emit(events.TimerStarted, rec.state)

	return rec.state, nil
}

// Cancel stops the running countdown of sessionID. Cancelling a timer that is
// not running changes nothing and returns the current state.
func (c *Coordinator) Cancel(sessionID string) (models.TimerState, error) {
	if sessionID == "" {
		return models.TimerState{}, apperr.ErrInvalidID
	}

	changed := false
	rec, err := c.timers.Modify(sessionID, func(cur record) (record, error) {
		if cur.state.Status != models.TimerStatusRunning {
			return cur, nil
		}
		if cur.cd != nil {
			cur.cd.stop()
			cur.cd = nil
		}
		cur.state.Status = models.TimerStatusCancelled
		cur.state.ServerNowUTC = c.clock.Now().UTC()
		cur.state.EndUTC = nil
		changed = true
		c.broadcast(cur.state)
		return cur, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return c.none(sessionID), nil
	}
	if err != nil {
		return models.TimerState{}, apperr.Unexpected("cancel timer", err)
	}

	if changed {
		log.Info().Str("session_id", sessionID).Msg("timer cancelled")
		c.emit(events.TimerCancelled, rec.state)
	}
	return rec.state, nil
}

// Clear drops the timer of sessionID without broadcasting. It is used when
// the session itself goes away.
func (c *Coordinator) Clear(sessionID string) bool {
	return c.timers.RemoveFunc(sessionID, func(r record) {
		if r.cd != nil {
			r.cd.stop()
		}
	})
}

// Running returns the ids of sessions whose countdown is running.
func (c *Coordinator) Running() []string {
	var ids []string
	c.timers.Range(func(id string, r record) bool {
		if r.state.Status == models.TimerStatusRunning {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func (c *Coordinator) expire(sessionID string, cd *countdown) {
	rec, err := c.timers.Modify(sessionID, func(cur record) (record, error) {
		if cur.cd != cd || cd.cancelled || cur.state.Status != models.TimerStatusRunning {
			return cur, errStale
		}
		cur.cd = nil
		cur.state.Status = models.TimerStatusCompleted
		cur.state.ServerNowUTC = c.clock.Now().UTC()
		c.broadcast(cur.state)
		return cur, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("ignoring stale countdown")
		return
	}

	log.Info().Str("session_id", sessionID).Str("label", rec.state.Label).Msg("timer completed")
	c.emit(events.TimerCompleted, rec.state)
}

// broadcast runs under the session's key lock so group members see timer
// transitions in commit order.
func (c *Coordinator) broadcast(state models.TimerState) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(state.SessionID, gateway.NewMessage(gateway.TypeTimerUpdated, state.SessionID, state))
}

func (c *Coordinator) emit(t events.Type, state models.TimerState) {
	e, err := events.New(t, state.SessionID, "", state)
	if err != nil {
		log.Error().Err(err).Str("session_id", state.SessionID).Msg("failed to build timer event")
		return
	}
	c.emitter.Emit(e)
}
