package events

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Publisher writes an event to its sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher logs events instead of publishing them. It stands in when
// no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event Event) error {
	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("session_id", event.SessionID).
		Str("guild_id", event.GuildID).
		RawJSON("payload", nonEmpty(event.Payload)).
		Msg("domain event")
	return nil
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// RelayConfig holds relay settings.
type RelayConfig struct {
	BufferSize int
}

// DefaultRelayConfig returns default relay settings.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BufferSize: 512}
}

// Relay buffers emitted events and publishes them from a single worker, so
// events leave in emit order.
type Relay struct {
	publisher Publisher
	ch        chan Event

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewRelay creates a relay that publishes through p.
func NewRelay(config RelayConfig, p Publisher) *Relay {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultRelayConfig().BufferSize
	}
	return &Relay{
		publisher: p,
		ch:        make(chan Event, config.BufferSize),
	}
}

// Emit queues event for publishing. When the buffer is full the event is
// dropped and logged.
func (r *Relay) Emit(event Event) {
	select {
	case r.ch <- event:
	default:
		r.dropped.Add(1)
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("session_id", event.SessionID).
			Msg("event relay buffer full, dropping event")
	}
}

// Start publishes queued events until ctx is cancelled. Events still queued
// at cancellation are flushed with a background context.
func (r *Relay) Start(ctx context.Context) {
	log.Info().Msg("event relay started")

	for {
		select {
		case <-ctx.Done():
			r.flush()
			log.Info().Msg("event relay shutting down")
			return
		case event := <-r.ch:
			r.publish(ctx, event)
		}
	}
}

func (r *Relay) flush() {
	for {
		select {
		case event := <-r.ch:
			r.publish(context.Background(), event)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, event Event) {
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.failed.Add(1)
		log.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("failed to publish event")
		return
	}
	r.published.Add(1)
}

// GetStats returns relay counters.
func (r *Relay) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"published": r.published.Load(),
		"failed":    r.failed.Load(),
		"dropped":   r.dropped.Load(),
		"pending":   len(r.ch),
	}
}
