package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func TestNew(t *testing.T) {
	e, err := events.New(events.PhaseChanged, "s1", "g1", map[string]string{"phase": "DAY"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, events.PhaseChanged, e.Type)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "g1", e.GuildID)
	assert.JSONEq(t, `{"phase":"DAY"}`, string(e.Payload))
	assert.Equal(t, "clocktower.events.PhaseChanged", events.Subject("clocktower.events", e))

	t.Run("nil payload", func(t *testing.T) {
		e, err := events.New(events.SessionDeleted, "s1", "", nil)
		require.NoError(t, err)
		assert.Nil(t, e.Payload)
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		_, err := events.New(events.SessionDeleted, "s1", "", make(chan int))
		assert.Error(t, err)
	})

	t.Run("envelope field names", func(t *testing.T) {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "PhaseChanged", env["eventType"])
		assert.Equal(t, "s1", env["sessionId"])
	})
}

func TestRelay_PublishesInEmitOrder(t *testing.T) {
	p := &recordingPublisher{}
	r := events.NewRelay(events.DefaultRelayConfig(), p)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	for i := 0; i < 10; i++ {
		e, err := events.New(events.TimerStarted, "s1", "", i)
		require.NoError(t, err)
		r.Emit(e)
	}

	require.Eventually(t, func() bool { return len(p.published()) == 10 }, time.Second, 5*time.Millisecond)
	for i, e := range p.published() {
		assert.JSONEq(t, string(mustJSON(t, i)), string(e.Payload))
	}
	assert.Equal(t, uint64(10), r.GetStats()["published"])
}

func TestRelay_DropsWhenFull(t *testing.T) {
	r := events.NewRelay(events.RelayConfig{BufferSize: 2}, &recordingPublisher{})

	for i := 0; i < 5; i++ {
		r.Emit(events.Event{ID: "e", Type: events.PhaseChanged})
	}

	stats := r.GetStats()
	assert.Equal(t, uint64(3), stats["dropped"])
	assert.Equal(t, 2, stats["pending"])
}

func TestRelay_FlushesOnShutdown(t *testing.T) {
	p := &recordingPublisher{}
	r := events.NewRelay(events.DefaultRelayConfig(), p)
	r.Emit(events.Event{ID: "a", Type: events.SessionStarted})
	r.Emit(events.Event{ID: "b", Type: events.SessionDeleted})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Start(ctx)

	assert.Len(t, p.published(), 2)
}

func TestRelay_CountsFailures(t *testing.T) {
	p := &recordingPublisher{fail: true}
	r := events.NewRelay(events.DefaultRelayConfig(), p)
	r.Emit(events.Event{ID: "a", Type: events.SessionStarted})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Start(ctx)

	assert.Equal(t, uint64(1), r.GetStats()["failed"])
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
