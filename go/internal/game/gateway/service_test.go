package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	received map[string][]gateway.Message
	failFor  map[string]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{
		received: make(map[string][]gateway.Message),
		failFor:  make(map[string]bool),
	}
}

func (d *recordingDeliverer) Deliver(_ context.Context, subscriberID string, msg gateway.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[subscriberID] {
		return errors.New("connection closed")
	}
	d.received[subscriberID] = append(d.received[subscriberID], msg)
	return nil
}

func (d *recordingDeliverer) messages(subscriberID string) []gateway.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gateway.Message(nil), d.received[subscriberID]...)
}

func (d *recordingDeliverer) count(subscriberID string) int {
	return len(d.messages(subscriberID))
}

func startGateway(t *testing.T) (*gateway.Gateway, *recordingDeliverer) {
	t.Helper()
	d := newRecordingDeliverer()
	g := gateway.New(gateway.DefaultConfig(), d)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Start(ctx)
	return g, d
}

func TestGateway_Membership(t *testing.T) {
	g := gateway.New(gateway.DefaultConfig(), newRecordingDeliverer())

	t.Run("join is idempotent", func(t *testing.T) {
		assert.True(t, g.Join("u1", "s1"))
		assert.False(t, g.Join("u1", "s1"))
		assert.ElementsMatch(t, []string{"u1"}, g.Members("s1"))
		assert.True(t, g.IsMember("u1", "s1"))
	})

	t.Run("leave removes only that group", func(t *testing.T) {
		g.Join("u1", "s2")
		assert.True(t, g.Leave("u1", "s1"))
		assert.False(t, g.Leave("u1", "s1"))
		assert.Empty(t, g.Members("s1"))
		assert.ElementsMatch(t, []string{"s2"}, g.Subscriptions("u1"))
	})

	t.Run("drop leaves every group", func(t *testing.T) {
		g.Join("u1", "s3")
		g.Join("u2", "s3")
		affected := g.Drop("u1")
		assert.ElementsMatch(t, []string{"s2", "s3"}, affected)
		assert.Empty(t, g.Subscriptions("u1"))
		assert.ElementsMatch(t, []string{"u2"}, g.Members("s3"))
		assert.Nil(t, g.Drop("u1"))
	})

	t.Run("disconnect group", func(t *testing.T) {
		g.Join("u3", "s3")
		former := g.DisconnectGroup("s3")
		assert.ElementsMatch(t, []string{"u2", "u3"}, former)
		assert.Empty(t, g.Members("s3"))
		assert.Empty(t, g.Subscriptions("u2"))
		assert.Nil(t, g.DisconnectGroup("s3"))
	})

	t.Run("unknown ids", func(t *testing.T) {
		assert.Empty(t, g.Members("nope"))
		assert.Empty(t, g.Subscriptions("nobody"))
		assert.False(t, g.IsMember("nobody", "nope"))
	})
}

func TestGateway_PublishReachesOnlyMembers(t *testing.T) {
	g, d := startGateway(t)
	g.Join("u1", "s1")
	g.Join("u2", "s1")
	g.Join("u3", "other")

	g.Publish("s1", gateway.NewMessage(gateway.TypeSessionUpdated, "s1", nil))

	assert.Eventually(t, func() bool {
		return d.count("u1") == 1 && d.count("u2") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.count("u3"))
}

func TestGateway_PublishEachBuildsPerSubscriber(t *testing.T) {
	g, d := startGateway(t)
	g.Join("u1", "s1")
	g.Join("u2", "s1")

	g.PublishEach("s1", func(sub string) gateway.Message {
		return gateway.NewMessage(gateway.TypeSessionUpdated, "s1", sub)
	})

	require.Eventually(t, func() bool {
		return d.count("u1") == 1 && d.count("u2") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", d.messages("u1")[0].Data)
	assert.Equal(t, "u2", d.messages("u2")[0].Data)
}

func TestGateway_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	g, d := startGateway(t)
	d.mu.Lock()
	d.failFor["broken"] = true
	d.mu.Unlock()

	g.Join("broken", "s1")
	g.Join("ok", "s1")

	for i := 0; i < 3; i++ {
		g.Publish("s1", gateway.NewMessage(gateway.TypeTimerUpdated, "s1", i))
	}

	require.Eventually(t, func() bool { return d.count("ok") == 3 }, time.Second, 5*time.Millisecond)
	msgs := d.messages("ok")
	for i, m := range msgs {
		assert.Equal(t, i, m.Data, "messages keep publish order")
	}
	assert.Eventually(t, func() bool {
		return g.GetStats()["failed"].(uint64) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestGateway_PublishBeforeDisconnectIsDelivered(t *testing.T) {
	d := newRecordingDeliverer()
	g := gateway.New(gateway.DefaultConfig(), d)
	g.Join("u1", "s1")

	g.Publish("s1", gateway.NewMessage(gateway.TypeSessionDeleted, "s1", nil))
	g.DisconnectGroup("s1")
	g.Publish("s1", gateway.NewMessage(gateway.TypeSessionUpdated, "s1", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Start(ctx)

	require.Eventually(t, func() bool { return d.count("u1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gateway.TypeSessionDeleted, d.messages("u1")[0].Type)
}

func TestGateway_NotifyUserIgnoresMembership(t *testing.T) {
	g, d := startGateway(t)

	g.NotifyUser("loner", gateway.NewMessage(gateway.TypePing, "", gateway.PingPayload{Text: "hi"}))

	require.Eventually(t, func() bool { return d.count("loner") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gateway.PingPayload{Text: "hi"}, d.messages("loner")[0].Data)
}

func TestGateway_FullQueueDrops(t *testing.T) {
	d := newRecordingDeliverer()
	g := gateway.New(gateway.Config{QueueSize: 1}, d)
	g.Join("u1", "s1")

	g.Publish("s1", gateway.NewMessage(gateway.TypeSessionUpdated, "s1", 1))
	g.Publish("s1", gateway.NewMessage(gateway.TypeSessionUpdated, "s1", 2))

	assert.Equal(t, uint64(1), g.GetStats()["dropped"])
}

func TestGateway_ConcurrentMembership(t *testing.T) {
	g := gateway.New(gateway.DefaultConfig(), newRecordingDeliverer())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Join("u1", "s1")
		}()
		go func() {
			defer wg.Done()
			g.Leave("u1", "s1")
		}()
	}
	wg.Wait()

	// membership in both directions must agree
	assert.Equal(t, g.IsMember("u1", "s1"), len(g.Subscriptions("u1")) == 1)
}
