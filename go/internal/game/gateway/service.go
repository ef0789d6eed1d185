// Package gateway groups subscribers by session and pushes messages to them.
//
// Membership lives in two keyed stores (session -> subscribers and
// subscriber -> sessions). Recipients are resolved when a message is handed
// in, so a message published just before a group is disconnected still
// reaches that group. Delivery happens on the gateway's own goroutine and
// never on the caller's.
package gateway

import (
	"context"
	"maps"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/store"
)

// Deliverer hands a message to the transport for one subscriber. It must
// return promptly; transports queue internally and drop slow consumers.
type Deliverer interface {
	Deliver(ctx context.Context, subscriberID string, msg Message) error
}

// Publisher is what state owners need to broadcast to a session group.
type Publisher interface {
	Publish(sessionID string, msg Message)
}

// Config holds gateway settings.
type Config struct {
	QueueSize int
}

// DefaultConfig returns default gateway settings.
func DefaultConfig() Config {
	return Config{QueueSize: 1024}
}

type members map[string]struct{}

func cloneMembers(m members) members {
	return maps.Clone(m)
}

func (m members) list() []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

type delivery struct {
	subscriberID string
	msg          Message
}

// Gateway is the notification fan-out for session groups.
type Gateway struct {
	deliverer     Deliverer
	groups        *store.Store[string, members]
	subscriptions *store.Store[string, members]
	queue         chan []delivery

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a gateway that delivers through d.
func New(config Config, d Deliverer) *Gateway {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	return &Gateway{
		deliverer:     d,
		groups:        store.New[string](cloneMembers),
		subscriptions: store.New[string](cloneMembers),
		queue:         make(chan []delivery, config.QueueSize),
	}
}

// Start delivers queued messages until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) {
	log.Info().Msg("notification gateway started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notification gateway shutting down")
			return
		case batch := <-g.queue:
			g.deliver(ctx, batch)
		}
	}
}

func (g *Gateway) deliver(ctx context.Context, batch []delivery) {
	for _, d := range batch {
		if err := g.deliverer.Deliver(ctx, d.subscriberID, d.msg); err != nil {
			g.failed.Add(1)
			log.Warn().
				Err(err).
				Str("subscriber_id", d.subscriberID).
				Str("session_id", d.msg.SessionID).
				Str("type", string(d.msg.Type)).
				Msg("delivery failed")
			continue
		}
		g.delivered.Add(1)
	}
}

func (g *Gateway) enqueue(batch []delivery) {
	if len(batch) == 0 {
		return
	}
	select {
	case g.queue <- batch:
	default:
		g.dropped.Add(uint64(len(batch)))
		log.Warn().
			Str("session_id", batch[0].msg.SessionID).
			Str("type", string(batch[0].msg.Type)).
			Int("recipients", len(batch)).
			Msg("gateway queue full, dropping message")
	}
}

// Join adds subscriberID to the group of sessionID. It reports whether the
// subscriber was not already a member.
func (g *Gateway) Join(subscriberID, sessionID string) bool {
	added := false
	// subscriber -> group is the lock order for every membership change
	g.subscriptions.Compute(subscriberID, func(cur members, exists bool) (members, bool) {
		if cur == nil {
			cur = members{}
		}
		g.groups.Compute(sessionID, func(subs members, exists bool) (members, bool) {
			if subs == nil {
				subs = members{}
			}
			if _, ok := subs[subscriberID]; !ok {
				added = true
				subs[subscriberID] = struct{}{}
			}
			return subs, true
		})
		cur[sessionID] = struct{}{}
		return cur, true
	})

	log.Debug().
		Str("subscriber_id", subscriberID).
		Str("session_id", sessionID).
		Bool("added", added).
		Msg("subscriber joined group")
	return added
}

// Leave removes subscriberID from the group of sessionID.
func (g *Gateway) Leave(subscriberID, sessionID string) bool {
	removed := false
	g.subscriptions.Compute(subscriberID, func(cur members, exists bool) (members, bool) {
		removed = removeMember(g.groups, sessionID, subscriberID)
		delete(cur, sessionID)
		return cur, len(cur) > 0
	})
	return removed
}

// Drop removes subscriberID from every group it belongs to and returns the
// affected session ids.
func (g *Gateway) Drop(subscriberID string) []string {
	var affected []string
	g.subscriptions.Compute(subscriberID, func(cur members, exists bool) (members, bool) {
		for sessionID := range cur {
			removeMember(g.groups, sessionID, subscriberID)
		}
		affected = cur.list()
		return nil, false
	})
	if len(affected) == 0 {
		return nil
	}
	return affected
}

// DisconnectGroup dissolves the group of sessionID and returns its former
// members. Messages already published to the group are still delivered.
func (g *Gateway) DisconnectGroup(sessionID string) []string {
	subs, ok := g.groups.Take(sessionID)
	if !ok {
		return nil
	}
	for subscriberID := range subs {
		g.subscriptions.Compute(subscriberID, func(cur members, exists bool) (members, bool) {
			// a concurrent Join may already have recreated the group
			if !g.IsMember(subscriberID, sessionID) {
				delete(cur, sessionID)
			}
			return cur, len(cur) > 0
		})
	}
	log.Debug().
		Str("session_id", sessionID).
		Int("members", len(subs)).
		Msg("group disconnected")
	return subs.list()
}

func removeMember(s *store.Store[string, members], key, member string) bool {
	removed := false
	s.Compute(key, func(cur members, exists bool) (members, bool) {
		if _, ok := cur[member]; ok {
			removed = true
			delete(cur, member)
		}
		return cur, len(cur) > 0
	})
	return removed
}

// Members returns the current subscribers of sessionID.
func (g *Gateway) Members(sessionID string) []string {
	subs, _ := g.groups.Get(sessionID)
	return subs.list()
}

// IsMember reports whether subscriberID is in the group of sessionID.
func (g *Gateway) IsMember(subscriberID, sessionID string) bool {
	subs, _ := g.groups.Get(sessionID)
	_, ok := subs[subscriberID]
	return ok
}

// Subscriptions returns the sessions subscriberID currently follows.
func (g *Gateway) Subscriptions(subscriberID string) []string {
	sessions, _ := g.subscriptions.Get(subscriberID)
	return sessions.list()
}

// Publish sends msg to every current member of the group of sessionID.
func (g *Gateway) Publish(sessionID string, msg Message) {
	subs := g.Members(sessionID)
	batch := make([]delivery, 0, len(subs))
	for _, id := range subs {
		batch = append(batch, delivery{subscriberID: id, msg: msg})
	}
	g.enqueue(batch)
}

// PublishEach sends each member of the group of sessionID the message build
// returns for it. build runs on the caller's goroutine.
func (g *Gateway) PublishEach(sessionID string, build func(subscriberID string) Message) {
	subs := g.Members(sessionID)
	batch := make([]delivery, 0, len(subs))
	for _, id := range subs {
		batch = append(batch, delivery{subscriberID: id, msg: build(id)})
	}
	g.enqueue(batch)
}

// NotifyUser sends msg to a single subscriber regardless of group membership.
func (g *Gateway) NotifyUser(subscriberID string, msg Message) {
	g.enqueue([]delivery{{subscriberID: subscriberID, msg: msg}})
}

// GetStats returns counters describing the gateway.
func (g *Gateway) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"groups":      g.groups.Len(),
		"subscribers": g.subscriptions.Len(),
		"delivered":   g.delivered.Load(),
		"failed":      g.failed.Load(),
		"dropped":     g.dropped.Load(),
		"queued":      len(g.queue),
	}
}
