package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

// Handler applies presence changes delivered by the feed.
type Handler interface {
	ReplacePresence(ctx context.Context, guildID string, snap models.PresenceSnapshot) error
	InvalidatePresence(ctx context.Context, guildID string) error
}

// ErrMalformed marks a feed message that can never be applied, whatever the
// number of redeliveries.
var ErrMalformed = errors.New("malformed presence message")

// Action is the last token of a presence subject.
type Action string

const (
	ActionSnapshot   Action = "snapshot"
	ActionInvalidate Action = "invalidate"
)

// FeedConfig holds configuration for the presence feed consumer
type FeedConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g., "presence.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultFeedConfig returns default presence feed configuration
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		URL:           nats.DefaultURL,
		StreamName:    "PRESENCE",
		ConsumerName:  "clocktower-presence",
		SubjectFilter: "presence.>",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Feed consumes presence snapshots from JetStream. Subjects have the form
// presence.<guild>.snapshot (body: a full snapshot) and
// presence.<guild>.invalidate (body ignored).
type Feed struct {
	handler  Handler
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   FeedConfig
}

// NewFeed connects to NATS and binds the durable presence consumer.
func NewFeed(h Handler, config FeedConfig) (*Feed, error) {
	nc, err := events.Connect(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	f := &Feed{
		handler: h,
		nc:      nc,
		js:      js,
		config:  config,
	}

	if err := f.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return f, nil
}

// ensureConsumer creates or gets the JetStream consumer
func (f *Feed) ensureConsumer(ctx context.Context) error {
	stream, err := f.js.Stream(ctx, f.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          f.config.ConsumerName,
		Durable:       f.config.ConsumerName,
		Description:   "Game core presence snapshot consumer",
		FilterSubject: f.config.SubjectFilter,
		// only the newest snapshot per guild matters
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    f.config.MaxDeliver,
		AckWait:       f.config.AckWait,
		MaxAckPending: f.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, f.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", f.config.ConsumerName).
			Str("stream", f.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", f.config.ConsumerName).
			Str("stream", f.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	f.consumer = consumer
	return nil
}

// Start consumes presence messages until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", f.config.ConsumerName).
		Str("stream", f.config.StreamName).
		Msg("starting presence feed")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := f.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("presence feed shutting down")
			return nil
		case msg := <-messageCh:
			if err := Apply(ctx, f.handler, msg.Subject(), msg.Data()); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to apply presence message")
				if errors.Is(err, ErrMalformed) {
					if termErr := msg.Term(); termErr != nil {
						log.Error().Err(termErr).Msg("failed to TERM message")
					}
					continue
				}
				if nakErr := msg.Nak(); nakErr != nil {
					log.Error().Err(nakErr).Msg("failed to NAK message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

// Stop closes the NATS connection.
func (f *Feed) Stop() error {
	log.Info().Msg("stopping presence feed")
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

// ParseSubject splits a presence subject into guild id and action.
func ParseSubject(subject string) (string, Action, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", fmt.Errorf("subject %q: %w", subject, ErrMalformed)
	}
	action := Action(parts[2])
	switch action {
	case ActionSnapshot, ActionInvalidate:
		return parts[1], action, nil
	}
	return "", "", fmt.Errorf("unknown action %q: %w", parts[2], ErrMalformed)
}

// Apply hands one feed message to h. Errors that wrap ErrMalformed come from
// the message itself; any other error is returned by h.
func Apply(ctx context.Context, h Handler, subject string, data []byte) error {
	guildID, action, err := ParseSubject(subject)
	if err != nil {
		return err
	}

	log.Debug().
		Str("guild_id", guildID).
		Str("action", string(action)).
		Msg("processing presence message")

	if action == ActionInvalidate {
		return h.InvalidatePresence(ctx, guildID)
	}

	var snap models.PresenceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal presence snapshot: %w: %w", ErrMalformed, err)
	}
	if snap.GuildID != "" && snap.GuildID != guildID {
		return fmt.Errorf("snapshot for guild %q published on subject of guild %q: %w", snap.GuildID, guildID, ErrMalformed)
	}
	return h.ReplacePresence(ctx, guildID, snap)
}
