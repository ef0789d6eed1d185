package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/config"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/presence"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/projection"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/timer"
)

type Services struct {
	App         *game.App
	Game        *game.Service
	Gateway     *gateway.Gateway
	Connections *gateway.ConnectionManager
	WebSocket   *gateway.WebSocketHandler
	Relay       *events.Relay

	// nil when NATS is not configured
	Feed      *presence.Feed
	Publisher *events.JetStreamPublisher
}

func setupServices(cfg config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Transport → Gateway → Timer/Projection → App → Service

	rules, err := cfg.VisibilityRules()
	if err != nil {
		return nil, err
	}

	s := &Services{}

	var publisher events.Publisher = events.LogPublisher{}
	if cfg.NATSEnabled() {
		s.Publisher, err = events.NewJetStreamPublisher(cfg.JetStreamConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		publisher = s.Publisher
	}
	s.Relay = events.NewRelay(events.DefaultRelayConfig(), publisher)

	// The connection manager delivers for the gateway and hands client
	// commands back to the app, so the app is attached once it exists.
	s.Connections = gateway.NewConnectionManager(cfg.ConnectionConfig())
	s.Gateway = gateway.New(cfg.GatewayConfig(), s.Connections)

	clock := clockwork.NewRealClock()
	timers := timer.New(cfg.TimerConfig(), clock, s.Gateway, s.Relay)

	s.App = game.NewApp(projection.NewBuilder(rules), timers, s.Gateway, presence.NewStore(), s.Relay, clock)
	s.Connections.SetCommandHandler(s.App)
	s.Game = game.NewService(s.App)
	s.WebSocket = gateway.NewWebSocketHandler(s.Connections, s.Gateway)

	if cfg.NATSEnabled() {
		s.Feed, err = presence.NewFeed(s.App, cfg.FeedConfig())
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to create presence feed: %w", err)
		}
	}

	return s, nil
}

// start runs the background workers until ctx is cancelled.
func (s *Services) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Gateway.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		s.Relay.Start(ctx)
	}()

	if s.Feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Feed.Start(ctx); err != nil {
				log.Error().Err(err).Msg("presence feed failed")
			}
		}()
	}
}

func (s *Services) close() {
	if s.Feed != nil {
		if err := s.Feed.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop presence feed")
		}
	}
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}
}

func (s *Services) stats() map[string]interface{} {
	stats := s.App.Stats()
	stats["connections"] = s.Connections.GetConnectionStats()
	stats["events"] = s.Relay.GetStats()
	return stats
}
