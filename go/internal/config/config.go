// Package config reads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/events"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/gateway"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/presence"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/projection"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/game/timer"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// NATSURL empty disables both the event publisher and the presence feed.
	NATSURL               string `env:"NATS_URL"`
	EventStream           string `env:"EVENT_STREAM" envDefault:"CLOCKTOWER_EVENTS"`
	EventSubjectPrefix    string `env:"EVENT_SUBJECT_PREFIX" envDefault:"clocktower.events"`
	PresenceStream        string `env:"PRESENCE_STREAM" envDefault:"PRESENCE"`
	PresenceSubjectFilter string `env:"PRESENCE_SUBJECT_FILTER" envDefault:"presence.>"`
	PresenceConsumer      string `env:"PRESENCE_CONSUMER" envDefault:"clocktower-presence"`

	VisibilityConfig string        `env:"VISIBILITY_CONFIG"`
	MaxTimerDuration time.Duration `env:"MAX_TIMER_DURATION" envDefault:"24h"`
	GatewayQueueSize int           `env:"GATEWAY_QUEUE_SIZE" envDefault:"1024"`

	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	WSWriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSReadTimeout      time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	WSPingInterval     time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
}

// Load reads a .env file when one exists and then parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when
// environ is nil.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if c.MaxTimerDuration <= 0 {
		errs = append(errs, errors.New("MAX_TIMER_DURATION must be positive"))
	}
	if c.GatewayQueueSize <= 0 {
		errs = append(errs, errors.New("GATEWAY_QUEUE_SIZE must be positive"))
	}
	if c.WSPingInterval >= c.WSReadTimeout {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be shorter than WS_READ_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// NATSEnabled reports whether a NATS server is configured.
func (c Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

// VisibilityRules returns the rules file named by VISIBILITY_CONFIG, or the
// built-in rules when it is unset.
func (c Config) VisibilityRules() (projection.Rules, error) {
	if c.VisibilityConfig == "" {
		return projection.DefaultRules(), nil
	}
	return projection.LoadRules(c.VisibilityConfig)
}

// GatewayConfig returns the notification gateway settings.
func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{QueueSize: c.GatewayQueueSize}
}

// ConnectionConfig returns the WebSocket transport settings.
func (c Config) ConnectionConfig() gateway.ConnectionConfig {
	cc := gateway.DefaultConnectionConfig()
	cc.WriteTimeout = c.WSWriteTimeout
	cc.ReadTimeout = c.WSReadTimeout
	cc.PingInterval = c.WSPingInterval
	if !slices.Contains(c.CORSAllowedOrigins, "*") {
		allowed := slices.Clone(c.CORSAllowedOrigins)
		cc.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(allowed, r.Header.Get("Origin"))
		}
	}
	return cc
}

// TimerConfig returns the timer coordinator settings.
func (c Config) TimerConfig() timer.Config {
	return timer.Config{MaxDuration: c.MaxTimerDuration}
}

// JetStreamConfig returns the domain event publisher settings.
func (c Config) JetStreamConfig() events.JetStreamConfig {
	jc := events.DefaultJetStreamConfig()
	jc.URL = c.NATSURL
	jc.StreamName = c.EventStream
	jc.SubjectPrefix = c.EventSubjectPrefix
	return jc
}

// FeedConfig returns the presence feed consumer settings.
func (c Config) FeedConfig() presence.FeedConfig {
	fc := presence.DefaultFeedConfig()
	fc.URL = c.NATSURL
	fc.StreamName = c.PresenceStream
	fc.ConsumerName = c.PresenceConsumer
	fc.SubjectFilter = c.PresenceSubjectFilter
	return fc
}
