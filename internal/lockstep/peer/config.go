package peer

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LeJamon/goLockstepd/internal/lockstep/event"
)

// Default configuration values.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultRejectReason   = "session already started"
)

// Config holds peer configuration.
type Config struct {
	// ConnectTimeout bounds the follower's dial. Nothing else times out.
	ConnectTimeout time.Duration

	// Registry decodes application event types.
	Registry *event.Registry

	// InitEvent, when set, is sent by the host to each follower right after
	// SetState.
	InitEvent *event.Event

	// Handler receives control records addressed to the session.
	Handler ControlHandler

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		Registry:       event.NewRegistry(),
	}
}

// Option is a functional option for configuring a peer.
type Option func(*Config)

// WithConnectTimeout sets the follower dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// WithRegistry sets the application event registry.
func WithRegistry(r *event.Registry) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

// WithInitEvent sets the event sent to each follower after SetState.
func WithInitEvent(e event.Event) Option {
	return func(c *Config) {
		c.InitEvent = &e
	}
}

// WithControlHandler sets the receiver of session control records.
func WithControlHandler(h ControlHandler) Option {
	return func(c *Config) {
		c.Handler = h
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.Registry == nil {
		return errors.New("event registry is required")
	}
	if c.InitEvent != nil && (c.InitEvent.IsControl() || c.InitEvent.Type == event.TypeGrouped) {
		return errors.New("init event must be a single non-control event")
	}
	return nil
}

func buildConfig(opts []Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		cfg.Logger = l
	}
	return cfg, nil
}
