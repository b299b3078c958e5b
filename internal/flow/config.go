// Package flow runs outbound call sessions: dialing, the conversational loop with the
// language model and its tools, termination and the transcript flush.
package flow

import (
	"time"
)

// Default session configuration.
const (
	DefaultAgentName     = "Joe"
	DefaultOrgName       = "American Express Bank"
	DefaultDialTimeout   = 45 * time.Second
	DefaultIdleTimeout   = 20 * time.Second
	// DefaultHangupTimeout bounds hangup plus the transcript flush. It must exceed
	// telephony.DefaultHoldTimeout so the REST hangup fallback has time to land.
	DefaultHangupTimeout = 20 * time.Second
	// DefaultMaxToolRounds bounds model round trips spent on tool calls for one caller turn.
	DefaultMaxToolRounds = 3
	// DefaultDialRequestTimeout bounds the synchronous part of a dispatch.
	DefaultDialRequestTimeout = 15 * time.Second
	DefaultFarewell           = "Thank you for your time today. Goodbye!"
)

// Config is the explicit configuration every call session is built from.
type Config struct {
	AgentName          string
	OrgName            string
	DefaultTrunk       string
	DialTimeout        time.Duration
	IdleTimeout        time.Duration
	HangupTimeout      time.Duration
	DialRequestTimeout time.Duration
	MaxToolRounds      int
	Farewell           string
	// Now is the session clock. Tests replace it.
	Now func() time.Time
}

// Option defines a configuration option for call sessions.
type Option func(*Config)

// WithAgentName sets the name the agent introduces itself with.
func WithAgentName(name string) Option {
	return func(c *Config) { c.AgentName = name }
}

// WithOrgName sets the organization the agent calls on behalf of.
func WithOrgName(name string) Option {
	return func(c *Config) { c.OrgName = name }
}

// WithDefaultTrunk sets the trunk used when dispatch metadata names none.
func WithDefaultTrunk(trunk string) Option {
	return func(c *Config) { c.DefaultTrunk = trunk }
}

// WithDialTimeout bounds how long the far end may ring.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithIdleTimeout bounds caller silence during the conversation.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

// WithHangupTimeout bounds the farewell, hangup and flush after a session ends.
func WithHangupTimeout(d time.Duration) Option {
	return func(c *Config) { c.HangupTimeout = d }
}

// WithMaxToolRounds bounds tool-call round trips per caller turn.
func WithMaxToolRounds(n int) Option {
	return func(c *Config) { c.MaxToolRounds = n }
}

// WithClock replaces the session clock.
func WithClock(now func() time.Time) Option {
	return func(c *Config) { c.Now = now }
}

// NewConfig returns the default configuration with opts applied.
func NewConfig(opts ...Option) Config {
	cfg := Config{
		AgentName:          DefaultAgentName,
		OrgName:            DefaultOrgName,
		DialTimeout:        DefaultDialTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		HangupTimeout:      DefaultHangupTimeout,
		DialRequestTimeout: DefaultDialRequestTimeout,
		MaxToolRounds:      DefaultMaxToolRounds,
		Farewell:           DefaultFarewell,
		Now:                time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// withDefaults fills zero fields of a hand-built Config.
func (c Config) withDefaults() Config {
	d := NewConfig()
	if c.AgentName == "" {
		c.AgentName = d.AgentName
	}
	if c.OrgName == "" {
		c.OrgName = d.OrgName
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HangupTimeout <= 0 {
		c.HangupTimeout = d.HangupTimeout
	}
	if c.DialRequestTimeout <= 0 {
		c.DialRequestTimeout = d.DialRequestTimeout
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = d.MaxToolRounds
	}
	if c.Farewell == "" {
		c.Farewell = d.Farewell
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}
