// Package config defines the runtime configuration for natrelay: the
// relay-wide options, the parameters of a relay listener and of a tunnel
// connector, and their validation.
package config

import (
	"fmt"
	"strings"
	"time"

	rerr "natrelay/internal/errors"
	"natrelay/util"
)

// Config holds every tuneable for one natrelay process.
type Config struct {
	// ── Relay ────────────────────────────────────────────────────────
	Options Options

	// ── Presets (config file) ────────────────────────────────────────
	Listeners []ListenerConfig
	Tunnels   []TunnelConfig

	// ── Control API ──────────────────────────────────────────────────
	ControlAddr string // "" disables the HTTP control API

	// ── Notifications ────────────────────────────────────────────────
	RedisURL     string // "" disables the Redis publisher
	RedisChannel string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	LogJSON bool
}

// DialMode selects when a tunnel connector opens its local leg.
type DialMode string

const (
	// DialEager connects to the local service right after the handshake,
	// so server-first protocols work.
	DialEager DialMode = "eager"
	// DialLazy waits for the first byte arriving from the relay.
	DialLazy DialMode = "lazy"
)

// Options are the relay-wide timeouts and limits shared by every
// listener and connector owned by one manager.
type Options struct {
	DialTimeout      time.Duration // outbound dial to the relay server
	LocalDialTimeout time.Duration // dial to the local service
	ClassifyTimeout  time.Duration // wait for a handshake before treating a conn as a peer
	PairTimeout      time.Duration // how long a peer waits for a tunnel
	CancelBudget     time.Duration // how long a stop waits for the pump to return
	MaxHandshakeSize int
	BreakerFailures  int
	BreakerReset     time.Duration
	TombstoneCap     int
	LocalDial        DialMode
}

// DefaultOptions returns the options used when nothing overrides them.
func DefaultOptions() Options {
	return Options{
		DialTimeout:      DefaultDialTimeout,
		LocalDialTimeout: DefaultLocalDialTimeout,
		ClassifyTimeout:  DefaultClassifyTimeout,
		PairTimeout:      DefaultPairTimeout,
		CancelBudget:     DefaultCancelBudget,
		MaxHandshakeSize: DefaultMaxHandshakeSize,
		BreakerFailures:  DefaultBreakerFailures,
		BreakerReset:     DefaultBreakerReset,
		TombstoneCap:     DefaultTombstoneCap,
		LocalDial:        DialEager,
	}
}

// WithDefaults fills every zero field from [DefaultOptions].
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.LocalDialTimeout <= 0 {
		o.LocalDialTimeout = d.LocalDialTimeout
	}
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = d.ClassifyTimeout
	}
	if o.PairTimeout <= 0 {
		o.PairTimeout = d.PairTimeout
	}
	if o.CancelBudget <= 0 {
		o.CancelBudget = d.CancelBudget
	}
	if o.MaxHandshakeSize <= 0 {
		o.MaxHandshakeSize = d.MaxHandshakeSize
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = d.BreakerFailures
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = d.BreakerReset
	}
	if o.TombstoneCap <= 0 {
		o.TombstoneCap = d.TombstoneCap
	}
	if o.LocalDial == "" {
		o.LocalDial = d.LocalDial
	}
	return o
}

// Validate checks values a user can set explicitly.
func (o Options) Validate() error {
	switch o.LocalDial {
	case "", DialEager, DialLazy:
	default:
		return &rerr.ConfigError{
			Field:   "local-dial",
			Value:   o.LocalDial,
			Message: "unknown dial mode",
			Hint:    `use "eager" or "lazy"`,
		}
	}
	return nil
}

// ── Listener ─────────────────────────────────────────────────────────

// ListenerConfig is the parameter set of a relay listener.
type ListenerConfig struct {
	Name        string `json:"name,omitempty"`
	BindAddress string `json:"bindAddress,omitempty"`
	Port        int    `json:"port"`
}

// Addr returns the bind address in host:port form.
func (c ListenerConfig) Addr() string {
	return util.FormatAddr(c.BindAddress, c.Port)
}

// Validate checks the port range.  An empty bind address means all
// interfaces.
func (c ListenerConfig) Validate() error {
	if !util.ValidPort(c.Port) {
		return portError("port", c.Port)
	}
	if strings.ContainsAny(c.BindAddress, " \t") {
		return &rerr.ConfigError{Field: "bindAddress", Value: c.BindAddress, Message: "contains whitespace"}
	}
	return nil
}

// ── Tunnel ───────────────────────────────────────────────────────────

// TunnelConfig is the parameter set of a tunnel connector: the relay it
// dials and the local service it exposes.
type TunnelConfig struct {
	Name       string `json:"name,omitempty"`
	ServerHost string `json:"serverHost"`
	ServerPort int    `json:"serverPort"`
	LocalHost  string `json:"localHost"`
	LocalPort  int    `json:"localPort"`
}

// ServerAddr returns the relay endpoint in host:port form.
func (c TunnelConfig) ServerAddr() string {
	return util.FormatAddr(c.ServerHost, c.ServerPort)
}

// LocalAddr returns the local service in host:port form.
func (c TunnelConfig) LocalAddr() string {
	return util.FormatAddr(c.LocalHost, c.LocalPort)
}

// Validate requires all four parameters: non-empty hosts and ports in
// [1,65535].
func (c TunnelConfig) Validate() error {
	if err := hostError("serverHost", c.ServerHost); err != nil {
		return err
	}
	if !util.ValidPort(c.ServerPort) {
		return portError("serverPort", c.ServerPort)
	}
	if err := hostError("localHost", c.LocalHost); err != nil {
		return err
	}
	if !util.ValidPort(c.LocalPort) {
		return portError("localPort", c.LocalPort)
	}
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := c.Options.Validate(); err != nil {
		return err
	}
	for i, l := range c.Listeners {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("listener %s: %w", presetName(l.Name, i), err)
		}
	}
	for i, t := range c.Tunnels {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tunnel %s: %w", presetName(t.Name, i), err)
		}
	}
	if c.RedisURL == "" && c.RedisChannel != "" {
		return &rerr.ConfigError{
			Field:   "redis-channel",
			Value:   c.RedisChannel,
			Message: "set without --redis-url",
			Hint:    "pass --redis-url redis://host:6379/0",
		}
	}
	return nil
}

func hostError(field, host string) error {
	if strings.TrimSpace(host) == "" {
		return &rerr.ConfigError{Field: field, Message: "is required"}
	}
	if strings.ContainsAny(host, " \t/") {
		return &rerr.ConfigError{Field: field, Value: host, Message: "is not a valid host"}
	}
	return nil
}

func portError(field string, port int) error {
	if port == 0 {
		return &rerr.ConfigError{Field: field, Message: "is required", Hint: "use a port between 1 and 65535"}
	}
	return &rerr.ConfigError{
		Field:   field,
		Value:   port,
		Message: "out of range 1-65535",
		Hint:    "use a port between 1 and 65535",
	}
}

func presetName(name string, i int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("#%d", i+1)
}
