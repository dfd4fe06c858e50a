package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultListenPort is used by the CLI and control API when a
	// listener request carries no port.
	DefaultListenPort = 8080

	// DefaultLocalAddress is the local service host of a tunnel.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultDialTimeout bounds the connector's dial to the relay.
	DefaultDialTimeout = 10 * time.Second

	// DefaultLocalDialTimeout bounds the dial to the local service.
	DefaultLocalDialTimeout = 5 * time.Second

	// DefaultClassifyTimeout is how long an accepted connection may stay
	// silent before it is treated as an inbound peer.
	DefaultClassifyTimeout = time.Second

	// DefaultPairTimeout is how long an inbound peer waits for a tunnel.
	DefaultPairTimeout = 30 * time.Second

	// DefaultCancelBudget bounds how long a stop waits for the pump.
	DefaultCancelBudget = 2 * time.Second

	// DefaultMaxHandshakeSize caps the pairing handshake line.
	DefaultMaxHandshakeSize = 4 * 1024

	// DefaultBreakerFailures opens the per-server circuit after this many
	// consecutive dial failures.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open circuit rejects dials.
	DefaultBreakerReset = 30 * time.Second

	// DefaultTombstoneCap is how many closed session ids are remembered
	// so a repeated stop still succeeds.
	DefaultTombstoneCap = 1024

	// DefaultRedisChannel is the PUBLISH channel for session events.
	DefaultRedisChannel = "natrelay:events"

	// DefaultControlAddr is the control API address used by `serve`.
	DefaultControlAddr = "127.0.0.1:7070"

	// DefaultGracePeriod is how long shutdown waits for goroutines.
	DefaultGracePeriod = 5 * time.Second
)
