// Package metrics provides lightweight counters and gauges for tracking
// runtime statistics of a relay process, mirrored into a private
// Prometheus registry for scraping.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "natrelay"

// Collector tracks runtime metrics for one relay manager.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsActive   atomic.Int64
	sessionsTotal    atomic.Int64
	bytesIn          atomic.Int64 // peer → local
	bytesOut         atomic.Int64 // local → peer
	accepts          atomic.Int64
	handshakes       atomic.Int64
	pairings         atomic.Int64
	pairTimeouts     atomic.Int64
	tunnelReconnects atomic.Int64
	breakerOpens     atomic.Int64
	errorsTotal      atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string

	prom *promSet
}

// promSet is the Prometheus mirror of the atomic counters.
type promSet struct {
	reg            *prometheus.Registry
	sessionsActive *prometheus.GaugeVec
	sessionsOpened *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	accepts        prometheus.Counter
	handshakes     prometheus.Counter
	pairings       prometheus.Counter
	pairTimeouts   prometheus.Counter
	reconnects     prometheus.Counter
	breakers       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	duration       prometheus.Histogram
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), prom: newPromSet()}
}

func newPromSet() *promSet {
	p := &promSet{
		reg: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Sessions currently open, by role",
		}, []string{"role"}),
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total", Help: "Sessions created, by role",
		}, []string{"role"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total", Help: "Sessions closed, by role",
		}, []string{"role"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total", Help: "Payload bytes relayed, by direction",
		}, []string{"direction"}),
		accepts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "listener_accepts_total", Help: "Connections accepted by relay listeners",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_total", Help: "Tunnel handshakes received",
		}),
		pairings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pairings_total", Help: "Peers paired with a tunnel",
		}),
		pairTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pair_timeouts_total", Help: "Peers closed before a tunnel arrived",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnel_reconnects_total", Help: "Connector sessions re-created by a supervisor",
		}),
		breakers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_transitions_total", Help: "Relay dial circuit breaker transitions, by new state",
		}, []string{"state"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Errors by kind",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds", Help: "Session lifetime seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
	p.reg.MustRegister(
		p.sessionsActive, p.sessionsOpened, p.sessionsClosed, p.bytes,
		p.accepts, p.handshakes, p.pairings, p.pairTimeouts, p.reconnects,
		p.breakers, p.errors, p.duration,
	)
	return p
}

// Registry exposes the Prometheus registry backing this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil || c.prom == nil {
		return prometheus.NewRegistry()
	}
	return c.prom.reg
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened(role string) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
	if c.prom != nil {
		c.prom.sessionsActive.WithLabelValues(role).Inc()
		c.prom.sessionsOpened.WithLabelValues(role).Inc()
	}
}

// SessionClosed decrements the active counter and records the lifetime.
func (c *Collector) SessionClosed(role string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
	if c.prom != nil {
		c.prom.sessionsActive.WithLabelValues(role).Dec()
		c.prom.sessionsClosed.WithLabelValues(role).Inc()
		c.prom.duration.Observe(lifetime.Seconds())
	}
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes relayed from a peer to its local side.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
	if c.prom != nil {
		c.prom.bytes.WithLabelValues("peer_to_local").Add(float64(n))
	}
}

// BytesSent records n bytes relayed from the local side to a peer.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
	if c.prom != nil {
		c.prom.bytes.WithLabelValues("local_to_peer").Add(float64(n))
	}
}

// TotalBytesIn returns total peer → local bytes.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total local → peer bytes.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Relay metrics ────────────────────────────────────────────────────

// ListenerAccept records one accepted connection.
func (c *Collector) ListenerAccept() {
	if c == nil {
		return
	}
	c.accepts.Add(1)
	if c.prom != nil {
		c.prom.accepts.Inc()
	}
}

// HandshakeReceived records one tunnel registration.
func (c *Collector) HandshakeReceived() {
	if c == nil {
		return
	}
	c.handshakes.Add(1)
	if c.prom != nil {
		c.prom.handshakes.Inc()
	}
}

// Paired records a peer matched with a tunnel.
func (c *Collector) Paired() {
	if c == nil {
		return
	}
	c.pairings.Add(1)
	if c.prom != nil {
		c.prom.pairings.Inc()
	}
}

// PairTimeout records a peer that gave up waiting for a tunnel.
func (c *Collector) PairTimeout() {
	if c == nil {
		return
	}
	c.pairTimeouts.Add(1)
	if c.prom != nil {
		c.prom.pairTimeouts.Inc()
	}
}

// TunnelReconnect records a connector session re-created by a supervisor.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
	if c.prom != nil {
		c.prom.reconnects.Inc()
	}
}

// TunnelReconnects returns the total re-creation count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// BreakerTransition records a relay dial breaker moving to state.
func (c *Collector) BreakerTransition(state string) {
	if c == nil {
		return
	}
	if state == "open" {
		c.breakerOpens.Add(1)
	}
	if c.prom != nil {
		c.prom.breakers.WithLabelValues(state).Inc()
	}
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for kind and stores the message.
func (c *Collector) RecordError(kind, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	if c.prom != nil {
		c.prom.errors.WithLabelValues(kind).Inc()
	}
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	Accepts          int64  `json:"listener_accepts"`
	Handshakes       int64  `json:"handshakes"`
	Pairings         int64  `json:"pairings"`
	PairTimeouts     int64  `json:"pair_timeouts"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	BreakerOpens     int64  `json:"breaker_opens"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:   c.sessionsActive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		Accepts:          c.accepts.Load(),
		Handshakes:       c.handshakes.Load(),
		Pairings:         c.pairings.Load(),
		PairTimeouts:     c.pairTimeouts.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		BreakerOpens:     c.breakerOpens.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
