package retry

import (
	"fmt"
	"sync"
	"time"

	rerr "natrelay/internal/errors"
)

// State is a breaker's position.
type State int

const (
	StateClosed   State = iota // dials pass through
	StateOpen                  // dials fail fast with ErrCircuitOpen
	StateHalfOpen              // trial dials decide whether to close again
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig is shared by every breaker of a [Breakers] set.
type BreakerConfig struct {
	// MaxFailures consecutive failed dials open the circuit (default 5).
	MaxFailures int
	// ResetTimeout is how long an open circuit rejects dials (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax successful trial dials close the circuit (default 1).
	HalfOpenMax int
	// OnStateChange observes every transition.  It runs with the
	// breaker locked and must not call back into it.
	OnStateChange func(key string, from, to State)
}

// BreakerStatus is what /api/stats reports per relay server.
type BreakerStatus struct {
	State    State `json:"state"`
	Failures int   `json:"failures"`
}

// ── Breaker ──────────────────────────────────────────────────────────

// Breaker tracks consecutive dial failures against one relay server.
type Breaker struct {
	key string
	cfg *BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// Execute runs dial unless the circuit is open.  A rejected call
// returns an error wrapping [rerr.ErrCircuitOpen] without calling dial.
func (b *Breaker) Execute(dial func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := dial()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	left := b.cfg.ResetTimeout - b.now().Sub(b.openedAt)
	if left <= 0 {
		b.successes = 0
		b.set(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %s failed %d times, retry in %v",
		rerr.ErrCircuitOpen, b.key, b.failures, left.Round(time.Second))
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.set(StateOpen)
		}
		return
	}
	b.successes++
	if b.state == StateHalfOpen && b.successes < b.cfg.HalfOpenMax {
		return
	}
	b.failures = 0
	b.set(StateClosed)
}

func (b *Breaker) set(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// ── Breakers ─────────────────────────────────────────────────────────

// Breakers hands out one Breaker per relay server address, created on
// first use.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers returns an empty set.  Zero fields of cfg take defaults.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{cfg: cfg, now: time.Now, m: make(map[string]*Breaker)}
}

// Get returns the breaker for addr.
func (s *Breakers) Get(addr string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[addr]
	if !ok {
		b = &Breaker{key: addr, cfg: &s.cfg, now: s.now}
		s.m[addr] = b
	}
	return b
}

// Status reports every breaker created so far, keyed by address.
func (s *Breakers) Status() map[string]BreakerStatus {
	s.mu.Lock()
	bs := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		bs = append(bs, b)
	}
	s.mu.Unlock()

	out := make(map[string]BreakerStatus, len(bs))
	for _, b := range bs {
		b.mu.Lock()
		out[b.key] = BreakerStatus{State: b.state, Failures: b.failures}
		b.mu.Unlock()
	}
	return out
}
