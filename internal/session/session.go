// Package session holds the unit of relay lifecycle and ownership: a
// Session binds one tunnel's two endpoints to a state machine, and the
// Registry is the single source of truth for which sessions exist.
//
// A session only moves forward: Pending → Active → Closing → Closed.
// Closed is terminal and every close request after it is a no-op.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role tells which side of a tunnel created the session.
type Role int

const (
	// RoleListener sessions are created by a relay listener for each
	// inbound peer.
	RoleListener Role = iota
	// RoleConnector sessions are created by a tunnel connector.
	RoleConnector
)

// Type returns the name used by the control API: "server" or "client".
func (r Role) Type() string {
	if r == RoleConnector {
		return "client"
	}
	return "server"
}

func (r Role) String() string {
	if r == RoleConnector {
		return "connector"
	}
	return "listener"
}

// State is a session's lifecycle position.
type State int

const (
	StatePending State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is the read-only parameter set a session was created with.
// Listener sessions fill the bind fields; connector sessions fill the
// server fields.  Both carry the local target.
type Config struct {
	BindAddress string `json:"bindAddress,omitempty"`
	Port        int    `json:"port,omitempty"`
	ServerHost  string `json:"serverHost,omitempty"`
	ServerPort  int    `json:"serverPort,omitempty"`
	LocalHost   string `json:"localHost,omitempty"`
	LocalPort   int    `json:"localPort,omitempty"`
}

// Stats are the byte counters of a finished pump.
type Stats struct {
	PeerToLocal int64 `json:"peerToLocal"`
	LocalToPeer int64 `json:"localToPeer"`
}

// Hook observes state transitions, in order, for one session.  It must
// not call Activate or Close on the same session.
type Hook func(s *Session, to State)

// Session encapsulates the runtime state of one tunnel.  Only the owner
// of the session (pump and lifecycle code) touches the raw sockets, and
// only through the transitions below.
type Session struct {
	id        string
	role      Role
	owner     string // id of the listener that accepted the peer, if any
	cfg       Config
	startedAt time.Time
	hook      Hook

	mu     sync.Mutex
	hookMu sync.Mutex
	state  State
	peer   net.Conn // inbound peer (listener) or relay leg (connector)
	local  net.Conn // tunnel leg (listener) or local service (connector)
	reason error
	stats  Stats

	closing  chan struct{}
	done     chan struct{}
	pumpDone chan struct{}
}

// NewID returns a fresh opaque session identifier.
func NewID() string { return uuid.NewString() }

// New creates a Pending session owning conn as its first endpoint.
// owner may be empty; hook may be nil.
func New(role Role, owner string, cfg Config, conn net.Conn, hook Hook) *Session {
	return &Session{
		id:        NewID(),
		role:      role,
		owner:     owner,
		cfg:       cfg,
		startedAt: time.Now(),
		hook:      hook,
		state:     StatePending,
		peer:      conn,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Role() Role           { return s.role }
func (s *Session) Owner() string        { return s.owner }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Closing is closed once a stop was requested or the pump ended.
func (s *Session) Closing() <-chan struct{} { return s.closing }

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session closed.  It is nil while the
// session is open and for clean terminations (end-of-stream, stop).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Stats returns the byte counters recorded when the pump finished.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Config returns the parameters the session was created with.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the diagnostic config while the session is still
// Pending, e.g. once the paired tunnel's target is known.
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePending {
		s.cfg = cfg
	}
}

// Activate attaches the second endpoint and moves Pending → Active.  It
// returns the two endpoints for the pump.  ok is false when the session
// is no longer Pending; the caller then still owns conn.
func (s *Session) Activate(conn net.Conn) (peer, local net.Conn, ok bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()

	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.local = conn
	s.state = StateActive
	s.pumpDone = make(chan struct{})
	peer, local = s.peer, s.local
	s.mu.Unlock()

	s.notify(StateActive)
	return peer, local, true
}

// PumpFinished records the pump's result.  The pump has returned, so
// Close no longer needs to wait for it.
func (s *Session) PumpFinished(stats Stats, reason error) {
	s.mu.Lock()
	s.stats = stats
	if s.reason == nil {
		s.reason = reason
	}
	ch := s.pumpDone
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Close drives the session to Closed: Closing, release both sockets,
// wait for the pump, Closed.  The session is Closed only once its pump
// has returned.  Close itself waits at most budget for that and reports
// whether the session reached Closed; if not, it stays Closing and
// becomes Closed when the pump calls PumpFinished.
//
// Close is idempotent and safe to call concurrently.  reason is
// recorded only by the first caller.
func (s *Session) Close(reason error, budget time.Duration) bool {
	s.hookMu.Lock()
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		s.hookMu.Unlock()
		return s.waitClosed(budget)
	}
	s.state = StateClosing
	if s.reason == nil {
		s.reason = reason
	}
	peer, local, pumpDone := s.peer, s.local, s.pumpDone
	s.mu.Unlock()

	close(s.closing)
	s.notify(StateClosing)
	s.hookMu.Unlock()

	// Closing the sockets is the hard cancel: blocked reads and writes in
	// the pump return immediately with net.ErrClosed.
	if peer != nil {
		peer.Close()
	}
	if local != nil {
		local.Close()
	}

	if pumpDone == nil {
		s.finishClose()
		return true
	}
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case <-pumpDone:
		s.finishClose()
		return true
	case <-t.C:
		go func() {
			<-pumpDone
			s.finishClose()
		}()
		return false
	}
}

// waitClosed waits up to budget for another caller's Close to finish.
func (s *Session) waitClosed(budget time.Duration) bool {
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

// finishClose is the Closing → Closed step; it runs exactly once.
func (s *Session) finishClose() {
	s.hookMu.Lock()
	s.mu.Lock()
	s.state = StateClosed
	s.peer, s.local = nil, nil
	s.mu.Unlock()
	s.notify(StateClosed)
	s.hookMu.Unlock()

	close(s.done)
}

// notify runs the hook; callers hold hookMu so hooks observe
// transitions in order.
func (s *Session) notify(to State) {
	if s.hook != nil {
		s.hook(s, to)
	}
}

// Info is a point-in-time description of a session.
type Info struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Owner     string    `json:"owner,omitempty"`
	Config    Config    `json:"config"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
	Stats     *Stats    `json:"stats,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// status is the listing name of the current state.  A connector that
// has delivered its handshake but not yet attached its local leg is
// reported as "connected".
func (s *Session) status() string {
	if s.role == RoleConnector && s.state == StatePending {
		return "connected"
	}
	return s.state.String()
}

// Info snapshots the session for listing.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Type:      s.role.Type(),
		Owner:     s.owner,
		Config:    s.cfg,
		Status:    s.status(),
		StartTime: s.startedAt,
	}
	if s.state == StateClosed {
		st := s.stats
		info.Stats = &st
	}
	if s.reason != nil {
		info.Error = s.reason.Error()
	}
	return info
}
