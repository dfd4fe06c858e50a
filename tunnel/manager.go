// Package tunnel is the relay core: the Manager (lifecycle controller)
// owns relay listeners and tunnel connectors, pairs their connections
// into sessions and pumps bytes between them.
//
//   - manager.go    - Manager, stop operations, listing, shutdown
//   - listener.go   - relay listener: accept, classify, pair
//   - pool.go       - registered tunnels waiting for a peer
//   - connector.go  - tunnel connector: dial, handshake, local leg
//   - pump.go       - full-duplex byte pump
//   - supervisor.go - keeps N connector sessions alive
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/metrics"
	"natrelay/internal/notify"
	"natrelay/internal/retry"
	"natrelay/internal/session"
	"natrelay/internal/transport"
	"natrelay/util"
)

// StopResult is the outcome of stopping one session or listener.
type StopResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// StopAllResult is the outcome of [Manager.StopAll].
type StopAllResult struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// Manager owns every listener and session of one relay process.  All
// methods are safe for concurrent use.
type Manager struct {
	opts     config.Options
	logger   *util.Logger
	metrics  *metrics.Collector
	notifier notify.Notifier
	registry *session.Registry
	breakers *retry.Breakers

	relayDialer transport.Dialer
	localDialer transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[string]*Listener
	closed    bool
}

// NewManager returns a Manager.  Zero option fields take their
// defaults; logger, metrics and notifier may be nil.
func NewManager(opts config.Options, logger *util.Logger, m *metrics.Collector, n notify.Notifier) *Manager {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = util.NewLogger(0)
	}
	if n == nil {
		n = notify.Nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		opts:        opts,
		logger:      logger,
		metrics:     m,
		notifier:    n,
		registry:    session.NewRegistry(opts.TombstoneCap),
		relayDialer: &transport.TCPDialer{Timeout: opts.DialTimeout, KeepAlive: relayKeepAlive},
		localDialer: &transport.TCPDialer{Timeout: opts.LocalDialTimeout},
		ctx:         ctx,
		cancel:      cancel,
		listeners:   make(map[string]*Listener),
	}
	mgr.breakers = retry.NewBreakers(retry.BreakerConfig{
		MaxFailures:   opts.BreakerFailures,
		ResetTimeout:  opts.BreakerReset,
		OnStateChange: mgr.onBreakerChange,
	})
	return mgr
}

// SetDialers replaces the dialers used for the relay and local legs of
// tunnel connectors.  A nil dialer keeps the current one.  Call it
// before the first StartTunnel.
func (m *Manager) SetDialers(relay, local transport.Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if relay != nil {
		m.relayDialer = relay
	}
	if local != nil {
		m.localDialer = local
	}
}

func (m *Manager) dialers() (relay, local transport.Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayDialer, m.localDialer
}

// Options returns the effective options.
func (m *Manager) Options() config.Options { return m.opts }

// Metrics returns the collector passed to NewManager (possibly nil).
func (m *Manager) Metrics() *metrics.Collector { return m.metrics }

// Breakers reports the dial circuit breaker of every relay server a
// tunnel has been started against.
func (m *Manager) Breakers() map[string]retry.BreakerStatus { return m.breakers.Status() }

func (m *Manager) onBreakerChange(addr string, from, to retry.State) {
	m.metrics.BreakerTransition(to.String())
	if to == retry.StateOpen {
		m.logger.Warn("relay %s: circuit open, dials fail fast for %v", addr, m.opts.BreakerReset)
		return
	}
	m.logger.Verbose("relay %s: circuit %s -> %s", addr, from, to)
}

// ── Lookup ───────────────────────────────────────────────────────────

// Session returns a live session.
func (m *Manager) Session(id string) (*session.Session, bool) {
	return m.registry.Get(id)
}

// Listener returns a running listener.
func (m *Manager) Listener(id string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Listeners returns the running listeners ordered by start time.
func (m *Manager) Listeners() []*Listener {
	m.mu.Lock()
	out := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	m.mu.Unlock()
	sortListeners(out)
	return out
}

// ListSessions describes every running listener followed by every live
// session.  The result is a snapshot; it never blocks on socket I/O.
func (m *Manager) ListSessions() []session.Info {
	ls := m.Listeners()
	infos := m.registry.List()
	out := make([]session.Info, 0, len(ls)+len(infos))
	for _, l := range ls {
		out = append(out, l.Info())
	}
	return append(out, infos...)
}

// ── Stop operations ──────────────────────────────────────────────────

// StopListener stops accepting on the listener, closes its pooled
// tunnels and stops every session it created.  Stopping a listener
// that was already stopped succeeds; an id that never existed is a
// NotFoundError.
func (m *Manager) StopListener(id string) error {
	l, ok := m.Listener(id)
	if !ok {
		if m.registry.Closed(id) {
			return nil
		}
		return rerr.NotFound(id)
	}

	l.close()
	m.stopSessions(m.registry.ByOwner(id))

	m.mu.Lock()
	removed := m.listeners[id] == l
	if removed {
		delete(m.listeners, id)
		m.registry.Bury(id)
	}
	m.mu.Unlock()

	if removed {
		l.logger.Info("listener on %s stopped", l.Addr())
		m.notifier.Notify(notify.Event{Time: time.Now(), ID: id, Type: "server", Status: "stopped"})
	}
	return nil
}

// StopSession stops a session or a listener by id.  Closing happens
// before StopSession returns: both sockets are released and the pump
// has returned or the cancel budget has elapsed.
func (m *Manager) StopSession(id string) (StopResult, error) {
	if _, ok := m.Listener(id); ok {
		if err := m.StopListener(id); err != nil {
			return StopResult{ID: id, Message: err.Error()}, err
		}
		return StopResult{Success: true, ID: id, Message: "listener stopped"}, nil
	}

	s, ok := m.registry.Get(id)
	if !ok {
		if m.registry.Closed(id) {
			return StopResult{Success: true, ID: id, Message: "already closed"}, nil
		}
		err := rerr.NotFound(id)
		return StopResult{ID: id, Message: err.Error()}, err
	}

	m.finish(s, nil)
	return StopResult{Success: true, ID: id, Message: "session stopped"}, nil
}

// StopAll stops every listener and session that exists when it is
// called.  It never fails; Count is the size of that snapshot.
func (m *Manager) StopAll() StopAllResult {
	ls := m.Listeners()
	ss := m.registry.Snapshot()

	var wg sync.WaitGroup
	for _, l := range ls {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopListener(id) //nolint:errcheck // only NotFound, which is fine here
		}(l.ID())
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.stopSessions(ss)
	}()
	wg.Wait()

	n := len(ls) + len(ss)
	m.logger.Verbose("stopped %d listeners and sessions", n)
	return StopAllResult{
		Success: true,
		Count:   n,
		Message: fmt.Sprintf("stopped %d sessions", n),
	}
}

// Shutdown refuses new work, stops everything and waits for background
// goroutines until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.StopAll()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
	relay, local := m.dialers()
	if err := relay.Close(); err != nil {
		return err
	}
	return local.Close()
}

func (m *Manager) stopSessions(ss []*session.Session) {
	var wg sync.WaitGroup
	for _, s := range ss {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			m.finish(s, nil)
		}(s)
	}
	wg.Wait()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ── Session plumbing ─────────────────────────────────────────────────

// newSession registers a Pending session owning conn.
func (m *Manager) newSession(role session.Role, owner string, cfg session.Config, conn net.Conn) (*session.Session, error) {
	s := session.New(role, owner, cfg, conn, m.onTransition)
	if err := m.registry.Insert(s); err != nil {
		return nil, err
	}
	m.metrics.SessionOpened(role.String())
	info := s.Info()
	m.notifier.Notify(notify.Event{Time: time.Now(), ID: info.ID, Type: info.Type, Owner: info.Owner, Status: info.Status})
	return s, nil
}

// finish closes s and removes it from the registry once Closed.  A
// session whose pump outlives the cancel budget stays listed as closing;
// runPump removes it when the pump returns.
func (m *Manager) finish(s *session.Session, reason error) {
	if s.Close(reason, m.opts.CancelBudget) {
		m.registry.Remove(s)
	}
}

// startPump runs the pump for an Active session in the background.
func (m *Manager) startPump(s *session.Session, peer, local net.Conn, toLocal, toPeer []byte) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runPump(s, peer, local, toLocal, toPeer)
	}()
}

// runPump pumps until either side ends, then records the outcome on the
// session and closes it.  Pump failures end here: they become the
// session's terminal reason and are never returned to anyone.
func (m *Manager) runPump(s *session.Session, peer, local net.Conn, toLocal, toPeer []byte) {
	res := Pump(peer, local, toLocal, toPeer)
	m.metrics.BytesReceived(res.PeerToLocal)
	m.metrics.BytesSent(res.LocalToPeer)
	s.PumpFinished(session.Stats{PeerToLocal: res.PeerToLocal, LocalToPeer: res.LocalToPeer}, res.Err)
	if res.Err != nil {
		m.metrics.RecordError(string(rerr.KindOf(res.Err)), res.Err.Error())
		m.logger.With("session", s.ID()).Verbose("pump ended: %v", res.Err)
	}
	m.finish(s, res.Err)
}

// onTransition is every session's hook.
func (m *Manager) onTransition(s *session.Session, to session.State) {
	info := s.Info()
	log := m.logger.With("session", s.ID())
	switch to {
	case session.StateActive:
		log.Verbose("%s session active", s.Role())
	case session.StateClosed:
		m.metrics.SessionClosed(s.Role().String(), time.Since(s.StartedAt()))
		if st := s.Stats(); st.PeerToLocal > 0 || st.LocalToPeer > 0 {
			log.Verbose("%s session closed after %v (in=%d out=%d)", s.Role(),
				time.Since(s.StartedAt()).Truncate(time.Millisecond), st.PeerToLocal, st.LocalToPeer)
		} else {
			log.Debug("%s session closed", s.Role())
		}
	}
	m.notifier.Notify(notify.Event{
		Time:   time.Now(),
		ID:     info.ID,
		Type:   info.Type,
		Owner:  info.Owner,
		Status: to.String(),
		Error:  info.Error,
	})
}
