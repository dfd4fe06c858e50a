package tunnel

// listener.go - the relay listener: accepts connections, tells tunnel
// connectors apart from inbound peers and pairs them into sessions.

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/notify"
	"natrelay/internal/proto"
	"natrelay/internal/retry"
	"natrelay/internal/session"
	"natrelay/util"
)

// Listener is one bound relay port.  Connections that open with the
// pairing handshake are registered as tunnels; every other connection
// is a peer and is paired with the oldest registered tunnel.
type Listener struct {
	id        string
	cfg       config.ListenerConfig
	ln        net.Listener
	startedAt time.Time

	m      *Manager
	logger *util.Logger
	pool   tunnelPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[net.Conn]struct{}
	closed   bool
}

// StartListener binds cfg's address and starts accepting.  The listener
// is registered and listed before StartListener returns.
func (m *Manager) StartListener(ctx context.Context, cfg config.ListenerConfig) (*Listener, error) {
	if m.isClosed() {
		return nil, rerr.ErrShutdown
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	addr := cfg.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		m.metrics.RecordError(string(rerr.KindBind), err.Error())
		return nil, rerr.Bind(addr, err)
	}

	id := session.NewID()
	l := &Listener{
		id:        id,
		cfg:       cfg,
		ln:        ln,
		startedAt: time.Now(),
		m:         m,
		logger:    m.logger.With("listener", id),
		inflight:  make(map[net.Conn]struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(m.ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		l.cancel()
		ln.Close()
		return nil, rerr.ErrShutdown
	}
	m.listeners[id] = l
	m.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("relay listening on %s", ln.Addr())
	m.notifier.Notify(notify.Event{Time: l.startedAt, ID: id, Type: "server", Status: "running"})
	return l, nil
}

// ID returns the listener's id.
func (l *Listener) ID() string { return l.id }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return l.cfg.Port
}

// Tunnels returns the number of registered tunnels waiting for a peer.
func (l *Listener) Tunnels() int { return l.pool.size() }

// Info describes the listener in the same shape as a session.
func (l *Listener) Info() session.Info {
	return session.Info{
		ID:   l.id,
		Type: session.RoleListener.Type(),
		Config: session.Config{
			BindAddress: l.cfg.BindAddress,
			Port:        l.Port(),
		},
		Status:    "running",
		StartTime: l.startedAt,
	}
}

// ── Accept and classify ──────────────────────────────────────────────

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var tempDelay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures (EMFILE and friends) back off like
			// net/http's Serve.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			l.logger.Warn("accept: %v; retrying in %v", err, tempDelay)
			if !retry.Sleep(l.ctx, tempDelay) {
				return
			}
			continue
		}
		tempDelay = 0
		l.m.metrics.ListenerAccept()

		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.classify(conn)
	}
}

// classify decides whether conn is a tunnel or a peer.  A connection
// that stays silent past the classify timeout is a peer: server-first
// protocols never speak before the far side does.
func (l *Listener) classify(conn net.Conn) {
	defer l.wg.Done()
	opts := l.m.opts

	conn.SetReadDeadline(time.Now().Add(opts.ClassifyTimeout))
	isTunnel, consumed, err := proto.Sniff(conn)

	if isTunnel {
		h, rest, err := proto.Read(conn, opts.MaxHandshakeSize)
		conn.SetReadDeadline(time.Time{})
		l.untrack(conn)
		if err != nil {
			l.logger.Verbose("rejecting %s: %v", conn.RemoteAddr(), err)
			l.m.metrics.RecordError(string(rerr.KindOf(err)), err.Error())
			conn.Close()
			return
		}
		l.m.metrics.HandshakeReceived()
		l.logger.Verbose("tunnel registered from %s (local %s)",
			conn.RemoteAddr(), util.FormatAddr(h.LocalHost, h.LocalPort))
		l.pool.put(newPooledTunnel(conn, h, rest))
		return
	}

	conn.SetReadDeadline(time.Time{})
	l.untrack(conn)
	if err != nil && !isTimeout(err) && len(consumed) == 0 {
		// Gone before saying anything.
		conn.Close()
		return
	}
	l.servePeer(conn, consumed)
}

// servePeer parks a peer as a Pending session until a tunnel is free,
// then activates the session and starts its pump.
func (l *Listener) servePeer(conn net.Conn, consumed []byte) {
	m := l.m
	s, err := m.newSession(session.RoleListener, l.id, session.Config{
		BindAddress: l.cfg.BindAddress,
		Port:        l.Port(),
	}, conn)
	if err != nil {
		l.logger.Error("register peer %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	log := l.logger.With("session", s.ID())
	log.Verbose("peer %s waiting for a tunnel", conn.RemoteAddr())

	t, err := l.pool.take(s.Closing(), m.opts.PairTimeout)
	if err != nil {
		var reason error
		if errors.Is(err, rerr.ErrPairTimeout) {
			m.metrics.PairTimeout()
			log.Info("peer %s: no tunnel within %v", conn.RemoteAddr(), m.opts.PairTimeout)
			reason = err
		}
		m.finish(s, reason)
		return
	}

	s.SetConfig(session.Config{
		BindAddress: l.cfg.BindAddress,
		Port:        l.Port(),
		LocalHost:   t.handshake.LocalHost,
		LocalPort:   t.handshake.LocalPort,
	})
	peer, local, ok := s.Activate(t.conn)
	if !ok {
		// Stopped while pairing; the tunnel is already detached from
		// the pool and nobody else will use it.
		t.discard()
		m.finish(s, nil)
		return
	}
	m.metrics.Paired()
	log.Verbose("paired %s with tunnel %s", conn.RemoteAddr(), t.conn.RemoteAddr())
	m.startPump(s, peer, local, consumed, t.early)
}

// ── Shutdown ─────────────────────────────────────────────────────────

func (l *Listener) track(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.inflight[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.inflight, c)
	l.mu.Unlock()
}

// close stops accepting, drops connections still being classified,
// closes pooled tunnels and releases waiting peers.  It returns once
// every goroutine the listener started has returned; pumps of already
// active sessions are not affected.
func (l *Listener) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.wg.Wait()
		return
	}
	l.closed = true
	inflight := l.inflight
	l.inflight = nil
	l.mu.Unlock()

	l.cancel()
	l.ln.Close()
	for c := range inflight {
		c.Close()
	}
	l.pool.close()
	l.wg.Wait()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sortListeners(ls []*Listener) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].startedAt.Equal(ls[j].startedAt) {
			return ls[i].id < ls[j].id
		}
		return ls[i].startedAt.Before(ls[j].startedAt)
	})
}
