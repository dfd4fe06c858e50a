package tunnel

// pool.go - registered tunnels waiting for an inbound peer.

import (
	"net"
	"sync"
	"time"

	rerr "natrelay/internal/errors"
	"natrelay/internal/proto"
)

// maxEarlyBytes bounds what a pooled tunnel buffers before a peer
// claims it; past this the watcher stops reading and TCP flow control
// pushes back on the local service.
const maxEarlyBytes = 64 * 1024

// aLongTimeAgo is a read deadline in the past, used to interrupt a
// blocked Read without closing the connection.
var aLongTimeAgo = time.Unix(1, 0)

// pooledTunnel is a connector's relay connection after its handshake.
// While it waits in the pool a watcher goroutine keeps reading, both to
// notice the connector going away and to buffer server-first payload
// (e.g. an SSH banner) for the future peer.
type pooledTunnel struct {
	conn      net.Conn
	handshake proto.Handshake
	since     time.Time

	early     []byte
	dead      bool
	watched   bool
	claimed   chan struct{}
	discarded chan struct{}
	watchDone chan struct{}
	once      sync.Once
}

func newPooledTunnel(conn net.Conn, h proto.Handshake, rest []byte) *pooledTunnel {
	return &pooledTunnel{
		conn:      conn,
		handshake: h,
		since:     time.Now(),
		early:     rest,
		claimed:   make(chan struct{}),
		discarded: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
}

// watch runs while the tunnel sits in the pool.  onDead is called once
// if the connection fails before it is claimed.
func (t *pooledTunnel) watch(onDead func(*pooledTunnel)) {
	defer close(t.watchDone)
	buf := make([]byte, 4096)
	for {
		if len(t.early) >= maxEarlyBytes {
			select {
			case <-t.claimed:
			case <-t.discarded:
			}
			return
		}
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.early = append(t.early, buf[:n]...)
		}
		if err != nil {
			select {
			case <-t.claimed:
				return
			default:
			}
			t.dead = true
			onDead(t)
			return
		}
	}
}

// discard closes the connection of a tunnel that will never be paired.
func (t *pooledTunnel) discard() {
	t.once.Do(func() {
		close(t.discarded)
		t.conn.Close()
	})
}

// claim stops the watcher and reports whether the tunnel is still
// usable.  After claim returns, t.early holds every buffered byte.
func (t *pooledTunnel) claim() bool {
	if !t.watched {
		return true
	}
	close(t.claimed)
	t.conn.SetReadDeadline(aLongTimeAgo)
	<-t.watchDone
	t.conn.SetReadDeadline(time.Time{})
	return !t.dead
}

// tunnelPool pairs waiting peers with registered tunnels, both in
// arrival order.
type tunnelPool struct {
	mu      sync.Mutex
	tunnels []*pooledTunnel
	waiters []chan *pooledTunnel
	closed  bool
}

// put adds t to the pool, handing it straight to the oldest waiting
// peer if there is one.
func (p *tunnelPool) put(t *pooledTunnel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.discard()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w <- t
		return
	}
	p.tunnels = append(p.tunnels, t)
	if !t.watched {
		t.watched = true
		go t.watch(p.evict)
	}
}

// evict removes a dead tunnel and closes it.
func (p *tunnelPool) evict(t *pooledTunnel) {
	p.mu.Lock()
	for i, c := range p.tunnels {
		if c == t {
			p.tunnels = append(p.tunnels[:i], p.tunnels[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	t.discard()
}

// take returns the oldest live tunnel, waiting until one is registered,
// cancel is closed, timeout elapses or the pool is closed.
func (p *tunnelPool) take(cancel <-chan struct{}, timeout time.Duration) (*pooledTunnel, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, rerr.ErrListenerClosed
		}
		if len(p.tunnels) > 0 {
			t := p.tunnels[0]
			p.tunnels = p.tunnels[1:]
			p.mu.Unlock()
			if t.claim() {
				return t, nil
			}
			t.discard()
			continue
		}
		w := make(chan *pooledTunnel, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		var err error
		select {
		case t := <-w:
			if t == nil {
				return nil, rerr.ErrListenerClosed
			}
			if t.claim() {
				return t, nil
			}
			t.discard()
			continue
		case <-cancel:
			err = rerr.ErrSessionClosed
		case <-timer.C:
			err = rerr.ErrPairTimeout
		}

		p.mu.Lock()
		for i, c := range p.waiters {
			if c == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// put may have handed us a tunnel just before we left the queue.
		select {
		case t := <-w:
			if t != nil {
				p.put(t)
			}
		default:
		}
		return nil, err
	}
}

// size returns the number of pooled tunnels.
func (p *tunnelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tunnels)
}

// close closes every pooled tunnel and releases every waiting peer.
func (p *tunnelPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	tunnels, waiters := p.tunnels, p.waiters
	p.tunnels, p.waiters = nil, nil
	p.mu.Unlock()

	for _, t := range tunnels {
		t.discard()
	}
	for _, w := range waiters {
		close(w)
	}
}
