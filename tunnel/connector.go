package tunnel

// connector.go - the tunnel connector: dials a relay listener from
// behind the NAT, announces itself and bridges to the local service.

import (
	"context"
	"errors"
	"net"
	"time"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/proto"
	"natrelay/internal/session"
)

// relayKeepAlive keeps idle pooled tunnels from being dropped by NAT
// boxes between the connector and the relay.
const relayKeepAlive = 30 * time.Second

// StartTunnel dials the relay server, delivers the pairing handshake and
// registers a Pending connector session.  The local leg is attached in
// the background; a failure there closes the session with an IOError
// rather than failing this call.
//
// Dial and handshake failures are ConnectErrors.  Repeated failures
// against one server open its circuit breaker, after which StartTunnel
// fails fast until the breaker's reset timeout elapses.
func (m *Manager) StartTunnel(ctx context.Context, cfg config.TunnelConfig) (*session.Session, error) {
	if m.isClosed() {
		return nil, rerr.ErrShutdown
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	line, err := proto.Encode(proto.NewHandshake(cfg.LocalHost, cfg.LocalPort), m.opts.MaxHandshakeSize)
	if err != nil {
		return nil, &rerr.ConfigError{Field: "localHost", Value: cfg.LocalHost, Message: err.Error()}
	}

	addr := cfg.ServerAddr()
	var conn net.Conn
	err = m.breakers.Get(addr).Execute(func() error {
		var err error
		conn, err = m.dialRelay(ctx, addr, line)
		return err
	})
	if err != nil {
		if errors.Is(err, rerr.ErrCircuitOpen) {
			err = &rerr.ConnectError{Op: "dial", Addr: addr, Err: err, Retryable: true}
		}
		m.metrics.RecordError(string(rerr.KindConnect), err.Error())
		return nil, err
	}

	s, err := m.newSession(session.RoleConnector, "", session.Config{
		ServerHost: cfg.ServerHost,
		ServerPort: cfg.ServerPort,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
	}, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.logger.With("session", s.ID()).Info("tunnel to %s established, exposing %s", addr, cfg.LocalAddr())

	m.wg.Add(1)
	go m.connectLocal(s, conn, cfg)
	return s, nil
}

// dialRelay opens the relay leg and writes the handshake line.
func (m *Manager) dialRelay(ctx context.Context, addr string, line []byte) (net.Conn, error) {
	d, _ := m.dialers()
	conn, err := d.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, rerr.Connect("dial", addr, err)
	}
	conn.SetWriteDeadline(time.Now().Add(m.opts.DialTimeout))
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return nil, rerr.Connect("handshake", addr, err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// connectLocal attaches the local service to a Pending connector
// session and runs its pump.
func (m *Manager) connectLocal(s *session.Session, relay net.Conn, cfg config.TunnelConfig) {
	defer m.wg.Done()
	log := m.logger.With("session", s.ID())

	var first []byte
	if m.opts.LocalDial == config.DialLazy {
		buf := make([]byte, 4096)
		n, err := relay.Read(buf)
		if n == 0 {
			var reason error
			if !rerr.IsHarmless(err) {
				reason = &rerr.IOError{Op: "read", Endpoint: "peer", Err: err}
			}
			log.Verbose("relay closed before any data: %v", err)
			m.finish(s, reason)
			return
		}
		first = buf[:n]
	}

	// The dial is abandoned when the session is stopped meanwhile.
	ctx, cancel := context.WithCancel(m.ctx)
	go func() {
		select {
		case <-s.Closing():
			cancel()
		case <-ctx.Done():
		}
	}()
	_, d := m.dialers()
	local, err := d.Dial(ctx, "tcp", cfg.LocalAddr())
	cancel()
	if err != nil {
		ioErr := &rerr.IOError{Op: "dial-local", Endpoint: "local", Err: err}
		m.metrics.RecordError(string(rerr.KindIO), ioErr.Error())
		log.Warn("local service %s unreachable: %v", cfg.LocalAddr(), err)
		m.finish(s, ioErr)
		return
	}

	peer, loc, ok := s.Activate(local)
	if !ok {
		local.Close()
		m.finish(s, nil)
		return
	}
	m.runPump(s, peer, loc, first, nil)
}
