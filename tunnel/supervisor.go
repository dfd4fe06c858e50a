package tunnel

// supervisor.go - keeps a fixed number of connector sessions open for
// one tunnel config so the relay always has a tunnel ready to pair.

import (
	"context"
	"sync"
	"time"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/retry"
	"natrelay/internal/session"
)

// minHealthyLifetime separates a session that served a peer from one
// that died right after it was created; only the latter delays the
// next re-creation.
const minHealthyLifetime = time.Second

// Supervisor re-creates connector sessions from a retained config after
// they close.  Each pooled tunnel is consumed by one peer, so a relay
// needs fresh tunnels as peers come and go.
type Supervisor struct {
	m    *Manager
	cfg  config.TunnelConfig
	size int

	// Backoff between failed StartTunnel attempts.  Defaults to
	// retry.DefaultBackoff with unlimited attempts.
	Backoff *retry.Backoff

	mu       sync.Mutex
	sessions map[int]*session.Session
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor returns a supervisor keeping size sessions (at least 1)
// open for cfg.
func NewSupervisor(m *Manager, cfg config.TunnelConfig, size int) *Supervisor {
	if size < 1 {
		size = 1
	}
	b := retry.DefaultBackoff()
	b.MaxAttempts = 0
	return &Supervisor{
		m:        m,
		cfg:      cfg,
		size:     size,
		Backoff:  b,
		sessions: make(map[int]*session.Session),
	}
}

// Start validates the config and starts one loop per slot.  The loops
// run until ctx is cancelled or [Supervisor.Stop] is called.
func (sv *Supervisor) Start(ctx context.Context) error {
	if err := sv.cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	sv.mu.Lock()
	sv.cancel = cancel
	sv.mu.Unlock()

	for i := 0; i < sv.size; i++ {
		sv.wg.Add(1)
		go sv.run(ctx, i)
	}
	return nil
}

// Stop ends every loop and stops the sessions they own.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	cancel := sv.cancel
	sv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	sv.wg.Wait()
}

// Sessions returns the sessions currently held, one per live slot.
func (sv *Supervisor) Sessions() []*session.Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*session.Session, 0, len(sv.sessions))
	for i := 0; i < sv.size; i++ {
		if s, ok := sv.sessions[i]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (sv *Supervisor) run(ctx context.Context, slot int) {
	defer sv.wg.Done()
	log := sv.m.logger.With("slot", slot)

	b := *sv.Backoff
	b.Retryable = func(err error) bool {
		return rerr.KindOf(err) != rerr.KindConfig && !rerr.Is(err, rerr.ErrShutdown)
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("tunnel to %s: attempt %d failed: %v; retrying in %v",
			sv.cfg.ServerAddr(), attempt, err, wait.Truncate(time.Millisecond))
	}

	for first := true; ; first = false {
		var s *session.Session
		err := b.Do(ctx, func(int) error {
			var err error
			s, err = sv.m.StartTunnel(ctx, sv.cfg)
			return err
		})
		if err != nil {
			if ctx.Err() == nil && !rerr.Is(err, rerr.ErrShutdown) {
				log.Error("tunnel to %s: giving up: %v", sv.cfg.ServerAddr(), err)
			}
			return
		}
		if !first {
			sv.m.metrics.TunnelReconnect()
		}

		sv.mu.Lock()
		sv.sessions[slot] = s
		sv.mu.Unlock()

		select {
		case <-s.Done():
		case <-ctx.Done():
			sv.m.StopSession(s.ID()) //nolint:errcheck // only NotFound after a concurrent stop
		}

		sv.mu.Lock()
		delete(sv.sessions, slot)
		sv.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if lived := time.Since(s.StartedAt()); lived < minHealthyLifetime {
			if !retry.Sleep(ctx, minHealthyLifetime-lived) {
				return
			}
		}
	}
}
