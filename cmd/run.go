package cmd

// run.go - builds the relay from a validated config and runs it until
// the context is cancelled.

import (
	"context"
	"fmt"
	"time"

	"natrelay/config"
	"natrelay/internal/control"
	"natrelay/internal/metrics"
	"natrelay/internal/notify"
	"natrelay/tunnel"
	"natrelay/util"
)

func run(ctx context.Context, cfg *config.Config, pool int, logger *util.Logger) error {
	// ── notifications ────────────────────────────────────────────
	hub := notify.NewHub()
	defer hub.Close()
	notifiers := []notify.Notifier{hub}

	if cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pub, err := notify.NewRedisPublisher(pingCtx, notify.RedisOptions{
			URL:     cfg.RedisURL,
			Channel: cfg.RedisChannel,
		}, logger)
		cancel()
		if err != nil {
			return err
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		logger.Info("publishing session events to %s", cfg.RedisChannel)
	}

	m := tunnel.NewManager(cfg.Options, logger, metrics.New(), notify.Multi(notifiers...))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
		defer cancel()
		if err := m.Shutdown(sctx); err != nil {
			logger.Warn("%v", err)
		}
	}()

	// ── presets ──────────────────────────────────────────────────
	for _, lc := range cfg.Listeners {
		if _, err := m.StartListener(ctx, lc); err != nil {
			return fmt.Errorf("listener %s: %w", lc.Addr(), err)
		}
	}

	var supervisors []*tunnel.Supervisor
	defer func() {
		for _, sv := range supervisors {
			sv.Stop()
		}
	}()
	for _, tc := range cfg.Tunnels {
		sv := tunnel.NewSupervisor(m, tc, pool)
		if err := sv.Start(ctx); err != nil {
			return err
		}
		supervisors = append(supervisors, sv)
	}

	// ── control API ──────────────────────────────────────────────
	errc := make(chan error, 1)
	if cfg.ControlAddr != "" {
		srv := control.New(m, hub, logger)
		go func() { errc <- srv.ListenAndServe(cfg.ControlAddr) }()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
			defer cancel()
			srv.Shutdown(sctx) //nolint:errcheck
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errc:
		return err
	}
}
