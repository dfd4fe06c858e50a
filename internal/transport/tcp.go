package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer establishes plain TCP connections, optionally from a fixed
// source address.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 = Go default, negative disables
	Source    string        // optional "host:port" to dial from
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	if d.Source != "" {
		a, err := net.ResolveTCPAddr(network, d.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve source addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// Func adapts a plain dial function to the Dialer interface.
type Func func(ctx context.Context, network, address string) (net.Conn, error)

// Dial calls f.
func (f Func) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Close returns nil.
func (f Func) Close() error { return nil }
