// Package transport opens the outbound connections of a tunnel
// connector: the relay leg to the relay server and the local leg to the
// exposed service.  The Manager dials through a Dialer so tests and
// embedders can substitute their own.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}
