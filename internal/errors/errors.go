// Package errors provides the relay's error taxonomy.
//
// Setup failures (ConfigError, BindError, ConnectError) are returned
// synchronously from the start operations.  NotFoundError reports an
// unknown session id.  IOError never escapes a start call: it is the
// terminal reason recorded on a session whose pump stopped on a
// read/write failure.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrListenerClosed = errors.New("listener is closed")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrPairTimeout    = errors.New("no tunnel became available in time")
	ErrBadHandshake   = errors.New("malformed pairing handshake")
	ErrShutdown       = errors.New("relay manager is shut down")
)

// ── Structured error types ───────────────────────────────────────────

// ConfigError represents missing or malformed input, detected before
// any socket is opened.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// BindError reports that a relay listener could not bind its address.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ConnectError reports a failed or timed-out outbound dial, or a failure
// to deliver the pairing handshake.
type ConnectError struct {
	Op        string // "dial" or "handshake"
	Addr      string
	Err       error
	Retryable bool
}

func (e *ConnectError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NotFoundError reports an operation on an unknown session id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.ID)
}

// IOError is a mid-session read/write failure on one endpoint.
type IOError struct {
	Op       string // "read", "write", "dial-local"
	Endpoint string // "peer" or "local"
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Connect creates a ConnectError, detecting retryability from the
// underlying error.
func Connect(op, addr string, err error) *ConnectError {
	return &ConnectError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// Bind creates a BindError.
func Bind(addr string, err error) *BindError {
	return &BindError{Addr: addr, Err: err}
}

// NotFound creates a NotFoundError.
func NotFound(id string) *NotFoundError {
	return &NotFoundError{ID: id}
}

// ── Classification helpers ───────────────────────────────────────────

// Kind is the coarse category of an error, as reported to callers of
// the control API.
type Kind string

const (
	KindConfig   Kind = "config"
	KindBind     Kind = "bind"
	KindConnect  Kind = "connect"
	KindNotFound Kind = "not_found"
	KindIO       Kind = "io"
	KindInternal Kind = "internal"
)

// KindOf classifies err.  A nil error has an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		ce  *ConfigError
		be  *BindError
		cne *ConnectError
		nfe *NotFoundError
		ioe *IOError
	)
	switch {
	case errors.As(err, &ce):
		return KindConfig
	case errors.As(err, &be):
		return KindBind
	case errors.As(err, &cne):
		return KindConnect
	case errors.As(err, &nfe):
		return KindNotFound
	case errors.As(err, &ioe):
		return KindIO
	}
	return KindInternal
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return classifyRetryable(err)
}

// IsHarmless reports whether err is an expected way for a stream to end:
// end-of-stream or use of a connection we closed ourselves.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// IsReset reports whether err is a connection reset or broken pipe.
func IsReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return true
		}
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use natrelay/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
