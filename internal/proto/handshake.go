// Package proto implements the pairing handshake a tunnel connector
// sends to a relay listener.
//
// The handshake is a single line: the ASCII magic "NATRELAY/1 "
// followed by a JSON object and a newline.
//
//	NATRELAY/1 {"type":"client-connect","localHost":"127.0.0.1","localPort":22}\n
//
// Every byte after the newline is opaque tunnel payload.
package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	rerr "natrelay/internal/errors"
)

// Magic prefixes every handshake.  It is chosen so that common
// client-first protocols (HTTP, TLS, SSH) diverge on the first byte.
const Magic = "NATRELAY/1 "

// TypeClientConnect is the only message type defined so far.
const TypeClientConnect = "client-connect"

// DefaultMaxSize bounds the length of a handshake line, magic and
// newline included.
const DefaultMaxSize = 4096

// Handshake announces a tunnel to the relay.  The local target is
// informational; the relay never dials it.
type Handshake struct {
	Type      string `json:"type"`
	LocalHost string `json:"localHost,omitempty"`
	LocalPort int    `json:"localPort,omitempty"`
}

// NewHandshake returns a client-connect handshake for the given local
// service.
func NewHandshake(localHost string, localPort int) Handshake {
	return Handshake{Type: TypeClientConnect, LocalHost: localHost, LocalPort: localPort}
}

// Encode renders h as a complete handshake line no longer than max.
func Encode(h Handshake, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxSize
	}
	body, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	line := make([]byte, 0, len(Magic)+len(body)+1)
	line = append(line, Magic...)
	line = append(line, body...)
	line = append(line, '\n')
	if len(line) > max {
		return nil, fmt.Errorf("handshake is %d bytes, limit %d", len(line), max)
	}
	return line, nil
}

// Write sends h to w in a single write.
func Write(w io.Writer, h Handshake, max int) error {
	line, err := Encode(h, max)
	if err != nil {
		return err
	}
	_, err = w.Write(line)
	return err
}

// ── Classification ───────────────────────────────────────────────────

// Sniff reads from r until it can decide whether the stream opens with
// [Magic].  consumed holds every byte read, so a non-tunnel stream can
// be replayed to its partner.  A read error (including a deadline)
// stops the sniff; the caller decides what silence means.
func Sniff(r io.Reader) (isTunnel bool, consumed []byte, err error) {
	buf := make([]byte, len(Magic))
	n := 0
	for n < len(Magic) {
		m, readErr := r.Read(buf[n:])
		if m > 0 {
			if !bytes.HasPrefix([]byte(Magic), buf[:n+m]) {
				return false, buf[:n+m], nil
			}
			n += m
		}
		if readErr != nil && n < len(Magic) {
			return false, buf[:n], readErr
		}
	}
	return true, buf[:n], nil
}

// Read parses the remainder of a handshake line after [Sniff] matched
// the magic.  rest holds any payload bytes that arrived in the same
// read as the newline.
func Read(r io.Reader, max int) (h Handshake, rest []byte, err error) {
	if max <= 0 {
		max = DefaultMaxSize
	}
	limit := max - len(Magic)
	if limit <= 1 {
		return h, nil, fmt.Errorf("%w: limit %d too small", rerr.ErrBadHandshake, max)
	}

	var line []byte
	chunk := make([]byte, 512)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			line = append(line, chunk[:n]...)
			if i := bytes.IndexByte(line, '\n'); i >= 0 {
				if i+1 > limit {
					return h, nil, fmt.Errorf("%w: line exceeds %d bytes", rerr.ErrBadHandshake, max)
				}
				rest = append([]byte(nil), line[i+1:]...)
				line = line[:i]
				break
			}
			if len(line) >= limit {
				return h, nil, fmt.Errorf("%w: line exceeds %d bytes", rerr.ErrBadHandshake, max)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				readErr = io.ErrUnexpectedEOF
			}
			return h, nil, fmt.Errorf("%w: %v", rerr.ErrBadHandshake, readErr)
		}
	}

	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return h, nil, fmt.Errorf("%w: %v", rerr.ErrBadHandshake, err)
	}
	if h.Type != TypeClientConnect {
		return h, nil, fmt.Errorf("%w: unknown type %q", rerr.ErrBadHandshake, h.Type)
	}
	return h, rest, nil
}
