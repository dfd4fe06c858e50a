// Package notify distributes session status events: every lifecycle
// transition of a listener or session becomes one Event, delivered to
// in-process subscribers (Hub) and optionally published to Redis.
//
// Notifiers never block the caller; slow consumers lose events.
package notify

import (
	"time"
)

// Event is one status change.
type Event struct {
	Time   time.Time `json:"time"`
	ID     string    `json:"id"`
	Type   string    `json:"type"` // "server" or "client"
	Owner  string    `json:"owner,omitempty"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Notifier accepts events.  Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Func adapts a function to Notifier.
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Nop discards every event.
var Nop Notifier = nop{}

type nop struct{}

func (nop) Notify(Event) {}

// Multi fans an event out to several notifiers, skipping nil entries.
func Multi(ns ...Notifier) Notifier {
	out := make(multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

type multi []Notifier

func (m multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}
