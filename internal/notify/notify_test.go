package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	if h.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", h.Subscribers())
	}

	h.Notify(Event{ID: "s1", Status: "active"})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case e := <-sub.Events():
			if e.ID != "s1" || e.Status != "active" {
				t.Errorf("%s got %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event", name)
		}
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	defer sub.Close()

	h.Notify(Event{ID: "1"})
	h.Notify(Event{ID: "2"})
	h.Notify(Event{ID: "3"})

	if h.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", h.Dropped())
	}
	if e := <-sub.Events(); e.ID != "1" {
		t.Errorf("first event = %q, want 1", e.ID)
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	h.Close()
	h.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("subscription should be closed")
	}
	sub.Close() // no panic on double close

	late := h.Subscribe(1)
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing to a closed hub should yield a closed queue")
	}
	h.Notify(Event{ID: "ignored"})
}

func TestSubscription_Close(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	sub.Close()
	sub.Close()
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", h.Subscribers())
	}
	h.Notify(Event{ID: "after"})
}

func TestMulti(t *testing.T) {
	var got []string
	f := Func(func(e Event) { got = append(got, "f:"+e.ID) })
	g := Func(func(e Event) { got = append(got, "g:"+e.ID) })

	Multi(f, nil, g).Notify(Event{ID: "x"})
	if len(got) != 2 || got[0] != "f:x" || got[1] != "g:x" {
		t.Errorf("got %v", got)
	}

	if Multi() != Nop || Multi(nil, nil) != Nop {
		t.Error("empty Multi should be Nop")
	}
	Multi().Notify(Event{}) // no panic
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := newRedisPublisher(client, RedisOptions{Channel: "test", Timeout: 500 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		p.Notify(Event{ID: "s", Status: "closed"})
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Failed() != 3 {
		t.Errorf("Failed() = %d, want 3", p.Failed())
	}

	// Notify after Close is a silent no-op.
	p.Notify(Event{ID: "late"})
	if p.Failed() != 3 || p.Dropped() != 0 {
		t.Errorf("late notify changed counters: failed=%d dropped=%d", p.Failed(), p.Dropped())
	}
}

func TestNewRedisPublisher_BadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisPublisher(ctx, RedisOptions{URL: "http://not-redis"}, nil); err == nil {
		t.Fatal("expected an error for a non-redis URL")
	}
}
