package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// scrape renders the collector's registry in the text exposition format.
func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func assertMetric(t *testing.T, body, line string) {
	t.Helper()
	if !strings.Contains(body, line+"\n") {
		t.Errorf("metrics output missing %q", line)
	}
}

func TestCollector_Sessions(t *testing.T) {
	c := New()

	c.SessionOpened("listener")
	c.SessionOpened("connector")
	if c.ActiveSessions() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total = %d, want 2", c.TotalSessions())
	}

	c.SessionClosed("listener", time.Second)
	if c.ActiveSessions() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveSessions())
	}
	if c.TotalSessions() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalSessions())
	}

	body := scrape(t, c)
	assertMetric(t, body, `natrelay_sessions_active{role="connector"} 1`)
	assertMetric(t, body, `natrelay_sessions_closed_total{role="listener"} 1`)
	assertMetric(t, body, "natrelay_session_duration_seconds_count 1")
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
	assertMetric(t, scrape(t, c), `natrelay_bytes_total{direction="peer_to_local"} 1124`)
}

func TestCollector_RelayCounters(t *testing.T) {
	c := New()

	c.ListenerAccept()
	c.ListenerAccept()
	c.HandshakeReceived()
	c.Paired()
	c.PairTimeout()
	c.TunnelReconnect()
	c.TunnelReconnect()
	c.BreakerTransition("open")
	c.BreakerTransition("half-open")
	c.BreakerTransition("open")

	snap := c.Snapshot()
	if snap.Accepts != 2 || snap.Handshakes != 1 || snap.Pairings != 1 || snap.PairTimeouts != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if c.TunnelReconnects() != 2 {
		t.Errorf("reconnects = %d, want 2", c.TunnelReconnects())
	}
	if snap.BreakerOpens != 2 {
		t.Errorf("breaker opens = %d, want 2", snap.BreakerOpens)
	}
	out := scrape(t, c)
	assertMetric(t, out, `natrelay_breaker_transitions_total{state="open"} 2`)
	assertMetric(t, out, `natrelay_breaker_transitions_total{state="half-open"} 1`)
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("connect", "first error")
	c.RecordError("io", "second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
	assertMetric(t, scrape(t, c), `natrelay_errors_total{kind="connect"} 1`)
	if c.Snapshot().LastErrorMessage != "second error" {
		t.Errorf("last error = %q", c.Snapshot().LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.SessionOpened("listener")
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("JSON active = %d", snap.SessionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.SessionOpened("connector")
	c.Paired()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`natrelay_sessions_active{role="connector"} 1`,
		"natrelay_pairings_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.SessionOpened("listener")
	c.SessionClosed("listener", time.Second)
	c.BytesReceived(100)
	c.BytesSent(100)
	c.ListenerAccept()
	c.HandshakeReceived()
	c.Paired()
	c.PairTimeout()
	c.TunnelReconnect()
	c.BreakerTransition("open")
	c.RecordError("io", "test")

	if c.ActiveSessions() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.SessionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
	if c.Handler() == nil {
		t.Error("nil collector should still serve an empty registry")
	}
}
