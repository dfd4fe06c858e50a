package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/metrics"
	"natrelay/internal/notify"
	"natrelay/internal/session"
	"natrelay/tunnel"
	"natrelay/util"
)

func newTestServer(t *testing.T) (*httptest.Server, *tunnel.Manager, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub()
	m := tunnel.NewManager(config.Options{CancelBudget: 500 * time.Millisecond}, nil, metrics.New(), hub)
	ts := httptest.NewServer(New(m, hub, nil))
	t.Cleanup(func() {
		ts.Close()
		m.Shutdown(context.Background()) //nolint:errcheck
		hub.Close()
	})
	return ts, m, hub
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func freePort(t *testing.T) int {
	t.Helper()
	p, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestListenerLifecycle(t *testing.T) {
	ts, _, _ := newTestServer(t)
	port := freePort(t)
	body := fmt.Sprintf(`{"bindAddress":"127.0.0.1","port":%d}`, port)

	resp, data := do(t, http.MethodPost, ts.URL+"/api/listeners", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var info listenerStarted
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.Type != "server" || info.Status != "running" || info.Port != port || info.ID == "" || info.StartTime.IsZero() {
		t.Errorf("info = %s", data)
	}
	if bytes.Contains(data, []byte(`"config"`)) {
		t.Errorf("start result should be flat: %s", data)
	}

	_, data = do(t, http.MethodGet, ts.URL+"/api/sessions", "")
	var list []session.Info
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != info.ID || list[0].Config.Port != port {
		t.Errorf("sessions = %s", data)
	}

	resp, data = do(t, http.MethodDelete, ts.URL+"/api/sessions/"+info.ID, "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"success":true`)) {
		t.Errorf("DELETE = %d %s", resp.StatusCode, data)
	}
	resp, data = do(t, http.MethodDelete, ts.URL+"/api/sessions/"+info.ID, "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("already closed")) {
		t.Errorf("second DELETE = %d %s", resp.StatusCode, data)
	}
}

func TestStartTunnelResult(t *testing.T) {
	ts, m, _ := newTestServer(t)
	local, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer local.Close()
	go func() {
		for {
			c, err := local.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	l, err := m.StartListener(context.Background(), config.ListenerConfig{BindAddress: "127.0.0.1", Port: freePort(t)})
	if err != nil {
		t.Fatal(err)
	}
	localPort := local.Addr().(*net.TCPAddr).Port

	body := fmt.Sprintf(`{"serverHost":"127.0.0.1","serverPort":%d,"localHost":"127.0.0.1","localPort":%d}`, l.Port(), localPort)
	resp, data := do(t, http.MethodPost, ts.URL+"/api/tunnels", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"type":       "client",
		"serverHost": "127.0.0.1",
		"serverPort": float64(l.Port()),
		"localHost":  "127.0.0.1",
		"localPort":  float64(localPort),
		"status":     "connected",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v (%s)", k, got[k], v, data)
		}
	}
	if got["id"] == "" || got["startTime"] == nil {
		t.Errorf("missing id or startTime: %s", data)
	}
	if _, nested := got["config"]; nested {
		t.Errorf("start result should be flat: %s", data)
	}
}

func TestErrorResponses(t *testing.T) {
	ts, _, _ := newTestServer(t)
	port := freePort(t)
	do(t, http.MethodPost, ts.URL+"/api/listeners", fmt.Sprintf(`{"bindAddress":"127.0.0.1","port":%d}`, port))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   rerr.Kind
	}{
		{"port in use", http.MethodPost, "/api/listeners", fmt.Sprintf(`{"bindAddress":"127.0.0.1","port":%d}`, port), http.StatusConflict, rerr.KindBind},
		{"port out of range", http.MethodPost, "/api/listeners", `{"port":70000}`, http.StatusBadRequest, rerr.KindConfig},
		{"malformed body", http.MethodPost, "/api/listeners", `{"port":`, http.StatusBadRequest, rerr.KindConfig},
		{"unknown field", http.MethodPost, "/api/tunnels", `{"server":"x"}`, http.StatusBadRequest, rerr.KindConfig},
		{"tunnel missing fields", http.MethodPost, "/api/tunnels", `{"serverHost":"127.0.0.1"}`, http.StatusBadRequest, rerr.KindConfig},
		{"tunnel unreachable", http.MethodPost, "/api/tunnels",
			fmt.Sprintf(`{"serverHost":"127.0.0.1","serverPort":%d,"localHost":"127.0.0.1","localPort":22}`, freePort(t)),
			http.StatusBadGateway, rerr.KindConnect},
		{"unknown session", http.MethodDelete, "/api/sessions/nope", "", http.StatusNotFound, rerr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.status, data)
			}
			var e errorBody
			if err := json.Unmarshal(data, &e); err != nil {
				t.Fatalf("body %s: %v", data, err)
			}
			if e.Kind != string(tt.kind) || e.Message == "" {
				t.Errorf("error body = %+v, want kind %q", e, tt.kind)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&rerr.ConfigError{Field: "port"}, http.StatusBadRequest},
		{rerr.Bind(":80", errors.New("in use")), http.StatusConflict},
		{rerr.Connect("dial", "relay:9000", errors.New("refused")), http.StatusBadGateway},
		{rerr.NotFound("x"), http.StatusNotFound},
		{rerr.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestStopAllEndpoint(t *testing.T) {
	ts, m, _ := newTestServer(t)
	for i := 0; i < 2; i++ {
		if _, err := m.StartListener(context.Background(), config.ListenerConfig{BindAddress: "127.0.0.1", Port: freePort(t)}); err != nil {
			t.Fatal(err)
		}
	}
	resp, data := do(t, http.MethodPost, ts.URL+"/api/sessions/stop-all", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res tunnel.StopAllResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Count != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, data := do(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || string(data) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, data)
	}
	resp, data = do(t, http.MethodGet, ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("natrelay_listener_accepts_total")) {
		t.Errorf("metrics = %d\n%s", resp.StatusCode, data)
	}

	// A refused dial leaves a breaker behind for that relay address.
	relay := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	host, port, _ := util.SplitAddr(relay)
	do(t, http.MethodPost, ts.URL+"/api/tunnels",
		fmt.Sprintf(`{"serverHost":%q,"serverPort":%d,"localHost":"127.0.0.1","localPort":22}`, host, port))

	resp, data = do(t, http.MethodGet, ts.URL+"/api/stats", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(data, []byte(`"sessions_active"`)) {
		t.Errorf("stats = %d %s", resp.StatusCode, data)
	}
	var stats struct {
		Breakers map[string]struct {
			State    string `json:"state"`
			Failures int    `json:"failures"`
		} `json:"breakers"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatal(err)
	}
	if b := stats.Breakers[relay]; b.State != "closed" || b.Failures != 1 {
		t.Errorf("breaker for %s = %+v (%s)", relay, b, data)
	}
}

func TestEventStream(t *testing.T) {
	ts, m, hub := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// The handler subscribes after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no subscriber registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l, err := m.StartListener(context.Background(), config.ListenerConfig{BindAddress: "127.0.0.1", Port: freePort(t)})
	if err != nil {
		t.Fatal(err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e notify.Event
	if err := ws.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.ID != l.ID() || e.Status != "running" || e.Type != "server" {
		t.Errorf("event = %+v", e)
	}
}
