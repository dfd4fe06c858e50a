// Package control serves the relay's HTTP control API: JSON endpoints
// that start and stop listeners and tunnels, a WebSocket stream of
// session events, and the Prometheus scrape endpoint.
//
//	POST   /api/listeners           {"bindAddress","port"}
//	POST   /api/tunnels             {"serverHost","serverPort","localHost","localPort"}
//	GET    /api/sessions
//	DELETE /api/sessions/{id}
//	POST   /api/sessions/stop-all
//	GET    /api/stats               metrics snapshot + relay dial breakers
//	GET    /api/events              (WebSocket)
//	GET    /metrics
//	GET    /healthz
//
// Errors are reported as {"message","kind"} with a status code chosen
// by kind.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"natrelay/config"
	rerr "natrelay/internal/errors"
	"natrelay/internal/metrics"
	"natrelay/internal/notify"
	"natrelay/internal/retry"
	"natrelay/tunnel"
	"natrelay/util"
)

// maxBodySize bounds request bodies.
const maxBodySize = 64 << 10

// Server exposes a Manager over HTTP.
type Server struct {
	m      *tunnel.Manager
	hub    *notify.Hub
	logger *util.Logger
	mux    *http.ServeMux
	srv    *http.Server
}

// New builds the handler tree.  hub may be nil, in which case the event
// stream endpoint answers 404.
func New(m *tunnel.Manager, hub *notify.Hub, logger *util.Logger) *Server {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	s := &Server{m: m, hub: hub, logger: logger, mux: http.NewServeMux()}
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.mux.HandleFunc("POST /api/listeners", s.handleStartListener)
	s.mux.HandleFunc("POST /api/tunnels", s.handleStartTunnel)
	s.mux.HandleFunc("GET /api/sessions", s.handleList)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleStop)
	s.mux.HandleFunc("POST /api/sessions/stop-all", s.handleStopAll)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	if hub != nil {
		s.mux.HandleFunc("GET /api/events", s.handleEvents)
	}
	s.mux.Handle("GET /metrics", m.Metrics().Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts HTTP connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("control API on http://%s", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rerr.Bind(addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops the HTTP server gracefully.  WebSocket streams end
// when the hub is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ── Handlers ─────────────────────────────────────────────────────────

type listenerRequest struct {
	BindAddress string `json:"bindAddress"`
	Port        *int   `json:"port"`
}

func (s *Server) handleStartListener(w http.ResponseWriter, r *http.Request) {
	var req listenerRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg := config.ListenerConfig{BindAddress: req.BindAddress, Port: config.DefaultListenPort}
	if req.Port != nil {
		cfg.Port = *req.Port
	}
	l, err := s.m.StartListener(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info := l.Info()
	writeJSON(w, http.StatusCreated, listenerStarted{
		ID:          info.ID,
		Type:        info.Type,
		BindAddress: info.Config.BindAddress,
		Port:        info.Config.Port,
		Status:      info.Status,
		StartTime:   info.StartTime,
	})
}

func (s *Server) handleStartTunnel(w http.ResponseWriter, r *http.Request) {
	var cfg config.TunnelConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	sess, err := s.m.StartTunnel(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The local leg attaches in the background and may already have
	// moved the session on; the result describes what StartTunnel left.
	info := sess.Info()
	writeJSON(w, http.StatusCreated, tunnelStarted{
		ID:         info.ID,
		Type:       info.Type,
		ServerHost: cfg.ServerHost,
		ServerPort: cfg.ServerPort,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
		Status:     "connected",
		StartTime:  info.StartTime,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.ListSessions())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.m.StopSession(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.StopAll())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsBody{
		Snapshot: s.m.Metrics().Snapshot(),
		Breakers: s.m.Breakers(),
	})
}

// ── Encoding ─────────────────────────────────────────────────────────

// listenerStarted and tunnelStarted are the start results.  Unlike the
// session listing they carry their parameters at the top level.
type listenerStarted struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	BindAddress string    `json:"bindAddress,omitempty"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"startTime"`
}

type tunnelStarted struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ServerHost string    `json:"serverHost"`
	ServerPort int       `json:"serverPort"`
	LocalHost  string    `json:"localHost"`
	LocalPort  int       `json:"localPort"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"startTime"`
}

type statsBody struct {
	metrics.Snapshot
	Breakers map[string]retry.BreakerStatus `json:"breakers"`
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, &rerr.ConfigError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := rerr.KindOf(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("control: %v", err)
	} else {
		s.logger.Verbose("control: %v", err)
	}
	writeJSON(w, status, errorBody{Message: err.Error(), Kind: string(kind)})
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	if errors.Is(err, rerr.ErrShutdown) {
		return http.StatusServiceUnavailable
	}
	switch rerr.KindOf(err) {
	case rerr.KindConfig:
		return http.StatusBadRequest
	case rerr.KindNotFound:
		return http.StatusNotFound
	case rerr.KindBind:
		return http.StatusConflict
	case rerr.KindConnect:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
