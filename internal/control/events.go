package control

// events.go - WebSocket stream of session status events.

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is meant for a local desktop front end served from
	// another origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the request and forwards every hub event as a
// JSON text message until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Verbose("events: upgrade: %v", err)
		return
	}
	defer ws.Close()

	sub := s.hub.Subscribe(0)
	defer sub.Close()
	s.logger.Verbose("events: subscriber %s connected", r.RemoteAddr)

	// Reader: the client sends nothing but control frames; a read error
	// means it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-sub.Events():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
				return
			}
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			s.logger.Verbose("events: subscriber %s disconnected", r.RemoteAddr)
			return
		}
	}
}
