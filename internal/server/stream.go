package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
)

const (
	streamBuffer   = 256
	writeWait      = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	pongWait       = 2 * heartbeatEvery
)

// handleStream upgrades to a websocket and forwards engine events. The
// optional "types" query parameter is a comma-separated list of type
// prefixes, e.g. types=delivery.,alert.triggered.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusUpgradeRequired, errorBody{Error: "websocket upgrade required"})
		return
	}
	if !s.trackStream() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server shutting down"})
		return
	}
	defer s.streams.Done()
	var prefixes []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		prefixes = strings.Split(raw, ",")
	}

	ch := make(chan events.Event, streamBuffer)
	unsubscribe, err := s.engine.Subscribe(func(e events.Event) {
		if !matches(prefixes, string(e.Type)) {
			return
		}
		select {
		case ch <- e:
		default:
			// Slow client; drop rather than block the bus.
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	// The subscription precedes the handshake, so no event after it is missed.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Replaces the deadline inherited from the server's ReadTimeout.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("stream client connected", "remote", r.RemoteAddr, "types", prefixes)
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
			return
		case <-s.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func matches(prefixes []string, typ string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(typ, strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}
