package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NotHydra/smart-med-guard/internal/events"
)

const (
	streamBuffer   = 32
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	clientReadSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// The status API is served on the local network only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events over a WebSocket. On connect the
// client first receives the most recent event of each kind, then live
// events as they are published. Events are dropped, not queued, for a
// client that cannot keep up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(streamBuffer)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	// The client never sends anything meaningful; reading only detects
	// close frames and dead peers.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(clientReadSize)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for _, kind := range statusKinds {
		if e, ok := s.bus.Latest(kind); ok {
			if !s.writeEvent(conn, e) {
				return
			}
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-closed:
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !s.writeEvent(conn, e) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, e events.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(e); err != nil {
		s.logger.Debug("event stream write failed", "kind", e.Kind, "error", err)
		return false
	}
	return true
}
