package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// eventWriteTimeout bounds each WebSocket write.
	eventWriteTimeout = 10 * time.Second
	// eventPingInterval keeps idle connections alive through proxies.
	eventPingInterval = 30 * time.Second
	// eventSubscriberBuffer is the per-subscriber event channel buffer.
	// A full buffer drops events for that subscriber rather than
	// blocking publishers.
	eventSubscriberBuffer = 64
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboard origins are enforced by the CORS middleware; the
	// WebSocket endpoint accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventStream upgrades the connection and streams bus events as
// JSON frames until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("event stream: upgrade failed", "error", err)
		return
	}

	sub := s.opts.Bus.Subscribe(eventSubscriberBuffer)
	defer s.opts.Bus.Unsubscribe(sub)
	defer conn.Close()

	// Drain client frames so close/ping control messages are processed;
	// the stream is server-to-client only.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
