package bridge

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler accepts the telephony provider's media-stream WebSocket
// upgrade and runs a bridge for each call.
type Handler struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler creates the media-stream endpoint handler. When deps.DialAI
// is nil the default WebSocket dialer is used.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.DialAI == nil {
		deps.DialAI = dialWebSocket
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The provider connects server-to-server with no Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: deps.Logger.With("subsystem", "bridge"),
	}
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ServeHTTP upgrades the connection, waits for the provider's start
// frame, and hands the socket to a new bridge.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("media stream upgrade failed", "error", err)
		return
	}

	info, ok := h.awaitStart(conn)
	if !ok {
		conn.Close()
		return
	}

	h.log.Info("media stream started", "call_sid", info.CallSID, "stream_sid", info.StreamSID)

	b := New(h.cfg, h.deps, conn, info)
	if err := b.Run(r.Context()); err != nil {
		h.log.Error("bridge ended with error", "call_sid", info.CallSID, "error", err)
	}
}

// awaitStart reads frames until the provider's start event arrives.
// The provider sends a connected event first; anything else before
// start is skipped.
func (h *Handler) awaitStart(conn Conn) (StartInfo, bool) {
	for i := 0; i < DefaultMalformedBudget; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Warn("media stream closed before start", "error", err)
			return StartInfo{}, false
		}

		frame, err := decodeTelephonyFrame(data)
		if err != nil {
			h.log.Warn("malformed pre-start frame", "error", err)
			continue
		}
		if frame.Event != "start" || frame.Start == nil {
			continue
		}

		params := frame.Start.CustomParameters
		info := StartInfo{
			StreamSID:    frame.Start.StreamSID,
			CallSID:      frame.Start.CallSID,
			Prompt:       params["prompt"],
			FirstMessage: params["firstMessage"],
		}
		if info.CallSID == "" {
			info.CallSID = params["callSid"]
		}
		if info.CallSID == "" {
			h.log.Warn("start frame missing call SID")
			return StartInfo{}, false
		}
		return info, true
	}

	h.log.Warn("no start frame within budget")
	return StartInfo{}, false
}
