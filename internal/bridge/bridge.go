// Package bridge proxies audio between a telephony media-stream
// WebSocket and a conversational-AI session WebSocket, one bridge per
// active call. The bridge owns the call's single inactivity watchdog
// and the shutdown sequence.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
)

// Defaults for bridge tuning knobs.
const (
	// DefaultMalformedBudget is how many consecutive undecodable frames
	// a peer may send before the bridge gives up on the call.
	DefaultMalformedBudget = 10
	// DefaultSendQueueSize bounds each peer's outbound frame queue.
	// Overflowing media frames are dropped oldest-first.
	DefaultSendQueueSize = 256
)

// Conn is the subset of *websocket.Conn the bridge uses. Tests provide
// in-memory implementations.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// CallStore is the slice of the call repository the bridge needs.
type CallStore interface {
	GetBySID(ctx context.Context, sid string) (*models.Call, error)
	UpdateStatus(ctx context.Context, sid string, status models.CallStatus, update database.CallUpdate) (*models.Call, bool, error)
	SetConversationID(ctx context.Context, sid, conversationID string) error
}

// HangupClient terminates the provider call leg.
type HangupClient interface {
	HangUp(ctx context.Context, callSID string) error
}

// SignedURLProvider mints a fresh AI session URL per call.
type SignedURLProvider interface {
	GetSignedStreamURL(ctx context.Context) (string, error)
}

// Config tunes a bridge.
type Config struct {
	InactivityTimeout time.Duration
	MalformedBudget   int
	SendQueueSize     int
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 60 * time.Second
	}
	if c.MalformedBudget <= 0 {
		c.MalformedBudget = DefaultMalformedBudget
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Deps are the collaborators a bridge talks to.
type Deps struct {
	Calls    CallStore
	Hangup   HangupClient
	AI       SignedURLProvider
	DialAI   func(ctx context.Context, url string) (Conn, error)
	Bus      *events.Bus
	Logger   *slog.Logger
	Registry *Registry
}

// StartInfo is what the telephony start frame tells us about the call.
type StartInfo struct {
	StreamSID    string
	CallSID      string
	Prompt       string
	FirstMessage string
}

// Bridge is the per-call coordinator. Both pump goroutines communicate
// through bounded send queues; the only shared mutable state is the
// activity timestamp and the shutdown flag.
type Bridge struct {
	cfg   Config
	deps  Deps
	info  StartInfo
	log   *slog.Logger
	start time.Time

	telConn Conn
	aiConn  Conn

	telSend chan []byte
	aiSend  chan []byte

	// lastActivity holds a UnixNano timestamp advanced by every inbound
	// frame on either socket. The watchdog compares against it; the
	// timer itself is never rescheduled.
	lastActivity atomic.Int64
	shuttingDown atomic.Bool

	framesForwarded atomic.Int64
	framesDropped   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge for an accepted telephony stream. Run must be
// called to start proxying.
func New(cfg Config, deps Deps, telConn Conn, info StartInfo) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:     cfg,
		deps:    deps,
		info:    info,
		log:     deps.Logger.With("subsystem", "bridge", "call_sid", info.CallSID),
		start:   time.Now(),
		telConn: telConn,
		telSend: make(chan []byte, cfg.SendQueueSize),
		aiSend:  make(chan []byte, cfg.SendQueueSize),
		done:    make(chan struct{}),
	}
	b.touch()
	return b
}

// CallSID identifies the bridged call.
func (b *Bridge) CallSID() string { return b.info.CallSID }

// FramesForwarded returns how many frames this bridge delivered to a
// peer socket.
func (b *Bridge) FramesForwarded() int64 { return b.framesForwarded.Load() }

// FramesDropped returns how many media frames overflowed a send queue.
func (b *Bridge) FramesDropped() int64 { return b.framesDropped.Load() }

// Run opens the AI leg and proxies until shutdown. It blocks for the
// lifetime of the call.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	if b.deps.Registry != nil {
		b.deps.Registry.add(b)
		defer b.deps.Registry.remove(b)
	}

	if err := b.openAILeg(ctx); err != nil {
		b.failOpen(err)
		return err
	}

	b.deps.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindStreamStarted,
		Data:   map[string]any{"call_sid": b.info.CallSID, "stream_sid": b.info.StreamSID},
	})

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); b.telephonyReadLoop() }()
	go func() { defer wg.Done(); b.aiReadLoop() }()
	go func() { defer wg.Done(); b.sendLoop(ctx, b.telConn, b.telSend) }()
	go func() { defer wg.Done(); b.sendLoop(ctx, b.aiConn, b.aiSend) }()
	go func() { defer wg.Done(); b.watchdog(ctx) }()

	<-b.done
	wg.Wait()
	return nil
}

func (b *Bridge) openAILeg(ctx context.Context) error {
	signedURL, err := b.deps.AI.GetSignedStreamURL(ctx)
	if err != nil {
		return fmt.Errorf("fetching signed AI URL: %w", err)
	}

	conn, err := b.deps.DialAI(ctx, signedURL)
	if err != nil {
		return fmt.Errorf("dialing AI socket: %w", err)
	}
	b.aiConn = conn

	frame, err := encodeInitiationFrame(b.info.Prompt, b.info.FirstMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("encoding initiation frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return fmt.Errorf("sending initiation frame: %w", err)
	}
	return nil
}

// failOpen handles an AI leg that never came up: the telephony socket
// is closed immediately and the call is recorded as failed.
func (b *Bridge) failOpen(cause error) {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	b.log.Error("AI leg open failed", "error", cause)

	b.telConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := b.deps.Calls.UpdateStatus(ctx, b.info.CallSID, models.CallFailed,
		database.CallUpdate{TerminatedBy: models.TerminatedBySystem}); err != nil {
		b.log.Error("recording failed call", "error", err)
	}

	b.deps.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindStreamEnded,
		Data:   map[string]any{"call_sid": b.info.CallSID, "reason": "ai_open_failed"},
	})
	close(b.done)
}

// Shutdown tears the bridge down once. Safe to call from any goroutine
// and from outside the bridge (webhook-driven termination).
func (b *Bridge) Shutdown(reason, terminatedBy string) {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	b.log.Info("bridge shutting down", "reason", reason, "terminated_by", terminatedBy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.aiConn != nil {
		b.aiConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.aiConn.Close()
	}

	call, err := b.deps.Calls.GetBySID(ctx, b.info.CallSID)
	if err != nil {
		b.log.Error("reading call during shutdown", "error", err)
	}
	if call != nil && !call.Status.Terminal() {
		if err := b.deps.Hangup.HangUp(ctx, b.info.CallSID); err != nil {
			b.log.Error("hangup failed", "error", err)
		}
	}

	b.telConn.Close()
	if b.cancel != nil {
		b.cancel()
	}

	// A call that never reached in-progress ends as failed, not
	// completed.
	final := models.CallCompleted
	if call != nil && call.AnswerTime == nil {
		final = models.CallFailed
	}
	if call == nil || !call.Status.Terminal() {
		now := time.Now().UTC()
		if _, _, err := b.deps.Calls.UpdateStatus(ctx, b.info.CallSID, final,
			database.CallUpdate{EndTime: &now, TerminatedBy: terminatedBy}); err != nil {
			b.log.Error("recording final call status", "error", err)
		}
	}

	b.deps.Bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindCallEnded,
		Data: map[string]any{
			"call_sid":      b.info.CallSID,
			"reason":        reason,
			"terminated_by": terminatedBy,
		},
	})
	close(b.done)
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// watchdog enforces the inactivity timeout with a timestamp comparison
// on a fixed interval. Rescheduling timers on every frame proved
// unreliable; the flag-and-check pattern is deliberate.
func (b *Bridge) watchdog(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.InactivityTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, b.lastActivity.Load()))
			if idle >= b.cfg.InactivityTimeout {
				b.log.Warn("inactivity timeout", "idle", idle)
				b.Shutdown("inactivity", models.TerminatedByTimeout)
				return
			}
		}
	}
}

func (b *Bridge) telephonyReadLoop() {
	malformed := 0
	for {
		_, data, err := b.telConn.ReadMessage()
		if err != nil {
			b.Shutdown("telephony socket closed", models.TerminatedBySystem)
			return
		}
		b.touch()

		frame, err := decodeTelephonyFrame(data)
		if err != nil {
			malformed++
			b.log.Warn("malformed telephony frame", "error", err, "consecutive", malformed)
			if malformed > b.cfg.MalformedBudget {
				b.Shutdown("malformed frame budget exceeded", models.TerminatedBySystem)
				return
			}
			continue
		}
		malformed = 0

		switch frame.Event {
		case "media":
			if frame.Media == nil {
				continue
			}
			out, err := encodeUserAudioFrame(frame.Media.Payload)
			if err != nil {
				continue
			}
			b.enqueueMedia(b.aiSend, out)
		case "stop":
			b.Shutdown("telephony stop", models.TerminatedByUser)
			return
		case "mark", "connected", "start":
			// Bookkeeping frames; nothing to forward.
		default:
			b.log.Debug("unknown telephony event", "event", frame.Event)
		}
	}
}

func (b *Bridge) aiReadLoop() {
	malformed := 0
	for {
		_, data, err := b.aiConn.ReadMessage()
		if err != nil {
			b.Shutdown("AI socket closed", models.TerminatedByAgent)
			return
		}
		b.touch()

		frame, err := decodeAIFrame(data)
		if err != nil {
			malformed++
			b.log.Warn("malformed AI frame", "error", err, "consecutive", malformed)
			if malformed > b.cfg.MalformedBudget {
				b.Shutdown("malformed frame budget exceeded", models.TerminatedBySystem)
				return
			}
			continue
		}
		malformed = 0

		switch frame.Type {
		case "conversation_initiation_metadata":
			if frame.ConversationInitiationMetadataEvent != nil {
				convID := frame.ConversationInitiationMetadataEvent.ConversationID
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := b.deps.Calls.SetConversationID(ctx, b.info.CallSID, convID); err != nil {
					b.log.Error("linking conversation", "error", err)
				}
				cancel()
			}
		case "audio":
			chunk := frame.audioChunk()
			if chunk == "" {
				continue
			}
			// The chunk is already base64; wrap it untouched.
			out, err := encodeMediaFrame(b.info.StreamSID, chunk)
			if err != nil {
				continue
			}
			b.enqueueMedia(b.telSend, out)
		case "interruption":
			out, err := encodeClearFrame(b.info.StreamSID)
			if err != nil {
				continue
			}
			b.enqueueControl(b.telSend, out)
		case "ping":
			if frame.PingEvent != nil {
				out, err := encodePongFrame(frame.PingEvent.EventID)
				if err != nil {
					continue
				}
				b.enqueueControl(b.aiSend, out)
			}
		default:
			b.log.Debug("unknown AI frame type", "type", frame.Type)
		}
	}
}

// enqueueMedia queues an audio frame, dropping the oldest queued frame
// on overflow so the receive loop never blocks.
func (b *Bridge) enqueueMedia(ch chan []byte, frame []byte) {
	for {
		select {
		case ch <- frame:
			return
		default:
			select {
			case <-ch:
				b.framesDropped.Add(1)
			default:
			}
		}
	}
}

// enqueueControl queues a non-droppable frame, waiting for room if the
// queue is full.
func (b *Bridge) enqueueControl(ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	case <-b.done:
	}
}

func (b *Bridge) sendLoop(ctx context.Context, conn Conn, ch chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// A frame counts as forwarded only once the peer accepted
			// the write; frames dropped on overflow never get here.
			b.framesForwarded.Add(1)
		}
	}
}
