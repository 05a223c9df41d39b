package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/camtang26/creative-ai-voice-platform/internal/ai"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// BridgeTerminator ends a live media bridge. Implemented by the bridge
// registry.
type BridgeTerminator interface {
	Shutdown(callSID, reason, terminatedBy string) bool
}

// HangupClient ends the provider call leg directly when no bridge is
// live for the call.
type HangupClient interface {
	HangUp(ctx context.Context, callSID string) error
}

// CallReader resolves call records and links AI conversations.
type CallReader interface {
	GetBySID(ctx context.Context, sid string) (*models.Call, error)
	SetConversationID(ctx context.Context, sid, conversationID string) error
}

// aiWebhookPayload is the platform's post-call envelope.
type aiWebhookPayload struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversation_id"`
		Metadata       struct {
			CallSID string `json:"call_sid"`
		} `json:"metadata"`
		Transcript []struct {
			Role    string `json:"role"`
			Message string `json:"message"`
		} `json:"transcript"`
	} `json:"data"`
}

// AIHandler handles the AI platform's post-call webhooks.
type AIHandler struct {
	secret   string
	bridges  BridgeTerminator
	hangup   HangupClient
	calls    CallReader
	timeline EventAppender
	log      *slog.Logger
	now      func() time.Time
}

// NewAIHandler creates the post-call webhook handler. When secret is
// empty, signature verification is skipped.
func NewAIHandler(secret string, bridges BridgeTerminator, hangup HangupClient, calls CallReader, timeline EventAppender, logger *slog.Logger) *AIHandler {
	return &AIHandler{
		secret:   secret,
		bridges:  bridges,
		hangup:   hangup,
		calls:    calls,
		timeline: timeline,
		log:      logger.With("subsystem", "webhook"),
		now:      time.Now,
	}
}

func (h *AIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if h.secret != "" {
		sig := r.Header.Get("ElevenLabs-Signature")
		if err := ai.VerifyWebhookSignature(h.secret, sig, body, h.now()); err != nil {
			h.log.Warn("rejected AI webhook", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var payload aiWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch payload.Type {
	case "conversation_completed":
		h.handleConversationCompleted(r.Context(), &payload)
	case "post_call_transcription":
		h.handleTranscription(r.Context(), &payload)
	default:
		h.log.Debug("ignoring AI webhook type", "type", payload.Type)
	}

	w.WriteHeader(http.StatusOK)
}

// handleConversationCompleted tears down the call when the agent
// declares the conversation over.
func (h *AIHandler) handleConversationCompleted(ctx context.Context, p *aiWebhookPayload) {
	callSID := p.Data.Metadata.CallSID
	if callSID == "" {
		h.log.Warn("conversation_completed without call_sid", "conversation_id", p.Data.ConversationID)
		return
	}

	if h.bridges.Shutdown(callSID, "conversation completed", models.TerminatedByConversation) {
		return
	}

	// No live bridge: hang up directly if the call is still active.
	call, err := h.calls.GetBySID(ctx, callSID)
	if err != nil {
		h.log.Error("resolving call for conversation_completed", "call_sid", callSID, "error", err)
		return
	}
	if call == nil || call.Status.Terminal() {
		return
	}
	if err := h.hangup.HangUp(ctx, callSID); err != nil {
		h.log.Error("hangup on conversation_completed", "call_sid", callSID, "error", err)
	}
}

// handleTranscription links the conversation and archives the
// transcript on the call timeline.
func (h *AIHandler) handleTranscription(ctx context.Context, p *aiWebhookPayload) {
	callSID := p.Data.Metadata.CallSID
	if callSID == "" {
		return
	}

	if p.Data.ConversationID != "" {
		if err := h.calls.SetConversationID(ctx, callSID, p.Data.ConversationID); err != nil {
			h.log.Error("linking conversation from transcription", "call_sid", callSID, "error", err)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"conversation_id": p.Data.ConversationID,
		"turns":           len(p.Data.Transcript),
	})
	if err != nil {
		return
	}
	if err := h.timeline.Append(ctx, callSID, "transcription", string(payload)); err != nil {
		h.log.Error("appending transcription event", "call_sid", callSID, "error", err)
	}
}
