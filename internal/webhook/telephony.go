// Package webhook adapts inbound provider callbacks (telephony status,
// AI post-call) into call store mutations and engine notifications.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/telephony"
)

// CallStatusSink receives provider call-status transitions. Implemented
// by the campaign engine.
type CallStatusSink interface {
	HandleCallStatus(ctx context.Context, callSID string, status models.CallStatus, update database.CallUpdate) error
}

// EventAppender records timeline entries for a call.
type EventAppender interface {
	Append(ctx context.Context, callSID, eventType, payload string) error
}

// TelephonyHandler handles the provider's form-encoded status callback.
type TelephonyHandler struct {
	authToken string
	publicURL string
	sink      CallStatusSink
	timeline  EventAppender
	log       *slog.Logger
}

// NewTelephonyHandler creates the status callback handler. When
// authToken is empty, signature verification is skipped.
func NewTelephonyHandler(authToken, publicURL string, sink CallStatusSink, timeline EventAppender, logger *slog.Logger) *TelephonyHandler {
	return &TelephonyHandler{
		authToken: authToken,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		sink:      sink,
		timeline:  timeline,
		log:       logger.With("subsystem", "webhook"),
	}
}

func (h *TelephonyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	if h.authToken != "" {
		sig := r.Header.Get("X-Twilio-Signature")
		requestURL := h.publicURL + r.URL.Path
		if !telephony.ValidateSignature(h.authToken, requestURL, r.PostForm, sig) {
			h.log.Warn("rejected status callback with bad signature", "url", requestURL)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	callSID := r.PostForm.Get("CallSid")
	rawStatus := r.PostForm.Get("CallStatus")
	if callSID == "" || rawStatus == "" {
		http.Error(w, "missing CallSid or CallStatus", http.StatusBadRequest)
		return
	}

	status, ok := mapCallStatus(rawStatus)
	if !ok {
		h.log.Warn("unknown provider call status", "call_sid", callSID, "status", rawStatus)
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	update := database.CallUpdate{}
	if d := r.PostForm.Get("CallDuration"); d != "" {
		if secs, err := strconv.Atoi(d); err == nil {
			update.DurationSecs = &secs
		}
	}
	if ab := r.PostForm.Get("AnsweredBy"); ab != "" {
		update.AnsweredBy = mapAnsweredBy(ab)
	}

	if err := h.sink.HandleCallStatus(r.Context(), callSID, status, update); err != nil {
		// Stale callbacks arrive out of order when the provider retries;
		// a retry can never make a backward transition valid, so absorb
		// them instead of asking for another attempt.
		if errors.Is(err, database.ErrInvalidTransition) {
			h.log.Warn("ignoring out-of-order status callback", "call_sid", callSID, "status", status)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.log.Error("applying status callback", "call_sid", callSID, "status", status, "error", err)
		http.Error(w, "status update failed", http.StatusInternalServerError)
		return
	}

	payload, _ := json.Marshal(map[string]string{"status": string(status)})
	if err := h.timeline.Append(r.Context(), callSID, "status", string(payload)); err != nil {
		h.log.Error("appending call event", "call_sid", callSID, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func mapCallStatus(s string) (models.CallStatus, bool) {
	switch s {
	case "initiated":
		return models.CallInitiated, true
	case "queued":
		return models.CallQueued, true
	case "ringing":
		return models.CallRinging, true
	case "in-progress", "answered":
		return models.CallInProgress, true
	case "completed":
		return models.CallCompleted, true
	case "busy":
		return models.CallBusy, true
	case "no-answer":
		return models.CallNoAnswer, true
	case "failed":
		return models.CallFailed, true
	case "canceled":
		return models.CallCanceled, true
	}
	return "", false
}

// mapAnsweredBy folds the provider's machine-detection variants into
// our coarser vocabulary.
func mapAnsweredBy(s string) string {
	switch {
	case s == "human":
		return models.AnsweredByHuman
	case strings.HasPrefix(s, "machine"):
		return models.AnsweredByMachine
	case s == "fax":
		return models.AnsweredByFax
	default:
		return models.AnsweredByUnknown
	}
}
