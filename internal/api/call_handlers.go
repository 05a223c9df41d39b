package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// callResponse is the JSON response for a single call.
type callResponse struct {
	SID            string            `json:"sid"`
	ConversationID string            `json:"conversationId,omitempty"`
	Status         models.CallStatus `json:"status"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Direction      string            `json:"direction"`
	StartTime      string            `json:"startTime"`
	AnswerTime     *string           `json:"answerTime"`
	EndTime        *string           `json:"endTime"`
	DurationSecs   *int              `json:"durationSeconds"`
	AnsweredBy     string            `json:"answeredBy,omitempty"`
	TerminatedBy   string            `json:"terminatedBy,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	CampaignID     string            `json:"campaignId,omitempty"`
	ContactID      string            `json:"contactId,omitempty"`
}

func toCallResponse(c *models.Call) callResponse {
	resp := callResponse{
		SID:            c.SID,
		ConversationID: c.ConversationID,
		Status:         c.Status,
		From:           c.From,
		To:             c.To,
		Direction:      c.Direction,
		StartTime:      c.StartTime.Format(time.RFC3339),
		DurationSecs:   c.DurationSecs,
		AnsweredBy:     c.AnsweredBy,
		TerminatedBy:   c.TerminatedBy,
		Outcome:        c.Outcome,
		CampaignID:     c.CampaignID,
		ContactID:      c.ContactID,
	}
	if c.AnswerTime != nil {
		t := c.AnswerTime.Format(time.RFC3339)
		resp.AnswerTime = &t
	}
	if c.EndTime != nil {
		t := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &t
	}
	return resp
}

// handleListActiveCalls returns all calls in a non-terminal status.
func (s *Server) handleListActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.opts.Calls.ListActive(r.Context())
	if err != nil {
		slog.Error("list active calls: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]callResponse, len(calls))
	for i := range calls {
		out[i] = toCallResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetCall returns a single call by provider SID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	c, err := s.opts.Calls.GetBySID(r.Context(), sid)
	if err != nil {
		slog.Error("get call: failed to query", "call_sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallResponse(c))
}

// handleHangupCall ends a call. A live media bridge is shut down, which
// hangs up the provider leg; with no bridge the provider is told
// directly.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")

	if s.opts.Bridges != nil && s.opts.Bridges.Shutdown(sid, "api hangup", models.TerminatedByUser) {
		writeJSON(w, http.StatusAccepted, map[string]string{"sid": sid, "status": "hangup requested"})
		return
	}

	c, err := s.opts.Calls.GetBySID(r.Context(), sid)
	if err != nil {
		slog.Error("hangup call: failed to query", "call_sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if c.Status.Terminal() {
		writeError(w, http.StatusConflict, "call already ended")
		return
	}

	if err := s.opts.Hangup.HangUp(r.Context(), sid); err != nil {
		slog.Error("hangup call: provider request failed", "call_sid", sid, "error", err)
		writeError(w, http.StatusBadGateway, "provider hangup failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"sid": sid, "status": "hangup requested"})
}

// handleListCampaignCalls returns a page of a campaign's calls.
func (s *Server) handleListCampaignCalls(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	calls, total, err := s.opts.Calls.ListByCampaign(r.Context(), campaign.ID, pg.Limit, pg.Offset)
	if err != nil {
		slog.Error("list campaign calls: failed to query", "campaign_id", campaign.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]callResponse, len(calls))
	for i := range calls {
		items[i] = toCallResponse(&calls[i])
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// callEventResponse is one timeline entry for a call.
type callEventResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

// handleListCallEvents returns the append-only timeline for a call.
func (s *Server) handleListCallEvents(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	c, err := s.opts.Calls.GetBySID(r.Context(), sid)
	if err != nil {
		slog.Error("list call events: failed to query call", "call_sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	entries, err := s.opts.CallEvents.ListByCall(r.Context(), sid)
	if err != nil {
		slog.Error("list call events: failed to query timeline", "call_sid", sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]callEventResponse, len(entries))
	for i, e := range entries {
		out[i] = callEventResponse{
			ID:        e.ID,
			EventType: e.EventType,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
