package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/engine"
)

// campaignRequest is the JSON request body for creating/updating a campaign.
type campaignRequest struct {
	Name     string                  `json:"name"`
	Agent    models.AgentConfig      `json:"agent"`
	Settings models.CampaignSettings `json:"settings"`
}

// campaignResponse is the JSON response for a single campaign. Live
// fields (isRunning, activeCalls) come from the engine, not the store.
type campaignResponse struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Status       models.CampaignStatus   `json:"status"`
	Agent        models.AgentConfig      `json:"agent"`
	Settings     models.CampaignSettings `json:"settings"`
	Stats        models.CampaignStats    `json:"stats"`
	IsRunning    bool                    `json:"isRunning"`
	ActiveCalls  int                     `json:"activeCalls"`
	LastExecuted *string                 `json:"lastExecuted"`
	CreatedAt    string                  `json:"createdAt"`
	UpdatedAt    string                  `json:"updatedAt"`
}

func (s *Server) toCampaignResponse(c *models.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:        c.ID,
		Name:      c.Name,
		Status:    c.Status,
		Agent:     c.Agent,
		Settings:  c.Settings,
		Stats:     c.Stats,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
	if c.LastExecuted != nil {
		t := c.LastExecuted.Format(time.RFC3339)
		resp.LastExecuted = &t
	}
	if s.opts.Engine != nil {
		resp.IsRunning = s.opts.Engine.IsRunning(c.ID)
		resp.ActiveCalls = s.opts.Engine.ActiveCallCount(c.ID)
	}
	return resp
}

// validateCampaignRequest checks field constraints shared by create and
// update, normalizing the caller id in place.
func validateCampaignRequest(req *campaignRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("agent.prompt", req.Agent.Prompt, maxPromptLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("agent.firstMessage", req.Agent.FirstMessage, maxPromptLen); msg != "" {
		return msg
	}
	if req.Agent.CallerID != "" {
		callerID, msg := normalizePhone("agent.callerId", req.Agent.CallerID)
		if msg != "" {
			return msg
		}
		req.Agent.CallerID = callerID
	}
	if req.Settings.MaxConcurrentCalls < 0 {
		return "settings.maxConcurrentCalls must not be negative"
	}
	if req.Settings.CallDelayMS < 0 {
		return "settings.callDelayMs must not be negative"
	}
	return ""
}

// handleListCampaigns returns all campaigns.
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.opts.Campaigns.List(r.Context())
	if err != nil {
		slog.Error("list campaigns: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]campaignResponse, len(campaigns))
	for i := range campaigns {
		out[i] = s.toCampaignResponse(&campaigns[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateCampaign creates a new campaign in draft status.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateCampaignRequest(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c := &models.Campaign{
		ID:       uuid.NewString(),
		Name:     req.Name,
		Status:   models.CampaignDraft,
		Agent:    req.Agent,
		Settings: req.Settings,
	}
	c.Settings.CallDelay = time.Duration(req.Settings.CallDelayMS) * time.Millisecond

	if err := s.opts.Campaigns.Create(r.Context(), c); err != nil {
		slog.Error("create campaign: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, s.toCampaignResponse(c))
}

// handleGetCampaign returns a single campaign by id.
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.toCampaignResponse(c))
}

// handleUpdateCampaign updates a campaign's name, agent config, and
// settings. Status is changed through the action endpoints only.
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req campaignRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateCampaignRequest(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	c.Name = req.Name
	c.Agent = req.Agent
	c.Settings = req.Settings
	c.Settings.CallDelay = time.Duration(req.Settings.CallDelayMS) * time.Millisecond

	if err := s.opts.Campaigns.Update(r.Context(), c); err != nil {
		slog.Error("update campaign: failed to update", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, s.toCampaignResponse(c))
}

// handleDeleteCampaign removes a campaign and its associations. Running
// campaigns must be stopped first.
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	if s.opts.Engine != nil && s.opts.Engine.IsRunning(c.ID) {
		writeError(w, http.StatusConflict, "campaign is running; stop it first")
		return
	}

	if err := s.opts.Campaigns.Delete(r.Context(), c.ID); err != nil {
		slog.Error("delete campaign: failed to delete", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": c.ID})
}

// campaignAction names a lifecycle action endpoint.
type campaignAction string

const (
	actionStart  campaignAction = "start"
	actionPause  campaignAction = "pause"
	actionResume campaignAction = "resume"
	actionStop   campaignAction = "stop"
	actionCancel campaignAction = "cancel"
)

// handleCampaignAction returns a handler that drives the engine for one
// lifecycle action and responds with the updated campaign.
func (s *Server) handleCampaignAction(action campaignAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var err error
		switch action {
		case actionStart:
			err = s.opts.Engine.Start(r.Context(), id)
		case actionPause:
			err = s.opts.Engine.Pause(r.Context(), id)
		case actionResume:
			err = s.opts.Engine.Resume(r.Context(), id)
		case actionStop:
			err = s.opts.Engine.Stop(r.Context(), id)
		case actionCancel:
			err = s.opts.Engine.Cancel(r.Context(), id)
		}

		switch {
		case err == nil:
		case errors.Is(err, engine.ErrCampaignNotFound):
			writeError(w, http.StatusNotFound, "campaign not found")
			return
		case errors.Is(err, database.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
			return
		default:
			slog.Error("campaign action failed", "campaign_id", id, "action", action, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		c, err := s.opts.Campaigns.GetByID(r.Context(), id)
		if err != nil || c == nil {
			slog.Error("campaign action: failed to reload", "campaign_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, s.toCampaignResponse(c))
	}
}

// loadCampaign resolves the {id} URL parameter, writing 404/500 on failure.
func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	id := chi.URLParam(r, "id")
	c, err := s.opts.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get campaign: failed to query", "campaign_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return c, true
}
