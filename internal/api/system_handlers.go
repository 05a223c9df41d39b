package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// systemStatusResponse summarizes live server state for the dashboard.
type systemStatusResponse struct {
	Status           string           `json:"status"`
	UptimeSeconds    int64            `json:"uptimeSeconds"`
	RunningCampaigns []string         `json:"runningCampaigns"`
	ActiveBridges    int              `json:"activeBridges"`
	CallsByStatus    map[string]int64 `json:"callsByStatus"`
	EventSubscribers int              `json:"eventSubscribers"`
}

// handleSystemStatus returns uptime, running campaigns, live bridge
// count, and call counts by status.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := systemStatusResponse{
		Status:           "ok",
		RunningCampaigns: []string{},
		CallsByStatus:    map[string]int64{},
	}
	if !s.opts.StartTime.IsZero() {
		resp.UptimeSeconds = int64(time.Since(s.opts.StartTime).Seconds())
	}
	if s.opts.Engine != nil {
		if running := s.opts.Engine.RunningCampaigns(); running != nil {
			resp.RunningCampaigns = running
		}
	}
	if s.opts.Bridges != nil {
		resp.ActiveBridges = s.opts.Bridges.Len()
	}
	if s.opts.Bus != nil {
		resp.EventSubscribers = s.opts.Bus.SubscriberCount()
	}

	counts, err := s.opts.Calls.CountByStatus(r.Context())
	if err != nil {
		slog.Error("system status: failed to count calls", "error", err)
	} else {
		for status, n := range counts {
			resp.CallsByStatus[string(status)] = n
		}
	}
	// Always include the statuses the dashboard charts, even at zero.
	for _, st := range []models.CallStatus{models.CallInProgress, models.CallRinging, models.CallCompleted, models.CallFailed} {
		if _, ok := resp.CallsByStatus[string(st)]; !ok {
			resp.CallsByStatus[string(st)] = 0
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
