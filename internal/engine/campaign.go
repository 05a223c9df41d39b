package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
	"github.com/camtang26/creative-ai-voice-platform/internal/telephony"
)

// activeCall is the in-memory record of one in-flight call.
type activeCall struct {
	ContactID   string
	PhoneNumber string
	Name        string
	StartTime   time.Time
}

// runner is one campaign's control loop: a ticker firing cycles, the
// active-calls map, and the cycle lock preventing overlap.
type runner struct {
	svc        *Service
	campaignID string

	ctx    context.Context
	cancel context.CancelFunc

	delay         time.Duration
	maxConcurrent int

	// cycleMu gates cycle bodies. A tick that lands while a cycle is
	// still running is dropped, not queued.
	cycleMu sync.Mutex

	mu          sync.Mutex
	activeCalls map[string]activeCall
}

func newRunner(s *Service, c *models.Campaign) *runner {
	delay := c.Settings.CallDelay
	if delay <= 0 {
		delay = s.cfg.DefaultCallDelay
	}
	maxConcurrent := c.Settings.MaxConcurrentCalls
	if maxConcurrent <= 0 {
		maxConcurrent = s.cfg.DefaultMaxConcurrent
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	return &runner{
		svc:           s,
		campaignID:    c.ID,
		ctx:           ctx,
		cancel:        cancel,
		delay:         delay,
		maxConcurrent: maxConcurrent,
		activeCalls:   make(map[string]activeCall),
	}
}

// rebuildActiveCalls repopulates the in-memory map from the call store,
// used on Start/Resume so a restarted loop respects its cap.
func (r *runner) rebuildActiveCalls(ctx context.Context) error {
	calls, err := r.svc.calls.ListActiveByCampaign(ctx, r.campaignID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range calls {
		r.activeCalls[c.SID] = activeCall{
			ContactID:   c.ContactID,
			PhoneNumber: c.To,
			StartTime:   c.StartTime,
		}
	}
	return nil
}

func (r *runner) activeCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeCalls)
}

func (r *runner) addActiveCall(callSID string, contact *models.CampaignContact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeCalls[callSID] = activeCall{
		ContactID:   contact.ContactID,
		PhoneNumber: contact.PhoneNumber,
		Name:        contact.Name,
		StartTime:   time.Now(),
	}
}

func (r *runner) removeActiveCall(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeCalls, callSID)
}

// run fires an immediate cycle, then one per pacing delay until the
// runner is cancelled.
func (r *runner) run() {
	r.cycle()

	ticker := time.NewTicker(r.delay)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cycle()
		}
	}
}

// cycle claims contacts up to the available concurrency headroom and
// places a call for each.
func (r *runner) cycle() {
	// Late-fire guard: a tick scheduled before Pause/Stop detached this
	// runner must do nothing.
	if r.svc.runnerFor(r.campaignID) != r {
		return
	}
	if !r.cycleMu.TryLock() {
		return
	}
	defer r.cycleMu.Unlock()

	ctx := r.ctx
	campaign, err := r.svc.campaigns.GetByID(ctx, r.campaignID)
	if err != nil {
		r.svc.log.Error("cycle: reading campaign", "campaign_id", r.campaignID, "error", err)
		return
	}
	if campaign == nil || campaign.Status != models.CampaignActive {
		return
	}

	available := r.maxConcurrent - r.activeCallCount()
	if available <= 0 {
		return
	}

	claimed := 0
	for i := 0; i < available; i++ {
		contact, err := r.svc.contacts.ClaimNext(ctx, r.campaignID)
		if err != nil {
			r.svc.log.Error("cycle: claiming contact", "campaign_id", r.campaignID, "error", err)
			break
		}
		if contact == nil {
			break
		}
		claimed++

		call, err := r.placeCallForContact(ctx, campaign, contact)
		if err != nil {
			// The claim stays consumed: callCount was already
			// incremented, and an immediate re-claim would just retry
			// the same failing number.
			r.svc.log.Error("cycle: placing call",
				"campaign_id", r.campaignID, "contact_id", contact.ContactID, "error", err)
			if resolveErr := r.svc.contacts.Resolve(ctx, r.campaignID, contact.ContactID,
				models.ContactFailed, "failed_to_initiate", time.Now().UTC()); resolveErr != nil {
				r.svc.log.Error("cycle: resolving failed contact", "error", resolveErr)
			}
			r.svc.applyStatsDelta(ctx, r.campaignID, database.StatsDelta{CallsFailed: 1})
			continue
		}

		r.addActiveCall(call.SID, contact)
		r.svc.applyStatsDelta(ctx, r.campaignID, database.StatsDelta{CallsPlaced: 1})

		r.svc.bus.Publish(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindNewCall,
			Data: map[string]any{
				"call_sid":    call.SID,
				"campaign_id": r.campaignID,
				"to":          contact.PhoneNumber,
			},
		})
	}

	if claimed == 0 {
		r.completionCheck(ctx)
	}
}

// placeCallForContact builds the stream control document, places the
// call, and persists the resulting call row.
func (r *runner) placeCallForContact(ctx context.Context, campaign *models.Campaign, contact *models.CampaignContact) (*models.Call, error) {
	from := campaign.Agent.CallerID
	if from == "" {
		from = r.svc.cfg.PhoneNumber
	}

	twiml := telephony.StreamTwiML(r.svc.cfg.MediaStreamURL, map[string]string{
		"prompt":       campaign.Agent.Prompt,
		"firstMessage": campaign.Agent.FirstMessage,
	})

	res, err := r.svc.placer.PlaceCall(ctx, telephony.PlaceCallParams{
		To:               contact.PhoneNumber,
		From:             from,
		TwiML:            twiml,
		StatusCallback:   r.svc.cfg.StatusCallbackURL,
		TimeoutSecs:      r.svc.cfg.RingTimeoutSecs,
		MachineDetection: true,
	})
	if err != nil {
		return nil, fmt.Errorf("placing call to %s: %w", contact.PhoneNumber, err)
	}

	call := &models.Call{
		SID:        res.SID,
		Status:     models.CallInitiated,
		From:       from,
		To:         contact.PhoneNumber,
		Direction:  "outbound",
		StartTime:  time.Now().UTC(),
		CampaignID: r.campaignID,
		ContactID:  contact.ContactID,
	}
	if err := r.svc.calls.Save(ctx, call); err != nil {
		return nil, fmt.Errorf("persisting call %s: %w", res.SID, err)
	}
	return call, nil
}

// completionCheck transitions the campaign to completed once nothing is
// claimable and all in-flight calls have drained.
func (r *runner) completionCheck(ctx context.Context) {
	if r.activeCallCount() > 0 {
		return
	}

	counts, err := r.svc.contacts.CountByStatus(ctx, r.campaignID)
	if err != nil {
		r.svc.log.Error("completion check: counting contacts", "campaign_id", r.campaignID, "error", err)
		return
	}
	pending := counts[models.ContactPending]
	calling := counts[models.ContactCalling]

	if pending == 0 && calling > 0 {
		// A contact claimed by a loop that died before placing stays
		// in calling forever. Flag it for an operator; automatic
		// recovery risks double-dialing.
		r.svc.log.Warn("campaign has stuck calling contacts",
			"campaign_id", r.campaignID, "stuck", calling)
		return
	}
	if pending > 0 || calling > 0 {
		return
	}

	if err := r.svc.campaigns.UpdateStatus(ctx, r.campaignID, models.CampaignCompleted); err != nil {
		r.svc.log.Error("completion check: completing campaign", "campaign_id", r.campaignID, "error", err)
		return
	}

	r.svc.mu.Lock()
	if r.svc.active[r.campaignID] == r {
		delete(r.svc.active, r.campaignID)
	}
	r.svc.mu.Unlock()
	r.cancel()

	r.svc.log.Info("campaign completed", "campaign_id", r.campaignID)
	r.svc.publishCampaignStatus(r.campaignID, models.CampaignCompleted)
}
