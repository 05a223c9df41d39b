// Package engine drives campaign execution: long-lived per-campaign
// control loops that claim contacts, place calls under a concurrency
// cap, track in-flight calls, and detect completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
	"github.com/camtang26/creative-ai-voice-platform/internal/telephony"
)

// ErrCampaignNotFound is returned by lifecycle operations for an
// unknown campaign ID. Handlers map it to HTTP 404.
var ErrCampaignNotFound = errors.New("campaign not found")

// CallPlacer is the slice of the telephony client the engine needs.
type CallPlacer interface {
	PlaceCall(ctx context.Context, params telephony.PlaceCallParams) (*telephony.CallResource, error)
}

// Config carries process-level defaults and addressing for the engine.
type Config struct {
	// PhoneNumber is the default outbound caller ID.
	PhoneNumber string
	// MediaStreamURL is the wss:// endpoint handed to the provider.
	MediaStreamURL string
	// StatusCallbackURL receives provider call-status webhooks.
	StatusCallbackURL string
	// DefaultMaxConcurrent applies when a campaign sets no cap.
	DefaultMaxConcurrent int
	// DefaultCallDelay applies when a campaign sets no pacing delay.
	DefaultCallDelay time.Duration
	// RingTimeoutSecs bounds how long placed calls may ring.
	RingTimeoutSecs int
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxConcurrent <= 0 {
		c.DefaultMaxConcurrent = 5
	}
	if c.DefaultCallDelay <= 0 {
		c.DefaultCallDelay = 10 * time.Second
	}
	if c.RingTimeoutSecs <= 0 {
		c.RingTimeoutSecs = 30
	}
	return c
}

// Service owns the process-wide active-campaigns map. All engine state
// is reached through its methods; it is constructed once at boot and
// torn down on shutdown.
type Service struct {
	cfg       Config
	campaigns database.CampaignRepository
	contacts  database.ContactRepository
	calls     database.CallRepository
	placer    CallPlacer
	bus       *events.Bus
	log       *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*runner
}

// NewService creates the engine service.
func NewService(cfg Config, campaigns database.CampaignRepository, contacts database.ContactRepository,
	calls database.CallRepository, placer CallPlacer, bus *events.Bus, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg.withDefaults(),
		campaigns:  campaigns,
		contacts:   contacts,
		calls:      calls,
		placer:     placer,
		bus:        bus,
		log:        logger.With("subsystem", "engine"),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*runner),
	}
}

// Start activates a campaign and spawns its control loop. Idempotent:
// starting a running campaign is a no-op.
func (s *Service) Start(ctx context.Context, campaignID string) error {
	s.mu.Lock()
	if _, running := s.active[campaignID]; running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("reading campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}
	if c.Status.Terminal() {
		return fmt.Errorf("campaign %s is %s: %w", campaignID, c.Status, database.ErrInvalidTransition)
	}

	if err := s.campaigns.UpdateStatus(ctx, campaignID, models.CampaignActive); err != nil {
		return err
	}

	r := newRunner(s, c)
	if err := r.rebuildActiveCalls(ctx); err != nil {
		return fmt.Errorf("rebuilding active calls: %w", err)
	}

	s.mu.Lock()
	if _, running := s.active[campaignID]; running {
		s.mu.Unlock()
		r.cancel()
		return nil
	}
	s.active[campaignID] = r
	s.mu.Unlock()

	go r.run()

	s.log.Info("campaign started", "campaign_id", campaignID)
	s.publishCampaignStatus(campaignID, models.CampaignActive)
	return nil
}

// Pause removes the campaign from the active set before persisting the
// paused status, so no new cycle can fire after Pause returns.
// In-flight calls complete naturally.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	s.detach(campaignID)

	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("reading campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	if err := s.campaigns.UpdateStatus(ctx, campaignID, models.CampaignPaused); err != nil {
		return err
	}

	s.log.Info("campaign paused", "campaign_id", campaignID)
	s.publishCampaignStatus(campaignID, models.CampaignPaused)
	return nil
}

// Resume restarts a paused campaign, rebuilding the active-calls map
// from the call store.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	return s.Start(ctx, campaignID)
}

// Stop halts the campaign like Pause but marks it completed.
func (s *Service) Stop(ctx context.Context, campaignID string) error {
	return s.finish(ctx, campaignID, models.CampaignCompleted)
}

// Cancel halts the campaign and marks it cancelled.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	return s.finish(ctx, campaignID, models.CampaignCancelled)
}

func (s *Service) finish(ctx context.Context, campaignID string, status models.CampaignStatus) error {
	s.detach(campaignID)

	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("reading campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	if err := s.campaigns.UpdateStatus(ctx, campaignID, status); err != nil {
		return err
	}

	s.log.Info("campaign finished", "campaign_id", campaignID, "status", status)
	s.publishCampaignStatus(campaignID, status)
	return nil
}

// detach removes and cancels the runner if present.
func (s *Service) detach(campaignID string) {
	s.mu.Lock()
	r := s.active[campaignID]
	delete(s.active, campaignID)
	s.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// runnerFor returns the live runner, or nil when the campaign is not in
// the active set.
func (s *Service) runnerFor(campaignID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[campaignID]
}

// IsRunning reports whether a campaign has a live control loop.
func (s *Service) IsRunning(campaignID string) bool {
	return s.runnerFor(campaignID) != nil
}

// RunningCampaigns returns the IDs of campaigns with live control loops.
func (s *Service) RunningCampaigns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCallCount returns the in-flight call count for a running
// campaign, or 0.
func (s *Service) ActiveCallCount(campaignID string) int {
	r := s.runnerFor(campaignID)
	if r == nil {
		return 0
	}
	return r.activeCallCount()
}

// Shutdown cancels all campaign loops. Call statuses are left for the
// provider callbacks to settle; campaign DB statuses are untouched so a
// restart resumes where it left off.
func (s *Service) Shutdown() {
	s.mu.Lock()
	runners := make([]*runner, 0, len(s.active))
	for _, r := range s.active {
		runners = append(runners, r)
	}
	s.active = make(map[string]*runner)
	s.mu.Unlock()

	for _, r := range runners {
		r.cancel()
	}
	s.baseCancel()
}

// HandleCallStatus applies a provider status callback: the call store
// is updated, stats deltas are applied, the owning contact is resolved
// on terminal statuses, and completion is re-checked.
func (s *Service) HandleCallStatus(ctx context.Context, callSID string, status models.CallStatus, update database.CallUpdate) error {
	call, changed, err := s.calls.UpdateStatus(ctx, callSID, status, update)
	if err != nil {
		return err
	}

	s.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCallUpdate,
		Data:   map[string]any{"call_sid": callSID, "status": string(call.Status), "campaign_id": call.CampaignID},
	})

	if !changed {
		return nil
	}

	if call.Status == models.CallInProgress && call.CampaignID != "" {
		s.applyStatsDelta(ctx, call.CampaignID, database.StatsDelta{CallsAnswered: 1})
	}

	if call.Status.Terminal() {
		s.settleTerminalCall(ctx, call)
	}
	return nil
}

// settleTerminalCall runs the terminal-status bookkeeping for a call
// that belongs to a campaign.
func (s *Service) settleTerminalCall(ctx context.Context, call *models.Call) {
	if call.CampaignID == "" {
		return
	}

	delta := database.StatsDelta{}
	contactStatus := models.ContactFailed
	switch call.Status {
	case models.CallCompleted:
		delta.CallsCompleted = 1
		if call.DurationSecs != nil {
			sample := float64(*call.DurationSecs)
			delta.DurationSample = &sample
		}
		contactStatus = models.ContactCompleted
	case models.CallNoAnswer:
		delta.CallsFailed = 1
		contactStatus = models.ContactNoAnswer
	default:
		delta.CallsFailed = 1
	}
	s.applyStatsDelta(ctx, call.CampaignID, delta)

	if call.ContactID != "" {
		at := time.Now().UTC()
		if call.EndTime != nil {
			at = *call.EndTime
		}
		if err := s.contacts.Resolve(ctx, call.CampaignID, call.ContactID, contactStatus, string(call.Status), at); err != nil {
			s.log.Error("resolving contact", "campaign_id", call.CampaignID, "contact_id", call.ContactID, "error", err)
		}
	}

	if r := s.runnerFor(call.CampaignID); r != nil {
		r.removeActiveCall(call.SID)
		r.completionCheck(ctx)
	}
}

// applyStatsDelta writes a stats delta, retrying transient store errors
// with exponential backoff.
func (s *Service) applyStatsDelta(ctx context.Context, campaignID string, delta database.StatsDelta) {
	op := func() error {
		return s.campaigns.ApplyStatsDelta(ctx, campaignID, delta)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		s.log.Error("applying stats delta", "campaign_id", campaignID, "error", err)
		return
	}

	s.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCampaignStats,
		Data: map[string]any{
			"campaign_id":     campaignID,
			"calls_placed":    delta.CallsPlaced,
			"calls_answered":  delta.CallsAnswered,
			"calls_completed": delta.CallsCompleted,
			"calls_failed":    delta.CallsFailed,
		},
	})
}

func (s *Service) publishCampaignStatus(campaignID string, status models.CampaignStatus) {
	s.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCampaignStatus,
		Data:   map[string]any{"campaign_id": campaignID, "status": string(status)},
	})
}
