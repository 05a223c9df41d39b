package database

import (
	"context"
	"errors"
	"time"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// ErrInvalidTransition is returned when a status change violates the
// campaign or call state machine. Handlers map it to HTTP 409.
var ErrInvalidTransition = errors.New("invalid status transition")

// StatsDelta carries additive changes to a campaign's aggregate counters.
// DurationSample, when non-nil, is folded into the running average.
type StatsDelta struct {
	TotalContacts  int
	CallsPlaced    int
	CallsAnswered  int
	CallsCompleted int
	CallsFailed    int
	DurationSample *float64
}

// CampaignRepository persists campaign definitions, stats, and status.
// Single-row reads return (nil, nil) when no row matches.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context) ([]models.Campaign, error)
	Update(ctx context.Context, c *models.Campaign) error
	// UpdateStatus validates the transition against the campaign state
	// machine and returns ErrInvalidTransition on violation. Transitions
	// into active stamp last_executed.
	UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error
	// ApplyStatsDelta adds the delta to the stats counters. The running
	// average duration is recomputed from (prior average, prior count,
	// sample) when a duration sample is present.
	ApplyStatsDelta(ctx context.Context, id string, delta StatsDelta) error
	Delete(ctx context.Context, id string) error
}

// ContactRepository manages contacts and their per-campaign associations.
type ContactRepository interface {
	Create(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, id string) (*models.Contact, error)
	GetByPhone(ctx context.Context, phone string) (*models.Contact, error)
	// AddToCampaign associates a contact with a campaign. If the pair is
	// newly formed the association starts at status=pending, callCount=0;
	// an existing pair is left untouched. Returns whether a new pair was
	// created.
	AddToCampaign(ctx context.Context, campaignID, contactID string, priority int) (bool, error)
	// ClaimNext atomically claims the next pending contact for the
	// campaign: the oldest association with status=pending and
	// callCount=0 transitions to calling with callCount incremented by
	// one, in a single conditional update. Returns (nil, nil) when no
	// contact is claimable.
	ClaimNext(ctx context.Context, campaignID string) (*models.CampaignContact, error)
	// Resolve transitions a claimed (calling) contact to completed,
	// failed, or no-answer, recording the call result. Idempotent on
	// repeated identical input.
	Resolve(ctx context.Context, campaignID, contactID string, status models.ContactStatus, result string, at time.Time) error
	MarkDoNotCall(ctx context.Context, campaignID, contactID string) error
	ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]models.CampaignContact, int, error)
	// CountByStatus returns per-status association counts for a campaign.
	CountByStatus(ctx context.Context, campaignID string) (map[models.ContactStatus]int, error)
}

// CallUpdate carries optional fields merged into a call on a status change.
type CallUpdate struct {
	EndTime      *time.Time
	DurationSecs *int
	AnsweredBy   string
	TerminatedBy string
	Outcome      string
}

// CallRepository persists per-call records keyed by provider SID.
type CallRepository interface {
	// Save upserts the call by SID. Retries of the initial create are
	// idempotent: an existing row is left untouched.
	Save(ctx context.Context, c *models.Call) error
	GetBySID(ctx context.Context, sid string) (*models.Call, error)
	// UpdateStatus moves the call forward through the status lattice and
	// merges extras. Terminal statuses freeze further status mutation;
	// repeating the current terminal status is a no-op. The first
	// transition to in-progress stamps answer_time. Missing terminal
	// fields are defaulted (duration from start_time, answeredBy and
	// terminatedBy per status). Returns the updated call and whether the
	// status actually changed.
	UpdateStatus(ctx context.Context, sid string, status models.CallStatus, update CallUpdate) (*models.Call, bool, error)
	// SetConversationID links the AI session. Allowed after terminal
	// status (late-arriving linkage).
	SetConversationID(ctx context.Context, sid, conversationID string) error
	ListActive(ctx context.Context) ([]models.Call, error)
	ListActiveByCampaign(ctx context.Context, campaignID string) ([]models.Call, error)
	ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]models.Call, int, error)
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
}

// CallEventRepository is the append-only call timeline. Never read on the
// hot path.
type CallEventRepository interface {
	Append(ctx context.Context, callSID, eventType, payload string) error
	ListByCall(ctx context.Context, callSID string) ([]models.CallEvent, error)
}
