package models

import "time"

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignCompleted, CampaignCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a sticky terminal state.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// CanTransitionTo reports whether the campaign state machine permits
// moving from s to next. Identical states are permitted (idempotent).
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case CampaignDraft:
		// Drafts are deleted, not cancelled.
		return next == CampaignActive
	case CampaignActive:
		return next == CampaignPaused || next == CampaignCompleted || next == CampaignCancelled
	case CampaignPaused:
		return next == CampaignActive || next == CampaignCompleted || next == CampaignCancelled
	default:
		// completed and cancelled are sticky
		return false
	}
}

// CampaignSettings controls pacing and concurrency for a campaign's
// control loop.
type CampaignSettings struct {
	MaxConcurrentCalls int           `json:"maxConcurrentCalls"`
	CallDelay          time.Duration `json:"-"`
	CallDelayMS        int           `json:"callDelayMs"`
	RetryCount         int           `json:"retryCount"`
	RetryDelayMS       int           `json:"retryDelayMs"`
}

// AgentConfig is the fixed conversational-AI configuration of a campaign.
type AgentConfig struct {
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"firstMessage"`
	CallerID     string `json:"callerId"`
	Region       string `json:"region"`
}

// CampaignStats are the aggregate counters maintained for a campaign.
// AverageDurationSecs is a running mean over completed-call samples.
type CampaignStats struct {
	TotalContacts       int     `json:"totalContacts"`
	CallsPlaced         int     `json:"callsPlaced"`
	CallsAnswered       int     `json:"callsAnswered"`
	CallsCompleted      int     `json:"callsCompleted"`
	CallsFailed         int     `json:"callsFailed"`
	AverageDurationSecs float64 `json:"averageDurationSeconds"`
}

// Campaign is a named, persisted plan to call a set of contacts with a
// fixed agent configuration.
type Campaign struct {
	ID           string
	Name         string
	Status       CampaignStatus
	Agent        AgentConfig
	Settings     CampaignSettings
	Stats        CampaignStats
	LastExecuted *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ContactStatus is the per-(contact, campaign) lifecycle state.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
	ContactNoAnswer  ContactStatus = "no-answer"
	ContactDoNotCall ContactStatus = "do-not-call"
)

// Valid reports whether s is a known contact status.
func (s ContactStatus) Valid() bool {
	switch s {
	case ContactPending, ContactCalling, ContactCompleted, ContactFailed, ContactNoAnswer, ContactDoNotCall:
		return true
	}
	return false
}

// Contact is a phone-number-bearing record. Its per-campaign lifecycle
// lives on the (contact, campaign) association, not here.
type Contact struct {
	ID          string
	PhoneNumber string
	Name        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CampaignContact is the association of a contact with one campaign,
// joined with the contact's identity fields for convenience.
type CampaignContact struct {
	ID             string
	CampaignID     string
	ContactID      string
	PhoneNumber    string
	Name           string
	Status         ContactStatus
	CallCount      int
	Priority       int
	LastCallResult string
	LastCallDate   *time.Time
	LastContacted  *time.Time
	CreatedAt      time.Time
}

// CallStatus is the provider-visible state of a single dial attempt.
type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallQueued     CallStatus = "queued"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no-answer"
	CallCanceled   CallStatus = "canceled"
)

// Terminal reports whether s permits no further status transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer, CallCanceled:
		return true
	}
	return false
}

// rank orders statuses along the forward-only lattice. Terminal states
// share the highest rank.
func (s CallStatus) rank() int {
	switch s {
	case CallInitiated:
		return 0
	case CallQueued:
		return 1
	case CallRinging:
		return 2
	case CallInProgress:
		return 3
	default:
		return 4
	}
}

// CanTransitionTo reports whether the call status lattice permits moving
// from s to next. Repeating the current status is permitted so that
// duplicate provider callbacks stay idempotent.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// AnsweredBy values, reported by the provider's answering machine detection.
const (
	AnsweredByHuman    = "human"
	AnsweredByMachine  = "machine"
	AnsweredByFax      = "fax"
	AnsweredByBusy     = "busy"
	AnsweredByNoAnswer = "no-answer"
	AnsweredByFailed   = "failed"
	AnsweredByUnknown  = "unknown"
)

// TerminatedBy values identify which side ended a call.
const (
	TerminatedByAgent        = "agent"
	TerminatedByUser         = "user"
	TerminatedBySystem       = "system"
	TerminatedByTimeout      = "timeout"
	TerminatedByConversation = "conversation_completed"
)

// Call outcome values.
const (
	OutcomeHeld      = "held"
	OutcomeVoicemail = "voicemail"
	OutcomeNoAnswer  = "no-answer"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
)

// Call is a single dial attempt, keyed by the provider-assigned SID.
type Call struct {
	SID            string
	ConversationID string
	Status         CallStatus
	From           string
	To             string
	Direction      string
	StartTime      time.Time
	AnswerTime     *time.Time
	EndTime        *time.Time
	DurationSecs   *int
	AnsweredBy     string
	TerminatedBy   string
	Outcome        string
	CampaignID     string
	ContactID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallEvent is one append-only timeline row for a call.
type CallEvent struct {
	ID        int64
	CallSID   string
	EventType string
	Payload   string // JSON
	CreatedAt time.Time
}
