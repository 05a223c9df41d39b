package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `sid, conversation_id, status, from_number, to_number, direction,
	 start_time, answer_time, end_time, duration_secs, answered_by, terminated_by,
	 outcome, campaign_id, contact_id, created_at, updated_at`

// Save inserts the call record keyed by provider SID. Retried creates are
// idempotent: an existing row is left untouched.
func (r *callRepo) Save(ctx context.Context, c *models.Call) error {
	if c.Status == "" {
		c.Status = models.CallInitiated
	}
	if c.Direction == "" {
		c.Direction = "outbound"
	}
	if c.Outcome == "" {
		c.Outcome = models.OutcomeUnknown
	}
	now := time.Now().UTC()
	if c.StartTime.IsZero() {
		c.StartTime = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (sid, conversation_id, status, from_number, to_number, direction,
		 start_time, answered_by, terminated_by, outcome, campaign_id, contact_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (sid) DO NOTHING`,
		c.SID, c.ConversationID, string(c.Status), c.From, c.To, c.Direction,
		c.StartTime, c.AnsweredBy, c.TerminatedBy, c.Outcome,
		c.CampaignID, c.ContactID, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// GetBySID returns a call by provider SID, or (nil, nil) when absent.
func (r *callRepo) GetBySID(ctx context.Context, sid string) (*models.Call, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE sid = ?`, sid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return c, nil
}

// UpdateStatus advances a call along its status lattice and merges the
// optional update fields. The read, the validation, and the write run in
// one transaction.
func (r *callRepo) UpdateStatus(ctx context.Context, sid string, status models.CallStatus, update CallUpdate) (*models.Call, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning call status transaction: %w", err)
	}
	defer tx.Rollback()

	c, err := scanCall(tx.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE sid = ?`, sid))
	if err == sql.ErrNoRows {
		return nil, false, fmt.Errorf("call %s not found", sid)
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading call: %w", err)
	}

	if !c.Status.CanTransitionTo(status) {
		// A frozen terminal record absorbs out-of-order or duplicate
		// callbacks without error.
		if c.Status.Terminal() {
			return c, false, nil
		}
		return nil, false, fmt.Errorf("call %s: %s -> %s: %w", sid, c.Status, status, ErrInvalidTransition)
	}

	changed := c.Status != status
	now := time.Now().UTC()
	c.Status = status
	c.UpdatedAt = now

	if status == models.CallInProgress && c.AnswerTime == nil {
		t := now
		c.AnswerTime = &t
	}

	if update.EndTime != nil {
		c.EndTime = update.EndTime
	}
	if update.DurationSecs != nil {
		c.DurationSecs = update.DurationSecs
	}
	if update.AnsweredBy != "" {
		c.AnsweredBy = update.AnsweredBy
	}
	if update.TerminatedBy != "" {
		c.TerminatedBy = update.TerminatedBy
	}
	if update.Outcome != "" {
		c.Outcome = update.Outcome
	}

	if status.Terminal() {
		applyTerminalDefaults(c, now)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE calls SET status = ?, answer_time = ?, end_time = ?, duration_secs = ?,
		 answered_by = ?, terminated_by = ?, outcome = ?, updated_at = ?
		 WHERE sid = ?`,
		string(c.Status), c.AnswerTime, c.EndTime, c.DurationSecs,
		c.AnsweredBy, c.TerminatedBy, c.Outcome, now, sid,
	)
	if err != nil {
		return nil, false, fmt.Errorf("updating call status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing call status transaction: %w", err)
	}
	return c, changed, nil
}

// applyTerminalDefaults fills fields a provider callback may omit when a
// call reaches a terminal status.
func applyTerminalDefaults(c *models.Call, now time.Time) {
	if c.EndTime == nil {
		t := now
		c.EndTime = &t
	}
	if c.DurationSecs == nil {
		secs := int(c.EndTime.Sub(c.StartTime).Seconds())
		if secs < 0 {
			secs = 0
		}
		c.DurationSecs = &secs
	}

	if c.AnsweredBy == "" {
		switch c.Status {
		case models.CallFailed:
			c.AnsweredBy = models.AnsweredByFailed
		case models.CallNoAnswer:
			c.AnsweredBy = models.AnsweredByNoAnswer
		case models.CallBusy:
			c.AnsweredBy = models.AnsweredByBusy
		default:
			c.AnsweredBy = models.AnsweredByUnknown
		}
	}

	if c.TerminatedBy == "" {
		switch {
		case c.Status == models.CallFailed || c.Status == models.CallCanceled:
			c.TerminatedBy = models.TerminatedBySystem
		case c.Status == models.CallNoAnswer:
			c.TerminatedBy = models.TerminatedByTimeout
		case c.DurationSecs != nil && *c.DurationSecs < 3:
			// A completed call this short was almost certainly hung up
			// by the callee before the agent spoke.
			c.TerminatedBy = models.TerminatedByUser
		default:
			c.TerminatedBy = models.TerminatedByAgent
		}
	}

	if c.Outcome == "" || c.Outcome == models.OutcomeUnknown {
		switch c.Status {
		case models.CallCompleted:
			if c.AnsweredBy == models.AnsweredByMachine {
				c.Outcome = models.OutcomeVoicemail
			} else {
				c.Outcome = models.OutcomeHeld
			}
		case models.CallNoAnswer, models.CallBusy:
			c.Outcome = models.OutcomeNoAnswer
		case models.CallFailed, models.CallCanceled:
			c.Outcome = models.OutcomeFailed
		}
	}
}

// SetConversationID links the AI session to the call. The link may arrive
// after the call is terminal, so no status check applies.
func (r *callRepo) SetConversationID(ctx context.Context, sid, conversationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET conversation_id = ?, updated_at = ? WHERE sid = ?`,
		conversationID, time.Now().UTC(), sid,
	)
	if err != nil {
		return fmt.Errorf("setting conversation id: %w", err)
	}
	return nil
}

// ListActive returns all calls not yet in a terminal status.
func (r *callRepo) ListActive(ctx context.Context) ([]models.Call, error) {
	return r.list(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE status IN ('initiated', 'queued', 'ringing', 'in-progress')
		 ORDER BY start_time ASC`)
}

// ListActiveByCampaign returns a campaign's non-terminal calls.
func (r *callRepo) ListActiveByCampaign(ctx context.Context, campaignID string) ([]models.Call, error) {
	return r.list(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE campaign_id = ? AND status IN ('initiated', 'queued', 'ringing', 'in-progress')
		 ORDER BY start_time ASC`, campaignID)
}

// ListByCampaign returns a page of a campaign's calls, newest first, with
// the total count.
func (r *callRepo) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]models.Call, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE campaign_id = ?`, campaignID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting calls: %w", err)
	}

	calls, err := r.list(ctx,
		`SELECT `+callColumns+` FROM calls WHERE campaign_id = ?
		 ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		campaignID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return calls, total, nil
}

// CountByStatus returns call counts grouped by status across all campaigns.
func (r *callRepo) CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM calls GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CallStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning call count row: %w", err)
		}
		counts[models.CallStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call count rows: %w", err)
	}
	return counts, nil
}

func (r *callRepo) list(ctx context.Context, query string, args ...any) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	var status string
	err := row.Scan(&c.SID, &c.ConversationID, &status, &c.From, &c.To, &c.Direction,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.DurationSecs,
		&c.AnsweredBy, &c.TerminatedBy, &c.Outcome,
		&c.CampaignID, &c.ContactID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CallStatus(status)
	return &c, nil
}
