package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, name, status, agent_prompt, first_message, caller_id, region,
	 max_concurrent_calls, call_delay_ms, retry_count, retry_delay_ms,
	 total_contacts, calls_placed, calls_answered, calls_completed, calls_failed,
	 average_duration_secs, last_executed, created_at, updated_at`

// Create inserts a new campaign. A missing ID is generated; a missing
// status defaults to draft.
func (r *campaignRepo) Create(ctx context.Context, c *models.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid campaign status %q", c.Status)
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, status, agent_prompt, first_message, caller_id, region,
		 max_concurrent_calls, call_delay_ms, retry_count, retry_delay_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Status), c.Agent.Prompt, c.Agent.FirstMessage,
		c.Agent.CallerID, c.Agent.Region,
		c.Settings.MaxConcurrentCalls, c.Settings.CallDelayMS,
		c.Settings.RetryCount, c.Settings.RetryDelayMS,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or (nil, nil) when absent.
func (r *campaignRepo) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id,
	))
}

// List returns all campaigns, newest first.
func (r *campaignRepo) List(ctx context.Context) ([]models.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating campaign rows: %w", err)
	}
	return campaigns, nil
}

// Update modifies a campaign's name, agent configuration, and settings.
// Status and stats are managed through their dedicated operations.
func (r *campaignRepo) Update(ctx context.Context, c *models.Campaign) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET name = ?, agent_prompt = ?, first_message = ?,
		 caller_id = ?, region = ?, max_concurrent_calls = ?, call_delay_ms = ?,
		 retry_count = ?, retry_delay_ms = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Agent.Prompt, c.Agent.FirstMessage, c.Agent.CallerID, c.Agent.Region,
		c.Settings.MaxConcurrentCalls, c.Settings.CallDelayMS,
		c.Settings.RetryCount, c.Settings.RetryDelayMS,
		time.Now().UTC(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating campaign: %w", err)
	}
	return nil
}

// UpdateStatus validates and applies a status transition. The check and
// the write run in one transaction so concurrent transitions serialize.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid campaign status %q: %w", status, ErrInvalidTransition)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("reading campaign status: %w", err)
	}

	from := models.CampaignStatus(current)
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("campaign %s: %s -> %s: %w", id, from, status, ErrInvalidTransition)
	}
	if from == status {
		return nil
	}

	now := time.Now().UTC()
	if status == models.CampaignActive {
		_, err = tx.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, last_executed = ?, updated_at = ? WHERE id = ?`,
			string(status), now, now, id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing status transaction: %w", err)
	}
	return nil
}

// ApplyStatsDelta adds counter deltas and folds an optional duration
// sample into the running mean: newAvg = (avg*n + sample) / (n+1), where
// n is the prior completed-call count.
func (r *campaignRepo) ApplyStatsDelta(ctx context.Context, id string, delta StatsDelta) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning stats transaction: %w", err)
	}
	defer tx.Rollback()

	var completed int
	var avg float64
	err = tx.QueryRowContext(ctx,
		`SELECT calls_completed, average_duration_secs FROM campaigns WHERE id = ?`, id,
	).Scan(&completed, &avg)
	if err == sql.ErrNoRows {
		return fmt.Errorf("campaign %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("reading campaign stats: %w", err)
	}

	if delta.DurationSample != nil {
		avg = (avg*float64(completed) + *delta.DurationSample) / float64(completed+1)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE campaigns SET
		 total_contacts = total_contacts + ?,
		 calls_placed = calls_placed + ?,
		 calls_answered = calls_answered + ?,
		 calls_completed = calls_completed + ?,
		 calls_failed = calls_failed + ?,
		 average_duration_secs = ?,
		 updated_at = ?
		 WHERE id = ?`,
		delta.TotalContacts, delta.CallsPlaced, delta.CallsAnswered,
		delta.CallsCompleted, delta.CallsFailed, avg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("applying stats delta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stats transaction: %w", err)
	}
	return nil
}

// Delete removes a campaign and, via foreign keys, its contact associations.
func (r *campaignRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting campaign: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var status string
	err := row.Scan(&c.ID, &c.Name, &status, &c.Agent.Prompt, &c.Agent.FirstMessage,
		&c.Agent.CallerID, &c.Agent.Region,
		&c.Settings.MaxConcurrentCalls, &c.Settings.CallDelayMS,
		&c.Settings.RetryCount, &c.Settings.RetryDelayMS,
		&c.Stats.TotalContacts, &c.Stats.CallsPlaced, &c.Stats.CallsAnswered,
		&c.Stats.CallsCompleted, &c.Stats.CallsFailed, &c.Stats.AverageDurationSecs,
		&c.LastExecuted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	c.Settings.CallDelay = time.Duration(c.Settings.CallDelayMS) * time.Millisecond
	return &c, nil
}

func (r *campaignRepo) scanOne(row *sql.Row) (*models.Campaign, error) {
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	return c, nil
}
