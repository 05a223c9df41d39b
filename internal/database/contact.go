package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

// Create inserts a new contact. A missing ID is generated.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (id, phone_number, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.PhoneNumber, c.Name, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}
	return nil
}

// GetByID returns a contact by ID, or (nil, nil) when absent.
func (r *contactRepo) GetByID(ctx context.Context, id string) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, created_at, updated_at FROM contacts WHERE id = ?`, id))
}

// GetByPhone returns a contact by normalized phone number, or (nil, nil).
func (r *contactRepo) GetByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, phone_number, name, created_at, updated_at FROM contacts WHERE phone_number = ?`, phone))
}

// AddToCampaign creates the (contact, campaign) association if it does not
// already exist. A fresh association starts at pending with callCount 0;
// re-adding an existing pair leaves its status and counters untouched.
func (r *contactRepo) AddToCampaign(ctx context.Context, campaignID, contactID string, priority int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO campaign_contacts (id, campaign_id, contact_id, status, priority, created_at)
		 VALUES (?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
		uuid.NewString(), campaignID, contactID, priority, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("adding contact to campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

const campaignContactColumns = `cc.id, cc.campaign_id, cc.contact_id, c.phone_number, c.name,
	 cc.status, cc.call_count, cc.priority, cc.last_call_result,
	 cc.last_call_date, cc.last_contacted, cc.created_at`

// ClaimNext performs the atomic pending->calling claim. The single
// conditional UPDATE ... RETURNING guarantees two concurrent callers for
// the same campaign cannot receive the same contact. Ordering is
// ascending created_at. Returns (nil, nil) when nothing is claimable.
func (r *contactRepo) ClaimNext(ctx context.Context, campaignID string) (*models.CampaignContact, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx,
		`UPDATE campaign_contacts
		 SET status = 'calling', call_count = call_count + 1, last_contacted = ?
		 WHERE id = (
		     SELECT id FROM campaign_contacts
		     WHERE campaign_id = ? AND status = 'pending' AND call_count = 0
		     ORDER BY created_at ASC, id ASC
		     LIMIT 1
		 )
		 RETURNING id, campaign_id, contact_id, status, call_count, priority,
		           last_call_result, last_call_date, last_contacted, created_at`,
		now, campaignID,
	)

	var cc models.CampaignContact
	var status string
	err := row.Scan(&cc.ID, &cc.CampaignID, &cc.ContactID, &status, &cc.CallCount,
		&cc.Priority, &cc.LastCallResult, &cc.LastCallDate, &cc.LastContacted, &cc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming contact: %w", err)
	}
	cc.Status = models.ContactStatus(status)

	// Hydrate the contact's identity fields for the caller.
	err = r.db.QueryRowContext(ctx,
		`SELECT phone_number, name FROM contacts WHERE id = ?`, cc.ContactID,
	).Scan(&cc.PhoneNumber, &cc.Name)
	if err != nil {
		return nil, fmt.Errorf("loading claimed contact: %w", err)
	}

	return &cc, nil
}

// Resolve moves a claimed contact out of calling. The WHERE clause keeps
// the operation idempotent: a repeat of the same resolution matches zero
// rows and changes nothing.
func (r *contactRepo) Resolve(ctx context.Context, campaignID, contactID string, status models.ContactStatus, result string, at time.Time) error {
	switch status {
	case models.ContactCompleted, models.ContactFailed, models.ContactNoAnswer:
	default:
		return fmt.Errorf("cannot resolve contact to %q: %w", status, ErrInvalidTransition)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE campaign_contacts
		 SET status = ?, last_call_result = ?, last_call_date = ?
		 WHERE campaign_id = ? AND contact_id = ? AND status = 'calling'`,
		string(status), result, at.UTC(), campaignID, contactID,
	)
	if err != nil {
		return fmt.Errorf("resolving contact: %w", err)
	}
	return nil
}

// MarkDoNotCall excludes the association from future claims. Contacts
// already mid-call are not interrupted.
func (r *contactRepo) MarkDoNotCall(ctx context.Context, campaignID, contactID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaign_contacts SET status = 'do-not-call'
		 WHERE campaign_id = ? AND contact_id = ? AND status = 'pending'`,
		campaignID, contactID,
	)
	if err != nil {
		return fmt.Errorf("marking do-not-call: %w", err)
	}
	return nil
}

// ListByCampaign returns a page of associations with contact identity
// joined, along with the total count.
func (r *contactRepo) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]models.CampaignContact, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = ?`, campaignID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting campaign contacts: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignContactColumns+`
		 FROM campaign_contacts cc JOIN contacts c ON c.id = cc.contact_id
		 WHERE cc.campaign_id = ?
		 ORDER BY cc.created_at ASC
		 LIMIT ? OFFSET ?`,
		campaignID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing campaign contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.CampaignContact
	for rows.Next() {
		var cc models.CampaignContact
		var status string
		if err := rows.Scan(&cc.ID, &cc.CampaignID, &cc.ContactID, &cc.PhoneNumber, &cc.Name,
			&status, &cc.CallCount, &cc.Priority, &cc.LastCallResult,
			&cc.LastCallDate, &cc.LastContacted, &cc.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning campaign contact row: %w", err)
		}
		cc.Status = models.ContactStatus(status)
		contacts = append(contacts, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating campaign contact rows: %w", err)
	}

	return contacts, total, nil
}

// CountByStatus returns association counts grouped by status.
func (r *contactRepo) CountByStatus(ctx context.Context, campaignID string) (map[models.ContactStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM campaign_contacts WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting contacts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ContactStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count row: %w", err)
		}
		counts[models.ContactStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status count rows: %w", err)
	}
	return counts, nil
}

func (r *contactRepo) scanOne(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.PhoneNumber, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &c, nil
}
