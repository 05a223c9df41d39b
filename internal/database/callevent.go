package database

import (
	"context"
	"fmt"

	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
)

// callEventRepo implements CallEventRepository.
type callEventRepo struct {
	db *DB
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(db *DB) CallEventRepository {
	return &callEventRepo{db: db}
}

func (r *callEventRepo) Append(ctx context.Context, callSID, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_events (call_sid, event_type, payload) VALUES (?, ?, ?)`,
		callSID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("appending call event: %w", err)
	}
	return nil
}

func (r *callEventRepo) ListByCall(ctx context.Context, callSID string) ([]models.CallEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_sid, event_type, payload, created_at
		 FROM call_events WHERE call_sid = ? ORDER BY id ASC`,
		callSID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call events: %w", err)
	}
	defer rows.Close()

	var events []models.CallEvent
	for rows.Next() {
		var e models.CallEvent
		if err := rows.Scan(&e.ID, &e.CallSID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call event rows: %w", err)
	}
	return events, nil
}
