// Package sqlite contains SQLite implementations of repository interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/operator/internal/ports/secondary"
)

// EventRepository implements secondary.EventLog with SQLite.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new SQLite event repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append persists a new event. Missing IDs and timestamps are filled in.
func (r *EventRepository) Append(ctx context.Context, event *secondary.EventRecord) error {
	if event.ID == "" {
		event.ID = "EV-" + uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var step, sessionID, detail sql.NullString
	if event.Step != "" {
		step = sql.NullString{String: event.Step, Valid: true}
	}
	if event.SessionID != "" {
		sessionID = sql.NullString{String: event.SessionID, Valid: true}
	}
	if event.Detail != "" {
		detail = sql.NullString{String: event.Detail, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO events (id, ticket_id, step, session_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.TicketID,
		step,
		sessionID,
		event.Kind,
		detail,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// List retrieves events matching the given filters, newest first.
func (r *EventRepository) List(ctx context.Context, filters secondary.EventFilters) ([]*secondary.EventRecord, error) {
	query := `SELECT id, ticket_id, step, session_id, kind, detail, created_at FROM events WHERE 1=1`
	args := []any{}

	if filters.TicketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, filters.TicketID)
	}
	if filters.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filters.Kind)
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*secondary.EventRecord
	for rows.Next() {
		var (
			step      sql.NullString
			sessionID sql.NullString
			detail    sql.NullString
			createdAt time.Time
		)
		record := &secondary.EventRecord{}
		if err := rows.Scan(&record.ID, &record.TicketID, &step, &sessionID, &record.Kind, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		record.Step = step.String
		record.SessionID = sessionID.String
		record.Detail = detail.String
		record.CreatedAt = createdAt.UTC()
		events = append(events, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

var _ secondary.EventLog = (*EventRepository)(nil)
