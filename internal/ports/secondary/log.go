package secondary

import (
	"context"
	"time"
)

// EventLog defines the secondary port for the audit trail of queue activity.
type EventLog interface {
	// Append persists a new event.
	Append(ctx context.Context, event *EventRecord) error

	// List retrieves events matching the given filters, newest first.
	List(ctx context.Context, filters EventFilters) ([]*EventRecord, error)
}

// EventRecord represents an event as stored in persistence.
type EventRecord struct {
	ID        string
	TicketID  string
	Step      string
	SessionID string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// EventFilters contains filter options for querying events.
type EventFilters struct {
	TicketID string
	Kind     string
	Limit    int
}
