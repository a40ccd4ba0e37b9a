package ticket

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// ErrNotFound is returned when a ticket id does not exist.
var ErrNotFound = errors.New("ticket not found")

// Store is the persistence interface for remediation tickets and their events.
type Store interface {
	// Create inserts a new ticket. The id must be unused.
	Create(t *protocol.Ticket) error
	// Get retrieves a ticket by ID.
	Get(id string) (*protocol.Ticket, error)
	// List returns tickets matching the filter, newest first.
	List(filter Filter) ([]*protocol.Ticket, error)
	// Count returns the number of tickets matching the filter.
	Count(filter Filter) (int, error)
	// ActiveForJob returns the newest non-terminal ticket for a job, or ErrNotFound.
	ActiveForJob(jobName string) (*protocol.Ticket, error)
	// Update loads the ticket under its write lock, applies fn, and persists
	// the result when fn reports a change.
	Update(id string, fn UpdateFunc) (*protocol.Ticket, bool, error)
	// AppendEvent adds an audit event to a ticket.
	AppendEvent(ev protocol.TicketEvent) error
	// Events returns a ticket's audit trail, oldest first.
	Events(ticketID string) ([]protocol.TicketEvent, error)
}

// UpdateFunc mutates t in place and reports whether anything changed.
type UpdateFunc func(t *protocol.Ticket) (bool, error)

// Filter constrains ticket list queries.
type Filter struct {
	Status    *protocol.TicketStatus
	JobName   string
	DueBefore *time.Time // next_attempt_at <= DueBefore
	Limit     int        // 0 = no limit
}

// Record appends an audit event stamped with a fresh id and the current time.
func Record(s Store, ticketID string, kind protocol.EventKind, detail string) error {
	return s.AppendEvent(protocol.TicketEvent{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}
