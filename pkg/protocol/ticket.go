package protocol

import "time"

// TicketStatus represents the lifecycle state of a remediation ticket.
type TicketStatus string

const (
	TicketOpen            TicketStatus = "open"
	TicketPendingApproval TicketStatus = "pending_approval"
	TicketRetrying        TicketStatus = "retrying"
	TicketResolved        TicketStatus = "resolved"
	TicketExhausted       TicketStatus = "remediation_exhausted"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketPendingApproval, TicketRetrying, TicketResolved, TicketExhausted:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition can leave s.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketExhausted
}

// Action is the corrective action chosen by the classifier.
type Action string

const (
	ActionRetryJob           Action = "retry_job"
	ActionReinstallLibraries Action = "reinstall_libraries"
	ActionNone               Action = "none"
)

// Risk is the classifier's estimate of how risky the action is.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Resolution records why a ticket ended up resolved.
type Resolution string

const (
	ResolutionNone            Resolution = ""
	ResolutionSucceeded       Resolution = "succeeded"
	ResolutionRejected        Resolution = "rejected"
	ResolutionApprovalTimeout Resolution = "approval_timeout"
)

// Ticket is one remediation workflow instance for a failing job run.
type Ticket struct {
	ID               string       `json:"id"`
	JobName          string       `json:"job_name"`
	ErrorType        string       `json:"error_type"`
	ErrorMessage     string       `json:"error_message"`
	Category         string       `json:"category,omitempty"`
	IsAutoRemediable bool         `json:"is_auto_remediable"`
	Action           Action       `json:"action"`
	Risk             Risk         `json:"risk"`
	Status           TicketStatus `json:"status"`
	Resolution       Resolution   `json:"resolution,omitempty"`
	RetryCount       int          `json:"retry_count"`
	ApprovedBy       string       `json:"approved_by,omitempty"`
	FailedAt         time.Time    `json:"failed_at"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	NextAttemptAt    *time.Time   `json:"next_attempt_at,omitempty"`

	RemediationExhaustedAt *time.Time `json:"remediation_exhausted_at,omitempty"`
}

// Active reports whether the ticket still participates in remediation.
func (t *Ticket) Active() bool {
	return !t.Status.Terminal()
}

// EventKind names an entry in a ticket's audit trail.
type EventKind string

const (
	EventCreated           EventKind = "created"
	EventDuplicateFailure  EventKind = "duplicate_failure"
	EventApprovalRequested EventKind = "approval_requested"
	EventApproved          EventKind = "approved"
	EventRejected          EventKind = "rejected"
	EventApprovalExpired   EventKind = "approval_expired"
	EventAttemptStarted    EventKind = "attempt_started"
	EventAttemptFailed     EventKind = "attempt_failed"
	EventResolved          EventKind = "resolved"
	EventExhausted         EventKind = "exhausted"
)

// TicketEvent is an append-only audit record attached to a ticket.
type TicketEvent struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
