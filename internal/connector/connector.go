package connector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Notifier is an outbound messaging platform (Slack, Telegram, ...).
type Notifier interface {
	// Name returns the connector type (e.g., "slack", "telegram").
	Name() string
	// RequestApproval posts an approval card with approve/reject actions.
	RequestApproval(ctx context.Context, req ApprovalRequest) error
	// Notify posts an informational message about a ticket.
	Notify(ctx context.Context, n Notice) error
}

// Listener is a connector that also receives inbound events. Start blocks
// until the context is cancelled.
type Listener interface {
	Start(ctx context.Context) error
	Stop() error
}

// ApprovalRequest is the content of an approval card.
type ApprovalRequest struct {
	TicketID string
	Pipeline string
	Error    string
	Action   protocol.Action
	Risk     protocol.Risk
}

// Notice is a plain status message tied to a ticket.
type Notice struct {
	TicketID string
	Content  string // Markdown
}

// Decision is a human's answer to an approval card.
type Decision struct {
	TicketID string
	Approve  bool
	Actor    string // platform user that clicked
	Channel  string // connector name
}

// Button action ids shared by all approval cards.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Outcome reports what a decision did. Changed is false when the ticket was
// no longer pending, e.g. a click on a stale card; Status is the ticket's
// status after the decision either way.
type Outcome struct {
	Changed bool
	Status  protocol.TicketStatus
}

// DecisionHandler applies an approval decision.
type DecisionHandler func(ctx context.Context, d Decision) (Outcome, error)

// FailureHandler processes a job failure received from an inbound webhook.
// It returns the id of the ticket the failure was attached to.
type FailureHandler func(ctx context.Context, ev protocol.FailureEvent) (string, error)

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) RequestApproval(ctx context.Context, req ApprovalRequest) error {
	var errs []error
	for _, n := range f {
		if err := n.RequestApproval(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Notify(ctx context.Context, msg Notice) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log. It is used when no chat
// connector is configured, leaving approvals to the REST API and CLI.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) RequestApproval(_ context.Context, req ApprovalRequest) error {
	l.logger().Info("approval requested",
		"ticket_id", req.TicketID,
		"pipeline", req.Pipeline,
		"action", req.Action,
		"risk", req.Risk,
	)
	return nil
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.logger().Info("ticket notice", "ticket_id", n.TicketID, "content", n.Content)
	return nil
}

func (l *LogNotifier) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
