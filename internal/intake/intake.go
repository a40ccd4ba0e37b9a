// Package intake turns job failure reports into remediation tickets.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/remedy/internal/classify"
	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/internal/lock"
	"github.com/h1v3-io/remedy/internal/metrics"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Requester asks a human to approve a remediable ticket.
type Requester interface {
	Request(ctx context.Context, id string) (bool, error)
}

// Intake opens tickets for failures. A failure for a job that already has an
// active ticket is attached to that ticket instead of opening a new one, so
// failures raised by remediation runs never start a second workflow.
type Intake struct {
	store      ticket.Store
	classifier *classify.Classifier
	approvals  Requester
	notifier   connector.Notifier
	jobs       lock.Locker
	logger     *slog.Logger
}

// New creates an intake. classifier may be nil for the default rules and
// locker nil for an in-process lock; pass the shared locker when several
// instances receive failures.
func New(store ticket.Store, classifier *classify.Classifier, approvals Requester, notifier connector.Notifier, locker lock.Locker, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = classify.New()
	}
	if notifier == nil {
		notifier = &connector.LogNotifier{Logger: logger}
	}
	if locker == nil {
		locker = lock.NewKeyed()
	}
	return &Intake{
		store:      store,
		classifier: classifier,
		approvals:  approvals,
		notifier:   notifier,
		jobs:       locker,
		logger:     logger.With("component", "intake"),
	}
}

// Handle records a failure and returns the id of the ticket it belongs to.
// It satisfies connector.FailureHandler.
func (in *Intake) Handle(ctx context.Context, ev protocol.FailureEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("intake: invalid failure event: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	release, err := lock.Acquire(ctx, in.jobs, lock.JobKey(ev.JobName), 0)
	if err != nil {
		return "", fmt.Errorf("intake: lock job %s: %w", ev.JobName, err)
	}
	defer release()

	active, err := in.store.ActiveForJob(ev.JobName)
	switch {
	case err == nil:
		metrics.DuplicateFailures.Inc()
		in.record(active.ID, protocol.EventDuplicateFailure, signature(ev))
		in.logger.Info("failure attached to active ticket",
			"ticket_id", active.ID,
			"job", ev.JobName,
			"status", active.Status,
		)
		return active.ID, nil
	case !errors.Is(err, ticket.ErrNotFound):
		return "", fmt.Errorf("intake: %w", err)
	}

	verdict := in.classifier.Classify(classify.Signature{ErrorType: ev.ErrorType, Message: ev.ErrorMessage})
	t := &protocol.Ticket{
		ID:               uuid.NewString(),
		JobName:          ev.JobName,
		ErrorType:        ev.ErrorType,
		ErrorMessage:     ev.ErrorMessage,
		Category:         verdict.Category,
		IsAutoRemediable: verdict.IsAutoRemediable,
		Action:           verdict.Action,
		Risk:             verdict.Risk,
		Status:           protocol.TicketOpen,
		FailedAt:         ev.Timestamp.UTC(),
	}
	if err := in.store.Create(t); err != nil {
		return "", fmt.Errorf("intake: %w", err)
	}

	category := verdict.Category
	if category == "" {
		category = "unknown"
	}
	metrics.TicketsCreated.WithLabelValues(category).Inc()
	in.record(t.ID, protocol.EventCreated, signature(ev))
	in.logger.Info("ticket opened",
		"ticket_id", t.ID,
		"job", t.JobName,
		"category", category,
		"remediable", t.IsAutoRemediable,
		"action", t.Action,
		"risk", t.Risk,
	)

	if !t.IsAutoRemediable {
		notice := connector.Notice{
			TicketID: t.ID,
			Content: fmt.Sprintf("⚠️ **%s** failed with an unrecognised error; manual investigation needed.\n`%s`",
				t.JobName, signature(ev)),
		}
		if err := in.notifier.Notify(ctx, notice); err != nil {
			in.logger.Warn("notification failed", "ticket_id", t.ID, "error", err)
		}
		return t.ID, nil
	}

	if in.approvals != nil {
		if _, err := in.approvals.Request(ctx, t.ID); err != nil {
			// The ticket exists; approval can still be given through the API.
			in.logger.Error("approval request failed", "ticket_id", t.ID, "error", err)
		}
	}
	return t.ID, nil
}

func (in *Intake) record(id string, kind protocol.EventKind, detail string) {
	if err := ticket.Record(in.store, id, kind, detail); err != nil {
		in.logger.Warn("failed to record event", "ticket_id", id, "kind", kind, "error", err)
	}
}

func signature(ev protocol.FailureEvent) string {
	switch {
	case ev.ErrorType == "":
		return ev.ErrorMessage
	case ev.ErrorMessage == "":
		return ev.ErrorType
	default:
		return ev.ErrorType + ": " + ev.ErrorMessage
	}
}
