// Package approval holds remediable tickets until a human approves or rejects
// the proposed action.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/internal/metrics"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Handoff receives approved tickets. The retry orchestrator implements it.
type Handoff interface {
	Begin(ctx context.Context, id string)
}

// Config controls approval expiry.
type Config struct {
	// Timeout resolves tickets left pending longer than this. Zero disables expiry.
	Timeout time.Duration
	Now     func() time.Time
}

// Gate moves tickets through pending_approval.
type Gate struct {
	store    ticket.Store
	notifier connector.Notifier
	handoff  Handoff
	cfg      Config
	logger   *slog.Logger
}

// New creates an approval gate.
func New(store ticket.Store, notifier connector.Notifier, handoff Handoff, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = &connector.LogNotifier{Logger: logger}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		store:    store,
		notifier: notifier,
		handoff:  handoff,
		cfg:      cfg,
		logger:   logger.With("component", "approval"),
	}
}

// Request moves an open, remediable ticket to pending_approval and posts an
// approval card. It reports whether the ticket changed state.
func (g *Gate) Request(ctx context.Context, id string) (bool, error) {
	t, changed, err := g.store.Update(id, func(t *protocol.Ticket) (bool, error) {
		if t.Status != protocol.TicketOpen || !t.IsAutoRemediable {
			return false, nil
		}
		t.Status = protocol.TicketPendingApproval
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("approval: request %s: %w", id, err)
	}
	if !changed {
		return false, nil
	}

	g.record(id, protocol.EventApprovalRequested, fmt.Sprintf("%s (%s risk)", t.Action, t.Risk))
	g.logger.Info("approval requested", "ticket_id", id, "job", t.JobName, "action", t.Action, "risk", t.Risk)

	err = g.notifier.RequestApproval(ctx, connector.ApprovalRequest{
		TicketID: t.ID,
		Pipeline: t.JobName,
		Error:    errorText(t),
		Action:   t.Action,
		Risk:     t.Risk,
	})
	if err != nil {
		// The ticket stays pending; it can still be decided through the API.
		return true, fmt.Errorf("approval: post card for %s: %w", id, err)
	}
	return true, nil
}

// Approve moves a pending ticket to retrying and hands it to the orchestrator.
// Tickets in any other state are left untouched.
func (g *Gate) Approve(ctx context.Context, id, actor string) (bool, error) {
	_, changed, err := g.approve(ctx, id, actor)
	return changed, err
}

func (g *Gate) approve(ctx context.Context, id, actor string) (protocol.TicketStatus, bool, error) {
	t, changed, err := g.store.Update(id, func(t *protocol.Ticket) (bool, error) {
		if t.Status != protocol.TicketPendingApproval {
			return false, nil
		}
		t.Status = protocol.TicketRetrying
		t.ApprovedBy = actor
		t.NextAttemptAt = nil
		return true, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("approval: approve %s: %w", id, err)
	}
	if !changed {
		g.logger.Debug("approve ignored", "ticket_id", id, "status", t.Status)
		return t.Status, false, nil
	}

	metrics.ApprovalDecisions.WithLabelValues("approved").Inc()
	g.record(id, protocol.EventApproved, actor)
	g.logger.Info("remediation approved", "ticket_id", id, "job", t.JobName, "actor", actor)

	if g.handoff != nil {
		g.handoff.Begin(ctx, id)
	}
	return t.Status, true, nil
}

// Reject resolves a pending ticket without remediation.
// Tickets in any other state are left untouched.
func (g *Gate) Reject(ctx context.Context, id, actor string) (bool, error) {
	_, changed, err := g.reject(id, actor)
	return changed, err
}

func (g *Gate) reject(id, actor string) (protocol.TicketStatus, bool, error) {
	t, changed, err := g.store.Update(id, func(t *protocol.Ticket) (bool, error) {
		if t.Status != protocol.TicketPendingApproval {
			return false, nil
		}
		t.Status = protocol.TicketResolved
		t.Resolution = protocol.ResolutionRejected
		t.ApprovedBy = actor
		return true, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("approval: reject %s: %w", id, err)
	}
	if !changed {
		g.logger.Debug("reject ignored", "ticket_id", id, "status", t.Status)
		return t.Status, false, nil
	}

	metrics.ApprovalDecisions.WithLabelValues("rejected").Inc()
	g.record(id, protocol.EventRejected, actor)
	g.logger.Info("remediation rejected", "ticket_id", id, "job", t.JobName, "actor", actor)
	return t.Status, true, nil
}

// Decide applies a decision coming from a chat connector. The outcome tells
// the connector whether the decision took effect so a stale card is not
// announced as approved.
func (g *Gate) Decide(ctx context.Context, d connector.Decision) (connector.Outcome, error) {
	actor := d.Actor
	if d.Channel != "" {
		actor = d.Channel + ":" + d.Actor
	}
	var (
		status  protocol.TicketStatus
		changed bool
		err     error
	)
	if d.Approve {
		status, changed, err = g.approve(ctx, d.TicketID, actor)
	} else {
		status, changed, err = g.reject(d.TicketID, actor)
	}
	if err != nil {
		return connector.Outcome{}, err
	}
	return connector.Outcome{Changed: changed, Status: status}, nil
}

// ExpirePending resolves tickets that have waited for a decision longer than
// the configured timeout. It returns the number of tickets expired.
func (g *Gate) ExpirePending(ctx context.Context) (int, error) {
	if g.cfg.Timeout <= 0 {
		return 0, nil
	}

	status := protocol.TicketPendingApproval
	pending, err := g.store.List(ticket.Filter{Status: &status})
	if err != nil {
		return 0, fmt.Errorf("approval: list pending: %w", err)
	}

	cutoff := g.cfg.Now().Add(-g.cfg.Timeout)
	expired := 0
	for _, p := range pending {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		t, changed, err := g.store.Update(p.ID, func(t *protocol.Ticket) (bool, error) {
			if t.Status != protocol.TicketPendingApproval || t.UpdatedAt.After(cutoff) {
				return false, nil
			}
			t.Status = protocol.TicketResolved
			t.Resolution = protocol.ResolutionApprovalTimeout
			return true, nil
		})
		if err != nil {
			g.logger.Warn("approval expiry failed", "ticket_id", p.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		expired++
		metrics.ApprovalDecisions.WithLabelValues("expired").Inc()
		g.record(t.ID, protocol.EventApprovalExpired, fmt.Sprintf("no decision within %s", g.cfg.Timeout))
		g.logger.Warn("approval expired", "ticket_id", t.ID, "job", t.JobName)

		notice := connector.Notice{
			TicketID: t.ID,
			Content:  fmt.Sprintf("⏰ Approval for **%s** (%s) expired after %s; no action taken.", t.JobName, t.Action, g.cfg.Timeout),
		}
		if err := g.notifier.Notify(ctx, notice); err != nil {
			g.logger.Warn("notification failed", "ticket_id", t.ID, "error", err)
		}
	}
	return expired, nil
}

func (g *Gate) record(id string, kind protocol.EventKind, detail string) {
	if err := ticket.Record(g.store, id, kind, detail); err != nil {
		g.logger.Warn("failed to record event", "ticket_id", id, "kind", kind, "error", err)
	}
}

func errorText(t *protocol.Ticket) string {
	switch {
	case t.ErrorType == "":
		return t.ErrorMessage
	case t.ErrorMessage == "":
		return t.ErrorType
	default:
		return t.ErrorType + ": " + t.ErrorMessage
	}
}
