// Package retry re-runs failed jobs for approved tickets, spacing attempts by
// a cooldown and marking the ticket exhausted once the retry budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/internal/lock"
	"github.com/h1v3-io/remedy/internal/metrics"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

const (
	DefaultMaxRetries     = 3
	DefaultCooldown       = 5 * time.Minute
	DefaultAttemptTimeout = 30 * time.Minute
)

// ErrBusy is returned by Attempt when another worker holds the ticket.
var ErrBusy = errors.New("ticket is being retried elsewhere")

// Runner re-invokes a job with the given remediation action.
type Runner interface {
	Run(ctx context.Context, job string, action protocol.Action) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job string, action protocol.Action) error

func (f RunnerFunc) Run(ctx context.Context, job string, action protocol.Action) error {
	return f(ctx, job, action)
}

// Config controls the retry budget and pacing.
type Config struct {
	MaxRetries     int
	Cooldown       time.Duration
	AttemptTimeout time.Duration
	Now            func() time.Time // defaults to time.Now
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Orchestrator drives tickets in the retrying state.
type Orchestrator struct {
	store    ticket.Store
	runner   Runner
	locker   lock.Locker
	notifier connector.Notifier
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex // guards stopped and wg.Add against Stop
	stopped bool
}

// New creates an orchestrator. notifier may be nil.
func New(store ticket.Store, runner Runner, locker lock.Locker, notifier connector.Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewKeyed()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		runner:   runner,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "retry"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Begin dispatches an immediate attempt for a freshly approved ticket. It
// returns without waiting for the job.
func (o *Orchestrator) Begin(_ context.Context, id string) {
	o.dispatch(id)
}

// Tick dispatches every retrying ticket whose cooldown has elapsed, one
// goroutine per ticket. It returns the number of tickets dispatched.
func (o *Orchestrator) Tick(_ context.Context) (int, error) {
	status := protocol.TicketRetrying
	now := o.cfg.Now().UTC()
	due, err := o.store.List(ticket.Filter{Status: &status, DueBefore: &now})
	if err != nil {
		return 0, fmt.Errorf("retry: list due tickets: %w", err)
	}
	for _, t := range due {
		o.dispatch(t.ID)
	}
	if len(due) > 0 {
		o.logger.Debug("retry tick", "dispatched", len(due))
	}
	return len(due), nil
}

func (o *Orchestrator) dispatch(id string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.logger.Debug("orchestrator stopped, attempt not dispatched", "ticket_id", id)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("retry attempt panicked", "ticket_id", id, "panic", r)
			}
		}()
		if err := o.Attempt(o.ctx, id); err != nil && !errors.Is(err, ErrBusy) {
			o.logger.Error("retry attempt failed", "ticket_id", id, "error", err)
		}
	}()
}

// Attempt runs one remediation attempt for a ticket. It is a no-op when the
// ticket is not retrying or its cooldown has not elapsed, and returns ErrBusy
// when the ticket lock is held by another attempt.
func (o *Orchestrator) Attempt(ctx context.Context, id string) error {
	unlock, ok, err := o.locker.TryLock(ctx, lock.TicketKey(id))
	if err != nil {
		return fmt.Errorf("retry: lock %s: %w", id, err)
	}
	if !ok {
		o.logger.Debug("ticket locked, skipping attempt", "ticket_id", id)
		return ErrBusy
	}
	defer unlock()

	t, err := o.store.Get(id)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if !o.due(t) {
		return nil
	}

	attempt := t.RetryCount + 1
	o.record(id, protocol.EventAttemptStarted, fmt.Sprintf("attempt %d/%d: %s", attempt, o.cfg.MaxRetries, t.Action))
	o.logger.Info("remediation attempt started",
		"ticket_id", id,
		"job", t.JobName,
		"action", t.Action,
		"attempt", attempt,
	)

	runErr := o.run(ctx, t)

	if ctx.Err() != nil && runErr != nil {
		// Shutdown interrupted the run; leave the ticket for the next tick.
		return ctx.Err()
	}

	now := o.cfg.Now().UTC()
	updated, changed, err := o.store.Update(id, func(cur *protocol.Ticket) (bool, error) {
		if cur.Status != protocol.TicketRetrying {
			return false, nil
		}
		if runErr == nil {
			cur.Status = protocol.TicketResolved
			cur.Resolution = protocol.ResolutionSucceeded
			cur.NextAttemptAt = nil
			return true, nil
		}
		if cur.RetryCount < o.cfg.MaxRetries {
			cur.RetryCount++
		}
		if cur.RetryCount >= o.cfg.MaxRetries {
			cur.Status = protocol.TicketExhausted
			cur.NextAttemptAt = nil
			if cur.RemediationExhaustedAt == nil {
				stamp := now
				cur.RemediationExhaustedAt = &stamp
			}
			return true, nil
		}
		next := now.Add(o.cfg.Cooldown)
		cur.NextAttemptAt = &next
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("retry: record attempt: %w", err)
	}
	if !changed {
		return nil
	}

	switch updated.Status {
	case protocol.TicketResolved:
		metrics.Attempts.WithLabelValues(string(t.Action), "succeeded").Inc()
		o.record(id, protocol.EventResolved, fmt.Sprintf("succeeded on attempt %d", attempt))
		o.logger.Info("ticket resolved", "ticket_id", id, "job", t.JobName, "attempt", attempt)
		o.notify(ctx, id, fmt.Sprintf("✅ **%s** recovered after %s (attempt %d).", t.JobName, t.Action, attempt))

	case protocol.TicketExhausted:
		metrics.Attempts.WithLabelValues(string(t.Action), "failed").Inc()
		metrics.TicketsExhausted.Inc()
		o.record(id, protocol.EventAttemptFailed, runErr.Error())
		o.record(id, protocol.EventExhausted, fmt.Sprintf("retry budget of %d spent", o.cfg.MaxRetries))
		o.logger.Warn("remediation exhausted",
			"ticket_id", id,
			"job", t.JobName,
			"retry_count", updated.RetryCount,
			"error", runErr,
		)
		o.notify(ctx, id, fmt.Sprintf("🛑 **%s** still failing after %d retries; manual intervention needed.\n`%s`",
			t.JobName, updated.RetryCount, runErr.Error()))

	default:
		metrics.Attempts.WithLabelValues(string(t.Action), "failed").Inc()
		o.record(id, protocol.EventAttemptFailed, runErr.Error())
		o.logger.Warn("remediation attempt failed",
			"ticket_id", id,
			"job", t.JobName,
			"retry_count", updated.RetryCount,
			"next_attempt_at", updated.NextAttemptAt,
			"error", runErr,
		)
	}
	return nil
}

func (o *Orchestrator) due(t *protocol.Ticket) bool {
	if t.Status != protocol.TicketRetrying {
		return false
	}
	return t.NextAttemptAt == nil || !t.NextAttemptAt.After(o.cfg.Now())
}

func (o *Orchestrator) run(ctx context.Context, t *protocol.Ticket) error {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	metrics.AttemptsInFlight.Inc()
	defer metrics.AttemptsInFlight.Dec()

	start := time.Now()
	err := o.runner.Run(runCtx, t.JobName, t.Action)
	metrics.AttemptDuration.WithLabelValues(string(t.Action)).Observe(time.Since(start).Seconds())
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return err
}

func (o *Orchestrator) record(id string, kind protocol.EventKind, detail string) {
	if err := ticket.Record(o.store, id, kind, detail); err != nil {
		o.logger.Warn("failed to record event", "ticket_id", id, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, id, content string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, connector.Notice{TicketID: id, Content: content}); err != nil {
		o.logger.Warn("notification failed", "ticket_id", id, "error", err)
	}
}

// Wait blocks until all dispatched attempts have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Stop cancels in-flight attempts and waits for them to return. Begin and
// Tick calls after Stop dispatch nothing.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}
