package ticket

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/remedy/internal/lock"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

// timeFormat is fixed-width so TEXT comparison in SQL orders chronologically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

const ticketColumns = `id, job_name, error_type, error_message, category, is_auto_remediable, action, risk,
	status, resolution, retry_count, approved_by, failed_at, created_at, updated_at,
	next_attempt_at, remediation_exhausted_at`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *lock.Keyed
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ticket store: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	// One connection keeps SQLite writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, locks: lock.NewKeyed()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id                 TEXT PRIMARY KEY,
			job_name           TEXT NOT NULL,
			error_type         TEXT NOT NULL DEFAULT '',
			error_message      TEXT NOT NULL DEFAULT '',
			category           TEXT NOT NULL DEFAULT '',
			is_auto_remediable INTEGER NOT NULL DEFAULT 0,
			action             TEXT NOT NULL DEFAULT 'none',
			risk               TEXT NOT NULL DEFAULT 'high',
			status             TEXT NOT NULL DEFAULT 'open',
			retry_count        INTEGER NOT NULL DEFAULT 0,
			failed_at          TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticket_events (
			id        TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL REFERENCES tickets(id),
			kind      TEXT NOT NULL,
			detail    TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_ticket ON ticket_events(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_job ON tickets(job_name);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}

	// Columns added after the first schema; existing databases pick them up here.
	for _, c := range []Column{
		{Name: "resolution", Type: "TEXT NOT NULL DEFAULT ''"},
		{Name: "approved_by", Type: "TEXT NOT NULL DEFAULT ''"},
		{Name: "next_attempt_at", Type: "TEXT"},
		{Name: ExhaustedColumn, Type: "TEXT"},
	} {
		if _, err := ensureColumn(s.db, "tickets", c.Name, c.Type); err != nil {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(t *protocol.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket store: create: id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if err := checkInvariants(nil, t); err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}

	_, err := s.db.Exec(`INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, ticketArgs(t)...)
	if err != nil {
		return fmt.Errorf("ticket store: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) List(filter Filter) ([]*protocol.Ticket, error) {
	where, args := filterClause(filter)
	query := "SELECT " + ticketColumns + " FROM tickets" + where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tickets"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ActiveForJob(jobName string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets
		WHERE job_name = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		jobName, string(protocol.TicketResolved), string(protocol.TicketExhausted))
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active ticket for job %q: %w", jobName, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: active for job: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) Update(id string, fn UpdateFunc) (*protocol.Ticket, bool, error) {
	release := s.locks.Lock(id)
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("ticket store: update begin: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanTicket(tx.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, false, fmt.Errorf("ticket store: update load: %w", err)
	}

	next := *prev
	changed, err := fn(&next)
	if err != nil {
		return prev, false, err
	}
	if !changed {
		return prev, false, nil
	}

	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	if err := checkInvariants(prev, &next); err != nil {
		return prev, false, fmt.Errorf("ticket store: update %s: %w", id, err)
	}

	args := ticketArgs(&next)
	_, err = tx.Exec(`UPDATE tickets SET
			job_name = ?, error_type = ?, error_message = ?, category = ?, is_auto_remediable = ?,
			action = ?, risk = ?, status = ?, resolution = ?, retry_count = ?, approved_by = ?,
			failed_at = ?, created_at = ?, updated_at = ?, next_attempt_at = ?, remediation_exhausted_at = ?
		WHERE id = ?`, append(args[1:], next.ID)...)
	if err != nil {
		return prev, false, fmt.Errorf("ticket store: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return prev, false, fmt.Errorf("ticket store: update commit: %w", err)
	}
	return &next, true, nil
}

func (s *SQLiteStore) AppendEvent(ev protocol.TicketEvent) error {
	_, err := s.db.Exec(`INSERT INTO ticket_events (id, ticket_id, kind, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.TicketID, string(ev.Kind), ev.Detail, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("ticket store: append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ticketID string) ([]protocol.TicketEvent, error) {
	rows, err := s.db.Query(`SELECT id, kind, detail, timestamp FROM ticket_events
		WHERE ticket_id = ? ORDER BY timestamp, rowid`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: events: %w", err)
	}
	defer rows.Close()

	var events []protocol.TicketEvent
	for rows.Next() {
		var ev protocol.TicketEvent
		var kind, ts string
		if err := rows.Scan(&ev.ID, &kind, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("ticket store: scan event: %w", err)
		}
		ev.TicketID = ticketID
		ev.Kind = protocol.EventKind(kind)
		ev.Timestamp = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

// checkInvariants rejects writes that would break the exhaustion contract.
// prev is nil on create.
func checkInvariants(prev, next *protocol.Ticket) error {
	if !next.Status.Valid() {
		return fmt.Errorf("invalid status %q", next.Status)
	}
	if next.RetryCount < 0 {
		return fmt.Errorf("negative retry_count %d", next.RetryCount)
	}
	exhausted := next.Status == protocol.TicketExhausted
	if exhausted != (next.RemediationExhaustedAt != nil) {
		return fmt.Errorf("remediation_exhausted_at must be set iff status is %s", protocol.TicketExhausted)
	}
	if prev == nil {
		return nil
	}
	if prev.Status.Terminal() && next.Status != prev.Status {
		return fmt.Errorf("ticket is %s", prev.Status)
	}
	if next.RetryCount < prev.RetryCount {
		return fmt.Errorf("retry_count decreased from %d to %d", prev.RetryCount, next.RetryCount)
	}
	if prev.RemediationExhaustedAt != nil && !prev.RemediationExhaustedAt.Equal(*next.RemediationExhaustedAt) {
		return fmt.Errorf("remediation_exhausted_at already set")
	}
	return nil
}

func filterClause(filter Filter) (string, []any) {
	var conds []string
	var args []any

	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.DueBefore != nil {
		conds = append(conds, "(next_attempt_at IS NULL OR next_attempt_at <= ?)")
		args = append(args, formatTime(*filter.DueBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func ticketArgs(t *protocol.Ticket) []any {
	return []any{
		t.ID, t.JobName, t.ErrorType, t.ErrorMessage, t.Category, t.IsAutoRemediable,
		string(t.Action), string(t.Risk), string(t.Status), string(t.Resolution), t.RetryCount, t.ApprovedBy,
		formatTime(t.FailedAt), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.NextAttemptAt), formatTimePtr(t.RemediationExhaustedAt),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var action, risk, status, resolution string
	var failedAt, createdAt, updatedAt string
	var nextAttemptAt, exhaustedAt *string

	err := s.Scan(&t.ID, &t.JobName, &t.ErrorType, &t.ErrorMessage, &t.Category, &t.IsAutoRemediable,
		&action, &risk, &status, &resolution, &t.RetryCount, &t.ApprovedBy,
		&failedAt, &createdAt, &updatedAt, &nextAttemptAt, &exhaustedAt)
	if err != nil {
		return nil, err
	}

	t.Action = protocol.Action(action)
	t.Risk = protocol.Risk(risk)
	t.Status = protocol.TicketStatus(status)
	t.Resolution = protocol.Resolution(resolution)
	t.FailedAt = parseTime(failedAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.NextAttemptAt = parseTimePtr(nextAttemptAt)
	t.RemediationExhaustedAt = parseTimePtr(exhaustedAt)
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

// parseTime accepts both the store's own format and plain RFC3339 written by older tools.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}
