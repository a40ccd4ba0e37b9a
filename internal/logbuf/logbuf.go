// Package logbuf keeps recent log records in memory for the /api/logs endpoint.
package logbuf

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single log entry captured from slog.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries from the buffer. The zero Filter matches INFO and above.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	TicketID  string // matches the ticket_id attribute
	Component string // matches the component attribute
	Limit     int    // keep only the newest Limit entries
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a new ring buffer that holds up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry to the ring buffer.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Entry

	start := 0
	if b.count == b.size {
		start = b.pos // oldest entry when buffer is full
	}

	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if f.matches(e) {
			result = append(result, e)
		}
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

func (f Filter) matches(e Entry) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if ParseLevel(e.Level) < f.MinLevel {
		return false
	}
	if f.TicketID != "" && attrString(e, "ticket_id") != f.TicketID {
		return false
	}
	if f.Component != "" && attrString(e, "component") != f.Component {
		return false
	}
	return true
}

func attrString(e Entry, key string) string {
	v, ok := e.Attrs[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ParseLevel converts a level name ("debug", "WARN", "INFO+2") to slog.Level.
// Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
