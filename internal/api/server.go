package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/remedy/internal/logbuf"
	"github.com/h1v3-io/remedy/internal/ticket"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// TicketReader is the read side of the ticket store.
type TicketReader interface {
	Get(id string) (*protocol.Ticket, error)
	List(filter ticket.Filter) ([]*protocol.Ticket, error)
	Count(filter ticket.Filter) (int, error)
	Events(ticketID string) ([]protocol.TicketEvent, error)
}

// Decider applies approval decisions. The approval gate implements it.
type Decider interface {
	Approve(ctx context.Context, id, actor string) (bool, error)
	Reject(ctx context.Context, id, actor string) (bool, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the remedy REST API server.
type Server struct {
	tickets TicketReader
	decider Decider
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	mux     *http.ServeMux
	srv     *http.Server
	started time.Time
}

// NewServer creates a new API server. logs may be nil.
func NewServer(tickets TicketReader, decider Decider, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tickets: tickets,
		decider: decider,
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		logs:    logs,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	s.mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	s.mux.HandleFunc("GET /api/tickets/{id}/events", s.requireAuth(s.handleTicketEvents))
	s.mux.HandleFunc("POST /api/tickets/{id}/approve", s.requireAuth(s.handleDecision(true)))
	s.mux.HandleFunc("POST /api/tickets/{id}/reject", s.requireAuth(s.handleDecision(false)))
	s.mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts an extra handler, e.g. the failure webhook, which does its
// own authentication.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

type healthResponse struct {
	Status  string         `json:"status"`
	Uptime  string         `json:"uptime"`
	Tickets map[string]int `json:"tickets,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	counts := make(map[string]int)
	for _, st := range []protocol.TicketStatus{
		protocol.TicketOpen, protocol.TicketPendingApproval, protocol.TicketRetrying,
		protocol.TicketResolved, protocol.TicketExhausted,
	} {
		st := st
		n, err := s.tickets.Count(ticket.Filter{Status: &st})
		if err != nil {
			s.logger.Error("health: count tickets", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Uptime: resp.Uptime})
			return
		}
		counts[string(st)] = n
	}
	resp.Tickets = counts
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := ticket.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := protocol.TicketStatus(status)
		if !ts.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", status)})
			return
		}
		filter.Status = &ts
	}
	filter.JobName = r.URL.Query().Get("job")
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.tickets.List(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.tickets.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tickets.Get(id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.tickets.Events(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []protocol.TicketEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type decisionRequest struct {
	Actor string `json:"actor"`
}

type decisionResponse struct {
	Changed bool             `json:"changed"`
	Ticket  *protocol.Ticket `json:"ticket"`
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		actor := "api"
		if req.Actor != "" {
			actor = "api:" + req.Actor
		}

		var changed bool
		var err error
		if approve {
			changed, err = s.decider.Approve(r.Context(), id, actor)
		} else {
			changed, err = s.decider.Reject(r.Context(), id, actor)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		t, err := s.tickets.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, decisionResponse{Changed: changed, Ticket: t})
	}
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		TicketID:  q.Get("ticket_id"),
		Component: q.Get("component"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ticket.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
