package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/h1v3-io/remedy/internal/connector"
	"github.com/h1v3-io/remedy/pkg/protocol"
)

// Config holds webhook connector configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings.
	// e.g., {"databricks": {"secret": "whsec_abc123"}, "logicapp": {"bearer_token": "xyz"}}
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
}

// FailurePayload is the expected JSON body for failure webhooks.
type FailurePayload struct {
	JobName      string `json:"job_name"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// timestampLayouts are tried in order; job runners are not consistent about zones.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// Handler provides HTTP handlers for webhook endpoints.
type Handler struct {
	config  Config
	handler connector.FailureHandler
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new webhook handler.
func New(cfg Config, handler connector.FailureHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		handler: handler,
		logger:  logger,
		now:     time.Now,
	}
}

// ServeHTTP handles webhook requests at /api/webhook/{endpoint}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	if name == "" || name == "webhook" {
		http.Error(w, "missing endpoint name in path", http.StatusBadRequest)
		return
	}

	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload FailurePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	ev, err := h.toEvent(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ticketID, err := h.handler(r.Context(), ev)
	if err != nil {
		h.logger.Error("webhook handler error",
			"endpoint", name,
			"job", ev.JobName,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("failure received", "endpoint", name, "job", ev.JobName, "ticket_id", ticketID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "ticket_id": ticketID})
}

func (h *Handler) toEvent(p FailurePayload) (protocol.FailureEvent, error) {
	ev := protocol.FailureEvent{
		JobName:      strings.TrimSpace(p.JobName),
		ErrorType:    strings.TrimSpace(p.ErrorType),
		ErrorMessage: p.ErrorMessage,
		Timestamp:    h.now(),
	}
	if p.Timestamp != "" {
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return ev, err
		}
		ev.Timestamp = ts
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func (h *Handler) authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	// HMAC signature verification
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		return hmac.Equal([]byte(auth), []byte("Bearer "+endpoint.BearerToken))
	}

	// No auth configured: allowed for local testing.
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature.
// Signature format: "sha256=<hex>"
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for clients posting to the webhook.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
