package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pcbuilderai/frontdoor/frontdoor/audit"
	"github.com/pcbuilderai/frontdoor/frontdoor/processes"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// StatusProvider reports the state of supervised children.
type StatusProvider interface {
	Status() []processes.ProcessInfo
}

// EventSource returns recent audit events.
type EventSource interface {
	GetRecentEvents(limit int) ([]audit.Event, error)
}

// StatusResponse is the body of GET /internal/status.
type StatusResponse struct {
	StartedAt     time.Time               `json:"started_at"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Children      []processes.ProcessInfo `json:"children"`
}

// EventsResponse is the body of GET /internal/events.
type EventsResponse struct {
	Events []audit.Event `json:"events"`
}

// Mux is satisfied by *http.ServeMux and *proxy.Proxy.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	status    StatusProvider
	events    EventSource
	logger    *slog.Logger
	startedAt time.Time
}

// NewAdminHandler creates a new AdminHandler. events may be nil when auditing is disabled.
func NewAdminHandler(status StatusProvider, events EventSource, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		status:    status,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// HandleStatus handles GET /internal/status.
func (h *AdminHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		StartedAt:     h.startedAt.UTC(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Children:      h.status.Status(),
	})
}

// HandleEvents handles GET /internal/events?limit=N.
func (h *AdminHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "Audit log is disabled", http.StatusNotFound)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.events.GetRecentEvents(limit)
	if err != nil {
		h.logger.Error("Failed to read audit events", "error", err)
		http.Error(w, "Failed to read audit events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// Register mounts the endpoints on mux behind the operator token check.
func (h *AdminHandler) Register(mux Mux, issuer *TokenIssuer) {
	guard := AdminRequired(issuer, h.logger)
	mux.Handle("GET /internal/status", guard(h.HandleStatus))
	mux.Handle("GET /internal/events", guard(h.HandleEvents))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
