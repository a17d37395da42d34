package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/gray-logic-bus/internal/deadletter"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-bus/internal/messaging"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Site          string `json:"site"`
	Version       string `json:"version"`
	State         string `json:"state"`
	Connected     bool   `json:"connected"`
	Epoch         uint64 `json:"epoch"`
	Queue         string `json:"queue,omitempty"`
	Pending       int    `json:"pending"`
	Subscriptions int    `json:"subscriptions"`
	WSClients     int    `json:"ws_clients"`

	Database      *database.Status `json:"database,omitempty"`
	DatabaseError string           `json:"database_error,omitempty"`
}

// handleHealth reports 200 while the bus is connected and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"version": s.version,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStatus returns the bus connection and buffer state, plus the
// database schema and pool state when a store is configured.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := s.bus.State()
	resp := StatusResponse{
		Site:          s.site,
		Version:       s.version,
		State:         state.String(),
		Connected:     state == messaging.StateConnected,
		Epoch:         s.bus.Epoch(),
		Queue:         s.bus.Queue(),
		Pending:       s.bus.Pending(),
		Subscriptions: s.bus.SubscriptionCount(),
	}
	if s.hub != nil {
		resp.WSClients = s.hub.ClientCount()
	}
	if s.store != nil {
		st, err := s.store.Status(r.Context())
		if err != nil {
			s.logger.Warn("database status unavailable", "error", err)
			resp.DatabaseError = err.Error()
		} else {
			resp.Database = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListDeadLetters returns paginated dead-letter entries with optional filters.
//
// Query parameters:
//   - kind: malformed or handler_fault
//   - name: exact message name
//   - since: RFC 3339 timestamp, entries at or after it
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeUnavailable(w, "dead-letter journal not configured")
		return
	}

	q := r.URL.Query()
	filter := deadletter.Filter{
		Kind: deadletter.Kind(q.Get("kind")),
		Name: q.Get("name"),
	}

	switch filter.Kind {
	case "", deadletter.KindMalformed, deadletter.KindHandlerFault:
	default:
		writeBadRequest(w, "kind must be malformed or handler_fault")
		return
	}

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.deadLetters.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list dead letters", "error", err)
		writeInternalError(w, "failed to list dead letters")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handlePurgeDeadLetters deletes entries older than the required "before"
// query parameter (RFC 3339).
func (s *Server) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadLetters == nil {
		writeUnavailable(w, "dead-letter journal not configured")
		return
	}

	v := r.URL.Query().Get("before")
	if v == "" {
		writeBadRequest(w, "before is required")
		return
	}
	before, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeBadRequest(w, "before must be an RFC 3339 timestamp")
		return
	}

	n, err := s.deadLetters.Purge(r.Context(), before)
	if err != nil {
		s.logger.Error("failed to purge dead letters", "error", err)
		writeInternalError(w, "failed to purge dead letters")
		return
	}

	s.logger.Info("dead letters purged via API", "count", n, "before", before)
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}
