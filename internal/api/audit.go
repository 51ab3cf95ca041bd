package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/nbe-bridge/internal/audit"
)

// auditChanSize is the buffer size for the async audit channel.
// Entries beyond this are dropped (best-effort) to avoid back-pressure on requests.
const auditChanSize = 256

// sourceAPI is the audited source of writes made through the API.
const sourceAPI = "api"

// auditLog enqueues a write for asynchronous recording (best-effort).
// If the channel is full the entry is dropped and a warning is logged.
func (s *Server) auditLog(resp WriteResponse) {
	if s.auditCh == nil || resp.Path == "" {
		return
	}

	entry := &audit.Command{
		Serial:  s.device.Serial(),
		Path:    resp.Path,
		Value:   resp.Value,
		Source:  sourceAPI,
		Outcome: resp.Status,
		Error:   resp.Error,
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit channel full, dropping entry", "path", resp.Path)
	}
}

// drainAuditLog writes queued entries serially until ctx is cancelled, then
// drains what is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	defer close(s.drained)
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.Command) {
	if err := s.auditRepo.Record(context.Background(), entry); err != nil {
		s.logger.Error("audit write failed",
			"path", entry.Path,
			"outcome", string(entry.Outcome),
			"error", err,
		)
	}
}

// handleListCommands returns paginated audited commands, most recent first.
//
// Query parameters:
//   - path: filter by register path
//   - outcome: accepted, unconfirmed, failed, rejected
//   - source: api, mqtt
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeUnavailable(w, "command audit not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Path:    q.Get("path"),
		Outcome: audit.Outcome(q.Get("outcome")),
		Source:  q.Get("source"),
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

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
