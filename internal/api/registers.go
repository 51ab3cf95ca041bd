package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// SnapshotResponse is the body of GET /api/v1/registers.
type SnapshotResponse struct {
	Serial    string           `json:"serial"`
	Version   uint64           `json:"version"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
	Count     int              `json:"count"`
	Values    registers.Values `json:"values"`
}

// RegisterResponse is the body of GET /api/v1/registers/{path}.
type RegisterResponse struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// WriteResponse reports the outcome of a register write.
type WriteResponse struct {
	Path    string        `json:"path"`
	Value   string        `json:"value"`
	Status  audit.Outcome `json:"status"`
	Error   string        `json:"error,omitempty"`
	Control string        `json:"control,omitempty"`
}

// handleGetSnapshot returns every cached register.
//
// Query parameters:
//   - prefix: only registers under this path prefix (e.g. "operating_data/")
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Snapshot()

	values := snap.Values()
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		values = snap.Group(prefix)
	}

	resp := SnapshotResponse{
		Serial:  s.device.Serial(),
		Version: snap.Version(),
		Count:   len(values),
		Values:  values,
	}
	if t := snap.UpdatedAt(); !t.IsZero() {
		resp.UpdatedAt = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRegister returns one cached register.
func (s *Server) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	value, ok := s.cache.Get(path)
	if !ok {
		writeNotFound(w, "register not found: "+path)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{Path: path, Value: value})
}

// setRegisterRequest is the body of PUT /api/v1/registers/{path}.
type setRegisterRequest struct {
	Value *string `json:"value"`
}

// handleSetRegister writes one raw register.
func (s *Server) handleSetRegister(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")

	var req setRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	res := s.controls.Write(r.Context(), path, *req.Value)
	resp := WriteResponse{Path: path, Value: *req.Value, Status: audit.OutcomeOf(res)}
	if res.Err() != nil {
		resp.Error = res.Err().Error()
	}
	s.auditLog(resp)

	if errors.Is(res.Err(), nbe.ErrInvalidPath) || errors.Is(res.Err(), nbe.ErrInvalidValue) {
		writeValidationError(w, resp.Error)
		return
	}
	writeJSON(w, writeStatus(resp.Status), resp)
}

// writeStatus maps a write outcome to an HTTP status.
func writeStatus(outcome audit.Outcome) int {
	switch outcome {
	case audit.OutcomeAccepted:
		return http.StatusOK
	case audit.OutcomeUnconfirmed:
		return http.StatusAccepted
	case audit.OutcomeRejected:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
