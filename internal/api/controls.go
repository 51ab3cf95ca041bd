package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/controls"
)

// ControlsResponse is the body of GET /api/v1/controls.
type ControlsResponse struct {
	Device   controls.DeviceInfo `json:"device"`
	Controls []ControlView       `json:"controls"`
}

// ControlView combines a control's definition with its current state.
type ControlView struct {
	controls.Control
	State controls.State `json:"state"`
}

// handleListControls returns every control with its current state.
func (s *Server) handleListControls(w http.ResponseWriter, _ *http.Request) {
	defs := s.controls.List()
	views := make([]ControlView, 0, len(defs))
	for _, c := range defs {
		st, err := s.controls.State(c.ID)
		if err != nil {
			continue
		}
		views = append(views, ControlView{Control: c, State: st})
	}

	writeJSON(w, http.StatusOK, ControlsResponse{
		Device:   s.deviceInfo(),
		Controls: views,
	})
}

// handleGetControl returns one control with its current state.
func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.controls.Lookup(id)
	if !ok {
		writeNotFound(w, "control not found: "+id)
		return
	}
	st, err := s.controls.State(id)
	if err != nil {
		writeInternalError(w, "failed to evaluate control")
		return
	}
	writeJSON(w, http.StatusOK, ControlView{Control: c, State: st})
}

// handleExecuteControl operates a control.
//
// Request body: {"action": "set|turn_on|turn_off|press", "value": 65}
func (s *Server) handleExecuteControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var cmd controls.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if cmd.Action == "" && cmd.Value != nil {
		cmd.Action = controls.ActionSet
	}

	res, err := s.controls.Execute(r.Context(), id, cmd)
	switch {
	case errors.Is(err, controls.ErrUnknownControl):
		writeNotFound(w, err.Error())
		return
	case err != nil:
		writeValidationError(w, err.Error())
		return
	}

	resp := WriteResponse{
		Path:    res.Path,
		Value:   res.Value,
		Status:  audit.OutcomeOf(res),
		Control: id,
	}
	if res.Err() != nil {
		resp.Error = res.Err().Error()
	}
	s.auditLog(resp)
	writeJSON(w, writeStatus(resp.Status), resp)
}

func (s *Server) deviceInfo() controls.DeviceInfo {
	host, _, err := net.SplitHostPort(s.device.Address())
	if err != nil {
		host = s.device.Address()
	}
	return controls.NewDeviceInfo(s.device.Serial(), host)
}
