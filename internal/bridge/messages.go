package bridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/controls"
	"github.com/nerrad567/nbe-bridge/internal/poller"
	"github.com/nerrad567/nbe-bridge/internal/registers"
)

// CommandMessage is a write request received on nbe/{serial}/command.
//
// Exactly one of Path and Control must be set. A raw write names a register
// path and carries its value. A control write names a control ID and carries
// an action, with Value for numbers; the action defaults to "set" when a
// value is given.
//
//	{"id": "c1", "path": "settings/boiler/temp", "value": "65"}
//	{"id": "c2", "control": "boiler_power", "action": "turn_off"}
//	{"id": "c3", "control": "boiler_target", "value": 70}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Path    string `json:"path,omitempty"`
	Control string `json:"control,omitempty"`
	Action  string `json:"action,omitempty"`

	// Value is a string or a number (booleans become "1" and "0").
	Value any `json:"value,omitempty"`

	// Source overrides the audited source. Default: "mqtt".
	Source string `json:"source,omitempty"`
}

// rawValue renders Value for a register write.
func (m CommandMessage) rawValue() (string, error) {
	switch v := m.Value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case nil:
		return "", fmt.Errorf("%w: value is required", nbe.ErrInvalidValue)
	default:
		return "", fmt.Errorf("%w: unsupported value type %T", nbe.ErrInvalidValue, v)
	}
}

// controlCommand builds the controls command for a control write.
func (m CommandMessage) controlCommand() (controls.Command, error) {
	cmd := controls.Command{Action: controls.Action(m.Action)}

	switch v := m.Value.(type) {
	case nil:
	case float64:
		cmd.Value = &v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cmd, fmt.Errorf("%w: %q is not a number", controls.ErrOutOfRange, v)
		}
		cmd.Value = &f
	default:
		return cmd, fmt.Errorf("%w: unsupported value type %T", controls.ErrInvalidAction, v)
	}

	if cmd.Action == "" && cmd.Value != nil {
		cmd.Action = controls.ActionSet
	}
	return cmd, nil
}

// ParseCommand decodes and validates a command payload.
func ParseCommand(payload []byte) (CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	switch {
	case msg.Path == "" && msg.Control == "":
		return msg, fmt.Errorf("%w: path or control is required", ErrInvalidCommand)
	case msg.Path != "" && msg.Control != "":
		return msg, fmt.Errorf("%w: path and control are mutually exclusive", ErrInvalidCommand)
	}
	return msg, nil
}

// AckMessage is published on nbe/{serial}/ack after every command.
type AckMessage struct {
	CommandID string        `json:"command_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Serial    string        `json:"serial"`
	Status    audit.Outcome `json:"status"`
	Path      string        `json:"path,omitempty"`
	Value     string        `json:"value,omitempty"`
	Control   string        `json:"control,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SnapshotMessage is the retained document on nbe/{serial}/snapshot.
type SnapshotMessage struct {
	Serial    string           `json:"serial"`
	Version   uint64           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Values    registers.Values `json:"values"`
}

// NewSnapshotMessage builds the snapshot document for snap.
func NewSnapshotMessage(serial string, snap *registers.Snapshot) SnapshotMessage {
	return SnapshotMessage{
		Serial:    serial,
		Version:   snap.Version(),
		Timestamp: snap.UpdatedAt().UTC(),
		Values:    snap.Values(),
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthStarting is published once while the bridge starts.
	HealthStarting HealthStatus = "starting"

	// HealthHealthy means the controller answers and the data is fresh.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the controller is unreachable or the data is stale.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy means the bridge cannot recover without intervention,
	// for example after the controller rejected the password.
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthStopping is published during graceful shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained document on nbe/{serial}/health.
type HealthMessage struct {
	Serial        string        `json:"serial"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        HealthStatus  `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Session       *SessionInfo  `json:"session,omitempty"`
	Poll          poller.Status `json:"poll"`
	Registers     int           `json:"registers"`
}

// SessionInfo reports the controller session.
type SessionInfo struct {
	Address      string    `json:"address"`
	State        string    `json:"state"`
	Requests     uint64    `json:"requests"`
	Timeouts     uint64    `json:"timeouts"`
	Errors       uint64    `json:"errors"`
	SoftWrites   uint64    `json:"soft_writes"`
	Connects     uint64    `json:"connects"`
	AuthRejected bool      `json:"auth_rejected"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

func newSessionInfo(address string, stats nbe.Stats) *SessionInfo {
	return &SessionInfo{
		Address:      address,
		State:        stats.State.String(),
		Requests:     stats.Requests,
		Timeouts:     stats.Timeouts,
		Errors:       stats.Errors,
		SoftWrites:   stats.SoftWrites,
		Connects:     stats.Connects,
		AuthRejected: stats.AuthRejected,
		LastActivity: stats.LastActivity,
	}
}
