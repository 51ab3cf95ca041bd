// Package controls turns raw controller registers into sensors, switches,
// numbers and buttons, and turns commands on those controls back into
// register writes.
//
// Every control works through the same small capability set: read a
// register from the cache, write a register on the controller, and ask for
// a refresh. A refresh is requested after every write whatever its result,
// since the controller may have applied a write it did not confirm.
package controls

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
)

// Domain errors for control commands. All of them are detected before the
// controller is contacted.
var (
	ErrUnknownControl = errors.New("controls: unknown control")
	ErrNotWritable    = errors.New("controls: control is read-only")
	ErrInvalidAction  = errors.New("controls: action not supported by control")
	ErrOutOfRange     = errors.New("controls: value out of range")
)

// Reader reads cached register values.
type Reader interface {
	Get(path string) (string, bool)
}

// Writer writes one controller register.
type Writer interface {
	Set(ctx context.Context, path, value string) nbe.SetResult
}

// Refresher schedules an out-of-cycle poll.
type Refresher interface {
	RequestRefresh()
}

// Action is a command verb.
type Action string

// Supported actions.
const (
	ActionSet     Action = "set"
	ActionTurnOn  Action = "turn_on"
	ActionTurnOff Action = "turn_off"
	ActionPress   Action = "press"
)

// Command is a request to operate a control.
type Command struct {
	Action Action   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
}

// State is the current, interpreted state of a control.
type State struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Available bool   `json:"available"`
	// Value is a float64 for numeric sensors and numbers, a bool for binary
	// sensors and switches, the raw string otherwise, and nil when
	// unavailable.
	Value any    `json:"value"`
	Raw   string `json:"raw,omitempty"`
	Unit  string `json:"unit,omitempty"`
}

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Service evaluates and operates the controller's controls.
type Service struct {
	controls []Control
	byID     map[string]Control

	reader    Reader
	writer    Writer
	refresher Refresher
	logger    Logger
}

// NewService creates a service over the standard catalogue.
func NewService(reader Reader, writer Writer, refresher Refresher) *Service {
	return NewServiceWith(Catalogue(), reader, writer, refresher)
}

// NewServiceWith creates a service over the given controls.
func NewServiceWith(controls []Control, reader Reader, writer Writer, refresher Refresher) *Service {
	s := &Service{
		controls:  append([]Control(nil), controls...),
		byID:      make(map[string]Control, len(controls)),
		reader:    reader,
		writer:    writer,
		refresher: refresher,
	}
	for _, c := range controls {
		s.byID[c.ID] = c
	}
	return s
}

// SetLogger sets the logger for this service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// List returns every control in catalogue order.
func (s *Service) List() []Control {
	return append([]Control(nil), s.controls...)
}

// Lookup returns one control.
func (s *Service) Lookup(id string) (Control, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// State evaluates one control against the cache.
func (s *Service) State(id string) (State, error) {
	c, ok := s.byID[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	return s.evaluate(c), nil
}

// States evaluates every control.
func (s *Service) States() []State {
	states := make([]State, 0, len(s.controls))
	for _, c := range s.controls {
		states = append(states, s.evaluate(c))
	}
	return states
}

func (s *Service) evaluate(c Control) State {
	st := State{ID: c.ID, Name: c.Name, Kind: c.Kind, Unit: c.Unit}
	if c.ReadPath == "" {
		// Buttons have no state.
		st.Available = true
		return st
	}

	raw, ok := s.reader.Get(c.ReadPath)
	if !ok || raw == "" {
		return st
	}
	st.Raw = raw

	switch c.Kind {
	case KindBinarySensor:
		st.Value = raw != "0"
	case KindSwitch:
		st.Value = raw != c.OffState
	case KindNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return st
		}
		st.Value = f * c.multiplier()
	default:
		if strings.Contains(raw, notFitted) {
			return st
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			st.Value = f * c.multiplier()
		} else {
			st.Value = raw
		}
	}
	st.Available = true
	return st
}

// Execute operates a control. Validation failures return an error without
// touching the controller. Once a write has been attempted the error is
// nil and the SetResult carries the outcome; a refresh has been requested.
//
// Parameters:
//   - ctx: Context for the controller write
//   - id: Control ID
//   - cmd: Action and, for numbers, the value in display units
//
// Returns:
//   - nbe.SetResult: Outcome of the register write
//   - error: ErrUnknownControl, ErrNotWritable, ErrInvalidAction or ErrOutOfRange
func (s *Service) Execute(ctx context.Context, id string, cmd Command) (nbe.SetResult, error) {
	c, ok := s.byID[id]
	if !ok {
		return nbe.SetResult{}, fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	path, value, err := plan(c, cmd)
	if err != nil {
		return nbe.SetResult{}, err
	}

	if s.logger != nil {
		s.logger.Info("operating control", "control", c.ID, "action", string(cmd.Action), "path", path, "value", value)
	}
	return s.Write(ctx, path, value), nil
}

// Write sets a raw register and requests a refresh whatever the outcome.
func (s *Service) Write(ctx context.Context, path, value string) nbe.SetResult {
	res := s.writer.Set(ctx, path, value)
	if !res.Acked() && s.logger != nil {
		s.logger.Warn("command sent but not confirmed", "path", path, "value", value, "error", res.Err())
	}
	if s.refresher != nil {
		s.refresher.RequestRefresh()
	}
	return res
}

// plan maps a command to the register write it needs.
func plan(c Control, cmd Command) (path, value string, err error) {
	if !c.Writable() {
		return "", "", fmt.Errorf("%w: %q", ErrNotWritable, c.ID)
	}

	switch c.Kind {
	case KindNumber:
		if cmd.Action != ActionSet || cmd.Value == nil {
			return "", "", fmt.Errorf("%w: %q needs %q with a value", ErrInvalidAction, c.ID, ActionSet)
		}
		v := *cmd.Value
		if math.IsNaN(v) || v < c.Min || v > c.Max {
			return "", "", fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, v, c.Min, c.Max)
		}
		if !onStep(v, c.Min, c.Step) {
			return "", "", fmt.Errorf("%w: %v is not a step of %v from %v", ErrOutOfRange, v, c.Step, c.Min)
		}
		return c.WritePath, strconv.FormatFloat(v, 'f', -1, 64), nil

	case KindSwitch:
		switch cmd.Action {
		case ActionTurnOn:
			return c.WritePath, c.PressValue, nil
		case ActionTurnOff:
			return c.OffPath, c.PressValue, nil
		}
		return "", "", fmt.Errorf("%w: %q takes %q or %q", ErrInvalidAction, c.ID, ActionTurnOn, ActionTurnOff)

	case KindButton:
		if cmd.Action != ActionPress {
			return "", "", fmt.Errorf("%w: %q takes %q", ErrInvalidAction, c.ID, ActionPress)
		}
		return c.WritePath, c.PressValue, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrNotWritable, c.ID)
}

// stepTolerance absorbs float error in values such as 0.1+0.2.
const stepTolerance = 1e-9

// onStep reports whether v lies on the grid min + k*step. A zero step
// accepts any value.
func onStep(v, minimum, step float64) bool {
	if step <= 0 {
		return true
	}
	n := (v - minimum) / step
	return math.Abs(n-math.Round(n)) < stepTolerance
}
