package bridge

import "errors"

// Domain errors for the MQTT bridge.
var (
	// ErrInvalidCommand is returned when a command payload cannot be parsed
	// or names neither a path nor a control.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrWrongSerial is returned when a command targets another controller.
	ErrWrongSerial = errors.New("bridge: command for another controller")
)
