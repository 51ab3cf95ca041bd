package nbe

import "errors"

// Domain errors for the NBE protocol client.
//
// Device-communication errors never escape Client.Get or Client.Set as
// failures; they are logged, counted and converted into an absent read or an
// unconfirmed write. They are returned directly by Connect, by the codec and
// by SetResult.Err so callers can classify them with errors.Is.
var (
	// ErrConnectFailed is returned when the TCP connection or the handshake
	// with the controller cannot be established.
	ErrConnectFailed = errors.New("nbe: connection to controller failed")

	// ErrTimeout is returned when a request was sent but no complete
	// response arrived before the deadline.
	ErrTimeout = errors.New("nbe: request timed out")

	// ErrIO is returned when the socket fails mid-exchange.
	ErrIO = errors.New("nbe: socket error")

	// ErrProtocol is returned when a response frame is malformed, does not
	// match the request, or carries an error status.
	ErrProtocol = errors.New("nbe: protocol error")

	// ErrRequestRejected is wrapped together with ErrProtocol when the
	// controller answered with a well-formed error frame (unknown path,
	// rejected value). The connection stays usable.
	ErrRequestRejected = errors.New("nbe: request rejected by controller")

	// ErrAuthRejected is returned when the controller rejects the password.
	// It latches the client: no further requests are sent with the same
	// credential.
	ErrAuthRejected = errors.New("nbe: password rejected by controller")

	// ErrNotConnected is returned when an exchange is attempted on a session
	// that is not Ready.
	ErrNotConnected = errors.New("nbe: not connected to controller")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("nbe: client closed")

	// ErrInvalidPath is returned when a register path cannot be mapped to a
	// controller request.
	ErrInvalidPath = errors.New("nbe: invalid register path")

	// ErrInvalidValue is returned when a value cannot be carried by the wire
	// format.
	ErrInvalidValue = errors.New("nbe: invalid register value")

	// ErrInvalidConfig is returned by New when the client configuration is
	// unusable.
	ErrInvalidConfig = errors.New("nbe: invalid configuration")
)
