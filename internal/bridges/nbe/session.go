package nbe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// State is the connection state of a device session.
type State int32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFaulted
)

// String returns the state name used in logs, health messages and metrics.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// session owns one TCP connection to the controller.
//
// It has no lock of its own: every method except state() must be called
// while holding the Client request lock.
type session struct {
	addr           string
	connectTimeout time.Duration
	dial           func(ctx context.Context, network, address string) (net.Conn, error)

	conn   net.Conn
	reader *bufio.Reader

	current atomic.Int32
	onState func(State)
}

func newSession(addr string, connectTimeout time.Duration) *session {
	var dialer net.Dialer
	return &session{
		addr:           addr,
		connectTimeout: connectTimeout,
		dial:           dialer.DialContext,
	}
}

func (s *session) state() State {
	return State(s.current.Load())
}

func (s *session) setState(st State) {
	if State(s.current.Swap(int32(st))) == st {
		return
	}
	if s.onState != nil {
		s.onState(st)
	}
}

// ensureConnected dials the controller when the session is not Ready and
// runs handshake on the fresh connection. Any failure leaves the session
// Faulted with the socket closed.
func (s *session) ensureConnected(ctx context.Context, handshake func(context.Context) error) error {
	if s.state() == StateReady && s.conn != nil {
		return nil
	}
	s.drop()
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.dial(dialCtx, "tcp", s.addr)
	if err != nil {
		s.setState(StateFaulted)
		return fmt.Errorf("%w: dial %s: %w", ErrConnectFailed, s.addr, err)
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)

	if err := handshake(dialCtx); err != nil {
		s.fault()
		return err
	}

	s.setState(StateReady)
	return nil
}

// sendReceive writes one frame and reads one response frame.
//
// The exchange is bounded by timeout and by the context deadline, whichever
// comes first. Cancelling ctx aborts blocked socket calls. On any failure
// the socket is closed and the session becomes Faulted: a half-finished
// exchange leaves the stream in an unknown position.
//
// sent reports whether the whole frame reached the socket.
func (s *session) sendReceive(ctx context.Context, frame []byte, timeout time.Duration) (resp Response, sent bool, err error) {
	conn := s.conn
	if conn == nil {
		return Response{}, false, ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		s.fault()
		return Response{}, false, fmt.Errorf("%w: set deadline: %w", ErrIO, err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) //nolint:errcheck // wakes blocked I/O only
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		s.fault()
		return Response{}, false, classify(ctx, fmt.Errorf("write: %w", err))
	}

	resp, err = ReadResponse(s.reader)
	if err != nil {
		s.fault()
		return Response{}, true, classify(ctx, err)
	}
	return resp, true, nil
}

// fault discards the connection after a failed exchange.
func (s *session) fault() {
	s.drop()
	s.setState(StateFaulted)
}

// close discards the connection on request.
func (s *session) close() {
	s.drop()
	s.setState(StateDisconnected)
}

func (s *session) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.reader = nil
	}
}

// classify maps a failed exchange onto the package error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, ErrProtocol) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return fmt.Errorf("%w: %w", ErrIO, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: connection closed by device: %w", ErrIO, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
