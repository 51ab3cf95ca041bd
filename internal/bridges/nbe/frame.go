package nbe

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame layout.
//
// Request (controller-bound):
//
//	app_id(12) serial(6) encryption(1) STX function(2) seq(2) password(10)
//	timestamp(10) reserved(4) size(3) payload(size) EOT
//
// Response (client-bound):
//
//	app_id(12) serial(6) STX function(2) seq(2) status(1) size(3)
//	payload(size) EOT
//
// All numeric fields are zero-padded ASCII decimal. The payload is plain text:
// a request payload names a register ("boiler.temp", "*") or assigns one
// ("boiler.temp=65"); a response payload is a list of "key=value" pairs joined
// by ';'.
const (
	appIDLen     = 12
	serialLen    = 6
	functionLen  = 2
	seqLen       = 2
	passwordLen  = 10
	timestampLen = 10
	reservedLen  = 4
	sizeLen      = 3

	// MaxPayload is the largest payload the three-digit size field can carry.
	MaxPayload = 999

	frameStart     = 0x02
	frameEnd       = 0x04
	encryptionNone = ' '

	requestHeaderLen  = appIDLen + serialLen + 1 + 1 + functionLen + seqLen + passwordLen + timestampLen + reservedLen + sizeLen
	responseHeaderLen = appIDLen + serialLen + 1 + functionLen + seqLen + 1 + sizeLen

	// maxSeq is the sequence number wrap-around point (two digits).
	maxSeq = 100
)

// Function is the controller opcode carried in every frame.
type Function int

// Controller functions used by this client.
const (
	FuncSetSetup       Function = 0
	FuncGetSetup       Function = 1
	FuncGetOperating   Function = 4
	FuncGetAdvanced    Function = 5
	FuncGetConsumption Function = 6
	FuncGetInfo        Function = 9
)

// String returns a readable opcode name for logs.
func (f Function) String() string {
	switch f {
	case FuncSetSetup:
		return "set_setup"
	case FuncGetSetup:
		return "get_setup"
	case FuncGetOperating:
		return "get_operating"
	case FuncGetAdvanced:
		return "get_advanced"
	case FuncGetConsumption:
		return "get_consumption"
	case FuncGetInfo:
		return "get_info"
	default:
		return "function_" + strconv.Itoa(int(f))
	}
}

// Status is the one-character result code of a response frame.
type Status byte

// Response status codes.
const (
	StatusOK           Status = '0'
	StatusRejected     Status = '1'
	StatusAuthRejected Status = '2'
)

// Request is one controller-bound frame.
type Request struct {
	AppID    string
	Serial   string
	Function Function
	Seq      int
	Password string
	Time     time.Time
	Payload  string
}

// Response is one client-bound frame.
type Response struct {
	AppID    string
	Serial   string
	Function Function
	Seq      int
	Status   Status
	Payload  string
}

// MarshalBinary encodes the request into its wire form.
func (r Request) MarshalBinary() ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidValue, len(r.Payload), MaxPayload)
	}
	if len(r.Password) > passwordLen {
		return nil, fmt.Errorf("%w: password longer than %d characters", ErrInvalidConfig, passwordLen)
	}

	ts := r.Time.Unix()
	if ts < 0 {
		ts = 0
	}

	var b strings.Builder
	b.Grow(requestHeaderLen + len(r.Payload) + 1)
	b.WriteString(padRight(r.AppID, appIDLen))
	b.WriteString(padLeftZero(r.Serial, serialLen))
	b.WriteByte(encryptionNone)
	b.WriteByte(frameStart)
	b.WriteString(digits(int(r.Function), functionLen))
	b.WriteString(digits(r.Seq%maxSeq, seqLen))
	b.WriteString(padLeftZero(r.Password, passwordLen))
	b.WriteString(digits(int(ts%10_000_000_000), timestampLen))
	b.WriteString(strings.Repeat(" ", reservedLen))
	b.WriteString(digits(len(r.Payload), sizeLen))
	b.WriteString(r.Payload)
	b.WriteByte(frameEnd)

	return []byte(b.String()), nil
}

// MarshalBinary encodes the response into its wire form.
func (r Response) MarshalBinary() ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidValue, len(r.Payload), MaxPayload)
	}

	var b strings.Builder
	b.Grow(responseHeaderLen + len(r.Payload) + 1)
	b.WriteString(padRight(r.AppID, appIDLen))
	b.WriteString(padLeftZero(r.Serial, serialLen))
	b.WriteByte(frameStart)
	b.WriteString(digits(int(r.Function), functionLen))
	b.WriteString(digits(r.Seq%maxSeq, seqLen))
	b.WriteByte(byte(r.Status))
	b.WriteString(digits(len(r.Payload), sizeLen))
	b.WriteString(r.Payload)
	b.WriteByte(frameEnd)

	return []byte(b.String()), nil
}

// ReadRequest reads exactly one request frame from r. The password field is
// returned without its zero padding.
//
// Framing failures wrap ErrProtocol; I/O failures are returned wrapped so
// callers can still inspect net.Error.
func ReadRequest(r io.Reader) (Request, error) {
	header := make([]byte, requestHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Request{}, fmt.Errorf("read request header: %w", err)
	}

	if header[appIDLen+serialLen+1] != frameStart {
		return Request{}, fmt.Errorf("%w: missing start byte in request", ErrProtocol)
	}

	off := appIDLen + serialLen + 2
	fn, err := parseDigits(header[off : off+functionLen])
	if err != nil {
		return Request{}, fmt.Errorf("%w: function field: %w", ErrProtocol, err)
	}
	off += functionLen
	seq, err := parseDigits(header[off : off+seqLen])
	if err != nil {
		return Request{}, fmt.Errorf("%w: seq field: %w", ErrProtocol, err)
	}
	off += seqLen
	password := strings.TrimLeft(string(header[off:off+passwordLen]), "0")
	off += passwordLen
	ts, err := parseDigits(header[off : off+timestampLen])
	if err != nil {
		return Request{}, fmt.Errorf("%w: timestamp field: %w", ErrProtocol, err)
	}
	off += timestampLen + reservedLen
	size, err := parseDigits(header[off : off+sizeLen])
	if err != nil {
		return Request{}, fmt.Errorf("%w: size field: %w", ErrProtocol, err)
	}

	payload, err := readBody(r, size)
	if err != nil {
		return Request{}, err
	}

	return Request{
		AppID:    strings.TrimRight(string(header[:appIDLen]), " "),
		Serial:   string(header[appIDLen : appIDLen+serialLen]),
		Function: Function(fn),
		Seq:      seq,
		Password: password,
		Time:     time.Unix(int64(ts), 0),
		Payload:  payload,
	}, nil
}

// ReadResponse reads exactly one response frame from r.
//
// Framing failures wrap ErrProtocol. The stream must be considered desynced
// after any error and the connection discarded.
func ReadResponse(r io.Reader) (Response, error) {
	header := make([]byte, responseHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Response{}, fmt.Errorf("read response header: %w", err)
	}

	if header[appIDLen+serialLen] != frameStart {
		return Response{}, fmt.Errorf("%w: missing start byte in response", ErrProtocol)
	}

	off := appIDLen + serialLen + 1
	fn, err := parseDigits(header[off : off+functionLen])
	if err != nil {
		return Response{}, fmt.Errorf("%w: function field: %w", ErrProtocol, err)
	}
	off += functionLen
	seq, err := parseDigits(header[off : off+seqLen])
	if err != nil {
		return Response{}, fmt.Errorf("%w: seq field: %w", ErrProtocol, err)
	}
	off += seqLen
	status := Status(header[off])
	off++
	size, err := parseDigits(header[off : off+sizeLen])
	if err != nil {
		return Response{}, fmt.Errorf("%w: size field: %w", ErrProtocol, err)
	}

	payload, err := readBody(r, size)
	if err != nil {
		return Response{}, err
	}

	return Response{
		AppID:    strings.TrimRight(string(header[:appIDLen]), " "),
		Serial:   string(header[appIDLen : appIDLen+serialLen]),
		Function: Function(fn),
		Seq:      seq,
		Status:   status,
		Payload:  payload,
	}, nil
}

// readBody reads size payload bytes plus the terminating EOT.
func readBody(r io.Reader, size int) (string, error) {
	body := make([]byte, size+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	if body[size] != frameEnd {
		return "", fmt.Errorf("%w: missing end byte (got 0x%02X)", ErrProtocol, body[size])
	}
	return string(body[:size]), nil
}

// parseDigits parses a fixed-width, zero-padded decimal field.
func parseDigits(field []byte) (int, error) {
	n := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q", field)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func digits(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

func padLeftZero(s string, width int) string {
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}
