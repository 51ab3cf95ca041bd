package nbe

import (
	"fmt"
	"strings"
	"time"
)

// Register path groups understood by the controller.
const (
	GroupSettings    = "settings"
	GroupOperating   = "operating_data"
	GroupAdvanced    = "advanced_data"
	GroupConsumption = "consumption_data"
	GroupInfo        = "info"
)

// DefaultAppID identifies this client in every request frame.
const DefaultAppID = "nbe-bridge"

// handshakePayload asks the controller for its identity during connect.
const handshakePayload = "serial"

// unknownSerial is sent until the controller has reported its own serial.
const unknownSerial = "000000"

var readFunctions = map[string]Function{
	GroupOperating:   FuncGetOperating,
	GroupAdvanced:    FuncGetAdvanced,
	GroupConsumption: FuncGetConsumption,
	GroupInfo:        FuncGetInfo,
}

// Frame is an encoded request together with what is needed to decode its
// response.
type Frame struct {
	Request Request
	Bytes   []byte

	// prefix is prepended to every key of the response payload to form
	// register paths.
	prefix string
	write  bool
}

// Path returns the register path prefix the frame addresses.
func (f Frame) Path() string {
	return f.prefix
}

// IsWrite reports whether the frame carries a register write.
func (f Frame) IsWrite() bool {
	return f.write
}

// DecodedKind classifies a decoded response.
type DecodedKind int

const (
	// DecodedValue carries register values from a read.
	DecodedValue DecodedKind = iota
	// DecodedAck confirms a write.
	DecodedAck
	// DecodedError means the response could not be used; see Decoded.Err.
	DecodedError
)

// Decoded is the result of matching a response to its request.
type Decoded struct {
	Kind   DecodedKind
	Values map[string]string
	// Serial is the controller serial from the response header, empty when
	// the controller did not report one.
	Serial string
	Err    error
}

// Codec turns register paths into request frames and responses back into
// register values. It carries the credential so that every request is
// authenticated on its own.
//
// A Codec is not safe for concurrent use; Client guards it with its request
// lock.
type Codec struct {
	appID    string
	password string
	serial   string
	seq      int
	now      func() time.Time
}

// NewCodec creates a codec. An empty serial is sent as zeros until
// SetSerial is called.
func NewCodec(appID, password, serial string) *Codec {
	if appID == "" {
		appID = DefaultAppID
	}
	if serial == "" {
		serial = unknownSerial
	}
	return &Codec{
		appID:    appID,
		password: password,
		serial:   serial,
		now:      time.Now,
	}
}

// SetSerial updates the serial sent in request headers.
func (c *Codec) SetSerial(serial string) {
	if serial != "" {
		c.serial = serial
	}
}

// EncodeGet builds a read request for a register path or group.
//
// Supported paths:
//
//	operating_data/            all operating values
//	operating_data/boiler_temp one operating value
//	consumption_data/counter   one consumption value
//	settings/boiler/           all settings of one category
//	settings/boiler/temp       one setting
//	info/                      controller information
func (c *Codec) EncodeGet(path string) (Frame, error) {
	fn, prefix, payload, err := resolveRead(path)
	if err != nil {
		return Frame{}, err
	}
	return c.encode(fn, prefix, payload, false)
}

// EncodeSet builds a write request. Only settings registers are writable.
func (c *Codec) EncodeSet(path, value string) (Frame, error) {
	prefix, payload, err := resolveWrite(path, value)
	if err != nil {
		return Frame{}, err
	}
	return c.encode(FuncSetSetup, prefix, payload, true)
}

// EncodeHandshake builds the identity request sent after every connect.
func (c *Codec) EncodeHandshake() Frame {
	// The payload is a constant well under MaxPayload; encode cannot fail.
	f, _ := c.encode(FuncGetInfo, GroupInfo+"/", handshakePayload, false) //nolint:errcheck // constant payload
	return f
}

func (c *Codec) encode(fn Function, prefix, payload string, write bool) (Frame, error) {
	req := Request{
		AppID:    c.appID,
		Serial:   c.serial,
		Function: fn,
		Seq:      c.nextSeq(),
		Password: c.password,
		Time:     c.now(),
		Payload:  payload,
	}
	b, err := req.MarshalBinary()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Request: req, Bytes: b, prefix: prefix, write: write}, nil
}

func (c *Codec) nextSeq() int {
	c.seq = (c.seq + 1) % maxSeq
	return c.seq
}

// Decode matches a response to the frame that produced it.
//
// A response for another function or sequence number is a protocol error:
// the stream is out of step and the connection must be discarded.
func (c *Codec) Decode(f Frame, resp Response) Decoded {
	if resp.Function != f.Request.Function || resp.Seq != f.Request.Seq%maxSeq {
		return Decoded{Kind: DecodedError, Err: fmt.Errorf(
			"%w: response %s/%02d does not match request %s/%02d",
			ErrProtocol, resp.Function, resp.Seq, f.Request.Function, f.Request.Seq%maxSeq,
		)}
	}

	serial := deviceSerial(resp.Serial)

	switch resp.Status {
	case StatusOK:
	case StatusAuthRejected:
		return Decoded{Kind: DecodedError, Serial: serial, Err: ErrAuthRejected}
	case StatusRejected:
		return Decoded{Kind: DecodedError, Serial: serial, Err: fmt.Errorf(
			"%w: %w: %q", ErrProtocol, ErrRequestRejected, resp.Payload,
		)}
	default:
		return Decoded{Kind: DecodedError, Serial: serial, Err: fmt.Errorf(
			"%w: unknown status %q", ErrProtocol, byte(resp.Status),
		)}
	}

	if f.write {
		return Decoded{Kind: DecodedAck, Serial: serial}
	}

	values, err := ParseValues(f.prefix, resp.Payload)
	if err != nil {
		return Decoded{Kind: DecodedError, Serial: serial, Err: err}
	}
	return Decoded{Kind: DecodedValue, Values: values, Serial: serial}
}

// ParseValues splits a "key=value;key=value" payload into register paths
// under prefix. Empty values are dropped: the controller reports unfitted
// registers that way and readers treat a missing key as unavailable.
func ParseValues(prefix, payload string) (map[string]string, error) {
	values := make(map[string]string)
	for _, pair := range strings.Split(payload, ";") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrProtocol, pair)
		}
		if value == "" {
			continue
		}
		values[prefix+key] = value
	}
	return values, nil
}

// FormatValues is the inverse of ParseValues for keys already stripped of
// their prefix. Keys are written in the given order.
func FormatValues(keys []string, values map[string]string) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
	}
	return b.String()
}

// resolveRead maps a register path to the function, response prefix and
// request payload.
func resolveRead(path string) (Function, string, string, error) {
	group, rest, ok := strings.Cut(path, "/")
	if !ok {
		return 0, "", "", fmt.Errorf("%w: %q has no group", ErrInvalidPath, path)
	}

	if group == GroupSettings {
		category, key, ok := strings.Cut(rest, "/")
		if !ok || category == "" || strings.Contains(key, "/") {
			return 0, "", "", fmt.Errorf("%w: %q must be settings/<category>/[key]", ErrInvalidPath, path)
		}
		payload := category + "." + key
		if key == "" {
			payload = category + ".*"
		}
		return FuncGetSetup, GroupSettings + "/" + category + "/", payload, nil
	}

	fn, known := readFunctions[group]
	if !known {
		return 0, "", "", fmt.Errorf("%w: unknown group %q", ErrInvalidPath, group)
	}
	if strings.Contains(rest, "/") {
		return 0, "", "", fmt.Errorf("%w: %q is nested too deep", ErrInvalidPath, path)
	}
	payload := rest
	if payload == "" {
		payload = "*"
	}
	return fn, group + "/", payload, nil
}

// resolveWrite maps a settings path and value to the response prefix and
// request payload.
func resolveWrite(path, value string) (string, string, error) {
	group, rest, ok := strings.Cut(path, "/")
	if !ok || group != GroupSettings {
		return "", "", fmt.Errorf("%w: only settings registers are writable, got %q", ErrInvalidPath, path)
	}
	category, key, ok := strings.Cut(rest, "/")
	if !ok || category == "" || key == "" || strings.Contains(key, "/") {
		return "", "", fmt.Errorf("%w: %q must be settings/<category>/<key>", ErrInvalidPath, path)
	}
	if err := validateValue(value); err != nil {
		return "", "", err
	}
	return GroupSettings + "/" + category + "/", category + "." + key + "=" + value, nil
}

func validateValue(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidValue)
	}
	for _, r := range value {
		if r == ';' || r == '=' || r < 0x20 || r > 0x7E {
			return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidValue, value)
		}
	}
	return nil
}

// deviceSerial normalises a serial field from a response header.
func deviceSerial(field string) string {
	field = strings.TrimSpace(field)
	if field == "" || field == unknownSerial {
		return ""
	}
	return field
}
