// Package emp implements the Edge Message Protocol (EMP v4) frame used between
// locomotives, base stations, the back office and the message broker.
//
// Frame layout (big-endian):
//
//	0      protocol version (4)
//	1..2   message type
//	3      message version (1)
//	4      flags (0)
//	5..7   body size = len(payload) + 4
//	8      variable header length = len(sender) + len(dest) + 2
//	9..10  network TTL, seconds
//	11..12 QoS
//	13..   sender NUL dest NUL
//	..     payload
//	last 4 CRC32 (IEEE) over every preceding byte
package emp

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/crc32"
)

const (
	ProtocolVersion uint8 = 4
	MessageVersion  uint8 = 1

	// DefaultTTL is the network TTL written when no WithTTL option is given.
	DefaultTTL uint16 = 120

	// CommonHeaderLen covers version, type, msg version, flags and body size.
	CommonHeaderLen = 8
	// VarHeaderFixedLen covers vh length, TTL and QoS.
	VarHeaderFixedLen = 5
	// HeaderLen is the offset of the first address byte.
	HeaderLen = CommonHeaderLen + VarHeaderFixedLen
	CRCLen    = 4

	// PrefixLen is how many bytes FrameLength needs.
	PrefixLen = CommonHeaderLen + 1

	// MinFrameLen is the shortest frame Decode accepts.
	MinFrameLen = 20

	MaxVarHeaderLen = 0xFF
	MaxBodySize     = 0xFFFFFF

	terminator byte = 0x00
)

// Message is an immutable EMP message. The logical fields and Raw are two views
// of the same value; both are fixed when the Message is created by New or Decode.
type Message struct {
	msgType uint16
	sender  string
	dest    string
	payload []byte
	ttl     uint16
	qos     uint16
	raw     []byte
}

// Option adjusts the optional variable-header fields on encode.
type Option func(*options)

type options struct {
	ttl uint16
	qos uint16
}

// WithTTL sets the network TTL in seconds.
func WithTTL(seconds uint16) Option {
	return func(o *options) { o.ttl = seconds }
}

// WithQoS sets the QoS field.
func WithQoS(qos uint16) Option {
	return func(o *options) { o.qos = qos }
}

// New validates the fields and encodes them into a Message. Validation happens
// before any bytes are assembled, so a bad address never reaches a socket.
func New(msgType uint16, sender, dest string, payload []byte, opts ...Option) (*Message, error) {
	o := options{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateAddr("sender", sender); err != nil {
		return nil, err
	}
	if err := validateAddr("dest", dest); err != nil {
		return nil, err
	}
	vhLen := len(sender) + len(dest) + 2
	if vhLen > MaxVarHeaderLen {
		return nil, fmt.Errorf("%w: addresses too long (variable header %d > %d)", ErrFormat, vhLen, MaxVarHeaderLen)
	}
	bodySize := len(payload) + CRCLen
	if bodySize > MaxBodySize {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrFormat, len(payload))
	}

	raw := make([]byte, 0, HeaderLen+vhLen+bodySize)
	raw = append(raw, ProtocolVersion)
	raw = binary.BigEndian.AppendUint16(raw, msgType)
	raw = append(raw, MessageVersion, 0)
	raw = append(raw, byte(bodySize>>16), byte(bodySize>>8), byte(bodySize))
	raw = append(raw, byte(vhLen))
	raw = binary.BigEndian.AppendUint16(raw, o.ttl)
	raw = binary.BigEndian.AppendUint16(raw, o.qos)
	raw = append(raw, sender...)
	raw = append(raw, terminator)
	raw = append(raw, dest...)
	raw = append(raw, terminator)
	raw = append(raw, payload...)
	raw = binary.BigEndian.AppendUint32(raw, crc32.ChecksumIEEE(raw))

	return &Message{
		msgType: msgType,
		sender:  sender,
		dest:    dest,
		payload: append([]byte(nil), payload...),
		ttl:     o.ttl,
		qos:     o.qos,
		raw:     raw,
	}, nil
}

// Decode parses and verifies a raw frame. The CRC is checked before any field
// is trusted.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < MinFrameLen {
		return nil, fmt.Errorf("%w: frame too short (%d < %d bytes)", ErrFormat, len(raw), MinFrameLen)
	}

	crcAt := len(raw) - CRCLen
	want := binary.BigEndian.Uint32(raw[crcAt:])
	if got := crc32.ChecksumIEEE(raw[:crcAt]); got != want {
		return nil, fmt.Errorf("%w: computed %08x, frame carries %08x", ErrIntegrity, got, want)
	}

	vhLen := int(raw[CommonHeaderLen])
	vhEnd := HeaderLen + vhLen
	if vhEnd > crcAt {
		return nil, fmt.Errorf("%w: variable header length %d overruns frame", ErrFormat, vhLen)
	}

	sender, dest, err := splitAddrs(raw[HeaderLen:vhEnd])
	if err != nil {
		return nil, err
	}

	payload := raw[vhEnd:crcAt]
	if bodySize := bodySizeOf(raw); bodySize != len(payload)+CRCLen {
		return nil, fmt.Errorf("%w: body size field %d, actual body %d", ErrFormat, bodySize, len(payload)+CRCLen)
	}

	return &Message{
		msgType: binary.BigEndian.Uint16(raw[1:3]),
		sender:  sender,
		dest:    dest,
		payload: append([]byte(nil), payload...),
		ttl:     binary.BigEndian.Uint16(raw[9:11]),
		qos:     binary.BigEndian.Uint16(raw[11:13]),
		raw:     append([]byte(nil), raw...),
	}, nil
}

// FrameLength returns the total frame length announced by the first PrefixLen
// bytes of a frame.
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < PrefixLen {
		return 0, fmt.Errorf("%w: need %d prefix bytes, have %d", ErrFormat, PrefixLen, len(prefix))
	}
	n := HeaderLen + int(prefix[CommonHeaderLen]) + bodySizeOf(prefix)
	if n < MinFrameLen {
		return 0, fmt.Errorf("%w: announced frame length %d below minimum", ErrFormat, n)
	}
	return n, nil
}

func bodySizeOf(b []byte) int {
	return int(b[5])<<16 | int(b[6])<<8 | int(b[7])
}

// splitAddrs expects "sender\x00dest\x00" and nothing else.
func splitAddrs(vh []byte) (string, string, error) {
	if len(vh) == 0 || vh[len(vh)-1] != terminator {
		return "", "", fmt.Errorf("%w: variable header not NUL terminated", ErrFormat)
	}
	parts := strings.Split(string(vh[:len(vh)-1]), string(terminator))
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: variable header holds %d addresses, want 2", ErrFormat, len(parts))
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: empty address in variable header", ErrFormat)
	}
	return parts[0], parts[1], nil
}

func validateAddr(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: %s address is empty", ErrFormat, field)
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c == terminator {
			return fmt.Errorf("%w: %s address contains NUL at offset %d", ErrFormat, field, i)
		}
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: %s address has non-printable byte 0x%02x", ErrFormat, field, c)
		}
	}
	return nil
}

func (m *Message) Type() uint16   { return m.msgType }
func (m *Message) Sender() string { return m.sender }
func (m *Message) Dest() string   { return m.dest }
func (m *Message) TTL() uint16    { return m.ttl }
func (m *Message) QoS() uint16    { return m.qos }

// Payload returns a copy of the payload bytes.
func (m *Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

// Raw returns a copy of the wire bytes.
func (m *Message) Raw() []byte {
	return append([]byte(nil), m.raw...)
}

// Len is the wire length in bytes.
func (m *Message) Len() int {
	return len(m.raw)
}

// WriteTo writes the wire bytes without copying them.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.raw)
	return int64(n), err
}

func (m *Message) String() string {
	return fmt.Sprintf("emp{type=%d %s->%s ttl=%ds payload=%dB}", m.msgType, m.sender, m.dest, m.ttl, len(m.payload))
}
