// Package transport carries EMP frames and ack tokens over one-shot TCP
// connections between clients and the broker.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ptcsim/emp/pkg/emp"
)

// Ack is a plain ASCII reply token. Tokens are written without a terminator;
// the first byte identifies the token within its channel.
type Ack string

// Publish channel replies.
const (
	AckOK    Ack = "OK"
	AckFail  Ack = "FAIL"
	AckRetry Ack = "RETRY"
)

// Fetch channel replies. READY is followed by the raw frame in the same write.
const (
	AckEmpty Ack = "EMPTY"
	AckReady Ack = "READY"
)

// MaxAckLen is the longest token on either channel.
const MaxAckLen = 5

var (
	PublishAcks = []Ack{AckOK, AckFail, AckRetry}
	FetchAcks   = []Ack{AckEmpty, AckReady}
)

// ErrFrameSync reports a frame prefix that cannot be trusted to find the next
// frame boundary. The connection must be abandoned.
var ErrFrameSync = errors.New("transport: frame boundary lost")

// ReadFrame reads exactly one EMP frame, using the announced length from its
// prefix. A clean close before the first byte returns io.EOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	prefix := make([]byte, emp.PrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n, err := emp.FrameLength(prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameSync, err)
	}
	if maxSize > 0 && n > maxSize {
		return nil, fmt.Errorf("%w: %w: frame of %d bytes exceeds %d", ErrFrameSync, emp.ErrFormat, n, maxSize)
	}

	frame := make([]byte, n)
	copy(frame, prefix)
	if _, err := io.ReadFull(r, frame[emp.PrefixLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// pendingLen is how many bytes a publish read waits for given what has
// arrived: the prefix first, then the frame it announces, never past maxSize.
// An unusable prefix asks for nothing more.
func pendingLen(got []byte, maxSize int) int {
	if len(got) < emp.PrefixLen {
		return min(emp.PrefixLen, maxSize)
	}
	n, err := emp.FrameLength(got[:emp.PrefixLen])
	if err != nil {
		return len(got)
	}
	return min(n, maxSize)
}

// ReadAck reads one token drawn from expected. The first byte selects the
// candidate, then the rest of it is read in full. Anything else is a protocol
// violation.
func ReadAck(r io.Reader, expected ...Ack) (Ack, error) {
	first := make([]byte, 1)
	if _, err := io.ReadFull(r, first); err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: connection closed before reply", emp.ErrProtocol)
		}
		return "", err
	}

	for _, ack := range expected {
		if ack[0] != first[0] {
			continue
		}
		rest := make([]byte, len(ack)-1)
		if _, err := io.ReadFull(r, rest); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return "", fmt.Errorf("%w: truncated %q reply", emp.ErrProtocol, ack)
			}
			return "", err
		}
		if !bytes.Equal(rest, []byte(ack[1:])) {
			return "", fmt.Errorf("%w: unexpected reply %q", emp.ErrProtocol, append(first, rest...))
		}
		return ack, nil
	}
	return "", fmt.Errorf("%w: unexpected reply byte 0x%02x", emp.ErrProtocol, first[0])
}

// WriteAck writes token followed by payload in a single write.
func WriteAck(w io.Writer, ack Ack, payload []byte) error {
	buf := make([]byte, 0, len(ack)+len(payload))
	buf = append(buf, ack...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ParseQueueName trims the trailing whitespace and NULs a fetch request may
// carry.
func ParseQueueName(req []byte) string {
	return string(bytes.TrimRight(req, " \t\r\n\x00"))
}
