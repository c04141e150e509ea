package emp

import "errors"

// Error taxonomy shared by the codec, queues, broker and client. Callers match
// with errors.Is; wrapped errors keep the underlying cause.
var (
	// ErrFormat reports malformed fields before encode or a malformed frame on decode.
	ErrFormat = errors.New("emp: malformed message")

	// ErrIntegrity reports a CRC mismatch on decode.
	ErrIntegrity = errors.New("emp: crc mismatch")

	// ErrProtocol reports an unexpected ack token or a connection closed mid-handshake.
	ErrProtocol = errors.New("emp: protocol violation")

	// ErrEmpty reports that there is nothing to pop or fetch.
	ErrEmpty = errors.New("emp: queue empty")

	// ErrFull reports a bounded queue at capacity.
	ErrFull = errors.New("emp: queue full")

	// ErrIndex reports a queue position out of range.
	ErrIndex = errors.New("emp: index out of range")

	// ErrTimeout reports a socket operation that exceeded the network timeout.
	ErrTimeout = errors.New("emp: network timeout")
)
