package wire

import (
	"errors"
	"math"
)

// WebTransport application error codes occupy a reserved block of the HTTP/3
// error-code space (draft-ietf-webtrans-http3 §4.4). The block deliberately
// skips every value of the form 0x21 + 0x1f*n, which HTTP/3 reserves for
// GREASE, so the mapping inserts one skip per 0x1e application codes. It must
// stay an exact integer transform: a plain offset silently corrupts codes on
// the wire.
const (
	firstErrorCode uint64 = 0x52e4a40fa8db
	lastErrorCode  uint64 = firstErrorCode + math.MaxUint32 + math.MaxUint32/0x1e
)

// Stream reset codes with protocol-assigned meanings.
const (
	// SessionGoneErrorCode resets streams belonging to a session that no
	// longer exists.
	SessionGoneErrorCode uint64 = 0x170d7b68
	// BufferedStreamRejectedErrorCode resets streams buffered for a session
	// that never materialized.
	BufferedStreamRejectedErrorCode uint64 = 0x3994bd84
)

var (
	errCodeOutOfRange = errors.New("wire: error code outside the WebTransport block")
	errCodeReserved   = errors.New("wire: error code is a reserved GREASE value")
)

// ToTransportCode maps a WebTransport application error code into the HTTP/3
// error-code space.
func ToTransportCode(n uint32) uint64 {
	return firstErrorCode + uint64(n) + uint64(n)/0x1e
}

// FromTransportCode is the inverse of ToTransportCode. It fails for values
// outside the WebTransport block and for the GREASE values the forward
// mapping skips.
func FromTransportCode(c uint64) (uint32, error) {
	if c < firstErrorCode || c > lastErrorCode {
		return 0, errCodeOutOfRange
	}
	if (c-0x21)%0x1f == 0 {
		return 0, errCodeReserved
	}
	shifted := c - firstErrorCode
	return uint32(shifted - shifted/0x1f), nil
}

// IsWebTransportCode reports whether c decodes to a WebTransport application
// error code.
func IsWebTransportCode(c uint64) bool {
	_, err := FromTransportCode(c)
	return err == nil
}
