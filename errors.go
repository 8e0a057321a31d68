package webtransport

import (
	"errors"
	"fmt"
)

// SessionErrorCode is an application error code attached to a session close.
type SessionErrorCode uint32

// StreamErrorCode is an application error code attached to a stream reset.
type StreamErrorCode uint32

// ErrSessionDraining is returned when opening a new stream on a session the
// peer has started draining. Existing streams are unaffected.
var ErrSessionDraining = errors.New("webtransport: session is draining")

// SessionError is the terminal error of a session. Remote reports whether the
// peer closed the session; a remote close without a CLOSE capsule (connection
// loss, stream reset) carries code 0 and an empty message.
type SessionError struct {
	ErrorCode SessionErrorCode
	Remote    bool
	Message   string
}

func (e *SessionError) Error() string {
	direction := "closed locally"
	if e.Remote {
		direction = "closed by peer"
	}
	if e.Message == "" {
		return fmt.Sprintf("webtransport: session %s (code %d)", direction, e.ErrorCode)
	}
	return fmt.Sprintf("webtransport: session %s (code %d): %s", direction, e.ErrorCode, e.Message)
}

// StreamError is returned from stream reads and writes after the stream was
// reset with a WebTransport application error code.
type StreamError struct {
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("webtransport: stream reset (%s, code %d)", side, e.ErrorCode)
}
