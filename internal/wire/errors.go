package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for wire-level decoding. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrUnknownStreamType = errors.New("wire: unknown stream type")
	ErrInvalidSessionID  = errors.New("wire: invalid session id")
	ErrDatagramTooShort  = errors.New("wire: datagram too short")

	errInvalidUTF8 = errors.New("invalid UTF-8")
)

// ParseError indicates a failure to parse a wire-format field. It wraps the
// underlying I/O or format error and records which field was being parsed
// when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
