package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/quic-go/quic-go/quicvarint"
)

// CapsuleType identifies a capsule on a session control stream (RFC 9297).
type CapsuleType uint64

// Capsule types defined by draft-ietf-webtrans-http3.
const (
	CapsuleCloseSession CapsuleType = 0x2843
	CapsuleDrainSession CapsuleType = 0x78ae
)

// MaxCloseReason is the longest close reason, in bytes, that is ever encoded
// or retained when decoding. Longer reasons are truncated on a rune boundary.
const MaxCloseReason = 1024

// maxCapsulePayload bounds how much of a capsule payload is buffered. Payload
// bytes beyond it are read and discarded; the capsule still decodes. Unknown
// capsule types can declare arbitrary lengths, so the bound keeps a misbehaving
// peer from forcing a large allocation.
const maxCapsulePayload = 4096

// Capsule is a single control-stream record. Unknown capsule types are
// represented as-is rather than rejected, so new capsule types introduced by
// the peer never break control-stream parsing.
type Capsule struct {
	Type    CapsuleType
	Payload []byte
}

// CloseInfo is the decoded payload of a CLOSE_WEBTRANSPORT_SESSION capsule.
type CloseInfo struct {
	Code   uint32
	Reason string
}

// ReadCapsule reads a single capsule from r.
// Wire format: [type (varint)] [length (varint)] [payload (length bytes)].
func ReadCapsule(r io.Reader) (Capsule, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		bufr := bufio.NewReader(r)
		br = bufr
		r = bufr
	}

	typ, err := quicvarint.Read(br)
	if err != nil {
		return Capsule{}, fmt.Errorf("read capsule type: %w", err)
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return Capsule{}, fmt.Errorf("read capsule length: %w", err)
	}

	c := Capsule{Type: CapsuleType(typ)}
	keep := length
	if keep > maxCapsulePayload {
		keep = maxCapsulePayload
	}
	if keep > 0 {
		c.Payload = make([]byte, keep)
		if _, err := io.ReadFull(r, c.Payload); err != nil {
			return Capsule{}, fmt.Errorf("read capsule payload: %w", err)
		}
	}
	if rest := length - keep; rest > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(rest)); err != nil {
			return Capsule{}, fmt.Errorf("skip capsule payload: %w", err)
		}
	}
	return c, nil
}

// WriteCapsule writes a capsule to w as a single Write call to ensure
// atomicity even without external synchronization.
func WriteCapsule(w io.Writer, typ CapsuleType, payload []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(typ))
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// ParseCloseCapsule parses a CLOSE_WEBTRANSPORT_SESSION payload: a 4-byte
// big-endian error code followed by a UTF-8 reason. Reasons longer than
// MaxCloseReason are truncated, never rejected.
func ParseCloseCapsule(payload []byte) (CloseInfo, error) {
	if len(payload) < 4 {
		return CloseInfo{}, &ParseError{Field: "error_code", Err: io.ErrUnexpectedEOF}
	}
	code := binary.BigEndian.Uint32(payload[:4])

	reason := payload[4:]
	truncated := false
	if len(reason) > MaxCloseReason {
		reason = reason[:MaxCloseReason]
		truncated = true
	}
	if truncated {
		reason = trimPartialRune(reason)
	}
	if !utf8.Valid(reason) {
		return CloseInfo{}, &ParseError{Field: "reason", Err: errInvalidUTF8}
	}
	return CloseInfo{Code: code, Reason: string(reason)}, nil
}

// SerializeClose serializes a CLOSE_WEBTRANSPORT_SESSION payload. The reason
// is truncated to MaxCloseReason bytes on a rune boundary.
func SerializeClose(info CloseInfo) []byte {
	reason := []byte(info.Reason)
	if len(reason) > MaxCloseReason {
		reason = trimPartialRune(reason[:MaxCloseReason])
	}

	buf := make([]byte, 4, 4+len(reason))
	binary.BigEndian.PutUint32(buf, info.Code)
	return append(buf, reason...)
}

// trimPartialRune drops a trailing incomplete UTF-8 sequence left over from a
// byte-level truncation.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}
