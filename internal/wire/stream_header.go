package wire

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Stream type tags (draft-ietf-webtrans-http3 §4.2, §4.3). A WebTransport
// bidirectional stream starts with HTTP/3 frame type 0x41; a unidirectional
// stream starts with HTTP/3 stream type 0x54. Either is immediately followed
// by the session id as a varint.
const (
	StreamTypeBidi uint64 = 0x41
	StreamTypeUni  uint64 = 0x54
)

// MaxStreamHeaderLen is the largest encoding of a stream header: two 8-byte
// varints.
const MaxStreamHeaderLen = 16

// StreamHeader is the decoded tag prefix of a WebTransport stream.
type StreamHeader struct {
	Type      uint64
	SessionID uint64
}

type headerParserState uint8

const (
	awaitingStreamType headerParserState = iota
	awaitingSessionID
	headerDone
)

// HeaderParser incrementally decodes a stream header from bytes that may
// arrive split across any number of deliveries. Feed it with Push until it
// reports completion; it never consumes bytes past the end of the header.
type HeaderParser struct {
	state headerParserState
	buf   []byte
	hdr   StreamHeader
}

// NewHeaderParser returns a parser that expects a full header: stream type
// tag followed by session id.
func NewHeaderParser() *HeaderParser {
	return &HeaderParser{state: awaitingStreamType}
}

// NewSessionIDParser returns a parser for a stream whose type tag was already
// consumed by the HTTP/3 framing layer, leaving only the session id varint.
func NewSessionIDParser(streamType uint64) *HeaderParser {
	return &HeaderParser{
		state: awaitingSessionID,
		hdr:   StreamHeader{Type: streamType},
	}
}

// Push feeds newly arrived bytes to the parser. It returns the number of
// bytes of data consumed and whether the header is now complete. Bytes past
// the header are never consumed; they belong to the application payload.
//
// A stream type other than StreamTypeBidi/StreamTypeUni fails with
// ErrUnknownStreamType; a session id that is not a client-initiated
// bidirectional QUIC stream id (a multiple of 4) fails with
// ErrInvalidSessionID. Both are terminal: the stream must be reset.
func (p *HeaderParser) Push(data []byte) (int, bool, error) {
	if p.state == headerDone {
		return 0, true, nil
	}

	// Bytes buffered by previous deliveries were already reported consumed.
	old := len(p.buf)
	p.buf = append(p.buf, data...)

	var off int
	if p.state == awaitingStreamType {
		typ, n, err := quicvarint.Parse(p.buf)
		if err != nil {
			// Incomplete varint: buffer everything, wait for more.
			return len(data), false, nil
		}
		if typ != StreamTypeBidi && typ != StreamTypeUni {
			return 0, false, fmt.Errorf("%w: %#x", ErrUnknownStreamType, typ)
		}
		p.hdr.Type = typ
		p.state = awaitingSessionID
		off = n
	}

	id, n, err := quicvarint.Parse(p.buf[off:])
	if err != nil {
		p.buf = p.buf[off:]
		return len(data), false, nil
	}
	if id%4 != 0 {
		return 0, false, fmt.Errorf("%w: %#x", ErrInvalidSessionID, id)
	}
	p.hdr.SessionID = id
	p.state = headerDone

	consumed := off + n - old
	if consumed < 0 {
		consumed = 0
	}
	p.buf = nil
	return consumed, true, nil
}

// Header returns the decoded header. Only valid once Push reported completion.
func (p *HeaderParser) Header() StreamHeader {
	return p.hdr
}

// ReadHeader drives p from r one byte at a time until the header completes.
// Reading byte-wise means no application payload is ever over-read; the
// header is at most MaxStreamHeaderLen bytes, so the cost is negligible.
func ReadHeader(r io.Reader, p *HeaderParser) (StreamHeader, error) {
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return StreamHeader{}, fmt.Errorf("read stream header: %w", err)
		}
		if _, done, err := p.Push(b[:]); err != nil {
			return StreamHeader{}, err
		} else if done {
			return p.Header(), nil
		}
	}
}

// AppendStreamHeader appends the two-varint stream tag to b.
func AppendStreamHeader(b []byte, streamType, sessionID uint64) []byte {
	b = quicvarint.Append(b, streamType)
	return quicvarint.Append(b, sessionID)
}
