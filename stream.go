package webtransport

import (
	"errors"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/webtransport/internal/wire"
)

// SendStream is the write half of a WebTransport stream.
type SendStream interface {
	// Write writes data to the stream. It blocks until all data is buffered
	// or the stream is reset.
	Write(p []byte) (int, error)
	// Close closes the write direction cleanly. The peer sees io.EOF after
	// reading all sent data.
	Close() error
	// CancelWrite resets the write direction abruptly with an application
	// error code. Buffered but unsent data is discarded.
	CancelWrite(StreamErrorCode)

	StreamID() quic.StreamID
	SetWriteDeadline(time.Time) error
}

// ReceiveStream is the read half of a WebTransport stream.
type ReceiveStream interface {
	// Read reads data from the stream. It returns io.EOF after the peer
	// closed its write direction.
	Read(p []byte) (int, error)
	// CancelRead tells the peer to stop sending, with an application error
	// code. Subsequent reads fail.
	CancelRead(StreamErrorCode)

	StreamID() quic.StreamID
	SetReadDeadline(time.Time) error
}

// Stream is a bidirectional WebTransport stream.
type Stream interface {
	SendStream
	ReceiveStream
	SetDeadline(time.Time) error
}

// maybeConvertStreamError rewrites a quic.StreamError carrying a WebTransport
// error code into a StreamError with the application code. Other errors pass
// through unchanged.
func maybeConvertStreamError(err error) error {
	if err == nil {
		return nil
	}
	var streamErr *quic.StreamError
	if !errors.As(err, &streamErr) {
		return err
	}
	code, cerr := wire.FromTransportCode(uint64(streamErr.ErrorCode))
	if cerr != nil {
		return err
	}
	return &StreamError{ErrorCode: StreamErrorCode(code), Remote: streamErr.Remote}
}

// sendStream wraps a quic.SendStream. The stream header (type tag and session
// id) is written lazily, prepended to the first write, so that opening a
// stream never blocks on flow control. Close flushes the header if nothing
// was ever written, so the peer still learns which session owns the stream.
type sendStream struct {
	str quic.SendStream

	mu     sync.Mutex
	header []byte // remaining unsent header bytes, nil once flushed

	onDone func() // called at most once, when the send side is finished
	once   sync.Once
}

var _ SendStream = (*sendStream)(nil)

func newSendStream(str quic.SendStream, header []byte, onDone func()) *sendStream {
	return &sendStream{str: str, header: header, onDone: onDone}
}

func (s *sendStream) done() {
	s.once.Do(s.onDone)
}

// writeHeader sends any pending header bytes. Partial writes keep the unsent
// tail so a retry can resume.
func (s *sendStream) writeHeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.header) > 0 {
		n, err := s.str.Write(s.header)
		s.header = s.header[n:]
		if err != nil {
			return err
		}
	}
	s.header = nil
	return nil
}

func (s *sendStream) Write(p []byte) (int, error) {
	if err := s.writeHeader(); err != nil {
		if !isDeadlineError(err) {
			s.done()
		}
		return 0, maybeConvertStreamError(err)
	}
	n, err := s.str.Write(p)
	if err != nil && !isDeadlineError(err) {
		s.done()
	}
	return n, maybeConvertStreamError(err)
}

func (s *sendStream) Close() error {
	if err := s.writeHeader(); err != nil {
		s.done()
		return maybeConvertStreamError(err)
	}
	err := s.str.Close()
	s.done()
	return maybeConvertStreamError(err)
}

func (s *sendStream) CancelWrite(code StreamErrorCode) {
	s.str.CancelWrite(quic.StreamErrorCode(wire.ToTransportCode(uint32(code))))
	s.done()
}

func (s *sendStream) abandon(code quic.StreamErrorCode) {
	s.str.CancelWrite(code)
	s.done()
}

func (s *sendStream) StreamID() quic.StreamID { return s.str.StreamID() }

func (s *sendStream) SetWriteDeadline(t time.Time) error {
	return s.str.SetWriteDeadline(t)
}

// receiveStream wraps a quic.ReceiveStream. For incoming streams the header
// was already consumed during dispatch, so reads start at the application
// payload.
type receiveStream struct {
	str quic.ReceiveStream

	onDone func()
	once   sync.Once
}

var _ ReceiveStream = (*receiveStream)(nil)

func newReceiveStream(str quic.ReceiveStream, onDone func()) *receiveStream {
	return &receiveStream{str: str, onDone: onDone}
}

func (s *receiveStream) done() {
	s.once.Do(s.onDone)
}

func (s *receiveStream) Read(p []byte) (int, error) {
	n, err := s.str.Read(p)
	if err != nil && !isDeadlineError(err) {
		s.done()
	}
	return n, maybeConvertStreamError(err)
}

func (s *receiveStream) CancelRead(code StreamErrorCode) {
	s.str.CancelRead(quic.StreamErrorCode(wire.ToTransportCode(uint32(code))))
	s.done()
}

func (s *receiveStream) abandon(code quic.StreamErrorCode) {
	s.str.CancelRead(code)
	s.done()
}

func (s *receiveStream) StreamID() quic.StreamID { return s.str.StreamID() }

func (s *receiveStream) SetReadDeadline(t time.Time) error {
	return s.str.SetReadDeadline(t)
}

// bidiStream combines both halves of a bidirectional stream. Each half tracks
// its own completion; the session untracks the stream when both are done.
type bidiStream struct {
	*sendStream
	*receiveStream
}

var _ Stream = (*bidiStream)(nil)

func newBidiStream(str quic.Stream, header []byte, onDone func()) *bidiStream {
	remaining := 2
	var mu sync.Mutex
	half := func() {
		mu.Lock()
		remaining--
		last := remaining == 0
		mu.Unlock()
		if last {
			onDone()
		}
	}
	return &bidiStream{
		sendStream:    newSendStream(str, header, half),
		receiveStream: newReceiveStream(str, half),
	}
}

func (s *bidiStream) StreamID() quic.StreamID { return s.sendStream.StreamID() }

func (s *bidiStream) SetDeadline(t time.Time) error {
	err1 := s.SetReadDeadline(t)
	err2 := s.SetWriteDeadline(t)
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *bidiStream) abandon(code quic.StreamErrorCode) {
	s.sendStream.abandon(code)
	s.receiveStream.abandon(code)
}

func isDeadlineError(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sessionStream is anything the session tracks so it can tear streams down
// when the session ends. The reset code is the transport code derived from
// the session's close code, or WT_SESSION_GONE when the session ended without
// one.
type sessionStream interface {
	abandon(code quic.StreamErrorCode)
}
