package webtransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

// mockStream implements quic.Stream with separate Reader/Writer halves and
// records resets, mirroring how tests drive a stream from both ends.
type mockStream struct {
	id     quic.StreamID
	Reader io.Reader

	mu             sync.Mutex
	writeBuf       bytes.Buffer
	closed         bool
	readReset      bool
	writeReset     bool
	readResetCode  quic.StreamErrorCode
	writeResetCode quic.StreamErrorCode
}

var _ quic.Stream = (*mockStream)(nil)

func newMockStream(id quic.StreamID, input []byte) *mockStream {
	return &mockStream{id: id, Reader: bytes.NewReader(input)}
}

func (m *mockStream) Read(p []byte) (int, error) {
	if m.Reader == nil {
		return 0, io.EOF
	}
	return m.Reader.Read(p)
}

func (m *mockStream) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeReset {
		return 0, &quic.StreamError{StreamID: m.id, ErrorCode: m.writeResetCode}
	}
	if m.closed {
		return 0, errors.New("write on closed stream")
	}
	return m.writeBuf.Write(p)
}

func (m *mockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStream) CancelRead(code quic.StreamErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readReset = true
	m.readResetCode = code
}

func (m *mockStream) CancelWrite(code quic.StreamErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeReset = true
	m.writeResetCode = code
}

func (m *mockStream) StreamID() quic.StreamID            { return m.id }
func (m *mockStream) Context() context.Context           { return context.Background() }
func (m *mockStream) SetDeadline(_ time.Time) error      { return nil }
func (m *mockStream) SetReadDeadline(_ time.Time) error  { return nil }
func (m *mockStream) SetWriteDeadline(_ time.Time) error { return nil }

func (m *mockStream) written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.writeBuf.Bytes()...)
}

func (m *mockStream) wasClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockStream) resetCodes() (read, write quic.StreamErrorCode, readReset, writeReset bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readResetCode, m.writeResetCode, m.readReset, m.writeReset
}

var mockTracingID atomic.Int64

// mockConnection implements quic.Connection. Streams handed out by the Open
// methods are recorded so tests can inspect what the session wrote.
type mockConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	nextStreamID  quic.StreamID
	openedStreams []*mockStream
	sentDatagrams [][]byte

	incomingDatagrams chan []byte
}

var _ quic.Connection = (*mockConnection)(nil)

func newMockConnection() *mockConnection {
	id := quic.ConnectionTracingID(mockTracingID.Add(1))
	ctx := context.WithValue(context.Background(), quic.ConnectionTracingKey, id)
	ctx, cancel := context.WithCancel(ctx)
	return &mockConnection{
		ctx:               ctx,
		cancel:            cancel,
		incomingDatagrams: make(chan []byte, 16),
	}
}

func (c *mockConnection) openMockStream() *mockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	str := newMockStream(c.nextStreamID, nil)
	c.nextStreamID += 4
	c.openedStreams = append(c.openedStreams, str)
	return str
}

func (c *mockConnection) OpenStream() (quic.Stream, error) {
	return c.openMockStream(), nil
}

func (c *mockConnection) OpenStreamSync(_ context.Context) (quic.Stream, error) {
	return c.openMockStream(), nil
}

func (c *mockConnection) OpenUniStream() (quic.SendStream, error) {
	return c.openMockStream(), nil
}

func (c *mockConnection) OpenUniStreamSync(_ context.Context) (quic.SendStream, error) {
	return c.openMockStream(), nil
}

func (c *mockConnection) AcceptStream(ctx context.Context) (quic.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *mockConnection) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *mockConnection) SendDatagram(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentDatagrams = append(c.sentDatagrams, append([]byte(nil), payload...))
	return nil
}

func (c *mockConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incomingDatagrams:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConnection) CloseWithError(quic.ApplicationErrorCode, string) error {
	c.cancel()
	return nil
}

func (c *mockConnection) Context() context.Context { return c.ctx }

func (c *mockConnection) ConnectionState() quic.ConnectionState {
	return quic.ConnectionState{SupportsDatagrams: true}
}

func (c *mockConnection) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (c *mockConnection) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func (c *mockConnection) lastSentDatagram() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sentDatagrams) == 0 {
		return nil
	}
	return c.sentDatagrams[len(c.sentDatagrams)-1]
}

// pipeStream is a mockStream whose read side is an io.Pipe, for tests that
// feed the request stream incrementally while the session's capsule loop is
// running.
func newPipeStream(id quic.StreamID) (*mockStream, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &mockStream{id: id, Reader: pr}, pw
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
