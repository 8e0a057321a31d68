package webtransport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/webtransport/internal/wire"
)

// SessionState describes where a session is in its lifecycle.
type SessionState uint8

const (
	// StateConnecting covers the window between the CONNECT exchange and the
	// session becoming usable.
	StateConnecting SessionState = iota
	// StateEstablished is the normal operating state.
	StateEstablished
	// StateDraining means the peer asked us to stop opening new streams.
	// Existing streams and datagrams keep working.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// sessionDatagramQueue bounds how many inbound datagrams are held for an
// application that is slow to call ReceiveDatagram. Datagrams are unreliable;
// overflow drops the oldest rather than blocking the connection's receive
// loop.
const sessionDatagramQueue = 32

// Session is a single WebTransport session. It is created by Server.Upgrade
// on the server and Dialer.Dial on the client, never directly.
//
// All methods are safe for concurrent use.
type Session struct {
	sessionID  uint64
	qconn      quic.Connection
	requestStr quic.Stream
	isClient   bool
	log        *slog.Logger

	// writeMu serializes capsule writes to the request stream.
	writeMu sync.Mutex

	ctx       context.Context
	cancelCtx context.CancelCauseFunc

	bidiAccept *acceptQueue[Stream]
	uniAccept  *acceptQueue[ReceiveStream]

	dgramMu    sync.Mutex
	dgramQueue [][]byte
	dgramC     chan struct{}

	mu        sync.Mutex
	state     SessionState
	drainSent bool
	closeErr  *SessionError
	streams   map[quic.StreamID]sessionStream

	// onClose detaches the session from its connection's session table.
	onClose func()
}

func newSession(qconn quic.Connection, sessionID uint64, requestStr quic.Stream, isClient bool, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	role := "server"
	if isClient {
		role = "client"
	}
	return &Session{
		sessionID:  sessionID,
		qconn:      qconn,
		requestStr: requestStr,
		isClient:   isClient,
		log:        log.With("session", sessionID, "role", role),
		ctx:        ctx,
		cancelCtx:  cancel,
		bidiAccept: newAcceptQueue[Stream](),
		uniAccept:  newAcceptQueue[ReceiveStream](),
		dgramC:     make(chan struct{}, 1),
		streams:    make(map[quic.StreamID]sessionStream),
	}
}

// SessionID returns the QUIC stream id of the CONNECT request stream, which
// identifies this session on the wire.
func (s *Session) SessionID() uint64 { return s.sessionID }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context is canceled when the session ends. The cancellation cause is the
// session's *SessionError.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) LocalAddr() net.Addr  { return s.qconn.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.qconn.RemoteAddr() }

// markEstablished transitions Connecting to Established. Called once the
// session is registered with the connection's session table.
func (s *Session) markEstablished() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateEstablished
	}
	s.mu.Unlock()
}

// run reads capsules off the request stream until the session ends. It is the
// only reader of the request stream body after the CONNECT exchange.
func (s *Session) run() {
	r := bufio.NewReader(s.requestStr)
	for {
		capsule, err := wire.ReadCapsule(r)
		if err != nil {
			s.handleControlError(err)
			return
		}
		switch capsule.Type {
		case wire.CapsuleCloseSession:
			info, err := wire.ParseCloseCapsule(capsule.Payload)
			if err != nil {
				s.log.Debug("malformed CLOSE capsule", "error", err)
				s.closeWithRemote(&SessionError{Remote: true}, false)
				return
			}
			s.closeWithRemote(&SessionError{
				ErrorCode: SessionErrorCode(info.Code),
				Remote:    true,
				Message:   info.Reason,
			}, true)
			return
		case wire.CapsuleDrainSession:
			s.startDraining()
		default:
			s.log.Debug("ignoring unknown capsule", "type", fmt.Sprintf("%#x", capsule.Type))
		}
	}
}

// handleControlError maps a request-stream read failure to a session close.
// EOF or a stream reset without a preceding CLOSE capsule is an abrupt
// termination; either way the session ends with the bare "peer went away"
// error, but a reset's code is worth recording.
func (s *Session) handleControlError(err error) {
	var streamErr *quic.StreamError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	case errors.As(err, &streamErr):
		s.log.Debug("request stream reset", "code", uint64(streamErr.ErrorCode))
	default:
		s.log.Debug("request stream failed", "error", err)
	}
	s.closeWithRemote(&SessionError{Remote: true}, false)
}

// startDraining handles a DRAIN capsule. Only an established session changes
// state; draining twice or after close is a no-op.
func (s *Session) startDraining() {
	s.mu.Lock()
	if s.state == StateEstablished {
		s.state = StateDraining
		s.log.Debug("session draining")
	}
	s.mu.Unlock()
}

// Drain asks the peer to stop opening new streams on this session, without
// closing it. Sending DRAIN also moves the local side to Draining: no new
// locally-initiated streams or datagrams either way around. Streams already
// open are unaffected.
func (s *Session) Drain() error {
	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	if s.state == StateEstablished {
		s.state = StateDraining
	}
	alreadySent := s.drainSent
	s.drainSent = true
	s.mu.Unlock()
	if alreadySent {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteCapsule(s.requestStr, wire.CapsuleDrainSession, nil)
}

// CloseWithError closes the session: a CLOSE capsule with the given code and
// message is sent to the peer, the request stream is finished, and every
// stream belonging to the session is reset. Closing an already-closed session
// is a no-op.
func (s *Session) CloseWithError(code SessionErrorCode, msg string) error {
	closeErr := &SessionError{ErrorCode: code, Message: msg}
	if !s.close(closeErr, true) {
		return nil
	}

	// CLOSE must be the final capsule, immediately followed by a clean FIN.
	payload := wire.SerializeClose(wire.CloseInfo{Code: uint32(code), Reason: msg})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteCapsule(s.requestStr, wire.CapsuleCloseSession, payload); err != nil {
		s.requestStr.CancelWrite(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return fmt.Errorf("write CLOSE capsule: %w", err)
	}
	if err := s.requestStr.Close(); err != nil {
		return fmt.Errorf("close request stream: %w", err)
	}
	return nil
}

// closeWithRemote records a peer-initiated close. The read side already ended;
// finish our write side without sending a capsule of our own. viaCapsule is
// true when the peer sent a well-formed CLOSE carrying an error code.
func (s *Session) closeWithRemote(closeErr *SessionError, viaCapsule bool) {
	if !s.close(closeErr, viaCapsule) {
		return
	}
	s.requestStr.CancelRead(quic.StreamErrorCode(wire.SessionGoneErrorCode))
	_ = s.requestStr.Close()
	if closeErr.Message != "" {
		s.log.Debug("session closed by peer", "code", closeErr.ErrorCode, "reason", closeErr.Message)
	} else {
		s.log.Debug("session closed by peer", "code", closeErr.ErrorCode)
	}
}

// close transitions to StateClosed exactly once and tears down session state.
// It reports whether this call performed the transition. Tracked streams are
// reset with the transport code derived from the exchanged CLOSE code;
// abrupt terminations, which carry no code, use WT_SESSION_GONE.
func (s *Session) close(closeErr *SessionError, viaCapsule bool) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.closeErr = closeErr
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	resetCode := quic.StreamErrorCode(wire.SessionGoneErrorCode)
	if viaCapsule {
		resetCode = quic.StreamErrorCode(wire.ToTransportCode(uint32(closeErr.ErrorCode)))
	}
	for _, str := range streams {
		str.abandon(resetCode)
	}
	s.cancelCtx(closeErr)
	if s.onClose != nil {
		s.onClose()
	}
	return true
}

// checkOpen is the gate for operations that need a live session.
func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return s.closeErr
	}
	return nil
}

// checkOpenForNewStream additionally refuses new streams while draining.
func (s *Session) checkOpenForNewStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return s.closeErr
	case StateDraining:
		return ErrSessionDraining
	}
	return nil
}

// trackStream registers a stream for reset-on-close. If the session already
// closed, the stream is reset immediately instead.
func (s *Session) trackStream(id quic.StreamID, str sessionStream) {
	s.mu.Lock()
	if s.streams == nil {
		s.mu.Unlock()
		str.abandon(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return
	}
	s.streams[id] = str
	s.mu.Unlock()
}

func (s *Session) untrackStream(id quic.StreamID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// AcceptStream accepts the next bidirectional stream the peer opened on this
// session. It blocks until a stream arrives, ctx is done, or the session ends.
func (s *Session) AcceptStream(ctx context.Context) (Stream, error) {
	for {
		if str, ok := s.bidiAccept.Next(); ok {
			return str, nil
		}
		if err := s.checkOpen(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, context.Cause(s.ctx)
		case <-s.bidiAccept.Chan():
		}
	}
}

// AcceptUniStream accepts the next unidirectional stream the peer opened on
// this session.
func (s *Session) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	for {
		if str, ok := s.uniAccept.Next(); ok {
			return str, nil
		}
		if err := s.checkOpen(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, context.Cause(s.ctx)
		case <-s.uniAccept.Chan():
		}
	}
}

// OpenStream opens a bidirectional stream on the session. It never blocks: if
// the peer's stream limit is exhausted, it returns an error immediately.
func (s *Session) OpenStream() (Stream, error) {
	if err := s.checkOpenForNewStream(); err != nil {
		return nil, err
	}
	qstr, err := s.qconn.OpenStream()
	if err != nil {
		return nil, err
	}
	return s.wrapBidiOutgoing(qstr), nil
}

// OpenStreamSync opens a bidirectional stream, blocking until the peer's
// stream limit allows it or ctx is done.
func (s *Session) OpenStreamSync(ctx context.Context) (Stream, error) {
	if err := s.checkOpenForNewStream(); err != nil {
		return nil, err
	}
	qstr, err := s.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpenForNewStream(); err != nil {
		qstr.CancelWrite(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		qstr.CancelRead(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return nil, err
	}
	return s.wrapBidiOutgoing(qstr), nil
}

// OpenUniStream opens a unidirectional stream toward the peer.
func (s *Session) OpenUniStream() (SendStream, error) {
	if err := s.checkOpenForNewStream(); err != nil {
		return nil, err
	}
	qstr, err := s.qconn.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return s.wrapUniOutgoing(qstr), nil
}

// OpenUniStreamSync opens a unidirectional stream, blocking until the peer's
// stream limit allows it or ctx is done.
func (s *Session) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	if err := s.checkOpenForNewStream(); err != nil {
		return nil, err
	}
	qstr, err := s.qconn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpenForNewStream(); err != nil {
		qstr.CancelWrite(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return nil, err
	}
	return s.wrapUniOutgoing(qstr), nil
}

func (s *Session) wrapBidiOutgoing(qstr quic.Stream) Stream {
	header := wire.AppendStreamHeader(nil, wire.StreamTypeBidi, s.sessionID)
	id := qstr.StreamID()
	str := newBidiStream(qstr, header, func() { s.untrackStream(id) })
	s.trackStream(id, str)
	return str
}

func (s *Session) wrapUniOutgoing(qstr quic.SendStream) SendStream {
	header := wire.AppendStreamHeader(nil, wire.StreamTypeUni, s.sessionID)
	id := qstr.StreamID()
	str := newSendStream(qstr, header, func() { s.untrackStream(id) })
	s.trackStream(id, str)
	return str
}

// addIncomingStream hands a dispatched bidirectional stream to the session.
// The stream header was already consumed. The state check and the tracking
// insert form one critical section so a concurrent close cannot miss the
// stream.
func (s *Session) addIncomingStream(qstr quic.Stream) {
	id := qstr.StreamID()
	str := newBidiStream(qstr, nil, func() { s.untrackStream(id) })

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		qstr.CancelWrite(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		qstr.CancelRead(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return
	}
	s.streams[id] = str
	s.mu.Unlock()

	s.bidiAccept.Add(str)
}

// addIncomingUniStream hands a dispatched unidirectional stream to the
// session.
func (s *Session) addIncomingUniStream(qstr quic.ReceiveStream) {
	id := qstr.StreamID()
	str := newReceiveStream(qstr, func() { s.untrackStream(id) })

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		qstr.CancelRead(quic.StreamErrorCode(wire.SessionGoneErrorCode))
		return
	}
	s.streams[id] = str
	s.mu.Unlock()

	s.uniAccept.Add(str)
}

// SendDatagram sends an unreliable datagram on the session. The payload plus
// the session tag must fit in the connection's datagram size limit. Like
// stream opens, sending is refused on a draining session; receiving keeps
// working.
func (s *Session) SendDatagram(payload []byte) error {
	if err := s.checkOpenForNewStream(); err != nil {
		return err
	}
	buf := wire.AppendDatagramTag(make([]byte, 0, len(payload)+8), s.sessionID)
	buf = append(buf, payload...)
	return s.qconn.SendDatagram(buf)
}

// ReceiveDatagram returns the next datagram received on this session. It
// blocks until one arrives, ctx is done, or the session ends.
func (s *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	for {
		s.dgramMu.Lock()
		if len(s.dgramQueue) > 0 {
			data := s.dgramQueue[0]
			s.dgramQueue = s.dgramQueue[1:]
			if len(s.dgramQueue) > 0 {
				select {
				case s.dgramC <- struct{}{}:
				default:
				}
			}
			s.dgramMu.Unlock()
			return data, nil
		}
		s.dgramMu.Unlock()

		if err := s.checkOpen(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, context.Cause(s.ctx)
		case <-s.dgramC:
		}
	}
}

// enqueueDatagram delivers an inbound datagram payload (session tag already
// stripped). When the queue is full the oldest datagram is dropped.
func (s *Session) enqueueDatagram(payload []byte) {
	s.dgramMu.Lock()
	if len(s.dgramQueue) >= sessionDatagramQueue {
		s.dgramQueue = s.dgramQueue[1:]
	}
	s.dgramQueue = append(s.dgramQueue, payload)
	s.dgramMu.Unlock()

	select {
	case s.dgramC <- struct{}{}:
	default:
	}
}
