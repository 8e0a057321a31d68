package webtransport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/webtransport/internal/wire"
)

// Bounds on state buffered for a session whose CONNECT exchange has not
// finished yet. Streams and datagrams can overtake the handshake because QUIC
// delivers streams in arbitrary order; anything beyond these bounds is
// rejected or dropped rather than held.
const (
	defaultReorderingTimeout = 5 * time.Second
	maxPendingStreams        = 8
	maxPendingDatagrams      = 32
	maxPendingDatagramBytes  = 64 << 10
)

// sessionManager owns the per-connection session tables. It routes hijacked
// streams and inbound datagrams to their session by session id, buffering
// briefly when a stream arrives before its session's handshake completes.
// One manager serves all connections of a Server or Dialer.
type sessionManager struct {
	timeout time.Duration
	log     *slog.Logger

	mu    sync.Mutex
	conns map[quic.ConnectionTracingID]*trackedConn
}

type trackedConn struct {
	qconn    quic.Connection
	sessions map[uint64]*sessionEntry
}

// sessionEntry is either pending (session == nil, buffers armed with an
// expiry timer) or established.
type sessionEntry struct {
	session *Session

	timer         *time.Timer
	bidiStreams   []quic.Stream
	uniStreams    []quic.ReceiveStream
	datagrams     [][]byte
	datagramBytes int
}

func newSessionManager(timeout time.Duration, log *slog.Logger) *sessionManager {
	if timeout <= 0 {
		timeout = defaultReorderingTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &sessionManager{
		timeout: timeout,
		log:     log,
		conns:   make(map[quic.ConnectionTracingID]*trackedConn),
	}
}

func connTracingID(qconn quic.Connection) quic.ConnectionTracingID {
	return qconn.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)
}

// trackConn registers a QUIC connection with the manager. It is idempotent.
// The manager runs the connection's datagram receive loop and removes all of
// the connection's state when the connection closes.
func (m *sessionManager) trackConn(qconn quic.Connection) {
	id := connTracingID(qconn)

	m.mu.Lock()
	if _, ok := m.conns[id]; ok {
		m.mu.Unlock()
		return
	}
	m.conns[id] = &trackedConn{
		qconn:    qconn,
		sessions: make(map[uint64]*sessionEntry),
	}
	m.mu.Unlock()

	go m.runDatagramLoop(qconn, id)
	context.AfterFunc(qconn.Context(), func() { m.removeConn(id) })
}

// connForID resolves a tracked connection by its tracing id.
func (m *sessionManager) connForID(id quic.ConnectionTracingID) quic.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok := m.conns[id]; ok {
		return tc.qconn
	}
	return nil
}

// addSession registers a freshly negotiated session and flushes any streams
// and datagrams that arrived ahead of the handshake.
func (m *sessionManager) addSession(qconn quic.Connection, sessionID uint64, requestStr quic.Stream, isClient bool) *Session {
	m.trackConn(qconn)
	id := connTracingID(qconn)

	sess := newSession(qconn, sessionID, requestStr, isClient, m.log)
	sess.onClose = func() { m.removeSession(id, sessionID) }

	m.mu.Lock()
	tc := m.conns[id]
	var pending *sessionEntry
	if tc != nil {
		pending = tc.sessions[sessionID]
		tc.sessions[sessionID] = &sessionEntry{session: sess}
	}
	m.mu.Unlock()

	if pending != nil {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		for _, str := range pending.bidiStreams {
			sess.addIncomingStream(str)
		}
		for _, str := range pending.uniStreams {
			sess.addIncomingUniStream(str)
		}
		for _, dgram := range pending.datagrams {
			sess.enqueueDatagram(dgram)
		}
	}

	sess.markEstablished()
	go sess.run()
	return sess
}

func (m *sessionManager) removeSession(id quic.ConnectionTracingID, sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok := m.conns[id]; ok {
		delete(tc.sessions, sessionID)
	}
}

// removeConn tears down all state for a closed connection. Established
// sessions observe the closure through their own request-stream read, so only
// pending timers need stopping here.
func (m *sessionManager) removeConn(id quic.ConnectionTracingID) {
	m.mu.Lock()
	tc, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, entry := range tc.sessions {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

// addStream routes an incoming bidirectional stream, already stripped of its
// header, to the session that owns it.
func (m *sessionManager) addStream(id quic.ConnectionTracingID, str quic.Stream, sessionID uint64) {
	m.mu.Lock()
	entry, ok := m.pendingOrSession(id, sessionID)
	if !ok {
		m.mu.Unlock()
		rejectBidiStream(str)
		return
	}
	if entry.session != nil {
		sess := entry.session
		m.mu.Unlock()
		sess.addIncomingStream(str)
		return
	}
	if len(entry.bidiStreams)+len(entry.uniStreams) >= maxPendingStreams {
		m.mu.Unlock()
		m.log.Debug("rejecting stream buffered beyond limit", "session", sessionID)
		rejectBidiStream(str)
		return
	}
	entry.bidiStreams = append(entry.bidiStreams, str)
	m.mu.Unlock()
}

// addUniStream routes an incoming unidirectional stream to its session.
func (m *sessionManager) addUniStream(id quic.ConnectionTracingID, str quic.ReceiveStream, sessionID uint64) {
	m.mu.Lock()
	entry, ok := m.pendingOrSession(id, sessionID)
	if !ok {
		m.mu.Unlock()
		str.CancelRead(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
		return
	}
	if entry.session != nil {
		sess := entry.session
		m.mu.Unlock()
		sess.addIncomingUniStream(str)
		return
	}
	if len(entry.bidiStreams)+len(entry.uniStreams) >= maxPendingStreams {
		m.mu.Unlock()
		m.log.Debug("rejecting stream buffered beyond limit", "session", sessionID)
		str.CancelRead(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
		return
	}
	entry.uniStreams = append(entry.uniStreams, str)
	m.mu.Unlock()
}

// pendingOrSession returns the entry for a session id, creating a pending
// entry with an armed expiry timer when none exists. Called with m.mu held.
// ok is false when the connection itself is unknown.
func (m *sessionManager) pendingOrSession(id quic.ConnectionTracingID, sessionID uint64) (*sessionEntry, bool) {
	tc, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	if entry, ok := tc.sessions[sessionID]; ok {
		return entry, true
	}
	entry := &sessionEntry{}
	entry.timer = time.AfterFunc(m.timeout, func() { m.expirePending(id, sessionID, entry) })
	tc.sessions[sessionID] = entry
	return entry, true
}

// expirePending fires when a buffered session never completed its handshake.
// Buffered streams are reset so the peer learns they were not delivered.
func (m *sessionManager) expirePending(id quic.ConnectionTracingID, sessionID uint64, entry *sessionEntry) {
	m.mu.Lock()
	tc, ok := m.conns[id]
	if !ok || tc.sessions[sessionID] != entry {
		// The session arrived (or the conn died) between the timer firing
		// and the lock being taken.
		m.mu.Unlock()
		return
	}
	delete(tc.sessions, sessionID)
	m.mu.Unlock()

	m.log.Debug("expiring buffered streams for unknown session", "session", sessionID)
	for _, str := range entry.bidiStreams {
		rejectBidiStream(str)
	}
	for _, str := range entry.uniStreams {
		str.CancelRead(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
	}
}

func rejectBidiStream(str quic.Stream) {
	str.CancelRead(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
	str.CancelWrite(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
}

// runDatagramLoop receives QUIC datagrams for one connection and routes each
// to its session by the quarter-stream-id tag. Datagrams for a session still
// buffering are held within the pending bounds; malformed datagrams are
// dropped silently, as the datagram contract allows.
func (m *sessionManager) runDatagramLoop(qconn quic.Connection, id quic.ConnectionTracingID) {
	ctx := qconn.Context()
	for {
		data, err := qconn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		sessionID, payload, err := wire.ParseDatagram(data)
		if err != nil {
			continue
		}
		m.routeDatagram(id, sessionID, payload)
	}
}

func (m *sessionManager) routeDatagram(id quic.ConnectionTracingID, sessionID uint64, payload []byte) {
	m.mu.Lock()
	entry, ok := m.pendingOrSession(id, sessionID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if entry.session != nil {
		sess := entry.session
		m.mu.Unlock()
		sess.enqueueDatagram(payload)
		return
	}
	if len(entry.datagrams) >= maxPendingDatagrams ||
		entry.datagramBytes+len(payload) > maxPendingDatagramBytes {
		m.mu.Unlock()
		return
	}
	entry.datagrams = append(entry.datagrams, payload)
	entry.datagramBytes += len(payload)
	m.mu.Unlock()
}
