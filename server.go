package webtransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/webtransport/internal/wire"
)

// protocolName is the value of the :protocol pseudo-header in the extended
// CONNECT request.
const protocolName = "webtransport"

// draftHeader advertises the implemented draft on the upgrade response, for
// clients that negotiate by header rather than SETTINGS.
const (
	draftHeaderKey   = "Sec-Webtransport-Http3-Draft"
	draftHeaderValue = "draft02"
)

// defaultMaxSessions is advertised via SETTINGS_WEBTRANSPORT_MAX_SESSIONS
// when Server.MaxSessions is unset.
const defaultMaxSessions = 100

// Server is a WebTransport server. Set up the embedded http3.Server (Addr,
// TLSConfig, Handler) as for any HTTP/3 server and call Upgrade from a
// handler to accept sessions.
//
// The Server owns the H3 server's StreamHijacker, UniStreamHijacker,
// ConnContext, and the WebTransport-related SETTINGS; do not set those
// yourself.
type Server struct {
	H3 http3.Server

	// StreamReorderingTimeout bounds how long a stream that arrived before
	// its session's handshake is buffered. Zero means 5 seconds.
	StreamReorderingTimeout time.Duration

	// CheckOrigin decides whether a session request from the given origin is
	// allowed. Nil means same-origin only.
	CheckOrigin func(r *http.Request) bool

	// MaxSessions is advertised to clients via SETTINGS. Zero means 100.
	MaxSessions int

	// Logger for session lifecycle events. Nil means slog.Default().
	Logger *slog.Logger

	initOnce sync.Once
	conns    *sessionManager
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		log := s.Logger
		if log == nil {
			log = slog.Default()
		}
		s.conns = newSessionManager(s.StreamReorderingTimeout, log)

		maxSessions := s.MaxSessions
		if maxSessions <= 0 {
			maxSessions = defaultMaxSessions
		}
		if s.H3.AdditionalSettings == nil {
			s.H3.AdditionalSettings = make(map[uint64]uint64)
		}
		s.H3.AdditionalSettings[wire.SettingEnableWebTransport] = 1
		s.H3.AdditionalSettings[wire.SettingH3Datagram] = 1
		s.H3.AdditionalSettings[wire.SettingWebTransportMaxSessions] = uint64(maxSessions)

		// Datagrams are negotiated at the QUIC layer and demultiplexed by the
		// session manager; the HTTP/3 layer must not consume them.
		s.H3.EnableDatagrams = false
		if s.H3.QUICConfig == nil {
			s.H3.QUICConfig = &quic.Config{}
		}
		s.H3.QUICConfig.EnableDatagrams = true

		s.H3.ConnContext = func(ctx context.Context, c quic.Connection) context.Context {
			s.conns.trackConn(c)
			return ctx
		}
		s.H3.StreamHijacker = func(ft http3.FrameType, id quic.ConnectionTracingID, str quic.Stream, err error) (bool, error) {
			return hijackBidiStream(s.conns, ft, id, str, err)
		}
		s.H3.UniStreamHijacker = func(st http3.StreamType, id quic.ConnectionTracingID, str quic.ReceiveStream, err error) bool {
			return hijackUniStream(s.conns, st, id, str, err)
		}
	})
}

// hijackBidiStream claims bidirectional streams that start with the
// WebTransport frame type. It reads the session id synchronously; the header
// is at most a few bytes and QUIC delivers it with the frame type in almost
// all cases.
func hijackBidiStream(conns *sessionManager, ft http3.FrameType, id quic.ConnectionTracingID, str quic.Stream, err error) (bool, error) {
	if err != nil {
		return isWebTransportReset(err), nil
	}
	if uint64(ft) != wire.StreamTypeBidi {
		return false, nil
	}
	hdr, err := wire.ReadHeader(str, wire.NewSessionIDParser(wire.StreamTypeBidi))
	if err != nil {
		rejectBidiStream(str)
		return true, nil
	}
	conns.addStream(id, str, hdr.SessionID)
	return true, nil
}

// hijackUniStream claims unidirectional streams that start with the
// WebTransport stream type.
func hijackUniStream(conns *sessionManager, st http3.StreamType, id quic.ConnectionTracingID, str quic.ReceiveStream, err error) bool {
	if err != nil {
		return isWebTransportReset(err)
	}
	if uint64(st) != wire.StreamTypeUni {
		return false
	}
	hdr, err := wire.ReadHeader(str, wire.NewSessionIDParser(wire.StreamTypeUni))
	if err != nil {
		str.CancelRead(quic.StreamErrorCode(wire.BufferedStreamRejectedErrorCode))
		return true
	}
	conns.addUniStream(id, str, hdr.SessionID)
	return true
}

// isWebTransportReset reports whether a stream parse failure was caused by a
// reset carrying a WebTransport error code. Such streams belonged to a
// session and are ours to swallow, not an HTTP/3 protocol violation.
func isWebTransportReset(err error) bool {
	var streamErr *quic.StreamError
	if !errors.As(err, &streamErr) {
		return false
	}
	code := uint64(streamErr.ErrorCode)
	return wire.IsWebTransportCode(code) ||
		code == wire.SessionGoneErrorCode ||
		code == wire.BufferedStreamRejectedErrorCode
}

// ListenAndServe starts the HTTP/3 server on H3.Addr.
func (s *Server) ListenAndServe() error {
	s.init()
	return s.H3.ListenAndServe()
}

// ListenAndServeTLS starts the server using the given certificate files.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	s.init()
	return s.H3.ListenAndServeTLS(certFile, keyFile)
}

// Serve serves QUIC connections accepted on an existing UDP socket.
func (s *Server) Serve(conn net.PacketConn) error {
	s.init()
	return s.H3.Serve(conn)
}

// ServeQUICConn serves a single pre-established QUIC connection.
func (s *Server) ServeQUICConn(conn quic.Connection) error {
	s.init()
	return s.H3.ServeQUICConn(conn)
}

// Close closes the server immediately, dropping active sessions.
func (s *Server) Close() error {
	s.init()
	return s.H3.Close()
}

// Upgrade accepts a WebTransport session on an extended CONNECT request. The
// handler must keep running while the session is used: returning from the
// handler closes the request stream and with it the session.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, error) {
	s.init()

	if r.Method != http.MethodConnect || r.Proto != protocolName {
		w.WriteHeader(http.StatusBadRequest)
		return nil, fmt.Errorf("webtransport: expected extended CONNECT, got %s %s", r.Method, r.Proto)
	}
	checkOrigin := s.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		w.WriteHeader(http.StatusForbidden)
		return nil, fmt.Errorf("webtransport: origin %q not allowed", r.Header.Get("Origin"))
	}

	id, ok := r.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return nil, errors.New("webtransport: request not served over HTTP/3")
	}
	qconn := s.conns.connForID(id)
	if qconn == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil, errors.New("webtransport: unknown connection")
	}
	if !qconn.ConnectionState().SupportsDatagrams {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("webtransport: peer did not negotiate QUIC datagram support")
	}

	w.Header().Set(draftHeaderKey, draftHeaderValue)
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()

	httpStreamer, ok := r.Body.(http3.HTTPStreamer)
	if !ok {
		return nil, errors.New("webtransport: request body does not expose the stream")
	}
	str := httpStreamer.HTTPStream()
	return s.conns.addSession(qconn, uint64(str.StreamID()), str, false), nil
}

// checkSameOrigin is the default origin policy: requests without an Origin
// header, or with an Origin matching the request host, are allowed.
func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return equalASCIIFold(u.Host, r.Host)
}

// equalASCIIFold compares two strings case-insensitively for ASCII letters
// without allocating.
func equalASCIIFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		a, b := s[i], t[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
