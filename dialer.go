package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/webtransport/internal/wire"
)

// Dialer dials WebTransport sessions. The zero value is usable; fields must
// not be changed after the first Dial.
type Dialer struct {
	// TLSClientConfig is cloned before use. The HTTP/3 ALPN is set
	// automatically.
	TLSClientConfig *tls.Config

	// QUICConfig is cloned before use. Datagram support is enabled
	// automatically.
	QUICConfig *quic.Config

	// StreamReorderingTimeout bounds how long a stream that arrived before
	// its session's handshake is buffered. Zero means 5 seconds.
	StreamReorderingTimeout time.Duration

	// DialAddr establishes the QUIC connection. Nil means quic.DialAddrEarly.
	DialAddr func(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (quic.Connection, error)

	// Logger for session lifecycle events. Nil means slog.Default().
	Logger *slog.Logger

	initOnce sync.Once
	conns    *sessionManager
	tr       *http3.Transport
}

func (d *Dialer) init() {
	d.initOnce.Do(func() {
		log := d.Logger
		if log == nil {
			log = slog.Default()
		}
		d.conns = newSessionManager(d.StreamReorderingTimeout, log)
		d.tr = &http3.Transport{
			EnableDatagrams: false,
			AdditionalSettings: map[uint64]uint64{
				wire.SettingEnableWebTransport: 1,
				wire.SettingH3Datagram:         1,
			},
			StreamHijacker: func(ft http3.FrameType, id quic.ConnectionTracingID, str quic.Stream, err error) (bool, error) {
				return hijackBidiStream(d.conns, ft, id, str, err)
			},
			UniStreamHijacker: func(st http3.StreamType, id quic.ConnectionTracingID, str quic.ReceiveStream, err error) bool {
				return hijackUniStream(d.conns, st, id, str, err)
			},
		}
	})
}

// Dial connects to a WebTransport endpoint at urlStr (an https URL) and
// performs the extended CONNECT handshake. The returned response carries the
// server's headers; the session is live once Dial returns nil.
func (d *Dialer) Dial(ctx context.Context, urlStr string, hdr http.Header) (*http.Response, *Session, error) {
	d.init()

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, nil, fmt.Errorf("webtransport: unsupported scheme %q", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = u.Host + ":443"
	}

	tlsConf := d.TLSClientConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf.NextProtos = []string{http3.NextProtoH3}

	quicConf := &quic.Config{}
	if d.QUICConfig != nil {
		quicConf = d.QUICConfig.Clone()
	}
	quicConf.EnableDatagrams = true

	dial := d.DialAddr
	if dial == nil {
		dial = func(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) (quic.Connection, error) {
			c, err := quic.DialAddrEarly(ctx, addr, tlsConf, conf)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	qconn, err := dial(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	// Without a session the connection has no owner, so every failure exit
	// below must release it rather than leave it to the idle timeout.
	sessionStarted := false
	defer func() {
		if !sessionStarted {
			qconn.CloseWithError(0, "")
		}
	}()

	cc := d.tr.NewClientConn(qconn)
	select {
	case <-cc.ReceivedSettings():
	case <-qconn.Context().Done():
		return nil, nil, errors.New("webtransport: connection closed before SETTINGS")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	if err := verifySettings(cc.Settings()); err != nil {
		qconn.CloseWithError(quic.ApplicationErrorCode(wire.H3ErrSettingsError), err.Error())
		return nil, nil, err
	}

	rstr, err := cc.OpenRequestStream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open request stream: %w", err)
	}
	if hdr == nil {
		hdr = http.Header{}
	}
	req := &http.Request{
		Method: http.MethodConnect,
		Proto:  protocolName,
		Host:   u.Host,
		Header: hdr,
		URL:    u,
	}
	req = req.WithContext(ctx)
	if err := rstr.SendRequestHeader(req); err != nil {
		return nil, nil, fmt.Errorf("send CONNECT: %w", err)
	}
	rsp, err := rstr.ReadResponse()
	if err != nil {
		return nil, nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if rsp.StatusCode != http.StatusOK {
		return rsp, nil, fmt.Errorf("webtransport: handshake rejected with status %d", rsp.StatusCode)
	}

	sess := d.conns.addSession(qconn, uint64(rstr.StreamID()), rstr, true)
	sessionStarted = true
	return rsp, sess, nil
}

// verifySettings checks that the server advertised every capability a
// WebTransport session depends on. A missing capability fails the whole
// connection: it can never carry a session.
func verifySettings(settings *http3.Settings) error {
	if settings == nil {
		return errors.New("webtransport: no SETTINGS received")
	}
	if !settings.EnableExtendedConnect {
		return errors.New("webtransport: server does not support extended CONNECT")
	}
	if !settings.EnableDatagrams {
		return errors.New("webtransport: server does not support HTTP/3 datagrams")
	}
	if settings.Other[wire.SettingEnableWebTransport] != 1 {
		return errors.New("webtransport: server does not support WebTransport")
	}
	return nil
}
