// Package wire implements the WebTransport wire-level codecs for HTTP/3
// (draft-ietf-webtrans-http3): the capsule protocol used on session control
// streams, the stream-type/session-id tags prefixed to WebTransport streams,
// the quarter-stream-id tag prefixed to HTTP/3 datagrams, and the mapping
// between WebTransport error codes and the HTTP/3 application error-code
// space.
//
// This package contains no session or transport logic; those higher-level
// concerns live in [github.com/zsiec/webtransport].
package wire
