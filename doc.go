// Package webtransport implements the WebTransport protocol over HTTP/3
// (draft-ietf-webtrans-http3). It provides a Server that upgrades extended
// CONNECT requests into sessions and a Dialer for the client side. A Session
// multiplexes bidirectional streams, unidirectional streams, and unreliable
// datagrams over a single QUIC connection, alongside regular HTTP/3 traffic.
package webtransport
