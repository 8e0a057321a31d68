package wire

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// AppendDatagramTag appends the quarter-stream-id prefix for a session's
// datagrams to b. Session ids are client-initiated bidirectional QUIC stream
// ids and therefore always multiples of 4, so the quarter id is exact.
func AppendDatagramTag(b []byte, sessionID uint64) []byte {
	return quicvarint.Append(b, sessionID/4)
}

// ParseDatagram splits an inbound datagram into its owning session id and the
// application payload. Datagrams are unreliable by contract: callers drop the
// datagram on error rather than surfacing anything to the peer.
func ParseDatagram(data []byte) (uint64, []byte, error) {
	quarterID, n, err := quicvarint.Parse(data)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrDatagramTooShort, err)
	}
	if quarterID > quicvarint.Max/4 {
		return 0, nil, fmt.Errorf("%w: quarter stream id %#x", ErrInvalidSessionID, quarterID)
	}
	return quarterID * 4, data[n:], nil
}
