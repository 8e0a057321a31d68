package wire

// HTTP/3 SETTINGS identifiers negotiated before any WebTransport handshake.
// Both peers must advertise WebTransport and HTTP datagram support; absence
// is fatal to the whole connection, not just one session, because these are
// connection-wide capabilities.
const (
	SettingEnableWebTransport      uint64 = 0x2b603742
	SettingH3Datagram              uint64 = 0x33
	SettingWebTransportMaxSessions uint64 = 0xc671706a
)

// H3ErrSettingsError is the HTTP/3 connection error used when a peer is
// missing a required capability (RFC 9114 §8.1).
const H3ErrSettingsError uint64 = 0x109
