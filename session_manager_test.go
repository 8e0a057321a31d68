package webtransport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zsiec/webtransport/internal/wire"
)

func TestManagerBuffersEarlyStream(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	// The stream races ahead of the CONNECT handshake.
	early := newMockStream(12, []byte("early bird"))
	mgr.addStream(id, early, 0)

	reqStr, _ := newPipeStream(0)
	sess := mgr.addSession(qconn, 0, reqStr, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	str, err := sess.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := str.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "early bird" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestManagerBuffersEarlyUniStream(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	early := newMockStream(3, []byte("uni"))
	mgr.addUniStream(id, early, 4)

	reqStr, _ := newPipeStream(4)
	sess := mgr.addSession(qconn, 4, reqStr, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	str, err := sess.AcceptUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := str.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "uni" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestManagerExpiresBufferedStreams(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newSessionManager(20*time.Millisecond, testLogger(t))
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	early := newMockStream(12, nil)
	mgr.addStream(id, early, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, readReset, writeReset := early.resetCodes(); readReset && writeReset {
			break
		}
		time.Sleep(time.Millisecond)
	}
	readCode, writeCode, readReset, writeReset := early.resetCodes()
	if !readReset || !writeReset {
		t.Fatal("buffered stream not reset after timeout")
	}
	if uint64(readCode) != wire.BufferedStreamRejectedErrorCode || uint64(writeCode) != wire.BufferedStreamRejectedErrorCode {
		t.Fatalf("reset codes = %#x/%#x, want buffered-stream-rejected", readCode, writeCode)
	}

	// The session arriving after expiry starts clean.
	reqStr, _ := newPipeStream(0)
	sess := mgr.addSession(qconn, 0, reqStr, false)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sess.AcceptStream(ctx); err == nil {
		t.Fatal("expected no buffered stream after expiry")
	}
}

func TestManagerBufferOverflowRejectsStream(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	for i := 0; i < maxPendingStreams; i++ {
		mgr.addStream(id, newMockStream(12, nil), 0)
	}
	over := newMockStream(999, nil)
	mgr.addStream(id, over, 0)

	readCode, writeCode, readReset, writeReset := over.resetCodes()
	if !readReset || !writeReset {
		t.Fatal("overflow stream not rejected")
	}
	if uint64(readCode) != wire.BufferedStreamRejectedErrorCode || uint64(writeCode) != wire.BufferedStreamRejectedErrorCode {
		t.Fatalf("reset codes = %#x/%#x", readCode, writeCode)
	}
}

func TestManagerStreamForUnknownConn(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)

	str := newMockStream(12, nil)
	mgr.addStream(42424242, str, 0)

	_, writeCode, readReset, writeReset := str.resetCodes()
	if !readReset || !writeReset {
		t.Fatal("stream for unknown connection not rejected")
	}
	if uint64(writeCode) != wire.BufferedStreamRejectedErrorCode {
		t.Fatalf("reset code = %#x", writeCode)
	}
}

func TestManagerBuffersEarlyDatagrams(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)

	// Datagrams arrive through the connection loop before the session exists.
	qconn.incomingDatagrams <- append(wire.AppendDatagramTag(nil, 0), []byte("first")...)
	qconn.incomingDatagrams <- append(wire.AppendDatagramTag(nil, 0), []byte("second")...)

	// Wait for the loop to drain the channel into the pending buffer.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(qconn.incomingDatagrams) > 0 {
		time.Sleep(time.Millisecond)
	}

	reqStr, _ := newPipeStream(0)
	sess := mgr.addSession(qconn, 0, reqStr, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, want := range []string{"first", "second"} {
		data, err := sess.ReceiveDatagram(ctx)
		if err != nil {
			t.Fatalf("datagram %d: %v", i, err)
		}
		if string(data) != want {
			t.Fatalf("datagram %d = %q, want %q", i, data, want)
		}
	}
}

func TestManagerDropsMalformedDatagrams(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)

	// Truncated varint: announced 8-byte quarter id, one byte delivered.
	qconn.incomingDatagrams <- []byte{0xc0}

	reqStr, _ := newPipeStream(0)
	sess := mgr.addSession(qconn, 0, reqStr, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := sess.ReceiveDatagram(ctx); err == nil {
		t.Fatal("malformed datagram should have been dropped")
	}
}

func TestManagerRoutesDatagramsBySession(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)

	reqA, _ := newPipeStream(0)
	reqB, _ := newPipeStream(4)
	sessA := mgr.addSession(qconn, 0, reqA, false)
	sessB := mgr.addSession(qconn, 4, reqB, false)

	qconn.incomingDatagrams <- append(wire.AppendDatagramTag(nil, 4), []byte("for B")...)
	qconn.incomingDatagrams <- append(wire.AppendDatagramTag(nil, 0), []byte("for A")...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := sessA.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "for A" {
		t.Fatalf("session A received %q", data)
	}
	data, err = sessB.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "for B" {
		t.Fatalf("session B received %q", data)
	}
}

func TestManagerSessionRemovedOnClose(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	id := connTracingID(qconn)

	reqStr, _ := newPipeStream(0)
	sess := mgr.addSession(qconn, 0, reqStr, false)
	if err := sess.CloseWithError(0, ""); err != nil {
		t.Fatal(err)
	}

	mgr.mu.Lock()
	_, exists := mgr.conns[id].sessions[0]
	mgr.mu.Unlock()
	if exists {
		t.Fatal("closed session still in the session table")
	}
}

func TestManagerConnCleanup(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	if err := qconn.CloseWithError(0, ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		_, exists := mgr.conns[id]
		mgr.mu.Unlock()
		if !exists {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connection state not removed after close")
}

func TestManagerStreamsForDifferentSessions(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	id := connTracingID(qconn)

	reqA, _ := newPipeStream(0)
	reqB, _ := newPipeStream(4)
	sessA := mgr.addSession(qconn, 0, reqA, false)
	sessB := mgr.addSession(qconn, 4, reqB, false)

	mgr.addStream(id, newMockStream(8, []byte("to A")), 0)
	mgr.addStream(id, newMockStream(12, []byte("to B")), 4)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, tc := range []struct {
		sess *Session
		want string
	}{
		{sessA, "to A"},
		{sessB, "to B"},
	} {
		str, err := tc.sess.AcceptStream(ctx)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 8)
		n, err := str.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(buf[:n]); got != tc.want {
			t.Fatalf("accepted stream read %q, want %q", got, tc.want)
		}
	}
}

func TestManagerDatagramBufferBounds(t *testing.T) {
	t.Parallel()
	qconn := newMockConnection()
	mgr := newTestManager(t)
	mgr.trackConn(qconn)
	id := connTracingID(qconn)

	for i := 0; i < maxPendingDatagrams+10; i++ {
		mgr.routeDatagram(id, 0, []byte(fmt.Sprintf("dgram-%d", i)))
	}

	mgr.mu.Lock()
	entry := mgr.conns[id].sessions[0]
	buffered := len(entry.datagrams)
	mgr.mu.Unlock()
	if buffered != maxPendingDatagrams {
		t.Fatalf("buffered %d datagrams, want %d", buffered, maxPendingDatagrams)
	}
}
