package relay

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/markdingo/dnsbridge/internal/admission"
)

// countingStats is a Stats implementation that records every call for assertions, standing in for
// the aggregate stats a Listener would normally keep.
type countingStats struct {
	mu      sync.Mutex
	success int
	errors  []ErrKind
}

func (s *countingStats) AddSuccess(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success++
}

func (s *countingStats) AddError(kind ErrKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, kind)
}

func (s *countingStats) Closed(string) {}

func (s *countingStats) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

// udpEcho starts a UDP listener on loopback that echoes every received datagram back to its
// sender, simulating the upstream resolver. replyOverride, if non-nil, is sent instead of an echo.
func udpEcho(t *testing.T, replyOverride []byte) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("Cannot start UDP echo server: %s", err)
	}

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			reply := buf[:n]
			if replyOverride != nil {
				reply = replyOverride
			}
			conn.WriteToUDP(reply, addr)
		}
	}()

	return conn
}

// newTestRelay wires a Relay between an in-process TCP pair and a real UDP echo server, returning
// the client-side net.Conn and the Relay for the caller to Start.
func newTestRelay(t *testing.T, stats Stats, replyOverride []byte) (client net.Conn, r *Relay, cleanup func()) {
	t.Helper()

	upstream := udpEcho(t, replyOverride)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Cannot start TCP listener: %s", err)
	}

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Cannot dial test listener: %s", err)
	}

	server := <-acceptedCh
	ln.Close()

	outgoing, err := net.DialUDP("udp", nil, upstream.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("Cannot dial upstream echo server: %s", err)
	}

	adm := admission.New("test", 10)
	key := server.RemoteAddr().String()
	adm.TryAdmit(key)

	r = New(server, outgoing, adm, key, stats, false, false, nil)

	cleanup = func() {
		client.Close()
		upstream.Close()
	}

	return client, r, cleanup
}

func frame(payload []byte) []byte {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)
	return buf
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for got < n {
		m, err := conn.Read(buf[got:])
		if err != nil {
			t.Fatalf("Read failed after %d/%d bytes: %s", got, n, err)
		}
		got += m
	}
	return buf
}

// TestSingleRoundTrip sends one framed query and expects one framed response carrying the
// echoed UDP reply.
func TestSingleRoundTrip(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	query := []byte("ABCDE")
	if _, err := client.Write(frame(query)); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	got := readExactly(t, client, 2+len(query))
	want := frame(query)
	if !bytes.Equal(got, want) {
		t.Errorf("Got %x, want %x", got, want)
	}
}

// TestPipelinedQueries writes two frames in a single TCP segment and expects both answered in
// order.
func TestPipelinedQueries(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	q1 := []byte{0x01, 0x02, 0x03}
	q2 := []byte{0xAA, 0xBB}
	segment := append(frame(q1), frame(q2)...)
	if _, err := client.Write(segment); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	want := append(frame(q1), frame(q2)...)
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Errorf("Got %x, want %x", got, want)
	}
}

// TestSplitHeader delivers the 2-byte length prefix across two separate TCP segments and expects
// the frame to still be reassembled correctly.
func TestSplitHeader(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	full := frame([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	client.Write(full[0:1])
	time.Sleep(time.Millisecond)
	client.Write(full[1:])

	got := readExactly(t, client, len(full))
	if !bytes.Equal(got, full) {
		t.Errorf("Got %x, want %x", got, full)
	}
}

// TestZeroLengthClosesConnection sends a 00 00 query frame, a protocol violation, and expects the
// connection closed without any reply bytes.
func TestZeroLengthClosesConnection(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	if _, err := client.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("Expected EOF on zero-length message, got n=%d err=%v", n, err)
	}
}

// TestIdleTimeoutClosesConnection shortens the idle timeout and expects the connection closed once
// it elapses with no query from the client.
func TestIdleTimeoutClosesConnection(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.idleTimeout = 20 * time.Millisecond
	r.Start()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("Expected connection closed by idle timer, got n=%d err=%v", n, err)
	}

	if stats.errorCount() == 0 {
		t.Error("Expected an idle timeout to be recorded in stats")
	}
}

// TestMaxMessageLength is the L==65535 boundary: the largest message the 16-bit length field can
// express must round-trip intact.
func TestMaxMessageLength(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	query := bytes.Repeat([]byte{0x5A}, 65535)
	if _, err := client.Write(frame(query)); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	want := frame(query)
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Error("65535-byte payload did not round-trip intact")
	}
}

// TestEmptyUDPReply covers the boundary where the upstream answers with a zero-byte datagram: the
// reference behaviour is to emit the 00 00 frame and keep the connection open for the next query.
func TestEmptyUDPReply(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, []byte{})
	defer cleanup()

	r.Start()

	if _, err := client.Write(frame([]byte("hello"))); err != nil {
		t.Fatalf("Write failed: %s", err)
	}

	got := readExactly(t, client, 2)
	if !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("Expected 00 00 for an empty upstream reply, got %x", got)
	}

	// Connection must still be usable for a second query.
	if _, err := client.Write(frame([]byte("again"))); err != nil {
		t.Fatalf("Second write failed: %s", err)
	}
	got = readExactly(t, client, 2)
	if !bytes.Equal(got, []byte{0x00, 0x00}) {
		t.Errorf("Expected the connection to remain usable, got %x", got)
	}
}

// TestHalfCloseEntersClosed covers the boundary where the TCP peer half-closes its write side: the
// Relay must observe EOF and close down rather than spin.
func TestHalfCloseEntersClosed(t *testing.T) {
	stats := &countingStats{}
	client, r, cleanup := newTestRelay(t, stats, nil)
	defer cleanup()

	r.Start()

	if tcp, ok := client.(*net.TCPConn); ok {
		tcp.CloseWrite()
	} else {
		client.Close()
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("Expected connection closed after half-close, got n=%d err=%v", n, err)
	}
}
