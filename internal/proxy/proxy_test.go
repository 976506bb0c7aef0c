package proxy

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/enadam/dnsproxy/internal/clock"
	"github.com/enadam/dnsproxy/internal/reqtable"
	"github.com/enadam/dnsproxy/internal/upstream"
)

// fakeSocket is an in-memory Socket backed by a queue of pending
// datagrams, so ForwardQuery/ReturnResponse can be driven without real
// file descriptors.
type fakeSocket struct {
	inbox  [][]byte
	from   []net.Addr
	sent   [][]byte
	sentTo []net.Addr
}

func (s *fakeSocket) push(datagram []byte, from net.Addr) {
	s.inbox = append(s.inbox, append([]byte(nil), datagram...))
	s.from = append(s.from, from)
}

func (s *fakeSocket) RecvFrom(buf []byte) (int, net.Addr, error) {
	if len(s.inbox) == 0 {
		return 0, nil, errors.New("fakeSocket: empty inbox")
	}
	d := s.inbox[0]
	from := s.from[0]
	s.inbox = s.inbox[1:]
	s.from = s.from[1:]
	return copy(buf, d), from, nil
}

func (s *fakeSocket) SendTo(buf []byte, addr net.Addr) error {
	s.sent = append(s.sent, append([]byte(nil), buf...))
	s.sentTo = append(s.sentTo, addr)
	return nil
}

type fakeSockets struct {
	byID map[upstream.SocketID]*fakeSocket
}

func (f *fakeSockets) Get(id upstream.SocketID) (Socket, bool) {
	s, ok := f.byID[id]
	return s, ok
}

type fixedRNG struct{ n int }

func (r fixedRNG) Intn(int) int { return r.n }

type fakePoolRegistrar struct{}

func (fakePoolRegistrar) Add(int) error    { return nil }
func (fakePoolRegistrar) Remove(int) error { return nil }

// buildQuery constructs a minimal well-formed DNS query for "example.com."
// type A class IN, with the given transaction id.
func buildQuery(id uint16) []byte {
	msg := make([]byte, 12)
	binary.BigEndian.PutUint16(msg[0:2], id)
	binary.BigEndian.PutUint16(msg[4:6], 1) // qdcount
	msg = append(msg, encodeName("example.com")...)
	msg = append(msg, 0, 1, 0, 1) // QTYPE=A, QCLASS=IN
	return msg
}

func encodeName(name string) []byte {
	var out []byte
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			out = append(out, byte(i-start))
			out = append(out, name[start:i]...)
			start = i + 1
		}
	}
	return append(out, 0)
}

// buildResponse turns a query into a response carrying the given id: it
// sets the QR bit and otherwise leaves the bytes untouched.
func buildResponse(query []byte, id uint16) []byte {
	resp := append([]byte(nil), query...)
	binary.BigEndian.PutUint16(resp[0:2], id)
	resp[2] |= 0x80
	return resp
}

// testHarness bundles a Proxy with the fakes needed to drive it and to
// assert against.
type testHarness struct {
	proxy   *Proxy
	listen  *fakeSocket
	sockets *fakeSockets
	table   *reqtable.Table
	pool    *upstream.Pool
}

func newHarness(timeout, minGC time.Duration, maxRequests int) *testHarness {
	logger := log.New(io.Discard, "", 0)
	c := clock.NewFake(time.Unix(1000, 0))
	table := reqtable.New(c, nil, logger, timeout, minGC, maxRequests)

	listen := &fakeSocket{}
	sockets := &fakeSockets{byID: map[upstream.SocketID]*fakeSocket{}}
	pool := upstream.New(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 53}, fakePoolRegistrar{}, fixedRNG{0}, logger, 0, 0)

	px := New(listen, 1, pool, sockets, table, nil, nil, fixedRNG{0}, logger, c)
	return &testHarness{proxy: px, listen: listen, sockets: sockets, table: table, pool: pool}
}

// acquireVia makes the harness's next pool.Acquire return fd via a fake
// socket registered under it, without opening a real one.
func (h *testHarness) acquireVia(fd upstream.SocketID) *fakeSocket {
	sock := &fakeSocket{}
	h.sockets.byID[fd] = sock
	h.pool.TestOverrideNewSocket(func() (upstream.SocketID, error) { return fd, nil })
	return sock
}

func TestHappyPath(t *testing.T) {
	h := newHarness(0, 0, 0)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	h.listen.push(buildQuery(0x1234), clientAddr)

	upstreamSock := h.acquireVia(7)

	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	if len(upstreamSock.sent) != 1 {
		t.Fatalf("expected one datagram sent upstream, got %d", len(upstreamSock.sent))
	}
	if h.table.Len() != 1 {
		t.Fatalf("table.Len() = %d, want 1", h.table.Len())
	}
	proxiedID := binary.BigEndian.Uint16(upstreamSock.sent[0][0:2])

	upstreamSock.push(buildResponse(upstreamSock.sent[0], proxiedID), nil)
	if err := h.proxy.ReturnResponse(7); err != nil {
		t.Fatalf("ReturnResponse: %v", err)
	}

	if len(h.listen.sent) != 1 {
		t.Fatalf("expected one datagram sent to client, got %d", len(h.listen.sent))
	}
	if got := binary.BigEndian.Uint16(h.listen.sent[0][0:2]); got != 0x1234 {
		t.Errorf("client-facing id = %#x, want 0x1234", got)
	}
	if h.listen.sentTo[0].String() != clientAddr.String() {
		t.Errorf("response sent to %v, want %v", h.listen.sentTo[0], clientAddr)
	}
	if h.table.Len() != 0 {
		t.Errorf("table.Len() = %d after Complete, want 0", h.table.Len())
	}
}

func TestWrongSocketSpoofDropped(t *testing.T) {
	h := newHarness(0, 0, 0)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	h.listen.push(buildQuery(0x1234), clientAddr)

	real := h.acquireVia(7)
	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	proxiedID := binary.BigEndian.Uint16(real.sent[0][0:2])

	spoof := &fakeSocket{}
	h.sockets.byID[99] = spoof
	spoof.push(buildResponse(real.sent[0], proxiedID), nil)
	if err := h.proxy.ReturnResponse(99); err != nil {
		t.Fatalf("ReturnResponse(spoof): %v", err)
	}
	if len(h.listen.sent) != 0 {
		t.Fatalf("spoofed response was delivered to client")
	}
	if h.table.Len() != 1 {
		t.Fatalf("table entry removed by spoofed response")
	}

	real.push(buildResponse(real.sent[0], proxiedID), nil)
	if err := h.proxy.ReturnResponse(7); err != nil {
		t.Fatalf("ReturnResponse(real): %v", err)
	}
	if len(h.listen.sent) != 1 {
		t.Fatalf("real response not delivered after spoof was dropped")
	}
}

func TestWrongQuestionSpoofDropped(t *testing.T) {
	h := newHarness(0, 0, 0)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	h.listen.push(buildQuery(0x1234), clientAddr)

	real := h.acquireVia(7)
	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	proxiedID := binary.BigEndian.Uint16(real.sent[0][0:2])

	evilQuery := buildQuery(proxiedID)
	evilQuestion := append(encodeName("evil.com"), 0, 1, 0, 1)
	evil := append(evilQuery[:12], evilQuestion...)
	real.push(buildResponse(evil, proxiedID), nil)

	if err := h.proxy.ReturnResponse(7); err != nil {
		t.Fatalf("ReturnResponse: %v", err)
	}
	if len(h.listen.sent) != 0 {
		t.Errorf("mismatched-question response was delivered to client")
	}
	if h.table.Len() != 1 {
		t.Errorf("table entry removed despite question mismatch")
	}
}

func TestSaturationDropsAndDrains(t *testing.T) {
	h := newHarness(0, 0, 1)
	if err := h.table.Record(5, 1, &net.UDPAddr{}, []byte("q"), 5); err != nil {
		t.Fatalf("Record: %v", err)
	}

	h.listen.push(buildQuery(0xBEEF), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 41000})
	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	if h.table.Len() != 1 {
		t.Errorf("table.Len() = %d, want 1 (saturated, no new record)", h.table.Len())
	}
	if len(h.listen.inbox) != 0 {
		t.Errorf("saturated datagram was not drained from listen socket")
	}
}

func TestZeroQuestionRoundTrip(t *testing.T) {
	h := newHarness(0, 0, 0)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}

	query := make([]byte, 12)
	binary.BigEndian.PutUint16(query[0:2], 0xABCD)
	h.listen.push(query, clientAddr)

	upstreamSock := h.acquireVia(3)
	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	proxiedID := binary.BigEndian.Uint16(upstreamSock.sent[0][0:2])

	upstreamSock.push(buildResponse(upstreamSock.sent[0], proxiedID), nil)
	if err := h.proxy.ReturnResponse(3); err != nil {
		t.Fatalf("ReturnResponse: %v", err)
	}
	if len(h.listen.sent) != 1 {
		t.Fatalf("expected the zero-question response to reach the client")
	}
	if got := binary.BigEndian.Uint16(h.listen.sent[0][0:2]); got != 0xABCD {
		t.Errorf("client-facing id = %#x, want 0xabcd", got)
	}
	if len(h.listen.sent[0]) != 12 {
		t.Errorf("response length = %d, want 12 (no question bytes)", len(h.listen.sent[0]))
	}
}

func TestOnTimerFireCollectsExpiredRequest(t *testing.T) {
	h := newHarness(15*time.Second, 0, 0)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	h.listen.push(buildQuery(1), clientAddr)

	h.acquireVia(7)
	if err := h.proxy.ForwardQuery(); err != nil {
		t.Fatalf("ForwardQuery: %v", err)
	}
	if h.pool.Size() != 1 {
		t.Fatalf("pool.Size() = %d, want 1", h.pool.Size())
	}

	fakeTimer := &fakeGCTimer{}
	h.proxy.timer = fakeTimer

	c := h.proxy.clock.(*clock.Fake)
	c.Advance(20 * time.Second)

	if err := h.proxy.OnTimerFire(); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.table.Len() != 0 {
		t.Errorf("table.Len() = %d after GC, want 0", h.table.Len())
	}
}

type fakeGCTimer struct{}

func (fakeGCTimer) ArmOneShot(time.Duration) error  { return nil }
func (fakeGCTimer) ArmPeriodic(time.Duration) error { return nil }
func (fakeGCTimer) Disarm() error                   { return nil }
func (fakeGCTimer) FD() int                         { return -1 }
func (fakeGCTimer) ReadTicks() (uint64, error)       { return 1, nil }
