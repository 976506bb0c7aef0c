// Package proxy wires the Request Table, the Upstream Pool, the poller
// and a listening socket into a single-threaded event loop.
//
// The dispatch shape follows the resolver pool's own read loop
// (resolve.go/xchg.go: one goroutine pulling readiness off a queue and
// acting on it to completion before pulling the next), collapsed here
// into a single OS thread driven directly by epoll_wait since there is
// no per-request goroutine fan-out to coordinate.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/enadam/dnsproxy/internal/clock"
	"github.com/enadam/dnsproxy/internal/dnswire"
	"github.com/enadam/dnsproxy/internal/poller"
	"github.com/enadam/dnsproxy/internal/reqtable"
	"github.com/enadam/dnsproxy/internal/upstream"
)

// maxDatagram is large enough for any UDP DNS message (the classic 512
// byte limit plus generous headroom for EDNS(0) pass-through, which the
// proxy neither validates nor strips).
const maxDatagram = 4096

// RNG is the subset of randsrc.Source the proxy needs.
type RNG interface {
	Intn(n int) int
}

// Poller is the subset of poller.Poller the proxy needs, so tests can
// substitute a fake multiplexer.
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	WaitOne(timeout time.Duration) (fd int, err error)
}

// Timer is the subset of a GC timer the proxy needs beyond what
// reqtable.Timer already covers: a file descriptor to register with the
// poller and a way to drain its expiration counter.
type Timer interface {
	reqtable.Timer
	FD() int
	ReadTicks() (uint64, error)
}

// Socket abstracts the raw send/recv operations the proxy performs on
// both the listening socket and every upstream socket, so the core logic
// can be exercised without opening real file descriptors.
type Socket interface {
	// RecvFrom reads one datagram. addr is nil for connected (upstream)
	// sockets.
	RecvFrom(buf []byte) (n int, addr net.Addr, err error)
	// SendTo writes one datagram. addr is nil for connected sockets,
	// which send to their connected peer.
	SendTo(buf []byte, addr net.Addr) error
}

// Sockets is the set of collaborators the proxy needs to reach a given
// upstream socket identifier, since the pool only tracks bookkeeping,
// not the I/O primitive itself.
type Sockets interface {
	Get(id upstream.SocketID) (Socket, bool)
}

// EventKind classifies a reported outcome. Values here and their
// ordering are a contract shared with internal/stats.EventKind, kept as
// plain ints (rather than each package importing the other's named
// type) so Reporter has no dependency on internal/stats.
type EventKind int

const (
	EventDropped EventKind = iota
	EventSpoofRejected
	EventForwarded
	EventDelivered
)

// Reporter receives a best-effort summary of notable per-datagram
// outcomes. Implementations (internal/stats.Logger) must not block the
// caller; Report is invoked from the hot path on every forward,
// delivery, drop and spoof rejection.
type Reporter interface {
	Report(kind int, client, message string)
}

type noopReporter struct{}

func (noopReporter) Report(int, string, string) {}

// ErrTransient marks a non-fatal per-datagram failure: the caller should
// sleep briefly and resume, never treat it as loop-ending.
var ErrTransient = fmt.Errorf("proxy: transient per-datagram failure")

// Proxy is the core of the forwarding proxy: the event-loop state and
// the operations it dispatches to.
type Proxy struct {
	listen   Socket
	listenFD int
	upstream *upstream.Pool
	sockets  Sockets
	table    *reqtable.Table
	poller   Poller
	timer    Timer
	rng      RNG
	log      *log.Logger
	clock    clock.Clock
	debug    bool
	events   Reporter

	buf [maxDatagram]byte
}

// New constructs a Proxy. listenFD is the listening socket's file
// descriptor, used only to recognize which readiness event fired.
func New(listen Socket, listenFD int, pool *upstream.Pool, sockets Sockets, table *reqtable.Table, poller Poller, timer Timer, rng RNG, logger *log.Logger, c clock.Clock) *Proxy {
	return &Proxy{
		listen:   listen,
		listenFD: listenFD,
		upstream: pool,
		sockets:  sockets,
		table:    table,
		poller:   poller,
		timer:    timer,
		rng:      rng,
		log:      logger,
		clock:    c,
		events:   noopReporter{},
	}
}

// SetDebug toggles verbose per-datagram logging.
func (p *Proxy) SetDebug(debug bool) { p.debug = debug }

// SetReporter installs the off-loop event reporter (internal/stats.Logger
// in production). Passing nil restores the no-op default.
func (p *Proxy) SetReporter(r Reporter) {
	if r == nil {
		r = noopReporter{}
	}
	p.events = r
}

// ForwardQuery is invoked when the listening socket becomes readable: it
// allocates a proxied transaction ID, acquires an upstream socket, and
// forwards the query.
func (p *Proxy) ForwardQuery() error {
	qid, res := p.table.AllocateId(p.rng)
	if res != reqtable.Allocated {
		// Drain one datagram so the kernel buffer doesn't stay
		// perpetually ready and spin the loop.
		if _, _, err := p.listen.RecvFrom(p.buf[:]); err != nil {
			p.log.Printf("proxy: drain after %v: %v", res, err)
		} else {
			p.events.Report(int(EventDropped), "", fmt.Sprintf("request table %v", res))
			if p.debug {
				p.log.Printf("proxy: dropped query, request table %v", res)
			}
		}
		return nil
	}

	n, clientAddr, err := p.listen.RecvFrom(p.buf[:])
	if err != nil {
		return fmt.Errorf("%w: recv from listener: %v", ErrTransient, err)
	}
	datagram := p.buf[:n]

	msg, err := dnswire.Parse(datagram)
	if err != nil {
		p.events.Report(int(EventDropped), addrString(clientAddr), fmt.Sprintf("malformed query: %v", err))
		if p.debug {
			p.log.Printf("proxy: malformed query from %v: %v", clientAddr, err)
		}
		return nil
	}
	if msg.Header.QR() {
		p.events.Report(int(EventDropped), addrString(clientAddr), "response-flagged datagram on listening socket")
		if p.debug {
			p.log.Printf("proxy: dropped response-flagged datagram from %v", clientAddr)
		}
		return nil
	}

	socketID, acqRes := p.upstream.Acquire()
	if acqRes != upstream.Acquired {
		p.events.Report(int(EventDropped), addrString(clientAddr), "upstream pool exhausted")
		if p.debug {
			p.log.Printf("proxy: dropped query from %v, upstream pool exhausted", clientAddr)
		}
		return nil
	}
	sock, found := p.sockets.Get(socketID)
	if !found {
		p.log.Printf("proxy: acquired unknown socket %d", socketID)
		return nil
	}

	originalID := msg.Header.ID
	dnswire.SetID(datagram, qid)

	if err := sock.SendTo(datagram, nil); err != nil {
		p.log.Printf("proxy: send to upstream socket %d: %v", socketID, err)
		return nil
	}

	p.upstream.MarkForwarded(socketID)
	if err := p.table.Record(qid, socketID, clientAddr, msg.Question(datagram), originalID); err != nil {
		p.log.Printf("proxy: record %d: %v", qid, err)
		return nil
	}
	p.events.Report(int(EventForwarded), addrString(clientAddr), fmt.Sprintf("forwarded id %d via socket %d", qid, socketID))
	if p.debug {
		p.log.Printf("proxy: forwarded %s from %v as id %d via socket %d", dnswire.DebugString(datagram), clientAddr, qid, socketID)
	}
	return nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ReturnResponse is invoked when upstream socket socketID becomes
// readable: it validates the response against the recorded request and,
// if it survives the anti-spoofing checks, delivers it to the client.
func (p *Proxy) ReturnResponse(socketID upstream.SocketID) error {
	sock, found := p.sockets.Get(socketID)
	if !found {
		return fmt.Errorf("%w: unknown upstream socket %d", ErrTransient, socketID)
	}

	n, _, err := sock.RecvFrom(p.buf[:])
	if err != nil {
		return fmt.Errorf("%w: recv from upstream socket %d: %v", ErrTransient, socketID, err)
	}
	datagram := p.buf[:n]

	msg, err := dnswire.Parse(datagram)
	if err != nil {
		p.events.Report(int(EventDropped), "", fmt.Sprintf("malformed response on socket %d: %v", socketID, err))
		if p.debug {
			p.log.Printf("proxy: malformed response on socket %d: %v", socketID, err)
		}
		return nil
	}
	if !msg.Header.QR() {
		p.events.Report(int(EventDropped), "", fmt.Sprintf("query-flagged datagram on upstream socket %d", socketID))
		if p.debug {
			p.log.Printf("proxy: dropped query-flagged datagram on upstream socket %d", socketID)
		}
		return nil
	}

	qid := msg.Header.ID
	req, found := p.table.Lookup(qid)
	if !found {
		p.events.Report(int(EventDropped), "", fmt.Sprintf("response for unknown id %d on socket %d", qid, socketID))
		if p.debug {
			p.log.Printf("proxy: dropped response for unknown id %d on socket %d", qid, socketID)
		}
		return nil
	}
	if req.UpstreamSocketID != socketID {
		p.events.Report(int(EventSpoofRejected), addrString(req.ClientEndpoint), fmt.Sprintf("wrong-socket response for id %d: expected %d got %d", qid, req.UpstreamSocketID, socketID))
		p.log.Printf("proxy: dropped spoofed response for id %d: expected socket %d, got %d", qid, req.UpstreamSocketID, socketID)
		return nil
	}
	if !questionEqual(msg.Question(datagram), req.QuestionBytes) {
		p.events.Report(int(EventSpoofRejected), addrString(req.ClientEndpoint), fmt.Sprintf("wrong-question response for id %d", qid))
		p.log.Printf("proxy: dropped spoofed response for id %d: question mismatch", qid)
		return nil
	}

	dnswire.SetID(datagram, req.OriginalQueryID)
	if err := p.listen.SendTo(datagram, req.ClientEndpoint); err != nil {
		p.log.Printf("proxy: send to client %v: %v", req.ClientEndpoint, err)
	} else {
		p.events.Report(int(EventDelivered), addrString(req.ClientEndpoint), fmt.Sprintf("delivered id %d", req.OriginalQueryID))
		if p.debug {
			p.log.Printf("proxy: delivered %s to %v as id %d", dnswire.DebugString(datagram), req.ClientEndpoint, req.OriginalQueryID)
		}
	}

	p.upstream.Release(socketID)
	p.table.Complete(qid)
	return nil
}

func questionEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// OnTimerFire is invoked when the GC timer's file descriptor becomes
// readable.
func (p *Proxy) OnTimerFire() error {
	if _, err := p.timer.ReadTicks(); err != nil {
		return fmt.Errorf("%w: read timer ticks: %v", ErrTransient, err)
	}
	p.table.GarbageCollect(func(req *reqtable.Request) {
		p.upstream.Release(req.UpstreamSocketID)
	})
	return nil
}

// Run drives the event loop until stop is closed: single-event waits
// bounded to one second so stop is checked regularly, EINTR and a wait
// timeout are silent retries, any other wait error or handler failure
// backs off for one second before resuming.
func (p *Proxy) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		fd, err := p.poller.WaitOne(time.Second)
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if isTimeout(err) {
				continue
			}
			p.log.Printf("proxy: poller wait: %v", err)
			sleep(stop, time.Second)
			continue
		}

		if err := p.dispatch(fd); err != nil {
			p.log.Printf("proxy: handler error on fd %d: %v", fd, err)
			sleep(stop, time.Second)
		}
	}
}

func (p *Proxy) dispatch(fd int) error {
	switch {
	case fd == p.listenFD:
		return p.ForwardQuery()
	case fd == p.timer.FD():
		return p.OnTimerFire()
	default:
		return p.ReturnResponse(fd)
	}
}

func sleep(stop <-chan struct{}, d time.Duration) {
	select {
	case <-stop:
	case <-time.After(d):
	}
}

func isInterrupted(err error) bool {
	return errors.Is(err, poller.ErrInterrupted)
}

func isTimeout(err error) bool {
	return errors.Is(err, poller.ErrTimeout)
}
