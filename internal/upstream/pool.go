// Package upstream implements a pool of UDP sockets connected to a
// single upstream DNS server, each bound to a kernel-chosen ephemeral
// port, cycled through a two-phase available/retiring lifecycle so that
// a socket carrying too many queries is rotated out without dropping the
// responses still in flight on it.
//
// This is a generalization of the connection-pool rotation the resolver
// pool's conn.Conn implements (conn/conn.go: a "conns" channel of live
// sockets and an "expired" channel of sockets pending delayed close).
// Here the rotation criterion is an exact per-socket query count
// (MAX_PORT_LIFETIME) rather than a channel-throughput heuristic, and a
// retiring socket is closed the instant its last outstanding response is
// accounted for (Release reaching zero) instead of after a fixed delay,
// since a socket must never be closed while it still has outstanding
// responses.
package upstream

import (
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"
)

// SocketID identifies an upstream socket. It is the raw file descriptor,
// which doubles as the epoll identifier the event loop dispatches on.
type SocketID = int

// AcquireResult is returned alongside the outcome of Acquire.
type AcquireResult int

const (
	// Acquired means id/handle are usable to forward a query.
	Acquired AcquireResult = iota
	// Exhausted means no new socket could be created (MAX_PORTS has been
	// reached, or creation failed) and no available socket exists to
	// reuse.
	Exhausted
)

// Registrar is the subset of the poller the pool needs: registering and
// deregistering raw file descriptors for read readiness.
type Registrar interface {
	Add(fd int) error
	Remove(fd int) error
}

// RNG is the subset of randsrc.Source the pool needs for uniform random
// socket reuse.
type RNG interface {
	Intn(n int) int
}

type socketState struct {
	outstanding int
	lifetime    int
}

// Pool manages the lifecycle of upstream UDP sockets.
type Pool struct {
	upstream        *net.UDPAddr
	poller          Registrar
	rng             RNG
	log             *log.Logger
	debug           bool
	maxPorts        int // 0 = uncapped
	maxPortLifetime int // 0 = never retire

	available map[SocketID]*socketState
	retiring  map[SocketID]int // socket id -> outstanding

	// newSocket creates and registers a new upstream socket. It defaults
	// to p.createSocket; tests substitute a fake to exercise pool logic
	// without opening real UDP sockets.
	newSocket func() (SocketID, error)
}

// New constructs a Pool that forwards to upstream.
func New(upstream *net.UDPAddr, poller Registrar, rng RNG, logger *log.Logger, maxPorts, maxPortLifetime int) *Pool {
	p := &Pool{
		upstream:        upstream,
		poller:          poller,
		rng:             rng,
		log:             logger,
		maxPorts:        maxPorts,
		maxPortLifetime: maxPortLifetime,
		available:       make(map[SocketID]*socketState),
		retiring:        make(map[SocketID]int),
	}
	p.newSocket = p.createSocket
	return p
}

// SetDebug toggles the extra internal-consistency checks run under the
// --debug option.
func (p *Pool) SetDebug(debug bool) { p.debug = debug }

// TestOverrideNewSocket replaces the socket-creation hook so a caller
// outside this package can drive Acquire in tests without opening real
// sockets. Production code never calls this.
func (p *Pool) TestOverrideNewSocket(f func() (SocketID, error)) {
	p.newSocket = f
}

// Size returns the total number of sockets currently open (available
// plus retiring).
func (p *Pool) Size() int { return len(p.available) + len(p.retiring) }

// Acquire returns a socket to forward a query through: it creates a new
// socket while there is headroom, otherwise it reuses an existing
// available socket chosen uniformly at random.
func (p *Pool) Acquire() (SocketID, AcquireResult) {
	headroom := p.maxPorts == 0 || p.Size() < p.maxPorts

	if headroom {
		if fd, err := p.newSocket(); err == nil {
			p.available[fd] = &socketState{}
			p.assertInvariants("Acquire/create")
			return fd, Acquired
		} else {
			p.log.Printf("upstream: failed to create socket: %v", err)
		}
	}

	if len(p.available) == 0 {
		return 0, Exhausted
	}

	keys := make([]SocketID, 0, len(p.available))
	for id := range p.available {
		keys = append(keys, id)
	}
	return keys[p.rng.Intn(len(keys))], Acquired
}

// MarkForwarded records that a query was actually sent through id, and
// retires the socket once it has carried MAX_PORT_LIFETIME queries.
func (p *Pool) MarkForwarded(id SocketID) {
	st, found := p.available[id]
	if !found {
		return // already retired between Acquire and MarkForwarded is impossible in the single-threaded loop, but stay defensive
	}

	st.outstanding++
	st.lifetime++

	if p.maxPortLifetime > 0 && st.lifetime >= p.maxPortLifetime {
		p.retiring[id] = st.outstanding
		delete(p.available, id)
	}
	p.assertInvariants("MarkForwarded")
}

// Release accounts for a response having arrived (or the request having
// been garbage collected) on socket id. A retiring socket whose
// outstanding count reaches zero is closed and removed.
func (p *Pool) Release(id SocketID) {
	if st, found := p.available[id]; found {
		if st.outstanding > 0 {
			st.outstanding--
		}
		p.assertInvariants("Release/available")
		return
	}

	if n, found := p.retiring[id]; found {
		n--
		if n <= 0 {
			delete(p.retiring, id)
			p.closeSocket(id)
		} else {
			p.retiring[id] = n
		}
	}
	p.assertInvariants("Release/retiring")
}

// Close closes every socket the pool owns, available or retiring.
func (p *Pool) Close() {
	for id := range p.available {
		p.closeSocket(id)
	}
	for id := range p.retiring {
		p.closeSocket(id)
	}
	p.available = make(map[SocketID]*socketState)
	p.retiring = make(map[SocketID]int)
}

func (p *Pool) closeSocket(id SocketID) {
	if err := p.poller.Remove(id); err != nil && p.debug {
		p.log.Printf("upstream: failed to deregister socket %d: %v", id, err)
	}
	if err := unix.Close(id); err != nil && p.debug {
		p.log.Printf("upstream: failed to close socket %d: %v", id, err)
	}
	delete(p.available, id)
	delete(p.retiring, id)
}

// createSocket opens a UDP socket, connects it to the upstream endpoint
// (the kernel implicitly binds an ephemeral local port), and registers
// it with the poller for read readiness, mirroring the resolver pool's
// own low-level socket setup in linux_packet.go.
func (p *Pool) createSocket() (SocketID, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("set nonblocking: %w", err)
	}

	sa, err := toSockaddr(p.upstream)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("connect: %w", err)
	}

	if err := p.poller.Add(fd); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("register with poller: %w", err)
	}

	return fd, nil
}

func toSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("upstream: only IPv4 addresses are supported, got %v", addr.IP)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// assertInvariants runs a handful of internal-consistency checks for the
// pool when debug mode is enabled.
func (p *Pool) assertInvariants(where string) {
	if !p.debug {
		return
	}
	for id := range p.available {
		if _, found := p.retiring[id]; found {
			p.log.Printf("upstream: invariant violated after %s: socket %d present in both available and retiring", where, id)
		}
	}
	if p.maxPorts != 0 && p.Size() > p.maxPorts {
		p.log.Printf("upstream: invariant violated after %s: %d sockets exceeds MAX_PORTS=%d", where, p.Size(), p.maxPorts)
	}
	for id, st := range p.available {
		if st.outstanding < 0 {
			p.log.Printf("upstream: invariant violated after %s: socket %d has negative outstanding", where, id)
		}
		if p.maxPortLifetime > 0 && st.lifetime >= p.maxPortLifetime {
			p.log.Printf("upstream: invariant violated after %s: available socket %d has lifetime %d >= MAX_PORT_LIFETIME", where, id, st.lifetime)
		}
	}
	for id, n := range p.retiring {
		if n < 0 {
			p.log.Printf("upstream: invariant violated after %s: retiring socket %d has negative outstanding", where, id)
		}
	}
}
