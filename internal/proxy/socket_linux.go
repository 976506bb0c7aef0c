//go:build linux

package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/enadam/dnsproxy/internal/upstream"
)

// rawSocket adapts a raw file descriptor to the Socket interface. A
// connected socket (every upstream socket) ignores the address argument
// and uses read/write; an unconnected socket (the
// single listening socket) uses recvfrom/sendto with an explicit
// sockaddr, mirroring the pool's own use of golang.org/x/sys/unix for
// syscalls net.UDPConn cannot expose an fd-compatible view of.
type rawSocket struct {
	fd        int
	connected bool
}

func (s rawSocket) RecvFrom(buf []byte) (int, net.Addr, error) {
	if s.connected {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			return 0, nil, err
		}
		return n, nil, nil
	}

	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	addr, err := sockaddrToUDPAddr(from)
	if err != nil {
		return 0, nil, err
	}
	return n, addr, nil
}

func (s rawSocket) SendTo(buf []byte, addr net.Addr) error {
	if s.connected {
		_, err := unix.Write(s.fd, buf)
		return err
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("proxy: SendTo requires a *net.UDPAddr, got %T", addr)
	}
	sa, err := udpAddrToSockaddr(udpAddr)
	if err != nil {
		return err
	}
	return unix.Sendto(s.fd, buf, 0, sa)
}

func sockaddrToUDPAddr(sa unix.Sockaddr) (*net.UDPAddr, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, fmt.Errorf("proxy: unsupported sockaddr type %T", sa)
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return &net.UDPAddr{IP: ip, Port: sa4.Port}, nil
}

func udpAddrToSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("proxy: only IPv4 addresses are supported, got %v", addr.IP)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// rawSockets is a trivial Sockets implementation: since upstream.Pool and
// the listening socket both identify a socket by its raw fd, any fd the
// pool hands back is immediately usable as a connected rawSocket.
type rawSockets struct{}

func (rawSockets) Get(id upstream.SocketID) (Socket, bool) {
	return rawSocket{fd: id, connected: true}, true
}

// NewSockets returns the production Sockets implementation, which treats
// any upstream.SocketID as a live, connected file descriptor.
func NewSockets() Sockets { return rawSockets{} }

// NewListenSocket opens, binds and returns the single UDPv4 listening
// socket, non-blocking so it composes with the epoll-driven event loop.
func NewListenSocket(addr *net.UDPAddr) (fd int, sock Socket, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, nil, fmt.Errorf("set nonblocking: %w", err)
	}
	sa, err := udpAddrToSockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return 0, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, nil, fmt.Errorf("bind: %w", err)
	}
	return fd, rawSocket{fd: fd, connected: false}, nil
}

// ListenAddr reports the address a listening socket is actually bound to,
// resolving the kernel-chosen port when the caller passed port 0. Used by
// tests that need to dial a proxy started on an ephemeral port.
func ListenAddr(fd int) (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return sockaddrToUDPAddr(sa)
}
