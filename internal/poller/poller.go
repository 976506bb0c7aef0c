//go:build linux

// Package poller wraps the Linux epoll interface used by the proxy's
// single-threaded event loop: one listening socket, the upstream sockets
// of internal/upstream, and a GC timerfd all multiplexed through a
// single epoll instance with an explicit max-events of 1.
//
// This mirrors the resolver pool's direct use of golang.org/x/sys/unix
// for socket options the standard library doesn't expose (linux_packet.go)
// applied to the epoll family of syscalls instead of SO_REUSEPORT.
package poller

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Poller is a thin epoll wrapper. It is not safe for concurrent use; the
// proxy's event loop is single-threaded by design.
type Poller struct {
	epfd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Add registers fd for read readiness, level-triggered. Level-triggering
// keeps OnTimerFire and the socket read paths simple: a fd that still has
// data pending after one iteration is simply reported again next wait.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is not an error to remove a fd that was
// already closed out from under the poller (the kernel does that
// implicitly), so ENOENT and EBADF are swallowed.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// WaitOne blocks for exactly one ready file descriptor (an explicit
// max-events of 1) and returns its fd. A timeout < 0 blocks indefinitely.
//
// The errors are distinguished so the caller can implement its
// dispatch-loop error policy: ErrInterrupted for EINTR (the loop should
// simply continue), ErrTimeout when the timeout elapsed with no fd ready,
// and any other error, which the loop treats as transient by sleeping
// before retrying.
func (p *Poller) WaitOne(timeout time.Duration) (fd int, err error) {
	var events [1]unix.EpollEvent

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, ErrInterrupted
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return int(events[0].Fd), nil
}

// ErrInterrupted signals that epoll_wait returned EINTR: the caller
// should simply loop again without delay.
var ErrInterrupted = fmt.Errorf("poller: interrupted")

// ErrTimeout signals that WaitOne's timeout elapsed with no fd ready.
var ErrTimeout = fmt.Errorf("poller: wait timed out")
