//go:build linux

package reqtable

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// LinuxTimer is a Timer (see table.go) backed by a Linux timerfd. The
// event loop registers FD() with the poller; when it becomes readable,
// OnTimerFire reads the 8-byte tick count so the fd stops reporting
// readiness until the next expiration, then calls Table.GarbageCollect.
//
// This mirrors the way the resolver pool's linux_packet.go reaches for
// golang.org/x/sys/unix directly for a syscall the standard library
// doesn't expose (there, SO_REUSEPORT; here, timerfd_create/settime).
type LinuxTimer struct {
	fd int
}

// NewLinuxTimer creates a disarmed timerfd on CLOCK_MONOTONIC.
func NewLinuxTimer() (*LinuxTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &LinuxTimer{fd: fd}, nil
}

// FD returns the file descriptor to register with the poller.
func (t *LinuxTimer) FD() int { return t.fd }

// Close releases the timerfd.
func (t *LinuxTimer) Close() error {
	return unix.Close(t.fd)
}

// ArmOneShot programs a single relative expiration after d. A d <= 0
// fires as soon as possible.
func (t *LinuxTimer) ArmOneShot(d time.Duration) error {
	if d <= 0 {
		// A zero it_value would disarm the timerfd instead of firing it.
		d = time.Nanosecond
	}
	return t.settime(d, 0)
}

// ArmPeriodic programs a repeating relative expiration every d, first
// firing after d.
func (t *LinuxTimer) ArmPeriodic(d time.Duration) error {
	return t.settime(d, d)
}

// Disarm stops the timer.
func (t *LinuxTimer) Disarm() error {
	return t.settime(0, 0)
}

func (t *LinuxTimer) settime(initial, interval time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	// A zero-valued Value with a nonzero Interval would be rejected by
	// the kernel as "disarm" instead of "start now, repeat every
	// interval"; guard against exactly that when arming periodic timers
	// with a sub-nanosecond-rounding initial delay.
	if initial == 0 && interval > 0 {
		spec.Value = spec.Interval
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// ReadTicks drains the timerfd's expiration counter (an 8-byte
// little-endian uint64) so it becomes ready only when it next fires. It
// returns the number of expirations since the last read; callers only
// care that the read succeeded.
func (t *LinuxTimer) ReadTicks() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("timerfd: short read of %d bytes", n)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}
