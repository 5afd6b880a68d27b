//go:build linux

package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFd wraps a Linux eventfd. It serves as the interrupt doorbell between
// the device and whatever waits on the guest's behalf (KVM irqfd, an epoll
// loop, or a test reading the counter).
//
// The descriptor is used through raw unix calls, not an os.File, so a
// Consume on an empty counter returns immediately instead of parking in the
// runtime poller.
type EventFd struct {
	fd int
}

// New creates a non-blocking eventfd with a zero counter.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}
	return &EventFd{fd: fd}, nil
}

// Signal increments the counter, waking any waiter.
func (e *EventFd) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd: signal: %w", err)
	}
	return nil
}

// Consume reads and clears the counter. Returns 0 if nothing is pending.
func (e *EventFd) Consume() (uint64, error) {
	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("eventfd: read: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Fd returns the underlying file descriptor, for registration with a poller
// or a hypervisor irqfd.
func (e *EventFd) Fd() int {
	return e.fd
}

// Close releases the descriptor.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
