//go:build !linux

package eventfd

import "errors"

// EventFd is only available on Linux; other platforms fail at construction
// so callers can fall back to a different doorbell.
type EventFd struct{}

var errUnsupported = errors.New("eventfd: not supported on this platform")

func New() (*EventFd, error) {
	return nil, errUnsupported
}

func (e *EventFd) Signal() error {
	return errUnsupported
}

func (e *EventFd) Consume() (uint64, error) {
	return 0, errUnsupported
}

func (e *EventFd) Fd() int {
	return -1
}

func (e *EventFd) Close() error {
	return nil
}
