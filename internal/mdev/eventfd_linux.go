package mdev

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// EventFD is an eventfd-backed interrupt trigger: each Signal adds one to
// the counter the consumer side polls.
type EventFD struct {
	fd int
}

// NewEventFD creates a fresh eventfd trigger.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("mdev: eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// WrapEventFD adopts an existing eventfd file descriptor, as handed over by
// the hosting framework during interrupt negotiation.
func WrapEventFD(fd int) *EventFD {
	return &EventFD{fd: fd}
}

// FD returns the underlying file descriptor.
func (e *EventFD) FD() int { return e.fd }

// Signal implements mpt.IRQTrigger.
func (e *EventFD) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("mdev: eventfd signal: %w", err)
	}
	return nil
}

// Close implements mpt.IRQTrigger.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}

var _ mpt.IRQTrigger = (*EventFD)(nil)
