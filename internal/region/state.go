package region

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// Device run-state controls understood by the state region's control byte.
const (
	StateStop  = 0
	StateStart = 1
)

// StateDevice is the device-side contract of the state region: run-state
// control plus streaming snapshot and restore of device state.
type StateDevice interface {
	Activate() error
	Deactivate()

	// Snapshot fills p with device state starting at off into the state
	// image and returns the number of bytes produced.
	Snapshot(p []byte, off int64) (int, error)
	// Restore consumes p as device state starting at off into the state
	// image.
	Restore(p []byte, off int64) (int, error)
}

// StateRegion exposes device run-state control and save/restore as a region.
// Offset 0 is a one-byte control register (StateStop/StateStart); the rest of
// the region carries the device state image.
type StateRegion struct {
	dev StateDevice
	buf []byte
}

// NewStateRegion creates a state region with an image of the given size.
func NewStateRegion(dev StateDevice, size int) (*StateRegion, error) {
	if size < 1 {
		return nil, fmt.Errorf("region: state image size %d: %w", size, mpt.ErrInvalidArgument)
	}
	return &StateRegion{dev: dev, buf: make([]byte, size)}, nil
}

// Size returns the region size in bytes.
func (s *StateRegion) Size() uint64 { return uint64(len(s.buf)) }

func (s *StateRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		return 0, fmt.Errorf("region: state read at %#x: %w", off, mpt.ErrInvalidArgument)
	}
	if off == 0 {
		if len(p) != 1 {
			return 0, fmt.Errorf("region: state control read must be 1 byte: %w", mpt.ErrInvalidArgument)
		}
		p[0] = s.buf[0]
		return 1, nil
	}
	n, err := s.dev.Snapshot(p, off)
	if err != nil {
		return n, fmt.Errorf("region: snapshot at %#x: %w", off, err)
	}
	copy(s.buf[off:], p[:n])
	return n, nil
}

func (s *StateRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.buf)) {
		return 0, fmt.Errorf("region: state write at %#x: %w", off, mpt.ErrInvalidArgument)
	}
	if off == 0 {
		if len(p) != 1 {
			return 0, fmt.Errorf("region: state control write must be 1 byte: %w", mpt.ErrInvalidArgument)
		}
		switch p[0] {
		case StateStop:
			s.dev.Deactivate()
		case StateStart:
			if err := s.dev.Activate(); err != nil {
				return 0, fmt.Errorf("region: activate: %w", err)
			}
		default:
			return 0, fmt.Errorf("region: unknown state control %#x: %w", p[0], mpt.ErrInvalidArgument)
		}
		s.buf[0] = p[0]
		return 1, nil
	}
	copy(s.buf[off:], p)
	n, err := s.dev.Restore(p, off)
	if err != nil {
		return n, fmt.Errorf("region: restore at %#x: %w", off, err)
	}
	return n, nil
}

// Release drops the state image.
func (s *StateRegion) Release() { s.buf = nil }

var _ Handler = (*StateRegion)(nil)
