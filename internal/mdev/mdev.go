// Package mdev implements one mediated virtual GPU device instance: its
// lifecycle against a guest context, the dispatch of device-region accesses
// to the emulator and to dynamically registered regions, interrupt plumbing,
// and the catalog of device types instances are created from.
package mdev

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinyrange/vgpu/internal/dmacache"
	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/region"
	"github.com/tinyrange/vgpu/internal/tracking"
)

// State is the lifecycle state of a device instance.
type State int32

const (
	// StateCreated: instance exists, no guest context.
	StateCreated State = iota
	// StateAttached: guest notifiers registered, identity not yet bound.
	StateAttached
	// StateActive: guest bound, session handle valid, emulation running.
	StateActive
	// StateReleased: terminal.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAttached:
		return "attached"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	default:
		return "invalid"
	}
}

const defaultStateImageSize = 1 << 20

// Device is one virtual GPU instance. Its exported methods are safe for
// concurrent use; the synchronous access path, guest-memory-service callbacks
// and the deferred release worker all operate against the same instance.
type Device struct {
	ID uuid.UUID

	typ     *DeviceType
	catalog *Catalog
	emu     mpt.Emulator
	mapper  mpt.HostMapper

	opregion       []byte
	stateImageSize int

	mu        sync.Mutex
	state     State
	mem       mpt.GuestMemory
	handle    mpt.SessionHandle
	cache     *dmacache.Cache
	tracker   *tracking.Table
	regions   region.Registry
	trackReg  io.Closer
	unmapReg  io.Closer
	detachReg io.Closer
	msi       mpt.IRQTrigger

	// released makes teardown exactly-once under a race between an
	// explicit release and the asynchronous detach notification.
	released  atomic.Bool
	releaseCh chan struct{}
	quit      chan struct{}
	stopOnce  sync.Once
	stopped   chan struct{}
}

// Option configures a Device at creation.
type Option func(*Device)

// WithOpRegion supplies the firmware opregion blob to expose to the guest.
func WithOpRegion(blob []byte) Option {
	return func(d *Device) { d.opregion = blob }
}

// WithStateImageSize overrides the size of the device-state region image.
func WithStateImageSize(size int) Option {
	return func(d *Device) { d.stateImageSize = size }
}

// Handle returns the current session handle; zero when no guest is bound.
func (d *Device) Handle() mpt.SessionHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Type returns the name of the device type this instance was created from.
func (d *Device) Type() string { return d.typ.Name }

// newSessionHandle derives a non-zero opaque handle.
func newSessionHandle() mpt.SessionHandle {
	for {
		u := uuid.New()
		h := mpt.SessionHandle(binary.LittleEndian.Uint64(u[:8]))
		if h.Valid() {
			return h
		}
	}
}
