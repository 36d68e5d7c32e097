// Package mpt defines the seam between the mediated virtual GPU core and its
// host-side collaborators: the host memory mapper that pins guest pages and
// produces DMA addresses, the guest memory service that exposes guest physical
// memory and page-write tracking, and the device emulator that gives meaning
// to config-space and MMIO accesses. The core never reaches around these
// interfaces; every implementation is injected at construction.
package mpt

import (
	"errors"
	"io"
)

// PageShift is the page granularity shared by the guest and the host mapper.
const PageShift = 12

// PageSize is one guest page in bytes.
const PageSize = 1 << PageShift

// GFN is a guest frame number: a page-granular address in the guest's
// physical address space.
type GFN uint64

// GPAToGFN converts a guest physical address to the frame containing it.
func GPAToGFN(gpa uint64) GFN { return GFN(gpa >> PageShift) }

// HostFrame identifies a pinned host page backing a guest frame.
type HostFrame uint64

// DmaAddr is a host-side token identifying a pinned, IOMMU-mapped page
// usable for device DMA.
type DmaAddr uint64

// SessionHandle binds a virtual device instance to a guest context.
// A handle is either fully valid (non-zero) or fully invalid (zero);
// there is no partially-initialized observable state.
type SessionHandle uint64

// Valid reports whether the handle refers to a live guest binding.
func (h SessionHandle) Valid() bool { return h != 0 }

var (
	// ErrNotFound indicates an unknown GFN, DMA address, region index or
	// memory slot.
	ErrNotFound = errors.New("not found")
	// ErrResourceExhausted indicates a pin, mapping or allocation failure.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrConflict indicates a double attach or a guest context that is
	// already bound to another device.
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument indicates an out-of-range offset, length or index.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotSupported indicates a write to a read-only region or an
	// operation the target does not implement.
	ErrNotSupported = errors.New("not supported")
	// ErrPermission indicates the host mapper denied pinning.
	ErrPermission = errors.New("permission denied")
)

// HostMapper pins guest pages into host memory and maps them for device DMA.
// Pin and DMAMap are synchronous and bounded; failures are error returns,
// never asynchronous cancellations.
type HostMapper interface {
	// Pin pins the host page backing gfn and returns its host frame.
	Pin(gfn GFN) (HostFrame, error)
	// Unpin releases a pin taken by Pin.
	Unpin(gfn GFN)
	// DMAMap maps a pinned host frame for device DMA.
	DMAMap(frame HostFrame) (DmaAddr, error)
	// DMAUnmap tears down a mapping created by DMAMap.
	DMAUnmap(addr DmaAddr)
	// Translate resolves a guest frame to its backing host frame without
	// pinning it.
	Translate(gfn GFN) (HostFrame, error)
}

// MemorySlot describes one contiguous guest memory region known to the
// guest memory service.
type MemorySlot struct {
	Base  GFN
	Pages uint64
}

// Contains reports whether gfn falls inside the slot.
func (s MemorySlot) Contains(gfn GFN) bool {
	return gfn >= s.Base && uint64(gfn-s.Base) < s.Pages
}

// PageTracker receives page-write-tracking callbacks from the guest memory
// service. Both callbacks are invoked while the service holds its MMU lock;
// implementations must not call back into the service's locking methods.
type PageTracker interface {
	// TrackedWrite is invoked when the guest writes to a tracked page,
	// before the write lands in guest memory.
	TrackedWrite(gpa uint64, data []byte)
	// FlushSlot is invoked when the service invalidates a memory slot
	// wholesale.
	FlushSlot(slot MemorySlot)
}

// GuestMemory is the guest memory service: guest physical memory access,
// slot resolution and page-write tracking for one guest context.
type GuestMemory interface {
	// ReadGuest copies guest physical memory at gpa into p.
	ReadGuest(gpa uint64, p []byte) error
	// WriteGuest copies p into guest physical memory at gpa. Writes to
	// tracked pages are intercepted and routed to the registered trackers
	// instead of landing in memory.
	WriteGuest(gpa uint64, p []byte) error

	// ResolveSlot returns the memory slot backing gfn, if any.
	ResolveSlot(gfn GFN) (MemorySlot, bool)
	// IsVisible reports whether gfn is backed by guest memory.
	IsVisible(gfn GFN) bool

	// WithMMULock runs fn while holding the service's MMU lock. Track and
	// untrack calls must happen inside fn so that tracker callbacks never
	// observe a half-updated tracking state.
	WithMMULock(fn func())
	// TrackPage enables write tracking for gfn. Caller holds the MMU lock.
	TrackPage(slot MemorySlot, gfn GFN)
	// UntrackPage disables write tracking for gfn. Caller holds the MMU lock.
	UntrackPage(slot MemorySlot, gfn GFN)
	// RegisterTracker registers t for write-intercept and slot-flush
	// callbacks. Closing the returned Closer unregisters it.
	RegisterTracker(t PageTracker) (io.Closer, error)

	// RegisterUnmapNotifier registers fn to be called when the guest's
	// address-space mapping for [start, end) is torn down out-of-band.
	RegisterUnmapNotifier(fn func(start, end GFN)) (io.Closer, error)
	// RegisterDetachNotifier registers fn to be called when the guest
	// context itself is going away. fn may be invoked from a restricted
	// execution context and must not block.
	RegisterDetachNotifier(fn func()) (io.Closer, error)
}

// Emulator is the device emulation engine behind the fixed PCI regions.
// The core routes config-space and MMIO byte ranges to it and forwards
// lifecycle transitions; what any particular offset means is the emulator's
// business alone.
type Emulator interface {
	ReadConfig(offset uint64, p []byte) error
	WriteConfig(offset uint64, p []byte) error
	ReadMMIO(addr uint64, p []byte) error
	WriteMMIO(addr uint64, p []byte) error

	// ConfigSpaceSize returns the size of the emulated config space.
	ConfigSpaceSize() uint64
	// BARSize returns the size of the emulated BAR, zero if unimplemented.
	BARSize(index int) uint64
	// Aperture returns the offset and size of the directly-mappable slice
	// of the aperture BAR.
	Aperture() (offset, size uint64)

	Activate() error
	Deactivate()
	Reset()

	// Snapshot fills p with device state starting at off into the state
	// image; Restore consumes p symmetrically. Both return the number of
	// bytes transferred.
	Snapshot(p []byte, off int64) (int, error)
	Restore(p []byte, off int64) (int, error)

	// WriteProtected handles an intercepted guest write to a protected page.
	WriteProtected(gpa uint64, data []byte)
}

// IRQTrigger signals one interrupt vector into the guest.
type IRQTrigger interface {
	Signal() error
	Close() error
}
