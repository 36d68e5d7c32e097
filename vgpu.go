// Package vgpu implements the resource-virtualization core of a mediated
// virtual GPU device. A Device is one device instance carved out of the
// physical GPU: it dispatches region accesses to the device emulator,
// maintains the guest DMA mapping cache and the page write-protection table,
// and runs the session lifecycle against a guest memory context.
package vgpu

import (
	"github.com/tinyrange/vgpu/internal/mdev"
	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/vfio"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Device is one mediated virtual GPU instance. It implements io.ReaderAt and
// io.WriterAt over the device's region address space.
type Device = mdev.Device

// Catalog holds the device types instances are created from and tracks
// per-type availability.
type Catalog = mdev.Catalog

// TypeSpec describes one device type in a catalog definition.
type TypeSpec = mdev.TypeSpec

// DeviceType is a catalog entry.
type DeviceType = mdev.DeviceType

// Option configures a Device at creation.
type Option = mdev.Option

// State is the lifecycle state of a Device.
type State = mdev.State

// GFN is a guest page frame number.
type GFN = mpt.GFN

// HostFrame is a host page frame number.
type HostFrame = mpt.HostFrame

// DmaAddr is a bus address produced by the DMA mapping service.
type DmaAddr = mpt.DmaAddr

// SessionHandle is the opaque identity of one guest session.
type SessionHandle = mpt.SessionHandle

// MemorySlot is one contiguous range of guest page frames.
type MemorySlot = mpt.MemorySlot

// GuestMemory is the guest memory service a Device attaches to.
type GuestMemory = mpt.GuestMemory

// HostMapper pins guest frames and maps them for DMA.
type HostMapper = mpt.HostMapper

// Emulator is the device model a Device dispatches accesses to.
type Emulator = mpt.Emulator

// IRQTrigger delivers an interrupt to the guest.
type IRQTrigger = mpt.IRQTrigger

// DeviceInfo answers a device info query.
type DeviceInfo = vfio.DeviceInfo

// RegionInfo answers a region info query.
type RegionInfo = vfio.RegionInfo

// IRQInfo answers an interrupt info query.
type IRQInfo = vfio.IRQInfo

// Lifecycle states.
const (
	StateCreated  = mdev.StateCreated
	StateAttached = mdev.StateAttached
	StateActive   = mdev.StateActive
	StateReleased = mdev.StateReleased
)

// Region index constants. Offsets into the device address space encode the
// region index above OffsetShift.
const (
	RegionConfig    = vfio.RegionConfig
	RegionBAR0      = vfio.RegionBAR0
	RegionBAR2      = vfio.RegionBAR2
	NumFixedRegions = vfio.NumFixedRegions

	OffsetShift = vfio.OffsetShift
)

// IndexToOffset returns the base offset of a region index in the device
// address space.
func IndexToOffset(index uint32) uint64 { return vfio.IndexToOffset(index) }

// OffsetToIndex recovers the region index from an absolute offset.
func OffsetToIndex(off uint64) uint32 { return vfio.OffsetToIndex(off) }

// Interrupt index constants.
const (
	IRQIntX = vfio.IRQIntX
	IRQMSI  = vfio.IRQMSI
)

// PageSize is the guest page size.
const PageSize = mpt.PageSize

// Common sentinel errors.
var (
	// ErrNotFound indicates a missing resource: an unknown device type, a
	// guest frame outside guest memory, or an operation that needs a live
	// session when none is bound.
	ErrNotFound = mpt.ErrNotFound

	// ErrResourceExhausted indicates the device type has no instances left.
	ErrResourceExhausted = mpt.ErrResourceExhausted

	// ErrConflict indicates a lifecycle conflict: opening a session twice,
	// destroying a device with a live session, or binding a guest context
	// that another device already owns.
	ErrConflict = mpt.ErrConflict

	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = mpt.ErrInvalidArgument

	// ErrNotSupported indicates the operation is not supported by the
	// target, such as writing a read-only region.
	ErrNotSupported = mpt.ErrNotSupported
)

// -----------------------------------------------------------------------------
// Constructors and Options
// -----------------------------------------------------------------------------

// NewCatalog builds a catalog from type specs.
func NewCatalog(specs []TypeSpec) (*Catalog, error) { return mdev.NewCatalog(specs) }

// ParseCatalog builds a catalog from a YAML document.
func ParseCatalog(data []byte) (*Catalog, error) { return mdev.ParseCatalog(data) }

// LoadCatalog builds a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) { return mdev.LoadCatalog(path) }

// WithOpRegion supplies the firmware opregion blob to expose to the guest.
func WithOpRegion(blob []byte) Option { return mdev.WithOpRegion(blob) }

// WithStateImageSize overrides the size of the device-state region image.
func WithStateImageSize(size int) Option { return mdev.WithStateImageSize(size) }
