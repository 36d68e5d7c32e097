// Package vfio defines the dispatch protocol the virtual device exposes to
// its hosting virtualization framework: the region index space, the absolute
// offset encoding used by the synchronous read/write path, and the info
// structures returned by the negotiation queries.
package vfio

// OffsetShift is the number of bits an absolute stream offset is shifted to
// recover the region index; the remainder is the in-region offset.
const OffsetShift = 40

// OffsetMask extracts the in-region offset from an absolute stream offset.
const OffsetMask = (uint64(1) << OffsetShift) - 1

// OffsetToIndex recovers the region index from an absolute stream offset.
func OffsetToIndex(off uint64) uint32 { return uint32(off >> OffsetShift) }

// IndexToOffset returns the absolute stream offset of the start of a region.
func IndexToOffset(index uint32) uint64 { return uint64(index) << OffsetShift }

// Fixed device-standard region indices. Dynamically registered regions start
// at NumFixedRegions.
const (
	RegionConfig = iota
	RegionBAR0
	RegionBAR1
	RegionBAR2
	RegionBAR3
	RegionBAR4
	RegionBAR5
	RegionROM
	RegionVGA

	NumFixedRegions
)

// Interrupt vector indices.
const (
	IRQIntX = iota
	IRQMSI
	IRQMSIX
	IRQErr
	IRQReq

	NumIRQs
)

// Device info flags.
const (
	DeviceFlagReset = 1 << iota
	DeviceFlagPCI
)

// Region info flags.
const (
	RegionFlagRead = 1 << iota
	RegionFlagWrite
	RegionFlagMmap
	RegionFlagCaps
)

// IRQ info flags.
const (
	IRQFlagEventFD = 1 << iota
	IRQFlagMaskable
	IRQFlagAutoMasked
	IRQFlagNoResize
)

// SetIRQs data and action flags.
const (
	IRQSetDataNone = 1 << iota
	IRQSetDataBool
	IRQSetDataEventFD
	IRQSetActionMask
	IRQSetActionUnmask
	IRQSetActionTrigger
)

// IRQSetDataMask and IRQSetActionMaskAll select the data and action halves
// of a SetIRQs flags word.
const (
	IRQSetDataMaskAll   = IRQSetDataNone | IRQSetDataBool | IRQSetDataEventFD
	IRQSetActionMaskAll = IRQSetActionMask | IRQSetActionUnmask | IRQSetActionTrigger
)

// DeviceInfo is the answer to a device info query.
type DeviceInfo struct {
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

// TypeCap identifies a vendor region by type and subtype tags.
type TypeCap struct {
	Type    uint32
	Subtype uint32
}

// SparseArea describes one directly-mappable sub-range of a region.
type SparseArea struct {
	Offset uint64
	Size   uint64
}

// RegionCaps carries the optional capability metadata of a region.
type RegionCaps struct {
	Type   *TypeCap
	Sparse []SparseArea
}

// RegionInfo is the answer to a region info query.
type RegionInfo struct {
	Index  uint32
	Flags  uint32
	Size   uint64
	Offset uint64
	Caps   RegionCaps
}

// IRQInfo is the answer to an interrupt info query.
type IRQInfo struct {
	Index uint32
	Flags uint32
	Count uint32
}
