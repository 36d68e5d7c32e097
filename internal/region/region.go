// Package region manages the device-exposed byte-addressable regions beyond
// the fixed PCI regions. The registry is append-only for the lifetime of a
// device session: indexes are stable, regions are never removed individually,
// and the whole registry is torn down at once at session teardown.
package region

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// Vendor region type and subtype tags.
const (
	// TypeVendor marks a vendor-defined region; the low bits carry the
	// vendor identity.
	TypeVendor = 0x8000_0000 | 0x8086

	SubtypeOpRegion    = 1
	SubtypeDeviceState = 2
)

// Handler implements the byte-range access protocol of one region. Offsets
// are region-relative. Release frees any backing resources; it is invoked
// exactly once, at session teardown.
type Handler interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Release()
}

// Region is one registered region descriptor.
type Region struct {
	Type    uint32
	Subtype uint32
	Size    uint64
	Flags   uint32
	Handler Handler
}

// Registry is the ordered list of registered regions. Registration only
// happens during single-threaded session setup, so readers during the active
// phase need no lock.
type Registry struct {
	regions []Region
}

// Register appends a region descriptor and returns its stable index.
func (r *Registry) Register(reg Region) (int, error) {
	if reg.Handler == nil {
		return 0, fmt.Errorf("region: register type %#x: nil handler: %w", reg.Type, mpt.ErrInvalidArgument)
	}
	if reg.Size == 0 {
		return 0, fmt.Errorf("region: register type %#x: zero size: %w", reg.Type, mpt.ErrInvalidArgument)
	}
	r.regions = append(r.regions, reg)
	return len(r.regions) - 1, nil
}

// At returns the region at index.
func (r *Registry) At(index int) (*Region, error) {
	if index < 0 || index >= len(r.regions) {
		return nil, fmt.Errorf("region: index %d out of range: %w", index, mpt.ErrNotFound)
	}
	return &r.regions[index], nil
}

// Len returns the number of registered regions.
func (r *Registry) Len() int { return len(r.regions) }

// ReleaseAll invokes every region's release callback and clears the registry.
// Called exactly once at session teardown.
func (r *Registry) ReleaseAll() {
	for i := range r.regions {
		r.regions[i].Handler.Release()
	}
	r.regions = nil
}
