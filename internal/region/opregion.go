package region

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// OpRegionSignature is the magic the opregion blob must start with.
const OpRegionSignature = "IntelGraphicsMem"

// OpRegion exposes the firmware opregion blob to the guest, read-only.
type OpRegion struct {
	data []byte
}

// NewOpRegion validates the blob's signature and wraps it as a region.
func NewOpRegion(data []byte) (*OpRegion, error) {
	if len(data) < len(OpRegionSignature) ||
		!bytes.HasPrefix(data, []byte(OpRegionSignature)) {
		return nil, fmt.Errorf("region: bad opregion signature: %w", mpt.ErrInvalidArgument)
	}
	return &OpRegion{data: data}, nil
}

// Size returns the region size in bytes.
func (o *OpRegion) Size() uint64 { return uint64(len(o.data)) }

// ReadAt copies from the blob, clamping short reads at the end of the region.
func (o *OpRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(o.data)) {
		return 0, fmt.Errorf("region: opregion read at %#x: %w", off, mpt.ErrInvalidArgument)
	}
	return copy(p, o.data[off:]), nil
}

// WriteAt always fails; the opregion is read-only.
func (o *OpRegion) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("region: opregion is read-only: %w", mpt.ErrNotSupported)
}

// Release is a no-op: the blob is owned by whoever supplied it.
func (o *OpRegion) Release() {}

var _ Handler = (*OpRegion)(nil)
