package mdev

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/region"
	"github.com/tinyrange/vgpu/internal/vfio"
)

// dispatch routes one naturally-sized access to its region. Fixed indices go
// to the emulator; everything past them resolves against the region registry.
func (d *Device) dispatch(index uint32, off uint64, p []byte, isWrite bool) error {
	d.mu.Lock()
	if d.state != StateActive {
		d.mu.Unlock()
		return fmt.Errorf("mdev: access in state %s: %w", d.state, mpt.ErrConflict)
	}
	var reg *region.Region
	if index >= vfio.NumFixedRegions {
		r, err := d.regions.At(int(index) - vfio.NumFixedRegions)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("mdev: region index %d: %w", index, mpt.ErrInvalidArgument)
		}
		reg = r
	}
	d.mu.Unlock()

	end := off + uint64(len(p))

	switch {
	case index == vfio.RegionConfig:
		if end > d.emu.ConfigSpaceSize() {
			return fmt.Errorf("mdev: config access at %#x+%d: %w", off, len(p), mpt.ErrInvalidArgument)
		}
		if isWrite {
			return d.emu.WriteConfig(off, p)
		}
		return d.emu.ReadConfig(off, p)

	case index == vfio.RegionBAR0:
		size := d.emu.BARSize(0)
		if size == 0 || end > size {
			return fmt.Errorf("mdev: BAR0 access at %#x+%d: %w", off, len(p), mpt.ErrInvalidArgument)
		}
		base, err := d.bar0Base()
		if err != nil {
			return fmt.Errorf("mdev: decode BAR0 base: %w", err)
		}
		if isWrite {
			return d.emu.WriteMMIO(base+off, p)
		}
		return d.emu.ReadMMIO(base+off, p)

	case index < vfio.NumFixedRegions:
		return fmt.Errorf("mdev: region %d is not backed: %w", index, mpt.ErrInvalidArgument)

	default:
		if end > reg.Size {
			return fmt.Errorf("mdev: region %d access at %#x+%d exceeds size %#x: %w",
				index, off, len(p), reg.Size, mpt.ErrInvalidArgument)
		}
		if isWrite && reg.Flags&vfio.RegionFlagWrite == 0 {
			return fmt.Errorf("mdev: region %d is read-only: %w", index, mpt.ErrNotSupported)
		}
		if !isWrite && reg.Flags&vfio.RegionFlagRead == 0 {
			return fmt.Errorf("mdev: region %d is write-only: %w", index, mpt.ErrNotSupported)
		}
		if isWrite {
			_, err := reg.Handler.WriteAt(p, int64(off))
			return err
		}
		_, err := reg.Handler.ReadAt(p, int64(off))
		return err
	}
}

// bar0Base decodes the guest-programmed base address of BAR0 from the
// emulated config space, handling 32- and 64-bit memory BARs.
func (d *Device) bar0Base() (uint64, error) {
	const (
		bar0Offset  = 0x10
		memMask     = ^uint32(0xf)
		memTypeMask = 0x6
		memType64   = 0x4
	)

	var lo [4]byte
	if err := d.emu.ReadConfig(bar0Offset, lo[:]); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(lo[:])
	base := uint64(v & memMask)

	if v&memTypeMask == memType64 {
		var hi [4]byte
		if err := d.emu.ReadConfig(bar0Offset+4, hi[:]); err != nil {
			return 0, err
		}
		base |= uint64(binary.LittleEndian.Uint32(hi[:])) << 32
	}
	return base, nil
}

// ReadAt implements io.ReaderAt over the device's whole address space. The
// absolute offset encodes the region index in its high bits. Accesses to the
// fixed regions are split into the largest naturally-aligned chunks the
// current offset and remaining length permit (4, then 2, then 1 bytes);
// alignment is re-evaluated per chunk because each transfer moves the
// offset. On a failing chunk the count of bytes already transferred is
// returned alongside the error.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.stream(p, off, false)
}

// WriteAt implements io.WriterAt; see ReadAt for the transfer contract.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.stream(p, off, true)
}

func (d *Device) stream(p []byte, off int64, isWrite bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("mdev: negative offset %d: %w", off, mpt.ErrInvalidArgument)
	}
	index := vfio.OffsetToIndex(uint64(off))
	pos := uint64(off) & vfio.OffsetMask

	// Registered regions take the whole buffer in one piece; their
	// handlers define their own access granularity.
	if index >= vfio.NumFixedRegions {
		if err := d.dispatch(index, pos, p, isWrite); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	done := 0
	for done < len(p) {
		cur := pos + uint64(done)
		remaining := len(p) - done

		var n int
		switch {
		case remaining >= 4 && cur%4 == 0:
			n = 4
		case remaining >= 2 && cur%2 == 0:
			n = 2
		default:
			n = 1
		}

		if err := d.dispatch(index, cur, p[done:done+n], isWrite); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}
