package mdev

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/vfio"
)

// Info answers a device info query: region count is the fixed-region count
// plus the dynamically registered count.
func (d *Device) Info() vfio.DeviceInfo {
	d.mu.Lock()
	registered := d.regions.Len()
	d.mu.Unlock()

	return vfio.DeviceInfo{
		Flags:      vfio.DeviceFlagPCI | vfio.DeviceFlagReset,
		NumRegions: uint32(vfio.NumFixedRegions + registered),
		NumIRQs:    vfio.NumIRQs,
	}
}

// RegionInfo answers a region info query for one index. The aperture BAR
// reports the sparse-mmap capability; registered regions report their
// type/subtype capability.
func (d *Device) RegionInfo(index uint32) (vfio.RegionInfo, error) {
	info := vfio.RegionInfo{
		Index:  index,
		Offset: vfio.IndexToOffset(index),
	}

	switch {
	case index == vfio.RegionConfig:
		info.Size = d.emu.ConfigSpaceSize()
		info.Flags = vfio.RegionFlagRead | vfio.RegionFlagWrite

	case index == vfio.RegionBAR0:
		info.Size = d.emu.BARSize(0)
		if info.Size != 0 {
			info.Flags = vfio.RegionFlagRead | vfio.RegionFlagWrite
		}

	case index == vfio.RegionBAR2:
		info.Size = d.emu.BARSize(2)
		if info.Size != 0 {
			info.Flags = vfio.RegionFlagCaps | vfio.RegionFlagMmap |
				vfio.RegionFlagRead | vfio.RegionFlagWrite
			apOff, apSize := d.emu.Aperture()
			info.Caps.Sparse = []vfio.SparseArea{{Offset: apOff, Size: apSize}}
		}

	case index < vfio.NumFixedRegions:
		// Unimplemented fixed regions report zero size, zero flags.

	default:
		d.mu.Lock()
		r, err := d.regions.At(int(index) - vfio.NumFixedRegions)
		d.mu.Unlock()
		if err != nil {
			return vfio.RegionInfo{}, fmt.Errorf("mdev: region info index %d: %w", index, mpt.ErrInvalidArgument)
		}
		info.Size = r.Size
		info.Flags = r.Flags | vfio.RegionFlagCaps
		info.Caps.Type = &vfio.TypeCap{Type: r.Type, Subtype: r.Subtype}
	}

	return info, nil
}

// IRQInfo answers an interrupt info query. Only INTx and MSI are exposed,
// one vector each.
func (d *Device) IRQInfo(index uint32) (vfio.IRQInfo, error) {
	if index >= vfio.NumIRQs {
		return vfio.IRQInfo{}, fmt.Errorf("mdev: irq info index %d: %w", index, mpt.ErrInvalidArgument)
	}

	switch index {
	case vfio.IRQIntX:
		return vfio.IRQInfo{
			Index: index,
			Flags: vfio.IRQFlagEventFD | vfio.IRQFlagMaskable | vfio.IRQFlagAutoMasked,
			Count: 1,
		}, nil
	case vfio.IRQMSI:
		return vfio.IRQInfo{
			Index: index,
			Flags: vfio.IRQFlagEventFD | vfio.IRQFlagNoResize,
			Count: 1,
		}, nil
	default:
		return vfio.IRQInfo{}, fmt.Errorf("mdev: irq index %d unsupported: %w", index, mpt.ErrInvalidArgument)
	}
}

// Mappable reports whether the region at index supports direct mapping.
// Only the aperture BAR is mappable, and only in part (see RegionInfo's
// sparse areas).
func (d *Device) Mappable(index uint32) bool {
	return index == vfio.RegionBAR2 && d.emu.BARSize(2) != 0
}
