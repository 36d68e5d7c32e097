package mdev

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/vfio"
)

// SetIRQs configures one interrupt vector. INTx mask, unmask and trigger are
// accepted and ignored (the virtual line carries no masking state); an MSI
// trigger action installs the supplied trigger, replacing and closing any
// previous one. Anything else is unsupported.
func (d *Device) SetIRQs(flags, index, start, count uint32, trigger mpt.IRQTrigger) error {
	action := flags & vfio.IRQSetActionMaskAll

	switch index {
	case vfio.IRQIntX:
		switch action {
		case vfio.IRQSetActionMask, vfio.IRQSetActionUnmask, vfio.IRQSetActionTrigger:
			return nil
		}

	case vfio.IRQMSI:
		if action == vfio.IRQSetActionTrigger {
			if flags&vfio.IRQSetDataEventFD != 0 && trigger != nil {
				d.mu.Lock()
				old := d.msi
				d.msi = trigger
				d.mu.Unlock()
				if old != nil {
					_ = old.Close()
				}
			}
			return nil
		}
	}

	return fmt.Errorf("mdev: set irqs index %d flags %#x: %w", index, flags, mpt.ErrNotSupported)
}

// InjectMSI signals the guest's MSI vector through the installed trigger.
func (d *Device) InjectMSI() error {
	d.mu.Lock()
	active := d.state == StateActive
	trigger := d.msi
	d.mu.Unlock()

	if !active {
		return fmt.Errorf("mdev: inject msi: no active session: %w", mpt.ErrNotFound)
	}
	if trigger == nil {
		return fmt.Errorf("mdev: inject msi: no trigger installed: %w", mpt.ErrNotSupported)
	}
	return trigger.Signal()
}
