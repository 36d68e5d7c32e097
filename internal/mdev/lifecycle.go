package mdev

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vgpu/internal/dmacache"
	"github.com/tinyrange/vgpu/internal/mpt"
	"github.com/tinyrange/vgpu/internal/region"
	"github.com/tinyrange/vgpu/internal/tracking"
	"github.com/tinyrange/vgpu/internal/vfio"
)

// Attach registers the device against a guest context's notification sources:
// address-space unmap events and guest-context teardown events. The guest
// identity is not bound until Open. A device attaches to at most one guest
// context in its lifetime.
func (d *Device) Attach(mem mpt.GuestMemory) error {
	if mem == nil {
		return fmt.Errorf("mdev: attach: nil guest memory: %w", mpt.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateCreated {
		return fmt.Errorf("mdev: attach in state %s: %w", d.state, mpt.ErrConflict)
	}

	unmapReg, err := mem.RegisterUnmapNotifier(d.onGuestUnmap)
	if err != nil {
		return fmt.Errorf("mdev: register unmap notifier: %w", err)
	}
	detachReg, err := mem.RegisterDetachNotifier(d.onGuestDetach)
	if err != nil {
		if cerr := unmapReg.Close(); cerr != nil {
			slog.Warn("mdev: unregister unmap notifier", "device", d.ID, "err", cerr)
		}
		return fmt.Errorf("mdev: register detach notifier: %w", err)
	}

	d.mem = mem
	d.unmapReg = unmapReg
	d.detachReg = detachReg
	d.state = StateAttached
	return nil
}

// Open binds the guest identity and brings the session up: session handle,
// DMA cache, write-protect tracking, built-in regions, then device
// activation. Opening while another device already owns the same guest
// context fails with a conflict. On failure the device stays Attached with
// no partial session state observable.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateAttached:
	case StateActive:
		return fmt.Errorf("mdev: already open: %w", mpt.ErrConflict)
	default:
		return fmt.Errorf("mdev: open in state %s: %w", d.state, mpt.ErrConflict)
	}

	if err := d.catalog.bindGuest(d.mem, d); err != nil {
		return err
	}

	tracker := tracking.New(d.mem, d.emu)
	trackReg, err := d.mem.RegisterTracker(tracker)
	if err != nil {
		d.catalog.unbindGuest(d.mem)
		return fmt.Errorf("mdev: register page tracker: %w", err)
	}

	if err := d.registerBuiltinRegions(); err != nil {
		d.regions.ReleaseAll()
		if cerr := trackReg.Close(); cerr != nil {
			slog.Warn("mdev: unregister page tracker", "device", d.ID, "err", cerr)
		}
		d.catalog.unbindGuest(d.mem)
		return err
	}

	if err := d.emu.Activate(); err != nil {
		d.regions.ReleaseAll()
		if cerr := trackReg.Close(); cerr != nil {
			slog.Warn("mdev: unregister page tracker", "device", d.ID, "err", cerr)
		}
		d.catalog.unbindGuest(d.mem)
		return fmt.Errorf("mdev: activate: %w", err)
	}

	d.cache = dmacache.New(d.mapper)
	d.tracker = tracker
	d.trackReg = trackReg
	d.handle = newSessionHandle()
	d.released.Store(false)
	d.state = StateActive
	return nil
}

func (d *Device) registerBuiltinRegions() error {
	stateRegion, err := region.NewStateRegion(d.emu, d.stateImageSize)
	if err != nil {
		return fmt.Errorf("mdev: state region: %w", err)
	}
	if _, err := d.regions.Register(region.Region{
		Type:    region.TypeVendor,
		Subtype: region.SubtypeDeviceState,
		Size:    stateRegion.Size(),
		Flags:   vfio.RegionFlagRead | vfio.RegionFlagWrite,
		Handler: stateRegion,
	}); err != nil {
		return fmt.Errorf("mdev: register state region: %w", err)
	}

	if d.opregion != nil {
		op, err := region.NewOpRegion(d.opregion)
		if err != nil {
			// The session is usable without an opregion.
			slog.Warn("mdev: opregion rejected", "device", d.ID, "err", err)
			return nil
		}
		if _, err := d.regions.Register(region.Region{
			Type:    region.TypeVendor,
			Subtype: region.SubtypeOpRegion,
			Size:    op.Size(),
			Flags:   vfio.RegionFlagRead,
			Handler: op,
		}); err != nil {
			slog.Warn("mdev: register opregion", "device", d.ID, "err", err)
		}
	}
	return nil
}

// Release tears the session down. Idempotent and infallible: a release
// racing the asynchronous detach notification executes teardown exactly
// once, and every teardown step is best-effort.
func (d *Device) Release() {
	d.doRelease()
}

// onGuestUnmap handles an out-of-band teardown of the guest's address-space
// mapping for [start, end): every cached DMA mapping in range is
// force-unmapped regardless of reference count.
func (d *Device) onGuestUnmap(start, end mpt.GFN) {
	d.mu.Lock()
	cache := d.cache
	d.mu.Unlock()

	if cache != nil {
		cache.InvalidateRange(start, end)
	}
}

// onGuestDetach schedules release onto the deferred work context. The
// notification may arrive from a restricted execution context, so nothing
// here blocks: if a release is already queued the post is dropped.
func (d *Device) onGuestDetach() {
	select {
	case d.releaseCh <- struct{}{}:
	default:
	}
}

// releaseLoop is the deferred work context for asynchronous teardown.
func (d *Device) releaseLoop() {
	defer close(d.stopped)
	for {
		select {
		case <-d.releaseCh:
			d.doRelease()
		case <-d.quit:
			return
		}
	}
}

func (d *Device) doRelease() {
	d.mu.Lock()
	if !d.handle.Valid() {
		d.mu.Unlock()
		return
	}
	if !d.released.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return
	}
	mem := d.mem
	cache := d.cache
	tracker := d.tracker
	trackReg := d.trackReg
	unmapReg := d.unmapReg
	detachReg := d.detachReg
	msi := d.msi
	regs := d.regions
	d.regions = region.Registry{}
	d.state = StateReleased
	d.mu.Unlock()

	// Teardown runs each step regardless of earlier failures; a session
	// always reaches Released.
	d.emu.Deactivate()

	regs.ReleaseAll()

	if unmapReg != nil {
		if err := unmapReg.Close(); err != nil {
			slog.Warn("mdev: unregister unmap notifier", "device", d.ID, "err", err)
		}
	}
	if detachReg != nil {
		if err := detachReg.Close(); err != nil {
			slog.Warn("mdev: unregister detach notifier", "device", d.ID, "err", err)
		}
	}

	if cache != nil {
		cache.DestroyAll()
	}

	if trackReg != nil {
		if err := trackReg.Close(); err != nil {
			slog.Warn("mdev: unregister page tracker", "device", d.ID, "err", err)
		}
	}
	if tracker != nil {
		tracker.Clear()
	}

	if msi != nil {
		if err := msi.Close(); err != nil {
			slog.Warn("mdev: close MSI trigger", "device", d.ID, "err", err)
		}
	}

	d.catalog.unbindGuest(mem)

	d.mu.Lock()
	d.handle = 0
	d.mem = nil
	d.cache = nil
	d.tracker = nil
	d.trackReg = nil
	d.unmapReg = nil
	d.detachReg = nil
	d.msi = nil
	d.mu.Unlock()
}

// stop shuts the deferred work context down. Called from Catalog.Destroy.
// releaseCh is never closed: a detach notification racing the shutdown posts
// into the buffered channel and is simply never serviced.
func (d *Device) stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	<-d.stopped
}

// Reset forwards a device reset request to the emulator.
func (d *Device) Reset() {
	d.emu.Reset()
}
