package mdev

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// session snapshots the live session state; every guest-facing passthrough
// validates the handle through it.
func (d *Device) session() (mpt.GuestMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateActive || !d.handle.Valid() {
		return nil, fmt.Errorf("mdev: no active guest session: %w", mpt.ErrNotFound)
	}
	return d.mem, nil
}

// ReadGuest copies guest physical memory at gpa into p.
func (d *Device) ReadGuest(gpa uint64, p []byte) error {
	mem, err := d.session()
	if err != nil {
		return err
	}
	return mem.ReadGuest(gpa, p)
}

// WriteGuest copies p into guest physical memory at gpa.
func (d *Device) WriteGuest(gpa uint64, p []byte) error {
	mem, err := d.session()
	if err != nil {
		return err
	}
	return mem.WriteGuest(gpa, p)
}

// DMAMapGuestPage returns a DMA address for the guest frame, pinning and
// mapping it on first use and bumping the reference count on repeats.
func (d *Device) DMAMapGuestPage(gfn mpt.GFN) (mpt.DmaAddr, error) {
	d.mu.Lock()
	cache := d.cache
	active := d.state == StateActive
	d.mu.Unlock()

	if !active || cache == nil {
		return 0, fmt.Errorf("mdev: dma map: no active guest session: %w", mpt.ErrNotFound)
	}
	return cache.Map(gfn)
}

// DMAUnmapGuestPage drops one reference from the mapping at dma. Unknown
// addresses are ignored: the caller may race a bulk invalidation.
func (d *Device) DMAUnmapGuestPage(dma mpt.DmaAddr) {
	d.mu.Lock()
	cache := d.cache
	d.mu.Unlock()

	if cache != nil {
		cache.Unmap(dma)
	}
}

// ProtectPage write-protects a guest frame; intercepted writes are routed to
// the emulator. Idempotent.
func (d *Device) ProtectPage(gfn mpt.GFN) error {
	d.mu.Lock()
	tracker := d.tracker
	active := d.state == StateActive
	d.mu.Unlock()

	if !active || tracker == nil {
		return fmt.Errorf("mdev: protect page: no active guest session: %w", mpt.ErrNotFound)
	}
	return tracker.Protect(gfn)
}

// UnprotectPage removes write protection from a guest frame. Idempotent.
func (d *Device) UnprotectPage(gfn mpt.GFN) error {
	d.mu.Lock()
	tracker := d.tracker
	active := d.state == StateActive
	d.mu.Unlock()

	if !active || tracker == nil {
		return fmt.Errorf("mdev: unprotect page: no active guest session: %w", mpt.ErrNotFound)
	}
	return tracker.Unprotect(gfn)
}

// PageProtected reports whether a guest frame is currently write-protected.
func (d *Device) PageProtected(gfn mpt.GFN) bool {
	d.mu.Lock()
	tracker := d.tracker
	d.mu.Unlock()

	return tracker != nil && tracker.IsProtected(gfn)
}

// IsVisibleGFN reports whether a guest frame is backed by guest memory.
func (d *Device) IsVisibleGFN(gfn mpt.GFN) bool {
	mem, err := d.session()
	if err != nil {
		return false
	}
	return mem.IsVisible(gfn)
}

// TranslateGFN resolves a guest frame to its backing host frame without
// pinning it.
func (d *Device) TranslateGFN(gfn mpt.GFN) (mpt.HostFrame, error) {
	if _, err := d.session(); err != nil {
		return 0, err
	}
	return d.mapper.Translate(gfn)
}
