// Package guestmem is an in-process guest memory service backed by an
// anonymous mmap. It implements the guest-memory side of the mpt seam for
// tools and tests: page-write tracking with intercept routing, slot
// resolution over a single contiguous slot, and the unmap/detach
// notification sources a device attaches to.
package guestmem

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// Memory is one guest context's physical memory, a single contiguous slot.
type Memory struct {
	slot mpt.MemorySlot

	// mu is the MMU lock: tracking state and tracker callbacks are
	// serialized under it.
	mu        sync.Mutex
	buf       []byte
	tracked   map[mpt.GFN]struct{}
	trackers  map[int]mpt.PageTracker
	unmapFns  map[int]func(start, end mpt.GFN)
	detachFns map[int]func()
	nextID    int
}

// New maps pages of anonymous memory presented to the guest at base.
func New(base mpt.GFN, pages uint64) (*Memory, error) {
	if pages == 0 {
		return nil, fmt.Errorf("guestmem: zero-size memory: %w", mpt.ErrInvalidArgument)
	}
	buf, err := unix.Mmap(-1, 0, int(pages)*mpt.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d pages: %w", pages, err)
	}
	return &Memory{
		slot:      mpt.MemorySlot{Base: base, Pages: pages},
		buf:       buf,
		tracked:   make(map[mpt.GFN]struct{}),
		trackers:  make(map[int]mpt.PageTracker),
		unmapFns:  make(map[int]func(start, end mpt.GFN)),
		detachFns: make(map[int]func()),
	}, nil
}

// Close unmaps the backing memory.
func (m *Memory) Close() error {
	m.mu.Lock()
	buf := m.buf
	m.buf = nil
	m.mu.Unlock()

	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}

// Slot returns the single memory slot.
func (m *Memory) Slot() mpt.MemorySlot { return m.slot }

func (m *Memory) offset(gpa uint64, n int) (int, error) {
	base := uint64(m.slot.Base) << mpt.PageShift
	end := base + m.slot.Pages*mpt.PageSize
	if gpa < base || gpa+uint64(n) > end {
		return 0, fmt.Errorf("guestmem: gpa %#x+%d outside guest memory: %w", gpa, n, mpt.ErrNotFound)
	}
	return int(gpa - base), nil
}

// ReadGuest implements mpt.GuestMemory.
func (m *Memory) ReadGuest(gpa uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return fmt.Errorf("guestmem: read after close: %w", mpt.ErrNotFound)
	}
	off, err := m.offset(gpa, len(p))
	if err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

// WriteGuest implements mpt.GuestMemory. A write landing on a tracked page
// is intercepted: it is routed to the registered trackers under the MMU lock
// and does not reach the backing memory.
func (m *Memory) WriteGuest(gpa uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return fmt.Errorf("guestmem: write after close: %w", mpt.ErrNotFound)
	}
	off, err := m.offset(gpa, len(p))
	if err != nil {
		return err
	}
	if _, ok := m.tracked[mpt.GPAToGFN(gpa)]; ok {
		for _, t := range m.trackers {
			t.TrackedWrite(gpa, p)
		}
		return nil
	}
	copy(m.buf[off:], p)
	return nil
}

// ResolveSlot implements mpt.GuestMemory.
func (m *Memory) ResolveSlot(gfn mpt.GFN) (mpt.MemorySlot, bool) {
	if !m.slot.Contains(gfn) {
		return mpt.MemorySlot{}, false
	}
	return m.slot, true
}

// IsVisible implements mpt.GuestMemory.
func (m *Memory) IsVisible(gfn mpt.GFN) bool { return m.slot.Contains(gfn) }

// WithMMULock implements mpt.GuestMemory.
func (m *Memory) WithMMULock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// TrackPage implements mpt.GuestMemory. Caller holds the MMU lock.
func (m *Memory) TrackPage(slot mpt.MemorySlot, gfn mpt.GFN) {
	m.tracked[gfn] = struct{}{}
}

// UntrackPage implements mpt.GuestMemory. Caller holds the MMU lock.
func (m *Memory) UntrackPage(slot mpt.MemorySlot, gfn mpt.GFN) {
	delete(m.tracked, gfn)
}

type registration struct {
	close func()
}

func (r registration) Close() error {
	r.close()
	return nil
}

// RegisterTracker implements mpt.GuestMemory.
func (m *Memory) RegisterTracker(t mpt.PageTracker) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.trackers[id] = t
	return registration{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.trackers, id)
	}}, nil
}

// RegisterUnmapNotifier implements mpt.GuestMemory.
func (m *Memory) RegisterUnmapNotifier(fn func(start, end mpt.GFN)) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.unmapFns[id] = fn
	return registration{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.unmapFns, id)
	}}, nil
}

// RegisterDetachNotifier implements mpt.GuestMemory.
func (m *Memory) RegisterDetachNotifier(fn func()) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.detachFns[id] = fn
	return registration{close: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.detachFns, id)
	}}, nil
}

// InvalidateRange tears down the guest's address-space mapping for
// [start, end) and notifies registered listeners, the way an IOMMU unmap
// event would.
func (m *Memory) InvalidateRange(start, end mpt.GFN) {
	m.mu.Lock()
	fns := make([]func(start, end mpt.GFN), 0, len(m.unmapFns))
	for _, fn := range m.unmapFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(start, end)
	}
}

// FlushSlot invalidates the memory slot wholesale, notifying trackers under
// the MMU lock.
func (m *Memory) FlushSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trackers {
		t.FlushSlot(m.slot)
	}
}

// Detach signals guest-context teardown to registered listeners.
func (m *Memory) Detach() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.detachFns))
	for _, fn := range m.detachFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

var _ mpt.GuestMemory = (*Memory)(nil)
