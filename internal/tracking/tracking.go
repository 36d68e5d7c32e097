// Package tracking maintains the set of guest frames that are write-protected
// for one guest context. Guest writes to protected frames are intercepted by
// the guest memory service and forwarded to the device emulator instead of
// landing in guest memory.
//
// All mutation of the set happens under the guest memory service's MMU lock,
// because the write-intercept callback reads the set under that same lock; a
// second lock inside the interception hot path is deliberately avoided.
package tracking

import (
	"fmt"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// WriteHandler receives intercepted guest writes to protected pages.
type WriteHandler interface {
	WriteProtected(gpa uint64, data []byte)
}

// Table is the write-protection table for one guest context.
type Table struct {
	mem     mpt.GuestMemory
	handler WriteHandler

	// pages is read by TrackedWrite and FlushSlot, which arrive under the
	// service's MMU lock, and mutated only inside WithMMULock sections.
	pages map[mpt.GFN]struct{}
}

// New creates an empty table bound to the supplied guest memory service and
// write handler.
func New(mem mpt.GuestMemory, handler WriteHandler) *Table {
	return &Table{
		mem:     mem,
		handler: handler,
		pages:   make(map[mpt.GFN]struct{}),
	}
}

// Protect write-protects gfn. Idempotent: protecting an already-protected
// frame changes nothing. Fails if gfn has no backing memory slot.
func (t *Table) Protect(gfn mpt.GFN) error {
	slot, ok := t.mem.ResolveSlot(gfn)
	if !ok {
		return fmt.Errorf("tracking: protect gfn %#x: no memory slot: %w", uint64(gfn), mpt.ErrNotFound)
	}

	t.mem.WithMMULock(func() {
		if _, ok := t.pages[gfn]; ok {
			return
		}
		t.mem.TrackPage(slot, gfn)
		t.pages[gfn] = struct{}{}
	})
	return nil
}

// Unprotect removes write protection from gfn. Idempotent: unprotecting a
// frame that is not protected is a no-op. Fails if gfn has no backing slot.
func (t *Table) Unprotect(gfn mpt.GFN) error {
	slot, ok := t.mem.ResolveSlot(gfn)
	if !ok {
		return fmt.Errorf("tracking: unprotect gfn %#x: no memory slot: %w", uint64(gfn), mpt.ErrNotFound)
	}

	t.mem.WithMMULock(func() {
		if _, ok := t.pages[gfn]; !ok {
			return
		}
		t.mem.UntrackPage(slot, gfn)
		delete(t.pages, gfn)
	})
	return nil
}

// IsProtected reports whether gfn is currently write-protected.
func (t *Table) IsProtected(gfn mpt.GFN) bool {
	var protected bool
	t.mem.WithMMULock(func() {
		_, protected = t.pages[gfn]
	})
	return protected
}

// Len returns the number of protected frames.
func (t *Table) Len() int {
	var n int
	t.mem.WithMMULock(func() {
		n = len(t.pages)
	})
	return n
}

// TrackedWrite implements mpt.PageTracker. Invoked by the guest memory
// service under its MMU lock when the guest writes to a tracked page; if the
// frame is protected the write is handed to the device emulator. The table
// itself is not mutated.
func (t *Table) TrackedWrite(gpa uint64, data []byte) {
	if _, ok := t.pages[mpt.GPAToGFN(gpa)]; ok {
		t.handler.WriteProtected(gpa, data)
	}
}

// FlushSlot implements mpt.PageTracker. Invoked by the guest memory service
// under its MMU lock when a memory slot is invalidated wholesale: every
// protected frame in the slot's range is untracked and dropped.
func (t *Table) FlushSlot(slot mpt.MemorySlot) {
	for i := uint64(0); i < slot.Pages; i++ {
		gfn := slot.Base + mpt.GFN(i)
		if _, ok := t.pages[gfn]; ok {
			t.mem.UntrackPage(slot, gfn)
			delete(t.pages, gfn)
		}
	}
}

// Clear drops every record without touching the service's tracking state.
// Used at session teardown, after the tracker registration has been closed.
func (t *Table) Clear() {
	t.mem.WithMMULock(func() {
		clear(t.pages)
	})
}

var _ mpt.PageTracker = (*Table)(nil)
