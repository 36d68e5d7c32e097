package guestmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/vgpu/internal/mpt"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := New(0x100, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newTestMemory(t)

	base := uint64(0x100) << mpt.PageShift
	payload := []byte("mediated device memory")
	if err := m.WriteGuest(base+0x20, payload); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}

	got := make([]byte, len(payload))
	if err := m.ReadGuest(base+0x20, got); err != nil {
		t.Fatalf("ReadGuest failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-trip mismatch: %q != %q", got, payload)
	}
}

func TestAccessOutOfBounds(t *testing.T) {
	m := newTestMemory(t)

	if err := m.ReadGuest(0, make([]byte, 4)); !errors.Is(err, mpt.ErrNotFound) {
		t.Errorf("read below slot: got %v, want ErrNotFound", err)
	}

	end := (uint64(0x100) + 16) << mpt.PageShift
	if err := m.WriteGuest(end-2, make([]byte, 4)); !errors.Is(err, mpt.ErrNotFound) {
		t.Errorf("write past slot: got %v, want ErrNotFound", err)
	}
}

func TestSlotResolution(t *testing.T) {
	m := newTestMemory(t)

	slot, ok := m.ResolveSlot(0x105)
	if !ok {
		t.Fatal("ResolveSlot failed for in-slot gfn")
	}
	if slot.Base != 0x100 || slot.Pages != 16 {
		t.Errorf("slot %+v", slot)
	}
	if _, ok := m.ResolveSlot(0x110); ok {
		t.Error("ResolveSlot succeeded one page past the slot")
	}
	if !m.IsVisible(0x10f) {
		t.Error("last page not visible")
	}
}

type recordingTracker struct {
	writes  []uint64
	flushes []mpt.MemorySlot
}

func (r *recordingTracker) TrackedWrite(gpa uint64, data []byte) {
	r.writes = append(r.writes, gpa)
}

func (r *recordingTracker) FlushSlot(slot mpt.MemorySlot) {
	r.flushes = append(r.flushes, slot)
}

func TestTrackedWriteIntercepted(t *testing.T) {
	m := newTestMemory(t)

	tr := &recordingTracker{}
	reg, err := m.RegisterTracker(tr)
	if err != nil {
		t.Fatalf("RegisterTracker failed: %v", err)
	}

	const gfn = mpt.GFN(0x102)
	gpa := uint64(gfn) << mpt.PageShift

	// Seed the page, then track it.
	if err := m.WriteGuest(gpa, []byte{0xaa}); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}
	m.WithMMULock(func() { m.TrackPage(m.Slot(), gfn) })

	if err := m.WriteGuest(gpa, []byte{0xbb}); err != nil {
		t.Fatalf("intercepted WriteGuest failed: %v", err)
	}

	// The intercepted write went to the tracker, not the backing memory.
	if len(tr.writes) != 1 || tr.writes[0] != gpa {
		t.Fatalf("tracker writes %v, want [%#x]", tr.writes, gpa)
	}
	got := make([]byte, 1)
	if err := m.ReadGuest(gpa, got); err != nil {
		t.Fatalf("ReadGuest failed: %v", err)
	}
	if got[0] != 0xaa {
		t.Fatalf("backing memory modified by intercepted write: %#x", got[0])
	}

	// Untracked pages write through again.
	m.WithMMULock(func() { m.UntrackPage(m.Slot(), gfn) })
	if err := m.WriteGuest(gpa, []byte{0xcc}); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}
	if err := m.ReadGuest(gpa, got); err != nil {
		t.Fatalf("ReadGuest failed: %v", err)
	}
	if got[0] != 0xcc || len(tr.writes) != 1 {
		t.Errorf("write-through after untrack: byte %#x, tracker writes %v", got[0], tr.writes)
	}

	// A closed registration stops receiving writes.
	m.WithMMULock(func() { m.TrackPage(m.Slot(), gfn) })
	if err := reg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.WriteGuest(gpa, []byte{0xdd}); err != nil {
		t.Fatalf("WriteGuest failed: %v", err)
	}
	if len(tr.writes) != 1 {
		t.Errorf("unregistered tracker still notified: %v", tr.writes)
	}
}

func TestFlushSlot(t *testing.T) {
	m := newTestMemory(t)

	tr := &recordingTracker{}
	if _, err := m.RegisterTracker(tr); err != nil {
		t.Fatalf("RegisterTracker failed: %v", err)
	}

	m.FlushSlot()
	if len(tr.flushes) != 1 || tr.flushes[0].Base != 0x100 {
		t.Fatalf("flushes %v", tr.flushes)
	}
}

func TestNotifiers(t *testing.T) {
	m := newTestMemory(t)

	var unmaps [][2]mpt.GFN
	unmapReg, err := m.RegisterUnmapNotifier(func(start, end mpt.GFN) {
		unmaps = append(unmaps, [2]mpt.GFN{start, end})
	})
	if err != nil {
		t.Fatalf("RegisterUnmapNotifier failed: %v", err)
	}

	detached := 0
	if _, err := m.RegisterDetachNotifier(func() { detached++ }); err != nil {
		t.Fatalf("RegisterDetachNotifier failed: %v", err)
	}

	m.InvalidateRange(0x100, 0x108)
	if len(unmaps) != 1 || unmaps[0] != [2]mpt.GFN{0x100, 0x108} {
		t.Fatalf("unmap notifications %v", unmaps)
	}

	if err := unmapReg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	m.InvalidateRange(0x100, 0x108)
	if len(unmaps) != 1 {
		t.Error("closed unmap notifier still invoked")
	}

	m.Detach()
	if detached != 1 {
		t.Errorf("detach notified %d times, want 1", detached)
	}
}

func TestZeroSizeMemory(t *testing.T) {
	if _, err := New(0, 0); !errors.Is(err, mpt.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestMapperPinAccounting(t *testing.T) {
	m := newTestMemory(t)
	mapper := NewMapper(m)

	if _, err := mapper.Pin(0x200); !errors.Is(err, mpt.ErrNotFound) {
		t.Fatalf("pin outside guest memory: got %v, want ErrNotFound", err)
	}

	frame, err := mapper.Pin(0x104)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if frame != 0x104 {
		t.Errorf("frame %#x, want identity translation", uint64(frame))
	}
	if mapper.PinnedPages() != 1 {
		t.Errorf("PinnedPages = %d, want 1", mapper.PinnedPages())
	}

	dma, err := mapper.DMAMap(frame)
	if err != nil {
		t.Fatalf("DMAMap failed: %v", err)
	}
	if mapper.LiveMappings() != 1 {
		t.Errorf("LiveMappings = %d, want 1", mapper.LiveMappings())
	}

	mapper.DMAUnmap(dma)
	mapper.Unpin(0x104)
	if mapper.PinnedPages() != 0 || mapper.LiveMappings() != 0 {
		t.Errorf("leak: %d pins, %d mappings", mapper.PinnedPages(), mapper.LiveMappings())
	}

	// Unpin below zero stays clamped.
	mapper.Unpin(0x104)
	if mapper.PinnedPages() != 0 {
		t.Errorf("PinnedPages = %d after extra unpin", mapper.PinnedPages())
	}
}

func TestTranslate(t *testing.T) {
	m := newTestMemory(t)
	mapper := NewMapper(m)

	frame, err := mapper.Translate(0x10f)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if frame != 0x10f {
		t.Errorf("frame %#x", uint64(frame))
	}
	if _, err := mapper.Translate(0x110); !errors.Is(err, mpt.ErrNotFound) {
		t.Errorf("translate past slot: got %v, want ErrNotFound", err)
	}
}
