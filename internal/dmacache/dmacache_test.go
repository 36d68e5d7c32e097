package dmacache

import (
	"errors"
	"testing"

	"github.com/tinyrange/vgpu/internal/mpt"
)

type fakeMapper struct {
	pins    map[mpt.GFN]int
	unpins  map[mpt.GFN]int
	nextDMA mpt.DmaAddr
	live    map[mpt.DmaAddr]bool

	pinErr error
	mapErr error
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		pins:    make(map[mpt.GFN]int),
		unpins:  make(map[mpt.GFN]int),
		nextDMA: 0x1000_0000,
		live:    make(map[mpt.DmaAddr]bool),
	}
}

func (f *fakeMapper) Pin(gfn mpt.GFN) (mpt.HostFrame, error) {
	if f.pinErr != nil {
		return 0, f.pinErr
	}
	f.pins[gfn]++
	return mpt.HostFrame(gfn + 0x100), nil
}

func (f *fakeMapper) Unpin(gfn mpt.GFN) {
	f.unpins[gfn]++
}

func (f *fakeMapper) DMAMap(frame mpt.HostFrame) (mpt.DmaAddr, error) {
	if f.mapErr != nil {
		return 0, f.mapErr
	}
	f.nextDMA += mpt.PageSize
	f.live[f.nextDMA] = true
	return f.nextDMA, nil
}

func (f *fakeMapper) DMAUnmap(addr mpt.DmaAddr) {
	delete(f.live, addr)
}

func (f *fakeMapper) Translate(gfn mpt.GFN) (mpt.HostFrame, error) {
	return mpt.HostFrame(gfn + 0x100), nil
}

// checkIndexes verifies that the GFN index and the DMA index describe exactly
// the same set of live mappings.
func checkIndexes(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byGFN.Len() != c.byDMA.Len() {
		t.Fatalf("index lengths diverged: gfn=%d dma=%d", c.byGFN.Len(), c.byDMA.Len())
	}
	c.byGFN.Ascend(func(m *mapping) bool {
		got, ok := c.byDMA.Get(m)
		if !ok {
			t.Errorf("mapping gfn=%#x missing from DMA index", uint64(m.gfn))
			return true
		}
		if got != m {
			t.Errorf("DMA index holds a different mapping for gfn=%#x", uint64(m.gfn))
		}
		return true
	})
}

func TestMapRefcount(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	const gfn = mpt.GFN(0x1000)

	h1, err := c.Map(gfn)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	h2, err := c.Map(gfn)
	if err != nil {
		t.Fatalf("second Map failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("repeat Map returned new handle: %#x != %#x", h1, h2)
	}
	if fm.pins[gfn] != 1 {
		t.Errorf("expected exactly 1 pin, got %d", fm.pins[gfn])
	}

	c.Unmap(h1)
	if c.Len() != 1 {
		t.Fatalf("mapping removed while still referenced")
	}
	if fm.unpins[gfn] != 0 {
		t.Errorf("unpinned while still referenced")
	}

	c.Unmap(h1)
	if c.Len() != 0 {
		t.Fatalf("mapping not removed at refcount zero")
	}
	if fm.unpins[gfn] != 1 {
		t.Errorf("expected exactly 1 unpin, got %d", fm.unpins[gfn])
	}
	checkIndexes(t, c)
}

func TestMapUnmapBalanced(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	const gfn = mpt.GFN(0x42)
	const n = 7

	var h mpt.DmaAddr
	for i := 0; i < n; i++ {
		var err error
		h, err = c.Map(gfn)
		if err != nil {
			t.Fatalf("Map %d failed: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		c.Unmap(h)
	}

	if fm.pins[gfn] != 1 || fm.unpins[gfn] != 1 {
		t.Errorf("pins=%d unpins=%d, want 1/1", fm.pins[gfn], fm.unpins[gfn])
	}
	if c.Len() != 0 {
		t.Errorf("cache not empty: %d mappings", c.Len())
	}
	checkIndexes(t, c)
}

func TestUnmapUnknownIsNoop(t *testing.T) {
	c := New(newFakeMapper())
	c.Unmap(0xdeadbeef)
	if c.Len() != 0 {
		t.Fatalf("unexpected mapping")
	}
}

func TestMapPinFailure(t *testing.T) {
	fm := newFakeMapper()
	fm.pinErr = mpt.ErrPermission
	c := New(fm)

	if _, err := c.Map(0x1000); !errors.Is(err, mpt.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed Map left an entry behind")
	}
}

func TestMapDMAMapFailureUnpins(t *testing.T) {
	fm := newFakeMapper()
	fm.mapErr = mpt.ErrResourceExhausted
	c := New(fm)

	if _, err := c.Map(0x1000); !errors.Is(err, mpt.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if fm.unpins[0x1000] != 1 {
		t.Errorf("pin not released after DMA map failure")
	}
}

func TestInvalidateRangeIgnoresRefcount(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	const gfn = mpt.GFN(0x1500)
	for i := 0; i < 3; i++ {
		if _, err := c.Map(gfn); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
	}

	c.InvalidateRange(0x1000, 0x2000)

	if c.Len() != 0 {
		t.Fatalf("residual entry after invalidation")
	}
	if fm.unpins[gfn] != 1 {
		t.Errorf("expected exactly 1 unpin, got %d", fm.unpins[gfn])
	}
	checkIndexes(t, c)
}

func TestInvalidateRangeBounds(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	for _, gfn := range []mpt.GFN{0x0fff, 0x1000, 0x1fff, 0x2000} {
		if _, err := c.Map(gfn); err != nil {
			t.Fatalf("Map %#x failed: %v", uint64(gfn), err)
		}
	}

	c.InvalidateRange(0x1000, 0x2000)

	if got := c.Len(); got != 2 {
		t.Fatalf("expected 2 survivors, got %d", got)
	}
	for _, gfn := range []mpt.GFN{0x1000, 0x1fff} {
		if fm.unpins[gfn] != 1 {
			t.Errorf("gfn %#x not invalidated", uint64(gfn))
		}
	}
	for _, gfn := range []mpt.GFN{0x0fff, 0x2000} {
		if fm.unpins[gfn] != 0 {
			t.Errorf("gfn %#x invalidated outside range", uint64(gfn))
		}
	}
	checkIndexes(t, c)
}

func TestDestroyAll(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	for gfn := mpt.GFN(0); gfn < 16; gfn++ {
		if _, err := c.Map(gfn); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		// Uneven refcounts; destroy ignores them.
		if gfn%3 == 0 {
			if _, err := c.Map(gfn); err != nil {
				t.Fatalf("Map failed: %v", err)
			}
		}
	}

	c.DestroyAll()

	if c.Len() != 0 {
		t.Fatalf("cache not empty after DestroyAll")
	}
	for gfn := mpt.GFN(0); gfn < 16; gfn++ {
		if fm.unpins[gfn] != 1 {
			t.Errorf("gfn %#x unpinned %d times, want 1", uint64(gfn), fm.unpins[gfn])
		}
	}
	if len(fm.live) != 0 {
		t.Errorf("%d DMA mappings leaked", len(fm.live))
	}
	checkIndexes(t, c)
}

func TestCrossIndexConsistencyAfterMixedOps(t *testing.T) {
	fm := newFakeMapper()
	c := New(fm)

	handles := make(map[mpt.GFN]mpt.DmaAddr)
	for gfn := mpt.GFN(0x100); gfn < 0x140; gfn++ {
		h, err := c.Map(gfn)
		if err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		handles[gfn] = h
	}
	for gfn := mpt.GFN(0x100); gfn < 0x140; gfn += 2 {
		c.Unmap(handles[gfn])
	}
	c.InvalidateRange(0x110, 0x120)

	checkIndexes(t, c)
}
