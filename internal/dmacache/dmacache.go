// Package dmacache tracks guest-frame-to-DMA-address mappings for one virtual
// device instance. Every live mapping is reference counted and indexed twice,
// by guest frame number and by DMA address; the two indexes always describe
// the same set of live mappings and are only ever updated together under the
// cache lock.
package dmacache

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vgpu/internal/mpt"
)

const btreeDegree = 8

type mapping struct {
	gfn   mpt.GFN
	frame mpt.HostFrame
	dma   mpt.DmaAddr
	refs  int
}

// Cache is the DMA mapping cache. All operations are serialized by one
// exclusive lock; pin and unpin calls into the host mapper happen inside the
// critical section so no caller ever observes an inconsistent index pair.
type Cache struct {
	mapper mpt.HostMapper

	mu    sync.Mutex
	byGFN *btree.BTreeG[*mapping]
	byDMA *btree.BTreeG[*mapping]
}

// New creates an empty cache backed by the supplied host mapper.
func New(mapper mpt.HostMapper) *Cache {
	return &Cache{
		mapper: mapper,
		byGFN: btree.NewG(btreeDegree, func(a, b *mapping) bool {
			return a.gfn < b.gfn
		}),
		byDMA: btree.NewG(btreeDegree, func(a, b *mapping) bool {
			return a.dma < b.dma
		}),
	}
}

// Map returns a DMA address for gfn. If a live mapping exists its reference
// count is incremented and the existing address returned; otherwise the
// backing page is pinned, mapped for DMA and inserted with a count of one.
func (c *Cache) Map(gfn mpt.GFN) (mpt.DmaAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.byGFN.Get(&mapping{gfn: gfn}); ok {
		m.refs++
		return m.dma, nil
	}

	frame, err := c.mapper.Pin(gfn)
	if err != nil {
		return 0, fmt.Errorf("dmacache: pin gfn %#x: %w", uint64(gfn), err)
	}
	dma, err := c.mapper.DMAMap(frame)
	if err != nil {
		c.mapper.Unpin(gfn)
		return 0, fmt.Errorf("dmacache: dma map gfn %#x: %w", uint64(gfn), err)
	}

	m := &mapping{gfn: gfn, frame: frame, dma: dma, refs: 1}
	c.byGFN.ReplaceOrInsert(m)
	c.byDMA.ReplaceOrInsert(m)
	return dma, nil
}

// Unmap drops one reference from the mapping identified by dma. When the
// count reaches zero the DMA mapping is torn down, the page unpinned and both
// index entries removed. An unknown address is a no-op, not an error: callers
// may race with bulk invalidation.
func (c *Cache) Unmap(dma mpt.DmaAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.byDMA.Get(&mapping{dma: dma})
	if !ok {
		return
	}
	m.refs--
	if m.refs <= 0 {
		c.removeLocked(m)
	}
}

// InvalidateRange force-unmaps every live mapping whose guest frame falls in
// [start, end), regardless of reference count. The backing host mapping is
// being revoked out-of-band, so stale entries must not survive.
func (c *Cache) InvalidateRange(start, end mpt.GFN) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*mapping
	c.byGFN.AscendRange(&mapping{gfn: start}, &mapping{gfn: end}, func(m *mapping) bool {
		victims = append(victims, m)
		return true
	})
	for _, m := range victims {
		c.removeLocked(m)
	}
}

// DestroyAll unconditionally tears down every live mapping. Called at session
// teardown.
func (c *Cache) DestroyAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		m, ok := c.byGFN.Min()
		if !ok {
			return
		}
		c.removeLocked(m)
	}
}

// Len returns the number of live mappings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byGFN.Len()
}

// removeLocked unmaps, unpins and removes m from both indexes. Caller holds
// the cache lock. Exactly one unpin happens per mapping lifetime.
func (c *Cache) removeLocked(m *mapping) {
	c.mapper.DMAUnmap(m.dma)
	c.mapper.Unpin(m.gfn)
	c.byGFN.Delete(m)
	c.byDMA.Delete(m)
}
