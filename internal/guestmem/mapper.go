package guestmem

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// Mapper is a host memory mapper over a Memory: frames translate one-to-one
// and DMA addresses are allocated from a private window. It tracks pin
// balance so tools can detect leaks.
type Mapper struct {
	mem *Memory

	mu      sync.Mutex
	pins    map[mpt.GFN]int
	nextDMA mpt.DmaAddr
	live    map[mpt.DmaAddr]mpt.HostFrame
}

// NewMapper creates a mapper over mem.
func NewMapper(mem *Memory) *Mapper {
	return &Mapper{
		mem:     mem,
		pins:    make(map[mpt.GFN]int),
		nextDMA: 0x8000_0000,
		live:    make(map[mpt.DmaAddr]mpt.HostFrame),
	}
}

// Pin implements mpt.HostMapper.
func (m *Mapper) Pin(gfn mpt.GFN) (mpt.HostFrame, error) {
	if !m.mem.IsVisible(gfn) {
		return 0, fmt.Errorf("guestmem: pin gfn %#x: not guest-backed: %w", uint64(gfn), mpt.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[gfn]++
	return mpt.HostFrame(gfn), nil
}

// Unpin implements mpt.HostMapper.
func (m *Mapper) Unpin(gfn mpt.GFN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pins[gfn] > 0 {
		m.pins[gfn]--
	}
}

// DMAMap implements mpt.HostMapper.
func (m *Mapper) DMAMap(frame mpt.HostFrame) (mpt.DmaAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDMA += mpt.PageSize
	m.live[m.nextDMA] = frame
	return m.nextDMA, nil
}

// DMAUnmap implements mpt.HostMapper.
func (m *Mapper) DMAUnmap(addr mpt.DmaAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, addr)
}

// Translate implements mpt.HostMapper.
func (m *Mapper) Translate(gfn mpt.GFN) (mpt.HostFrame, error) {
	if !m.mem.IsVisible(gfn) {
		return 0, fmt.Errorf("guestmem: translate gfn %#x: not guest-backed: %w", uint64(gfn), mpt.ErrNotFound)
	}
	return mpt.HostFrame(gfn), nil
}

// PinnedPages returns how many guest frames currently hold pins.
func (m *Mapper) PinnedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.pins {
		if c > 0 {
			n++
		}
	}
	return n
}

// LiveMappings returns how many DMA mappings are outstanding.
func (m *Mapper) LiveMappings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

var _ mpt.HostMapper = (*Mapper)(nil)
