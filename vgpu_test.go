package vgpu_test

import (
	"errors"
	"testing"

	vgpu "github.com/tinyrange/vgpu"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

// demoEmulator is a minimal device model: flat config space, one MMIO BAR
// backed by a byte map, a fixed aperture BAR.
type demoEmulator struct {
	cfg    [4096]byte
	mmio   map[uint64]byte
	active bool
}

func newDemoEmulator() *demoEmulator {
	return &demoEmulator{mmio: make(map[uint64]byte)}
}

func (e *demoEmulator) ReadConfig(offset uint64, p []byte) error {
	copy(p, e.cfg[offset:])
	return nil
}

func (e *demoEmulator) WriteConfig(offset uint64, p []byte) error {
	copy(e.cfg[offset:], p)
	return nil
}

func (e *demoEmulator) ReadMMIO(addr uint64, p []byte) error {
	for i := range p {
		p[i] = e.mmio[addr+uint64(i)]
	}
	return nil
}

func (e *demoEmulator) WriteMMIO(addr uint64, p []byte) error {
	for i, b := range p {
		e.mmio[addr+uint64(i)] = b
	}
	return nil
}

func (e *demoEmulator) ConfigSpaceSize() uint64 { return uint64(len(e.cfg)) }

func (e *demoEmulator) BARSize(index int) uint64 {
	switch index {
	case 0:
		return 16 << 20
	case 2:
		return 256 << 20
	default:
		return 0
	}
}

func (e *demoEmulator) Aperture() (uint64, uint64) { return 0, 128 << 20 }

func (e *demoEmulator) Activate() error { e.active = true; return nil }
func (e *demoEmulator) Deactivate()     { e.active = false }
func (e *demoEmulator) Reset()          {}

func (e *demoEmulator) Snapshot(p []byte, off int64) (int, error) { return len(p), nil }
func (e *demoEmulator) Restore(p []byte, off int64) (int, error)  { return len(p), nil }

func (e *demoEmulator) WriteProtected(gpa uint64, data []byte) {}

func TestEndToEnd(t *testing.T) {
	catalog, err := vgpu.ParseCatalog([]byte(`
types:
  - name: vgpu-demo
    availableInstances: 2
    lowGMSizeMB: 64
    highGMSizeMB: 384
    fence: 4
`))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}

	mem, err := guestmem.New(0x100, 64)
	if err != nil {
		t.Fatalf("guestmem.New() error = %v", err)
	}
	defer mem.Close()
	mapper := guestmem.NewMapper(mem)

	dev, err := catalog.Create("vgpu-demo", newDemoEmulator(), mapper)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := dev.Attach(mem); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := dev.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dev.State() != vgpu.StateActive {
		t.Fatalf("State() = %v, want active", dev.State())
	}

	// Config space access through the region address space.
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	cfgOff := int64(vgpu.IndexToOffset(vgpu.RegionConfig)) + 0x40
	if _, err := dev.WriteAt(payload, cfgOff); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	got := make([]byte, 4)
	if _, err := dev.ReadAt(got, cfgOff); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("config round-trip = %#x, want %#x", got, payload)
		}
	}

	// DMA mapping with leak accounting through the mapper.
	dma, err := dev.DMAMapGuestPage(0x110)
	if err != nil {
		t.Fatalf("DMAMapGuestPage() error = %v", err)
	}
	if mapper.LiveMappings() != 1 {
		t.Errorf("LiveMappings() = %d, want 1", mapper.LiveMappings())
	}
	dev.DMAUnmapGuestPage(dma)

	// Page write protection routes guest writes away from memory.
	if err := dev.ProtectPage(0x110); err != nil {
		t.Fatalf("ProtectPage() error = %v", err)
	}
	if !dev.PageProtected(0x110) {
		t.Error("PageProtected() = false after ProtectPage")
	}
	if err := dev.UnprotectPage(0x110); err != nil {
		t.Fatalf("UnprotectPage() error = %v", err)
	}

	dev.Release()
	if dev.State() != vgpu.StateReleased {
		t.Fatalf("State() = %v after Release, want released", dev.State())
	}
	if mapper.PinnedPages() != 0 || mapper.LiveMappings() != 0 {
		t.Errorf("leaked %d pins, %d mappings", mapper.PinnedPages(), mapper.LiveMappings())
	}

	if err := catalog.Destroy(dev); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if n, _ := catalog.Available("vgpu-demo"); n != 2 {
		t.Errorf("Available() = %d after destroy, want 2", n)
	}
}

func TestSentinelErrors(t *testing.T) {
	catalog, err := vgpu.NewCatalog([]vgpu.TypeSpec{{Name: "vgpu-demo", AvailableInstances: 1}})
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	if _, err := catalog.Create("unknown", newDemoEmulator(), nil); !errors.Is(err, vgpu.ErrInvalidArgument) && !errors.Is(err, vgpu.ErrNotFound) {
		t.Errorf("Create(unknown, nil mapper) error = %v", err)
	}

	mem, err := guestmem.New(0x100, 16)
	if err != nil {
		t.Fatalf("guestmem.New() error = %v", err)
	}
	defer mem.Close()

	dev, err := catalog.Create("vgpu-demo", newDemoEmulator(), guestmem.NewMapper(mem))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer catalog.Destroy(dev)

	if _, err := dev.DMAMapGuestPage(0x100); !errors.Is(err, vgpu.ErrNotFound) {
		t.Errorf("DMAMapGuestPage() before Open error = %v, want ErrNotFound", err)
	}
}
