// Command vgpuinfo loads a device type catalog, creates one instance of a
// type against an in-process guest, and prints the device's query surface:
// type description, device info, region layout and interrupt capabilities.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	vgpu "github.com/tinyrange/vgpu"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

// stubEmulator is a placeholder device model with a flat config space and a
// byte-map MMIO BAR, enough to exercise the query and access surfaces.
type stubEmulator struct {
	cfg  [4096]byte
	mmio map[uint64]byte
}

func newStubEmulator() *stubEmulator {
	e := &stubEmulator{mmio: make(map[uint64]byte)}
	// Intel vendor ID at config offset 0.
	e.cfg[0] = 0x86
	e.cfg[1] = 0x80
	return e
}

func (e *stubEmulator) ReadConfig(offset uint64, p []byte) error {
	copy(p, e.cfg[offset:])
	return nil
}

func (e *stubEmulator) WriteConfig(offset uint64, p []byte) error {
	copy(e.cfg[offset:], p)
	return nil
}

func (e *stubEmulator) ReadMMIO(addr uint64, p []byte) error {
	for i := range p {
		p[i] = e.mmio[addr+uint64(i)]
	}
	return nil
}

func (e *stubEmulator) WriteMMIO(addr uint64, p []byte) error {
	for i, b := range p {
		e.mmio[addr+uint64(i)] = b
	}
	return nil
}

func (e *stubEmulator) ConfigSpaceSize() uint64 { return uint64(len(e.cfg)) }

func (e *stubEmulator) BARSize(index int) uint64 {
	switch index {
	case 0:
		return 16 << 20
	case 2:
		return 256 << 20
	default:
		return 0
	}
}

func (e *stubEmulator) Aperture() (uint64, uint64) { return 0, 128 << 20 }

func (e *stubEmulator) Activate() error { return nil }
func (e *stubEmulator) Deactivate()     {}
func (e *stubEmulator) Reset()          {}

func (e *stubEmulator) Snapshot(p []byte, off int64) (int, error) { return len(p), nil }
func (e *stubEmulator) Restore(p []byte, off int64) (int, error)  { return len(p), nil }

func (e *stubEmulator) WriteProtected(gpa uint64, data []byte) {}

func regionName(index uint32) string {
	switch index {
	case vgpu.RegionConfig:
		return "config"
	case vgpu.RegionBAR0:
		return "bar0"
	case vgpu.RegionBAR2:
		return "bar2 (aperture)"
	default:
		if index < vgpu.NumFixedRegions {
			return fmt.Sprintf("fixed %d", index)
		}
		return fmt.Sprintf("registered %d", index-vgpu.NumFixedRegions)
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	catalogPath := fs.String("catalog", "types.yaml", "Path to the device type catalog")
	typeName := fs.String("type", "", "Device type to instantiate (default: first in catalog)")
	memPages := fs.Uint64("mem-pages", 4096, "Guest memory size in pages")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Parse flags: %v", err)
	}

	catalog, err := vgpu.LoadCatalog(*catalogPath)
	if err != nil {
		log.Fatalf("Load catalog %q: %v", *catalogPath, err)
	}

	names := catalog.Types()
	if len(names) == 0 {
		log.Fatalf("Catalog %q defines no device types", *catalogPath)
	}
	if *typeName == "" {
		*typeName = names[0]
	}

	fmt.Println("== catalog ==")
	for _, name := range names {
		n, err := catalog.Available(name)
		if err != nil {
			log.Fatalf("Query availability of %q: %v", name, err)
		}
		fmt.Printf("%s: %d available\n", name, n)
	}

	desc, err := catalog.Describe(*typeName)
	if err != nil {
		log.Fatalf("Describe type %q: %v", *typeName, err)
	}
	fmt.Printf("\n== type %s ==\n%s", *typeName, desc)

	mem, err := guestmem.New(0x100, *memPages)
	if err != nil {
		log.Fatalf("Allocate guest memory: %v", err)
	}
	defer mem.Close()
	mapper := guestmem.NewMapper(mem)

	dev, err := catalog.Create(*typeName, newStubEmulator(), mapper)
	if err != nil {
		log.Fatalf("Create device of type %q: %v", *typeName, err)
	}
	defer catalog.Destroy(dev)

	if err := dev.Attach(mem); err != nil {
		log.Fatalf("Attach guest memory: %v", err)
	}
	if err := dev.Open(); err != nil {
		log.Fatalf("Open device session: %v", err)
	}
	defer dev.Release()

	fmt.Printf("\n== device %s ==\n", dev.Type())
	fmt.Printf("state: %s\n", dev.State())
	fmt.Printf("session: %#x\n", uint64(dev.Handle()))

	info := dev.Info()
	fmt.Printf("flags: %#x regions: %d irqs: %d\n", info.Flags, info.NumRegions, info.NumIRQs)

	fmt.Println("\n== regions ==")
	for i := uint32(0); i < info.NumRegions; i++ {
		ri, err := dev.RegionInfo(i)
		if err != nil {
			log.Fatalf("Query region %d: %v", i, err)
		}
		if ri.Size == 0 {
			continue
		}
		fmt.Printf("%-16s offset %#14x size %#10x flags %#x", regionName(i), ri.Offset, ri.Size, ri.Flags)
		if dev.Mappable(i) {
			fmt.Print(" mappable")
		}
		if ri.Caps.Type != nil {
			fmt.Printf(" type %#x/%d", ri.Caps.Type.Type, ri.Caps.Type.Subtype)
		}
		for _, area := range ri.Caps.Sparse {
			fmt.Printf(" sparse[%#x+%#x]", area.Offset, area.Size)
		}
		fmt.Println()
	}

	fmt.Println("\n== interrupts ==")
	for _, idx := range []uint32{vgpu.IRQIntX, vgpu.IRQMSI} {
		ii, err := dev.IRQInfo(idx)
		if err != nil {
			log.Fatalf("Query irq %d: %v", idx, err)
		}
		fmt.Printf("irq %d: count %d flags %#x\n", ii.Index, ii.Count, ii.Flags)
	}
}
