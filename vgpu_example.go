//go:build ignore

// This file demonstrates every public API in the vgpu package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"os"

	vgpu "github.com/tinyrange/vgpu"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Catalog - device types and availability
	// =========================================================================
	catalog, err := vgpu.LoadCatalog("types.yaml")
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	for _, name := range catalog.Types() {
		n, _ := catalog.Available(name)
		desc, _ := catalog.Describe(name)
		fmt.Printf("%s (%d available)\n%s", name, n, desc)
	}

	// =========================================================================
	// Guest memory and host mapping services
	// =========================================================================
	mem, err := guestmem.New(0x100, 4096) // 16 MB at gfn 0x100
	if err != nil {
		return fmt.Errorf("guest memory: %w", err)
	}
	defer mem.Close()
	mapper := guestmem.NewMapper(mem)

	// =========================================================================
	// Create - carve one instance out of a type's availability
	// =========================================================================
	var emu vgpu.Emulator // supplied by the device model
	dev, err := catalog.Create("vgpu-demo", emu, mapper,
		vgpu.WithStateImageSize(1<<20),
		vgpu.WithOpRegion(opregionBlob()),
	)
	if err != nil {
		if errors.Is(err, vgpu.ErrResourceExhausted) {
			return fmt.Errorf("no instances left: %w", err)
		}
		return fmt.Errorf("create: %w", err)
	}
	defer catalog.Destroy(dev)

	// =========================================================================
	// Lifecycle - Attach binds notifiers, Open brings the session up
	// =========================================================================
	if err := dev.Attach(mem); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := dev.Open(); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer dev.Release()

	fmt.Println("state:", dev.State())   // active
	fmt.Println("handle:", dev.Handle()) // non-zero session handle
	fmt.Println("type:", dev.Type())

	// =========================================================================
	// Query surface - device, region and interrupt info
	// =========================================================================
	info := dev.Info()
	for i := uint32(0); i < info.NumRegions; i++ {
		ri, err := dev.RegionInfo(i)
		if err != nil {
			continue
		}
		fmt.Printf("region %d: size %#x flags %#x mappable %v\n",
			i, ri.Size, ri.Flags, dev.Mappable(i))
	}
	for _, idx := range []uint32{vgpu.IRQIntX, vgpu.IRQMSI} {
		ii, err := dev.IRQInfo(idx)
		if err != nil {
			continue
		}
		fmt.Printf("irq %d: count %d flags %#x\n", idx, ii.Count, ii.Flags)
	}

	// =========================================================================
	// Access path - io.ReaderAt/io.WriterAt over the region address space
	// =========================================================================
	var vendor [2]byte
	if _, err := dev.ReadAt(vendor[:], int64(vgpu.IndexToOffset(vgpu.RegionConfig))); err != nil {
		return fmt.Errorf("read vendor id: %w", err)
	}

	reg := make([]byte, 4)
	if _, err := dev.ReadAt(reg, int64(vgpu.IndexToOffset(vgpu.RegionBAR0))+0x2000); err != nil {
		return fmt.Errorf("read mmio: %w", err)
	}

	// =========================================================================
	// Guest services - DMA mapping, page protection, memory access
	// =========================================================================
	dma, err := dev.DMAMapGuestPage(0x110)
	if err != nil {
		return fmt.Errorf("dma map: %w", err)
	}
	defer dev.DMAUnmapGuestPage(dma)

	if err := dev.ProtectPage(0x120); err != nil {
		return fmt.Errorf("protect: %w", err)
	}
	fmt.Println("protected:", dev.PageProtected(0x120))
	if err := dev.UnprotectPage(0x120); err != nil {
		return fmt.Errorf("unprotect: %w", err)
	}

	buf := make([]byte, vgpu.PageSize)
	if err := dev.ReadGuest(uint64(0x110)<<12, buf); err != nil {
		return fmt.Errorf("read guest: %w", err)
	}
	if err := dev.WriteGuest(uint64(0x110)<<12, buf); err != nil {
		return fmt.Errorf("write guest: %w", err)
	}

	frame, err := dev.TranslateGFN(0x110)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}
	fmt.Println("host frame:", frame)

	// =========================================================================
	// Reset
	// =========================================================================
	dev.Reset()

	return nil
}

func opregionBlob() []byte {
	blob := make([]byte, 8192)
	copy(blob, "IntelGraphicsMem")
	return blob
}
