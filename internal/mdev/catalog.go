package mdev

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vgpu/internal/mpt"
)

// TypeSpec describes one creatable device type in the catalog file.
type TypeSpec struct {
	Name               string `yaml:"name"`
	AvailableInstances int    `yaml:"availableInstances,omitempty"`
	LowGMSizeMB        int    `yaml:"lowGMSizeMB,omitempty"`
	HighGMSizeMB       int    `yaml:"highGMSizeMB,omitempty"`
	Fence              int    `yaml:"fence,omitempty"`
	Resolution         string `yaml:"resolution,omitempty"`
	Weight             int    `yaml:"weight,omitempty"`
}

func (s *TypeSpec) normalize() {
	if s.AvailableInstances == 0 {
		s.AvailableInstances = 1
	}
	if s.Resolution == "" {
		s.Resolution = "1024x768"
	}
	if s.Weight == 0 {
		s.Weight = 16
	}
}

type catalogFile struct {
	Types []TypeSpec `yaml:"types"`
}

// DeviceType is one catalog entry with live instance accounting.
type DeviceType struct {
	TypeSpec
	available int
}

// Catalog holds the creatable device types and tracks which guest contexts
// are bound to live devices. A guest context may back at most one device at
// a time.
type Catalog struct {
	mu      sync.Mutex
	types   map[string]*DeviceType
	guests  map[mpt.GuestMemory]*Device
	devices map[uuid.UUID]*Device
}

// NewCatalog builds a catalog from type specs.
func NewCatalog(specs []TypeSpec) (*Catalog, error) {
	c := &Catalog{
		types:   make(map[string]*DeviceType),
		guests:  make(map[mpt.GuestMemory]*Device),
		devices: make(map[uuid.UUID]*Device),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("mdev: catalog type with empty name: %w", mpt.ErrInvalidArgument)
		}
		if _, ok := c.types[spec.Name]; ok {
			return nil, fmt.Errorf("mdev: duplicate catalog type %q: %w", spec.Name, mpt.ErrConflict)
		}
		spec.normalize()
		c.types[spec.Name] = &DeviceType{TypeSpec: spec, available: spec.AvailableInstances}
	}
	return c, nil
}

// ParseCatalog builds a catalog from YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mdev: parse catalog: %w", err)
	}
	return NewCatalog(file.Types)
}

// LoadCatalog reads a catalog YAML file from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mdev: load catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Types returns the catalog's type names, sorted.
func (c *Catalog) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns how many more instances of the named type can be created.
func (c *Catalog) Available(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.types[name]
	if !ok {
		return 0, fmt.Errorf("mdev: unknown type %q: %w", name, mpt.ErrNotFound)
	}
	return t.available, nil
}

// Describe returns the human-readable description of the named type.
func (c *Catalog) Describe(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.types[name]
	if !ok {
		return "", fmt.Errorf("mdev: unknown type %q: %w", name, mpt.ErrNotFound)
	}
	return fmt.Sprintf("low_gm_size: %dMB\nhigh_gm_size: %dMB\nfence: %d\nresolution: %s\nweight: %d\n",
		t.LowGMSizeMB, t.HighGMSizeMB, t.Fence, t.Resolution, t.Weight), nil
}

// Create allocates a device instance of the named type. The instance is
// charged against the type's availability until Destroy returns it.
func (c *Catalog) Create(typeName string, emu mpt.Emulator, mapper mpt.HostMapper, opts ...Option) (*Device, error) {
	if emu == nil || mapper == nil {
		return nil, fmt.Errorf("mdev: create: nil collaborator: %w", mpt.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.types[typeName]
	if !ok {
		return nil, fmt.Errorf("mdev: unknown type %q: %w", typeName, mpt.ErrNotFound)
	}
	if t.available <= 0 {
		return nil, fmt.Errorf("mdev: type %q has no available instances: %w", typeName, mpt.ErrResourceExhausted)
	}

	d := &Device{
		ID:             uuid.New(),
		typ:            t,
		catalog:        c,
		emu:            emu,
		mapper:         mapper,
		stateImageSize: defaultStateImageSize,
		releaseCh:      make(chan struct{}, 1),
		quit:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	t.available--
	c.devices[d.ID] = d
	go d.releaseLoop()

	slog.Debug("mdev: created device", "id", d.ID, "type", typeName)
	return d, nil
}

// Destroy removes a device instance and returns it to its type's
// availability. A device whose session handle is still valid is busy and
// cannot be destroyed.
func (c *Catalog) Destroy(d *Device) error {
	d.mu.Lock()
	if d.handle.Valid() {
		d.mu.Unlock()
		return fmt.Errorf("mdev: device %s is busy: %w", d.ID, mpt.ErrConflict)
	}
	// An attached-but-never-opened device still owns its notifier
	// registrations.
	unmapReg := d.unmapReg
	detachReg := d.detachReg
	d.unmapReg = nil
	d.detachReg = nil
	d.mem = nil
	d.state = StateReleased
	d.mu.Unlock()

	if unmapReg != nil {
		if err := unmapReg.Close(); err != nil {
			slog.Warn("mdev: unregister unmap notifier", "device", d.ID, "err", err)
		}
	}
	if detachReg != nil {
		if err := detachReg.Close(); err != nil {
			slog.Warn("mdev: unregister detach notifier", "device", d.ID, "err", err)
		}
	}

	d.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[d.ID]; !ok {
		return fmt.Errorf("mdev: device %s not in catalog: %w", d.ID, mpt.ErrNotFound)
	}
	delete(c.devices, d.ID)
	d.typ.available++

	slog.Debug("mdev: destroyed device", "id", d.ID, "type", d.typ.Name)
	return nil
}

// bindGuest records mem as owned by d; a guest context already backing
// another device is rejected.
func (c *Catalog) bindGuest(mem mpt.GuestMemory, d *Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.guests[mem]; ok && owner != d {
		return fmt.Errorf("mdev: guest context already bound to device %s: %w", owner.ID, mpt.ErrConflict)
	}
	c.guests[mem] = d
	return nil
}

func (c *Catalog) unbindGuest(mem mpt.GuestMemory) {
	if mem == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.guests, mem)
}
