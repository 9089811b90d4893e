// Package chipset is the guest-visible bus: a registry of device slots and
// the dispatch tables that route port I/O and MMIO exits to them. Slots can
// be attached and detached while vCPUs run; every mutation republishes an
// immutable dispatch snapshot so the exit path never takes a lock.
package chipset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDeviceConflict means a slot name or a claimed port/MMIO range is
	// already taken by a live slot.
	ErrDeviceConflict = errors.New("device conflict")

	// ErrDeviceNotFound means no slot with the given name is attached.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceBroken means the slot exists but no longer services accesses.
	ErrDeviceBroken = errors.New("device broken")
)

type slot struct {
	name  string
	dev   ChipsetDevice
	state atomic.Int32

	pio  *PortIOIntercept
	mmio *MmioIntercept
}

func (s *slot) State() SlotState { return SlotState(s.state.Load()) }

type mmioBinding struct {
	region  MMIORegion
	handler MmioHandler
	owner   *slot
}

type pioBinding struct {
	handler PortIOHandler
	owner   *slot
}

// dispatchTables is an immutable routing snapshot. Broken slots stay in the
// tables so their accesses fail with a distinct error instead of falling
// through to "no handler".
type dispatchTables struct {
	pio  map[uint16]pioBinding
	mmio []mmioBinding
}

// Chipset is the device slot registry. A single control goroutine mutates it;
// vCPU exit paths call HandlePIO/HandleMMIO concurrently through the
// published snapshot.
type Chipset struct {
	mu    sync.Mutex
	slots map[string]*slot

	tables atomic.Pointer[dispatchTables]
}

// New returns an empty chipset.
func New() *Chipset {
	c := &Chipset{slots: make(map[string]*slot)}
	c.tables.Store(&dispatchTables{pio: map[uint16]pioBinding{}})
	return c
}

// AttachDevice adds a device under the given slot name and routes its
// intercepts. Name and range collisions with live slots fail with
// ErrDeviceConflict and leave the chipset unchanged.
func (c *Chipset) AttachDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("chipset: slot name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.slots[name]; exists {
		return fmt.Errorf("chipset: slot %q already attached: %w", name, ErrDeviceConflict)
	}

	s := &slot{name: name, dev: dev}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if owner := c.pioOwnerLocked(port); owner != nil {
				return fmt.Errorf("chipset: I/O port %#04x already claimed by %q: %w",
					port, owner.name, ErrDeviceConflict)
			}
		}
		s.pio = intercept
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if region.Size == 0 {
				return fmt.Errorf("chipset: device %q MMIO region at %#x has zero size", name, region.Address)
			}
			if region.Address+region.Size < region.Address {
				return fmt.Errorf("chipset: device %q MMIO region at %#x overflows", name, region.Address)
			}
			if owner := c.mmioOwnerLocked(region); owner != nil {
				return fmt.Errorf("chipset: MMIO region %#x-%#x already claimed by %q: %w",
					region.Address, region.Address+region.Size-1, owner.name, ErrDeviceConflict)
			}
		}
		s.mmio = intercept
	}

	c.slots[name] = s
	c.publishLocked()
	return nil
}

// DetachDevice removes a slot and its routes. Only slots in SlotRemoving or
// SlotBroken may be detached; tearing out an active device would yank routes
// out from under the guest.
func (c *Chipset) DetachDevice(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return fmt.Errorf("chipset: detach %q: %w", name, ErrDeviceNotFound)
	}
	if state := s.State(); state == SlotActive {
		return fmt.Errorf("chipset: detach %q: slot is %s, not removing or broken", name, state)
	}

	delete(c.slots, name)
	c.publishLocked()
	return nil
}

// SetSlotState transitions a slot. State is advisory for dispatch (broken
// slots fail accesses) and authoritative for DetachDevice.
func (c *Chipset) SetSlotState(name string, state SlotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return fmt.Errorf("chipset: slot %q: %w", name, ErrDeviceNotFound)
	}
	s.state.Store(int32(state))
	return nil
}

// SlotStateOf reports a slot's current state.
func (c *Chipset) SlotStateOf(name string) (SlotState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return 0, fmt.Errorf("chipset: slot %q: %w", name, ErrDeviceNotFound)
	}
	return s.State(), nil
}

// Device returns the attached device for a slot.
func (c *Chipset) Device(name string) (ChipsetDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[name]
	if !ok {
		return nil, fmt.Errorf("chipset: slot %q: %w", name, ErrDeviceNotFound)
	}
	return s.dev, nil
}

// SlotNames returns the attached slot names, sorted.
func (c *Chipset) SlotNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotNamesLocked()
}

// Start activates all attached devices.
func (c *Chipset) Start() error {
	for _, name := range c.SlotNames() {
		dev, err := c.Device(name)
		if err != nil {
			continue
		}
		if err := dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all attached devices.
func (c *Chipset) Stop() error {
	var firstErr error
	for _, name := range c.SlotNames() {
		dev, err := c.Device(name)
		if err != nil {
			continue
		}
		if err := dev.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return firstErr
}

// Reset resets all attached devices.
func (c *Chipset) Reset() error {
	for _, name := range c.SlotNames() {
		dev, err := c.Device(name)
		if err != nil {
			continue
		}
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the owning slot. Implements
// hv.ExitHandler.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	tables := c.tables.Load()
	binding, ok := tables.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port %#04x", port)
	}
	if binding.owner.State() == SlotBroken {
		return fmt.Errorf("chipset: I/O port %#04x: slot %q: %w", port, binding.owner.name, ErrDeviceBroken)
	}
	if isWrite {
		return binding.handler.WriteIOPort(port, data)
	}
	return binding.handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the owning slot. Implements
// hv.ExitHandler.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at %#016x", addr)
	}

	tables := c.tables.Load()
	for _, binding := range tables.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if binding.owner.State() == SlotBroken {
				return fmt.Errorf("chipset: MMIO at %#016x: slot %q: %w", addr, binding.owner.name, ErrDeviceBroken)
			}
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address %#016x", addr)
}

func (c *Chipset) pioOwnerLocked(port uint16) *slot {
	for _, s := range c.slots {
		if s.pio == nil {
			continue
		}
		for _, p := range s.pio.Ports {
			if p == port {
				return s
			}
		}
	}
	return nil
}

func (c *Chipset) mmioOwnerLocked(region MMIORegion) *slot {
	for _, s := range c.slots {
		if s.mmio == nil {
			continue
		}
		for _, r := range s.mmio.Regions {
			if region.Address < r.Address+r.Size && r.Address < region.Address+region.Size {
				return s
			}
		}
	}
	return nil
}

// publishLocked rebuilds and swaps in the dispatch snapshot. Callers hold c.mu.
func (c *Chipset) publishLocked() {
	tables := &dispatchTables{pio: make(map[uint16]pioBinding)}

	for _, name := range c.slotNamesLocked() {
		s := c.slots[name]
		if s.pio != nil {
			for _, port := range s.pio.Ports {
				tables.pio[port] = pioBinding{handler: s.pio.Handler, owner: s}
			}
		}
		if s.mmio != nil {
			for _, region := range s.mmio.Regions {
				tables.mmio = append(tables.mmio, mmioBinding{region: region, handler: s.mmio.Handler, owner: s})
			}
		}
	}

	sort.Slice(tables.mmio, func(i, j int) bool {
		return tables.mmio[i].region.Address < tables.mmio[j].region.Address
	})

	c.tables.Store(tables)
}

func (c *Chipset) slotNamesLocked() []string {
	names := make([]string, 0, len(c.slots))
	for name := range c.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
