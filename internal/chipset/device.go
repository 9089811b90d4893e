package chipset

import "fmt"

// MMIORegion describes one memory-mapped window served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all bus devices must implement.
// A device that serves neither ports nor MMIO returns nil from both
// Supports methods.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}

// SlotState tracks the lifecycle of an attached device slot.
type SlotState int

const (
	// SlotActive devices dispatch guest accesses normally.
	SlotActive SlotState = iota
	// SlotBroken devices stay attached so their resources remain accounted,
	// but guest accesses fail. A slot goes broken when its backend errors or
	// a removal could not be confirmed.
	SlotBroken
	// SlotRemoving devices are mid hot-unplug. They keep dispatching until
	// the guest acknowledges the removal; only then may they be detached.
	SlotRemoving
)

func (s SlotState) String() string {
	switch s {
	case SlotActive:
		return "active"
	case SlotBroken:
		return "broken"
	case SlotRemoving:
		return "removing"
	default:
		return fmt.Sprintf("slot-state-%d", int(s))
	}
}
