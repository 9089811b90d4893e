// Package virtio implements virtio devices served over the MMIO transport
// (virtio-mmio revision 2). Each device occupies a 4 KiB window and signals
// the guest through a level-triggered interrupt line.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cratevm/crate/internal/chipset"
)

const (
	// MmioWindowSize is the size of the register window each device occupies.
	MmioWindowSize = 0x1000

	mmioMagicValue = 0x74726976 // "virt"
	mmioVersion    = 2
	mmioVendorID   = 0x63726174 // "crat"

	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regSHMSel            = 0x0ac
	regSHMLenLow         = 0x0b0
	regSHMLenHigh        = 0x0b4
	regSHMBaseLow        = 0x0b8
	regSHMBaseHigh       = 0x0bc
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	interruptUsedBuffer   = 1 << 0
	interruptConfigChange = 1 << 1

	statusDeviceNeedsReset = 64

	// featureVersion1 must be offered by every device; legacy drivers are
	// not supported.
	featureVersion1 = uint64(1) << 32
)

// GuestMemory is the slice of guest physical memory the device reads
// descriptors and buffers through.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// DeviceHandler is the device-type-specific half of a virtio device. The
// MMIODevice transport owns the register file and queues and calls into the
// handler on notifications and config accesses.
type DeviceHandler interface {
	DeviceID() uint32
	DeviceFeatures() uint64
	QueueMaxSizes() []uint16

	// QueueNotify is called when the driver notifies a ready queue. The
	// handler drains the available ring.
	QueueNotify(q *Queue) error

	ReadConfig(offset uint64, data []byte) error
	WriteConfig(offset uint64, data []byte) error

	Start() error
	Stop() error
	Reset() error
}

// MMIODevice is a virtio device on the MMIO transport. It implements
// chipset.ChipsetDevice and is attached to the chipset like any other device.
type MMIODevice struct {
	mu sync.Mutex

	name    string
	base    uint64
	mem     GuestMemory
	irq     chipset.LineInterrupt
	irqLine uint32
	handler DeviceHandler
	logger  *slog.Logger

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	queues            []*Queue
	interruptStatus   uint32
	status            uint32
	configGeneration  uint32
	shmSel            uint32
}

// NewMMIODevice wires a device handler to an MMIO window at base with the
// given interrupt line. The line number is only used for cmdline discovery.
func NewMMIODevice(name string, base uint64, mem GuestMemory, irq chipset.LineInterrupt, irqLine uint32, handler DeviceHandler) *MMIODevice {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}

	dev := &MMIODevice{
		name:    name,
		base:    base,
		mem:     mem,
		irq:     irq,
		irqLine: irqLine,
		handler: handler,
		logger:  slog.With("device", name),
	}
	dev.initQueues()
	return dev
}

// Base returns the guest physical address of the register window.
func (dev *MMIODevice) Base() uint64 { return dev.base }

// IRQLine returns the interrupt line the device was wired to.
func (dev *MMIODevice) IRQLine() uint32 { return dev.irqLine }

// Name returns the device name used for slot registration.
func (dev *MMIODevice) Name() string { return dev.name }

// CmdlineFragment returns the kernel parameter announcing this device,
// e.g. "virtio_mmio.device=4K@0xd0000000:5".
func (dev *MMIODevice) CmdlineFragment() string {
	return fmt.Sprintf("virtio_mmio.device=4K@0x%x:%d", dev.base, dev.irqLine)
}

func (dev *MMIODevice) initQueues() {
	maxSizes := dev.handler.QueueMaxSizes()
	dev.queues = make([]*Queue, len(maxSizes))
	for i, maxSize := range maxSizes {
		dev.queues[i] = &Queue{
			dev:     dev,
			index:   i,
			maxSize: uint32(maxSize),
			size:    uint32(maxSize),
		}
	}
}

// Start implements chipset.ChangeDeviceState.
func (dev *MMIODevice) Start() error { return dev.handler.Start() }

// Stop implements chipset.ChangeDeviceState.
func (dev *MMIODevice) Stop() error { return dev.handler.Stop() }

// Reset implements chipset.ChangeDeviceState.
func (dev *MMIODevice) Reset() error {
	dev.mu.Lock()
	dev.resetLocked()
	dev.mu.Unlock()

	return dev.handler.Reset()
}

func (dev *MMIODevice) resetLocked() {
	dev.deviceFeaturesSel = 0
	dev.driverFeaturesSel = 0
	dev.driverFeatures = 0
	dev.queueSel = 0
	dev.interruptStatus = 0
	dev.status = 0
	dev.shmSel = 0
	dev.initQueues()
	dev.irq.SetLevel(false)
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (dev *MMIODevice) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (dev *MMIODevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: dev.base, Size: MmioWindowSize}},
		Handler: dev,
	}
}

// RaiseInterrupt sets the used-buffer bit and asserts the interrupt line.
func (dev *MMIODevice) RaiseInterrupt() {
	dev.mu.Lock()
	dev.interruptStatus |= interruptUsedBuffer
	dev.mu.Unlock()

	dev.irq.SetLevel(true)
}

// SignalConfigChange bumps the config generation and interrupts the guest.
func (dev *MMIODevice) SignalConfigChange() {
	dev.mu.Lock()
	dev.configGeneration++
	dev.interruptStatus |= interruptConfigChange
	dev.mu.Unlock()

	dev.irq.SetLevel(true)
}

// MarkBroken asks the driver to reset the device after an unrecoverable
// backend failure.
func (dev *MMIODevice) MarkBroken() {
	dev.mu.Lock()
	dev.status |= statusDeviceNeedsReset
	dev.interruptStatus |= interruptConfigChange
	dev.mu.Unlock()

	dev.irq.SetLevel(true)
}

// DriverFeatures returns the feature bits the driver acknowledged.
func (dev *MMIODevice) DriverFeatures() uint64 {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	return dev.driverFeatures
}

// Queue returns the queue at index, or nil.
func (dev *MMIODevice) Queue(index int) *Queue {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if index < 0 || index >= len(dev.queues) {
		return nil
	}
	return dev.queues[index]
}

// ReadMMIO implements chipset.MmioHandler.
func (dev *MMIODevice) ReadMMIO(addr uint64, data []byte) error {
	offset := addr - dev.base

	if offset >= regConfig {
		return dev.handler.ReadConfig(offset-regConfig, data)
	}

	if len(data) != 4 {
		return fmt.Errorf("virtio %s: register read at 0x%x with size %d", dev.name, offset, len(data))
	}

	dev.mu.Lock()
	value := dev.readRegisterLocked(offset)
	dev.mu.Unlock()

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (dev *MMIODevice) WriteMMIO(addr uint64, data []byte) error {
	offset := addr - dev.base

	if offset >= regConfig {
		return dev.handler.WriteConfig(offset-regConfig, data)
	}

	if len(data) != 4 {
		return fmt.Errorf("virtio %s: register write at 0x%x with size %d", dev.name, offset, len(data))
	}

	value := binary.LittleEndian.Uint32(data)

	dev.mu.Lock()
	notify := dev.writeRegisterLocked(offset, value)
	dev.mu.Unlock()

	if notify != nil {
		if err := dev.handler.QueueNotify(notify); err != nil {
			dev.logger.Error("queue notification failed", "queue", notify.index, "error", err)
			dev.MarkBroken()
		}
	}
	return nil
}

func (dev *MMIODevice) readRegisterLocked(offset uint64) uint32 {
	switch offset {
	case regMagicValue:
		return mmioMagicValue
	case regVersion:
		return mmioVersion
	case regDeviceID:
		return dev.handler.DeviceID()
	case regVendorID:
		return mmioVendorID
	case regDeviceFeatures:
		features := dev.handler.DeviceFeatures() | featureVersion1
		if dev.deviceFeaturesSel == 0 {
			return uint32(features)
		}
		return uint32(features >> 32)
	case regQueueNumMax:
		if q := dev.selectedQueueLocked(); q != nil {
			return q.maxSize
		}
		return 0
	case regQueueReady:
		if q := dev.selectedQueueLocked(); q != nil && q.ready {
			return 1
		}
		return 0
	case regInterruptStatus:
		return dev.interruptStatus
	case regStatus:
		return dev.status
	case regSHMLenLow, regSHMLenHigh, regSHMBaseLow, regSHMBaseHigh:
		// No shared memory regions.
		return ^uint32(0)
	case regConfigGeneration:
		return dev.configGeneration
	default:
		return 0
	}
}

// writeRegisterLocked applies a register write and returns the queue to
// notify, if any. The notification runs outside the lock.
func (dev *MMIODevice) writeRegisterLocked(offset uint64, value uint32) *Queue {
	switch offset {
	case regDeviceFeaturesSel:
		dev.deviceFeaturesSel = value
	case regDriverFeatures:
		if dev.driverFeaturesSel == 0 {
			dev.driverFeatures = dev.driverFeatures&^uint64(0xffffffff) | uint64(value)
		} else {
			dev.driverFeatures = dev.driverFeatures&0xffffffff | uint64(value)<<32
		}
	case regDriverFeaturesSel:
		dev.driverFeaturesSel = value
	case regQueueSel:
		dev.queueSel = value
	case regQueueNum:
		if q := dev.selectedQueueLocked(); q != nil && value > 0 && value <= q.maxSize {
			q.size = value
		}
	case regQueueReady:
		if q := dev.selectedQueueLocked(); q != nil {
			q.ready = value == 1
			if q.ready {
				q.lastAvailIdx = 0
				q.usedIdx = 0
			}
		}
	case regQueueNotify:
		if int(value) < len(dev.queues) && dev.queues[value].ready {
			return dev.queues[value]
		}
	case regInterruptACK:
		dev.interruptStatus &^= value
		if dev.interruptStatus == 0 {
			dev.irq.SetLevel(false)
		}
	case regStatus:
		if value == 0 {
			dev.resetLocked()
		} else {
			dev.status = value
		}
	case regQueueDescLow:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.descAddr = q.descAddr&^uint64(0xffffffff) | v }, uint64(value))
	case regQueueDescHigh:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.descAddr = q.descAddr&0xffffffff | v<<32 }, uint64(value))
	case regQueueDriverLow:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.availAddr = q.availAddr&^uint64(0xffffffff) | v }, uint64(value))
	case regQueueDriverHigh:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.availAddr = q.availAddr&0xffffffff | v<<32 }, uint64(value))
	case regQueueDeviceLow:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.usedAddr = q.usedAddr&^uint64(0xffffffff) | v }, uint64(value))
	case regQueueDeviceHigh:
		dev.setQueueAddrLocked(func(q *Queue, v uint64) { q.usedAddr = q.usedAddr&0xffffffff | v<<32 }, uint64(value))
	case regSHMSel:
		dev.shmSel = value
	}
	return nil
}

func (dev *MMIODevice) selectedQueueLocked() *Queue {
	if int(dev.queueSel) >= len(dev.queues) {
		return nil
	}
	return dev.queues[dev.queueSel]
}

func (dev *MMIODevice) setQueueAddrLocked(set func(*Queue, uint64), value uint64) {
	if q := dev.selectedQueueLocked(); q != nil {
		set(q, value)
	}
}

var (
	_ chipset.ChipsetDevice = &MMIODevice{}
	_ chipset.MmioHandler   = &MMIODevice{}
)
