package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

const (
	memDeviceID = 24

	memQueueSize = 128

	memReqPlug      = 0
	memReqUnplug    = 1
	memReqUnplugAll = 2
	memReqState     = 3

	memRespACK   = 0
	memRespNACK  = 1
	memRespBusy  = 2
	memRespError = 3

	memStatePlugged   = 0
	memStateUnplugged = 1
	memStateMixed     = 2

	memReqSize  = 24
	memRespSize = 10
)

// MemDevice is a virtio-mem device over a fixed guest physical window. The
// host moves requested_size; the guest plugs and unplugs blocks to follow
// it.
type MemDevice struct {
	addr       uint64
	regionSize uint64
	blockSize  uint64
	discard    DiscardFunc

	mu            sync.Mutex
	transport     *MMIODevice
	requestedSize uint64
	pluggedSize   uint64
	plugged       []bool

	logger *slog.Logger
}

// NewMemDevice creates a virtio-mem handler over the window [addr,
// addr+regionSize). Unplugged blocks are released through discard.
func NewMemDevice(addr, regionSize, blockSize uint64, discard DiscardFunc) (*MemDevice, error) {
	if blockSize == 0 || regionSize == 0 || regionSize%blockSize != 0 {
		return nil, fmt.Errorf("virtio-mem: region size 0x%x is not a multiple of block size 0x%x", regionSize, blockSize)
	}
	if addr%blockSize != 0 {
		return nil, fmt.Errorf("virtio-mem: address 0x%x is not block aligned", addr)
	}

	return &MemDevice{
		addr:       addr,
		regionSize: regionSize,
		blockSize:  blockSize,
		discard:    discard,
		plugged:    make([]bool, regionSize/blockSize),
		logger:     slog.With("device", "virtio-mem"),
	}, nil
}

// Bind attaches the transport so size changes can interrupt the guest.
func (dev *MemDevice) Bind(t *MMIODevice) {
	dev.mu.Lock()
	dev.transport = t
	dev.mu.Unlock()
}

// RequestSize asks the guest to plug or unplug toward the given size. It
// returns immediately; the guest converges asynchronously.
func (dev *MemDevice) RequestSize(size uint64) error {
	if size > dev.regionSize || size%dev.blockSize != 0 {
		return fmt.Errorf("virtio-mem: requested size 0x%x invalid for region 0x%x/block 0x%x", size, dev.regionSize, dev.blockSize)
	}

	dev.mu.Lock()
	dev.requestedSize = size
	t := dev.transport
	dev.mu.Unlock()

	if t != nil {
		t.SignalConfigChange()
	}
	return nil
}

// PluggedSize returns the bytes the guest currently has plugged.
func (dev *MemDevice) PluggedSize() uint64 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.pluggedSize
}

// Region returns the guest physical window the device manages.
func (dev *MemDevice) Region() (addr, size uint64) {
	return dev.addr, dev.regionSize
}

// DeviceID implements DeviceHandler.
func (dev *MemDevice) DeviceID() uint32 { return memDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *MemDevice) DeviceFeatures() uint64 { return 0 }

// QueueMaxSizes implements DeviceHandler.
func (dev *MemDevice) QueueMaxSizes() []uint16 { return []uint16{memQueueSize} }

// ReadConfig implements DeviceHandler.
func (dev *MemDevice) ReadConfig(offset uint64, data []byte) error {
	dev.mu.Lock()
	var config [56]byte
	binary.LittleEndian.PutUint64(config[0:8], dev.blockSize)
	binary.LittleEndian.PutUint64(config[16:24], dev.addr)
	binary.LittleEndian.PutUint64(config[24:32], dev.regionSize)
	binary.LittleEndian.PutUint64(config[32:40], dev.regionSize) // usable_region_size
	binary.LittleEndian.PutUint64(config[40:48], dev.pluggedSize)
	binary.LittleEndian.PutUint64(config[48:56], dev.requestedSize)
	dev.mu.Unlock()
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler.
func (dev *MemDevice) WriteConfig(offset uint64, data []byte) error {
	return writeConfigNoop(offset, data)
}

// Start implements DeviceHandler.
func (dev *MemDevice) Start() error { return nil }

// Stop implements DeviceHandler.
func (dev *MemDevice) Stop() error { return nil }

// Reset implements DeviceHandler. Plugged blocks are returned to the host.
func (dev *MemDevice) Reset() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.unplugAllLocked()
}

// QueueNotify implements DeviceHandler.
func (dev *MemDevice) QueueNotify(q *Queue) error {
	return DrainQueue(q, dev.handleRequest)
}

func (dev *MemDevice) handleRequest(chain *Chain) error {
	var req [memReqSize]byte
	if _, err := chain.Read(req[:], 0); err != nil {
		return err
	}
	reqType := binary.LittleEndian.Uint16(req[0:2])
	addr := binary.LittleEndian.Uint64(req[8:16])
	nbBlocks := binary.LittleEndian.Uint16(req[16:18])

	dev.mu.Lock()
	respType, state := dev.dispatchLocked(reqType, addr, nbBlocks)
	dev.mu.Unlock()

	var resp [memRespSize]byte
	binary.LittleEndian.PutUint16(resp[0:2], respType)
	binary.LittleEndian.PutUint16(resp[8:10], state)
	if _, err := chain.Write(resp[:]); err != nil {
		return err
	}
	return chain.Release(memRespSize)
}

func (dev *MemDevice) dispatchLocked(reqType uint16, addr uint64, nbBlocks uint16) (respType, state uint16) {
	switch reqType {
	case memReqPlug:
		return dev.plugLocked(addr, nbBlocks, true), 0
	case memReqUnplug:
		return dev.plugLocked(addr, nbBlocks, false), 0
	case memReqUnplugAll:
		if err := dev.unplugAllLocked(); err != nil {
			dev.logger.Error("unplug all failed", "error", err)
			return memRespError, 0
		}
		return memRespACK, 0
	case memReqState:
		return dev.stateLocked(addr, nbBlocks)
	default:
		return memRespError, 0
	}
}

func (dev *MemDevice) blockRange(addr uint64, nbBlocks uint16) (first, count int, ok bool) {
	if addr < dev.addr || addr%dev.blockSize != 0 {
		return 0, 0, false
	}
	first = int((addr - dev.addr) / dev.blockSize)
	count = int(nbBlocks)
	if first+count > len(dev.plugged) {
		return 0, 0, false
	}
	return first, count, true
}

func (dev *MemDevice) plugLocked(addr uint64, nbBlocks uint16, plug bool) uint16 {
	first, count, ok := dev.blockRange(addr, nbBlocks)
	if !ok {
		return memRespError
	}

	// The whole request must be applicable; partial plugs are refused.
	for i := first; i < first+count; i++ {
		if dev.plugged[i] == plug {
			return memRespNACK
		}
	}
	if plug && dev.pluggedSize+uint64(count)*dev.blockSize > dev.requestedSize {
		return memRespNACK
	}

	for i := first; i < first+count; i++ {
		dev.plugged[i] = plug
	}
	if plug {
		dev.pluggedSize += uint64(count) * dev.blockSize
	} else {
		dev.pluggedSize -= uint64(count) * dev.blockSize
		if err := dev.discard(addr, uint64(count)*dev.blockSize); err != nil {
			dev.logger.Warn("block discard failed", "addr", addr, "error", err)
		}
	}
	return memRespACK
}

func (dev *MemDevice) unplugAllLocked() error {
	for i, plugged := range dev.plugged {
		if !plugged {
			continue
		}
		dev.plugged[i] = false
		gpa := dev.addr + uint64(i)*dev.blockSize
		if err := dev.discard(gpa, dev.blockSize); err != nil {
			return err
		}
	}
	dev.pluggedSize = 0
	return nil
}

func (dev *MemDevice) stateLocked(addr uint64, nbBlocks uint16) (respType, state uint16) {
	first, count, ok := dev.blockRange(addr, nbBlocks)
	if !ok || count == 0 {
		return memRespError, 0
	}

	var pluggedCount int
	for i := first; i < first+count; i++ {
		if dev.plugged[i] {
			pluggedCount++
		}
	}
	switch pluggedCount {
	case count:
		return memRespACK, memStatePlugged
	case 0:
		return memRespACK, memStateUnplugged
	default:
		return memRespACK, memStateMixed
	}
}

var _ DeviceHandler = &MemDevice{}
