package virtio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

const (
	netDeviceID = 1

	netFeatureMAC    = uint64(1) << 5
	netFeatureStatus = uint64(1) << 16
	netFeatureMTU    = uint64(1) << 3

	netRXQueue = 0
	netTXQueue = 1

	netQueueSize = 256

	// netHeaderSize is the virtio_net_hdr preceding every frame. With
	// VERSION_1 the num_buffers field is always present.
	netHeaderSize = 12

	netStatusLinkUp = 1

	netMTU = 1500

	// netRXBacklog bounds frames buffered while the guest has no receive
	// descriptors posted.
	netRXBacklog = 256
)

// NetBackend moves ethernet frames between the device and a host network.
type NetBackend interface {
	// WriteFrame sends a frame from the guest into the backend.
	WriteFrame(frame []byte) error

	// SetReceiver registers the function the backend calls with frames
	// destined for the guest. It is called before Start.
	SetReceiver(deliver func(frame []byte))

	Start() error
	Stop() error
}

// NetDevice is a virtio-net device with one rx/tx queue pair.
type NetDevice struct {
	backend NetBackend
	mac     [6]byte

	mu        sync.Mutex
	rxQueue   *Queue
	rxPending [][]byte
	dropped   uint64

	logger *slog.Logger
}

// NewNetDevice creates a virtio-net handler with the given MAC address.
func NewNetDevice(backend NetBackend, mac [6]byte) *NetDevice {
	dev := &NetDevice{
		backend: backend,
		mac:     mac,
		logger:  slog.With("device", "virtio-net"),
	}
	backend.SetReceiver(dev.receiveFrame)
	return dev
}

// DeviceID implements DeviceHandler.
func (dev *NetDevice) DeviceID() uint32 { return netDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *NetDevice) DeviceFeatures() uint64 {
	return netFeatureMAC | netFeatureStatus | netFeatureMTU
}

// QueueMaxSizes implements DeviceHandler.
func (dev *NetDevice) QueueMaxSizes() []uint16 {
	return []uint16{netQueueSize, netQueueSize}
}

// ReadConfig implements DeviceHandler.
func (dev *NetDevice) ReadConfig(offset uint64, data []byte) error {
	var config [12]byte
	copy(config[0:6], dev.mac[:])
	binary.LittleEndian.PutUint16(config[6:8], netStatusLinkUp)
	binary.LittleEndian.PutUint16(config[8:10], 1) // max_virtqueue_pairs
	binary.LittleEndian.PutUint16(config[10:12], netMTU)
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler.
func (dev *NetDevice) WriteConfig(offset uint64, data []byte) error {
	return writeConfigNoop(offset, data)
}

// Start implements DeviceHandler.
func (dev *NetDevice) Start() error { return dev.backend.Start() }

// Stop implements DeviceHandler.
func (dev *NetDevice) Stop() error { return dev.backend.Stop() }

// Reset implements DeviceHandler.
func (dev *NetDevice) Reset() error {
	dev.mu.Lock()
	dev.rxQueue = nil
	dev.rxPending = nil
	dev.mu.Unlock()
	return nil
}

// QueueNotify implements DeviceHandler.
func (dev *NetDevice) QueueNotify(q *Queue) error {
	switch q.Index() {
	case netRXQueue:
		dev.mu.Lock()
		dev.rxQueue = q
		err := dev.flushRXLocked()
		dev.mu.Unlock()
		return err
	case netTXQueue:
		dev.mu.Lock()
		if dev.rxQueue == nil {
			dev.rxQueue = q.dev.Queue(netRXQueue)
		}
		dev.mu.Unlock()
		return DrainQueue(q, dev.transmitChain)
	default:
		return nil
	}
}

func (dev *NetDevice) transmitChain(chain *Chain) error {
	packet, err := chain.ReadAll()
	if err != nil {
		return err
	}
	if err := chain.Release(0); err != nil {
		return err
	}
	if len(packet) <= netHeaderSize {
		return nil
	}

	if err := dev.backend.WriteFrame(packet[netHeaderSize:]); err != nil {
		dev.logger.Warn("transmit failed", "error", err)
	}
	return nil
}

// receiveFrame delivers a backend frame to the guest, buffering it when no
// receive descriptors are available.
func (dev *NetDevice) receiveFrame(frame []byte) {
	packet := make([]byte, netHeaderSize+len(frame))
	binary.LittleEndian.PutUint16(packet[10:12], 1) // num_buffers
	copy(packet[netHeaderSize:], frame)

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if len(dev.rxPending) >= netRXBacklog {
		dev.rxPending = dev.rxPending[1:]
		dev.dropped++
	}
	dev.rxPending = append(dev.rxPending, packet)
	if err := dev.flushRXLocked(); err != nil {
		dev.logger.Warn("receive flush failed", "error", err)
	}
}

func (dev *NetDevice) flushRXLocked() error {
	if dev.rxQueue == nil || !dev.rxQueue.Ready() {
		return nil
	}

	for len(dev.rxPending) > 0 {
		chain, ok, err := dev.rxQueue.PopChain()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		packet := dev.rxPending[0]
		dev.rxPending = dev.rxPending[1:]

		n, err := chain.Write(packet)
		if err != nil {
			return err
		}
		if err := chain.Release(uint32(n)); err != nil {
			return err
		}
	}
	return nil
}

var _ DeviceHandler = &NetDevice{}
