package virtio

import (
	"log/slog"
)

const (
	fsDeviceID = 26

	fsQueueSize = 128

	fsTagLen = 36
)

// FsBackend serves FUSE requests for a virtio-fs device. Each call carries
// one complete request message and returns the complete reply.
type FsBackend interface {
	HandleRequest(req []byte) ([]byte, error)
}

// FsDevice is a virtio-fs transport: a high-priority queue plus one request
// queue, both forwarded to the backend.
type FsDevice struct {
	tag     string
	backend FsBackend
	logger  *slog.Logger
}

// NewFsDevice creates a virtio-fs handler with the given mount tag.
func NewFsDevice(tag string, backend FsBackend) *FsDevice {
	if len(tag) > fsTagLen {
		tag = tag[:fsTagLen]
	}
	return &FsDevice{
		tag:     tag,
		backend: backend,
		logger:  slog.With("device", "virtio-fs", "tag", tag),
	}
}

// Tag returns the mount tag the guest uses to identify the share.
func (dev *FsDevice) Tag() string { return dev.tag }

// DeviceID implements DeviceHandler.
func (dev *FsDevice) DeviceID() uint32 { return fsDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *FsDevice) DeviceFeatures() uint64 { return 0 }

// QueueMaxSizes implements DeviceHandler. Queue 0 is the hiprio queue.
func (dev *FsDevice) QueueMaxSizes() []uint16 {
	return []uint16{fsQueueSize, fsQueueSize}
}

// ReadConfig implements DeviceHandler.
func (dev *FsDevice) ReadConfig(offset uint64, data []byte) error {
	var config [fsTagLen + 4]byte
	copy(config[:fsTagLen], dev.tag)
	config[fsTagLen] = 1 // num_request_queues
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler.
func (dev *FsDevice) WriteConfig(offset uint64, data []byte) error {
	return writeConfigNoop(offset, data)
}

// Start implements DeviceHandler.
func (dev *FsDevice) Start() error { return nil }

// Stop implements DeviceHandler.
func (dev *FsDevice) Stop() error { return nil }

// Reset implements DeviceHandler.
func (dev *FsDevice) Reset() error { return nil }

// QueueNotify implements DeviceHandler.
func (dev *FsDevice) QueueNotify(q *Queue) error {
	return DrainQueue(q, func(chain *Chain) error {
		req, err := chain.ReadAll()
		if err != nil {
			return err
		}

		resp, err := dev.backend.HandleRequest(req)
		if err != nil {
			dev.logger.Warn("request failed", "error", err)
			return chain.Release(0)
		}
		if len(resp) > chain.WritableSize() {
			dev.logger.Warn("reply larger than guest buffers", "len", len(resp))
			return chain.Release(0)
		}

		n, err := chain.Write(resp)
		if err != nil {
			return err
		}
		return chain.Release(uint32(n))
	})
}

var _ DeviceHandler = &FsDevice{}
