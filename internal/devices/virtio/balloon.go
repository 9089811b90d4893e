package virtio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

const (
	balloonDeviceID = 5

	balloonFeatureMustTellHost = uint64(1) << 0

	balloonInflateQueue = 0
	balloonDeflateQueue = 1

	balloonQueueSize = 128

	// balloonPageSize is fixed by the device model regardless of guest
	// page size.
	balloonPageSize = 4096
)

// DiscardFunc releases a guest physical range back to the host.
type DiscardFunc func(gpa, size uint64) error

// BalloonDevice is a virtio-balloon device. The host sets a target page
// count; the guest hands pages back through the inflate queue and reclaims
// them through the deflate queue.
type BalloonDevice struct {
	discard DiscardFunc

	mu        sync.Mutex
	transport *MMIODevice
	numPages  uint32
	actual    uint32

	logger *slog.Logger
}

// NewBalloonDevice creates a balloon handler. Inflated pages are released
// through discard.
func NewBalloonDevice(discard DiscardFunc) *BalloonDevice {
	return &BalloonDevice{
		discard: discard,
		logger:  slog.With("device", "virtio-balloon"),
	}
}

// Bind attaches the transport so target changes can interrupt the guest.
func (dev *BalloonDevice) Bind(t *MMIODevice) {
	dev.mu.Lock()
	dev.transport = t
	dev.mu.Unlock()
}

// SetTargetPages sets the number of pages the guest should surrender and
// notifies the driver.
func (dev *BalloonDevice) SetTargetPages(pages uint32) {
	dev.mu.Lock()
	dev.numPages = pages
	t := dev.transport
	dev.mu.Unlock()

	if t != nil {
		t.SignalConfigChange()
	}
}

// ActualPages returns the page count the guest has surrendered so far.
func (dev *BalloonDevice) ActualPages() uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.actual
}

// DeviceID implements DeviceHandler.
func (dev *BalloonDevice) DeviceID() uint32 { return balloonDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *BalloonDevice) DeviceFeatures() uint64 { return balloonFeatureMustTellHost }

// QueueMaxSizes implements DeviceHandler.
func (dev *BalloonDevice) QueueMaxSizes() []uint16 {
	return []uint16{balloonQueueSize, balloonQueueSize}
}

// ReadConfig implements DeviceHandler.
func (dev *BalloonDevice) ReadConfig(offset uint64, data []byte) error {
	dev.mu.Lock()
	var config [8]byte
	binary.LittleEndian.PutUint32(config[0:4], dev.numPages)
	binary.LittleEndian.PutUint32(config[4:8], dev.actual)
	dev.mu.Unlock()
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler. The driver reports the actual page
// count by writing config offset 4.
func (dev *BalloonDevice) WriteConfig(offset uint64, data []byte) error {
	if offset == 4 && len(data) == 4 {
		dev.mu.Lock()
		dev.actual = binary.LittleEndian.Uint32(data)
		dev.mu.Unlock()
	}
	return nil
}

// Start implements DeviceHandler.
func (dev *BalloonDevice) Start() error { return nil }

// Stop implements DeviceHandler.
func (dev *BalloonDevice) Stop() error { return nil }

// Reset implements DeviceHandler.
func (dev *BalloonDevice) Reset() error {
	dev.mu.Lock()
	dev.actual = 0
	dev.mu.Unlock()
	return nil
}

// QueueNotify implements DeviceHandler. Both queues carry arrays of
// little-endian page frame numbers.
func (dev *BalloonDevice) QueueNotify(q *Queue) error {
	inflate := q.Index() == balloonInflateQueue
	return DrainQueue(q, func(chain *Chain) error {
		pfns, err := chain.ReadAll()
		if err != nil {
			return err
		}
		if err := chain.Release(0); err != nil {
			return err
		}

		if inflate {
			dev.releasePages(pfns)
		}
		// Deflated pages fault back in on first guest access.
		return nil
	})
}

func (dev *BalloonDevice) releasePages(pfns []byte) {
	for off := 0; off+4 <= len(pfns); off += 4 {
		pfn := binary.LittleEndian.Uint32(pfns[off : off+4])
		gpa := uint64(pfn) * balloonPageSize
		if err := dev.discard(gpa, balloonPageSize); err != nil {
			dev.logger.Warn("page discard failed", "gpa", gpa, "error", err)
		}
	}
}

var _ DeviceHandler = &BalloonDevice{}
