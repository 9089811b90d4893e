package virtio

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

const (
	blkDeviceID = 2

	blkFeatureSegMax  = uint64(1) << 2
	blkFeatureRO      = uint64(1) << 5
	blkFeatureBlkSize = uint64(1) << 6
	blkFeatureFlush   = uint64(1) << 9

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4
	blkTypeGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkSectorSize = 512
	blkQueueSize  = 256
	blkSegMax     = blkQueueSize - 2
	blkIDLen      = 20

	// blkMaxRequestBytes caps the data area of one request. Descriptor
	// lengths are guest-controlled; without a ceiling a hostile driver
	// forces an equally large host allocation. Linux issues at most
	// seg_max page-sized segments, which stays under this.
	blkMaxRequestBytes = 1 << 20
)

// BlockBackend stores the disk contents.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Sync() error
}

type fileBackend struct {
	f *os.File
}

func (b fileBackend) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b fileBackend) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b fileBackend) Sync() error                              { return b.f.Sync() }

func (b fileBackend) Size() int64 {
	info, err := b.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// FileBackend wraps an open disk image file as a BlockBackend.
func FileBackend(f *os.File) BlockBackend { return fileBackend{f: f} }

// BlockLimits throttles a block device. Zero values leave the dimension
// unlimited.
type BlockLimits struct {
	OpsPerSec   float64
	BytesPerSec float64
}

// BlockDevice is a virtio-blk device. Requests are served by a worker
// goroutine so throttling never stalls a vCPU inside an MMIO write.
type BlockDevice struct {
	backend  BlockBackend
	serialID string
	readOnly bool

	opLimiter   *rate.Limiter
	byteLimiter *rate.Limiter

	mu     sync.Mutex
	notify chan *Queue
	stop   chan struct{}
	done   sync.WaitGroup

	logger *slog.Logger
}

// NewBlockDevice creates a virtio-blk handler over the backend.
func NewBlockDevice(backend BlockBackend, serialID string, readOnly bool, limits BlockLimits) *BlockDevice {
	dev := &BlockDevice{
		backend:  backend,
		serialID: serialID,
		readOnly: readOnly,
		notify:   make(chan *Queue, 1),
		logger:   slog.With("device", "virtio-blk"),
	}
	if limits.OpsPerSec > 0 {
		dev.opLimiter = rate.NewLimiter(rate.Limit(limits.OpsPerSec), int(limits.OpsPerSec)+1)
	}
	if limits.BytesPerSec > 0 {
		dev.byteLimiter = rate.NewLimiter(rate.Limit(limits.BytesPerSec), int(limits.BytesPerSec))
	}
	return dev
}

// DeviceID implements DeviceHandler.
func (dev *BlockDevice) DeviceID() uint32 { return blkDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *BlockDevice) DeviceFeatures() uint64 {
	features := blkFeatureSegMax | blkFeatureBlkSize | blkFeatureFlush
	if dev.readOnly {
		features |= blkFeatureRO
	}
	return features
}

// QueueMaxSizes implements DeviceHandler.
func (dev *BlockDevice) QueueMaxSizes() []uint16 { return []uint16{blkQueueSize} }

// ReadConfig implements DeviceHandler.
func (dev *BlockDevice) ReadConfig(offset uint64, data []byte) error {
	var config [40]byte
	capacity := uint64(dev.backend.Size()) / blkSectorSize
	binary.LittleEndian.PutUint64(config[0:8], capacity)
	binary.LittleEndian.PutUint32(config[8:12], 0) // size_max
	binary.LittleEndian.PutUint32(config[12:16], blkSegMax)
	binary.LittleEndian.PutUint32(config[20:24], blkSectorSize) // blk_size
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler.
func (dev *BlockDevice) WriteConfig(offset uint64, data []byte) error {
	return writeConfigNoop(offset, data)
}

// Start implements DeviceHandler.
func (dev *BlockDevice) Start() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.stop != nil {
		return nil
	}
	dev.stop = make(chan struct{})
	dev.done.Add(1)
	go dev.worker(dev.stop)
	return nil
}

// Stop implements DeviceHandler.
func (dev *BlockDevice) Stop() error {
	dev.mu.Lock()
	stop := dev.stop
	dev.stop = nil
	dev.mu.Unlock()

	if stop != nil {
		close(stop)
		dev.done.Wait()
	}
	return nil
}

// Reset implements DeviceHandler.
func (dev *BlockDevice) Reset() error { return nil }

// QueueNotify implements DeviceHandler. It defers processing to the worker.
func (dev *BlockDevice) QueueNotify(q *Queue) error {
	select {
	case dev.notify <- q:
	default:
		// A wakeup is already pending; the worker drains the whole ring.
	}
	return nil
}

func (dev *BlockDevice) worker(stop chan struct{}) {
	defer dev.done.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case q := <-dev.notify:
			if err := DrainQueue(q, func(chain *Chain) error {
				return dev.handleRequest(ctx, chain)
			}); err != nil {
				if ctx.Err() != nil {
					return
				}
				dev.logger.Error("request processing failed", "error", err)
			}
		}
	}
}

func (dev *BlockDevice) handleRequest(ctx context.Context, chain *Chain) error {
	var header [16]byte
	if _, err := chain.Read(header[:], 0); err != nil {
		return err
	}
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	// The final writable byte is the status; data buffers come before it.
	dataLen := chain.WritableSize() - 1
	status := byte(blkStatusOK)
	var written uint32

	if err := dev.throttle(ctx, reqType, dataLen, chain); err != nil {
		return err
	}

	switch reqType {
	case blkTypeIn:
		if dataLen > blkMaxRequestBytes {
			status = blkStatusIOErr
			break
		}
		buf := make([]byte, dataLen)
		if _, err := dev.backend.ReadAt(buf, int64(sector)*blkSectorSize); err != nil {
			dev.logger.Error("read failed", "sector", sector, "error", err)
			status = blkStatusIOErr
			buf = nil
		}
		if buf != nil {
			n, err := chain.WriteAt(buf, 0)
			if err != nil {
				return err
			}
			written = uint32(n)
		}

	case blkTypeOut:
		if dev.readOnly {
			status = blkStatusIOErr
			break
		}
		payloadLen := chain.ReadableSize() - 16
		if payloadLen < 0 || payloadLen > blkMaxRequestBytes {
			status = blkStatusIOErr
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := chain.Read(payload, 16); err != nil {
			return err
		}
		if _, err := dev.backend.WriteAt(payload, int64(sector)*blkSectorSize); err != nil {
			dev.logger.Error("write failed", "sector", sector, "error", err)
			status = blkStatusIOErr
		}

	case blkTypeFlush:
		if err := dev.backend.Sync(); err != nil {
			dev.logger.Error("flush failed", "error", err)
			status = blkStatusIOErr
		}

	case blkTypeGetID:
		id := make([]byte, blkIDLen)
		copy(id, dev.serialID)
		n, err := chain.WriteAt(id, 0)
		if err != nil {
			return err
		}
		written = uint32(n)

	default:
		status = blkStatusUnsupp
	}

	if _, err := chain.WriteAt([]byte{status}, dataLen); err != nil {
		return err
	}
	return chain.Release(written + 1)
}

func (dev *BlockDevice) throttle(ctx context.Context, reqType uint32, dataLen int, chain *Chain) error {
	if dev.opLimiter != nil {
		if err := dev.opLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	if dev.byteLimiter == nil {
		return nil
	}

	var bytes int
	switch reqType {
	case blkTypeIn:
		bytes = dataLen
	case blkTypeOut:
		bytes = chain.ReadableSize() - 16
	default:
		return nil
	}
	if bytes <= 0 {
		return nil
	}
	if bytes > dev.byteLimiter.Burst() {
		bytes = dev.byteLimiter.Burst()
	}
	return dev.byteLimiter.WaitN(ctx, bytes)
}

var _ DeviceHandler = &BlockDevice{}
