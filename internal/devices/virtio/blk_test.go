package virtio

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"
	"time"
)

func newBlockTest(t *testing.T, size int64, readOnly bool) (*os.File, *BlockDevice, *testRing) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(size); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	blk := NewBlockDevice(FileBackend(f), "test-disk-0", readOnly, BlockLimits{})
	mem := &guestMem{b: make([]byte, 4<<20)}
	dev := NewMMIODevice("blk0", testMmioBase, mem, &testIRQ{}, 16, blk)
	if err := blk.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { blk.Stop() })

	ring := setupRing(t, mem, dev, 0, 16)
	return f, blk, ring
}

func blkHeader(reqType uint32, sector uint64) []byte {
	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], reqType)
	binary.LittleEndian.PutUint64(header[8:16], sector)
	return header[:]
}

// waitUsed polls for the worker goroutine to push a used element.
func waitUsed(t *testing.T, ring *testRing) (uint16, uint32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if head, written, ok := ring.popUsed(); ok {
			return head, written
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no used element before deadline")
	return 0, 0
}

func TestBlockRead(t *testing.T) {
	f, _, ring := newBlockTest(t, 1<<20, false)

	want := bytes.Repeat([]byte{0x5a}, blkSectorSize)
	if _, err := f.WriteAt(want, 3*blkSectorSize); err != nil {
		t.Fatalf("seeding disk: %v", err)
	}

	head, writable := ring.postChain(
		chainBuf{data: blkHeader(blkTypeIn, 3)},
		chainBuf{writable: blkSectorSize},
		chainBuf{writable: 1},
	)
	ring.notify()

	usedHead, written := waitUsed(t, ring)
	if usedHead != head {
		t.Errorf("used head = %d, want %d", usedHead, head)
	}
	if written != blkSectorSize+1 {
		t.Errorf("written = %d, want %d", written, blkSectorSize+1)
	}
	if got := ring.readGuest(writable[0], blkSectorSize); !bytes.Equal(got, want) {
		t.Error("sector data does not match disk contents")
	}
	if status := ring.readGuest(writable[1], 1)[0]; status != blkStatusOK {
		t.Errorf("status = %d, want OK", status)
	}
}

func TestBlockWrite(t *testing.T) {
	f, _, ring := newBlockTest(t, 1<<20, false)

	payload := bytes.Repeat([]byte{0xa5}, blkSectorSize)
	_, writable := ring.postChain(
		chainBuf{data: blkHeader(blkTypeOut, 5)},
		chainBuf{data: payload},
		chainBuf{writable: 1},
	)
	ring.notify()

	if _, written := waitUsed(t, ring); written != 1 {
		t.Errorf("written = %d, want 1", written)
	}
	if status := ring.readGuest(writable[0], 1)[0]; status != blkStatusOK {
		t.Fatalf("status = %d, want OK", status)
	}

	got := make([]byte, blkSectorSize)
	if _, err := f.ReadAt(got, 5*blkSectorSize); err != nil {
		t.Fatalf("reading disk: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("disk contents do not match written payload")
	}
}

func TestBlockWriteReadOnly(t *testing.T) {
	f, _, ring := newBlockTest(t, 1<<20, true)

	payload := bytes.Repeat([]byte{0xa5}, blkSectorSize)
	_, writable := ring.postChain(
		chainBuf{data: blkHeader(blkTypeOut, 0)},
		chainBuf{data: payload},
		chainBuf{writable: 1},
	)
	ring.notify()

	waitUsed(t, ring)
	if status := ring.readGuest(writable[0], 1)[0]; status != blkStatusIOErr {
		t.Errorf("status = %d, want IOErr", status)
	}

	got := make([]byte, blkSectorSize)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("reading disk: %v", err)
	}
	if !bytes.Equal(got, make([]byte, blkSectorSize)) {
		t.Error("read-only disk was modified")
	}
}

func TestBlockOversizedRequestRejected(t *testing.T) {
	_, _, ring := newBlockTest(t, 1<<20, false)

	// The data area exceeds the per-request ceiling; the device must fail
	// the request instead of allocating a matching buffer.
	_, writable := ring.postChain(
		chainBuf{data: blkHeader(blkTypeIn, 0)},
		chainBuf{writable: blkMaxRequestBytes + blkSectorSize},
		chainBuf{writable: 1},
	)
	ring.notify()

	if _, written := waitUsed(t, ring); written != 1 {
		t.Errorf("written = %d, want just the status byte", written)
	}
	if status := ring.readGuest(writable[1], 1)[0]; status != blkStatusIOErr {
		t.Errorf("status = %d, want IOErr", status)
	}
}

func TestBlockGetID(t *testing.T) {
	_, _, ring := newBlockTest(t, 1<<20, false)

	_, writable := ring.postChain(
		chainBuf{data: blkHeader(blkTypeGetID, 0)},
		chainBuf{writable: blkIDLen},
		chainBuf{writable: 1},
	)
	ring.notify()

	waitUsed(t, ring)
	id := ring.readGuest(writable[0], blkIDLen)
	if got := string(bytes.TrimRight(id, "\x00")); got != "test-disk-0" {
		t.Errorf("serial = %q, want test-disk-0", got)
	}
	if status := ring.readGuest(writable[1], 1)[0]; status != blkStatusOK {
		t.Errorf("status = %d, want OK", status)
	}
}

func TestBlockUnsupportedRequest(t *testing.T) {
	_, _, ring := newBlockTest(t, 1<<20, false)

	_, writable := ring.postChain(
		chainBuf{data: blkHeader(0xff, 0)},
		chainBuf{writable: 1},
	)
	ring.notify()

	waitUsed(t, ring)
	if status := ring.readGuest(writable[0], 1)[0]; status != blkStatusUnsupp {
		t.Errorf("status = %d, want Unsupp", status)
	}
}

func TestBlockConfigCapacity(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(64 * blkSectorSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	blk := NewBlockDevice(FileBackend(f), "", false, BlockLimits{})
	var buf [8]byte
	if err := blk.ReadConfig(0, buf[:]); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != 64 {
		t.Errorf("capacity = %d sectors, want 64", got)
	}

	if blk.DeviceFeatures()&blkFeatureRO != 0 {
		t.Error("writable disk offers read-only feature")
	}
	ro := NewBlockDevice(FileBackend(f), "", true, BlockLimits{})
	if ro.DeviceFeatures()&blkFeatureRO == 0 {
		t.Error("read-only disk missing read-only feature")
	}
}

func TestBlockOpThrottle(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	if err := f.Truncate(1 << 20); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	// Limit 1 op/s with a burst of two: the third request has to wait for
	// a token to accrue.
	blk := NewBlockDevice(FileBackend(f), "test-disk-0", false, BlockLimits{OpsPerSec: 1})
	mem := &guestMem{b: make([]byte, 4<<20)}
	dev := NewMMIODevice("blk0", testMmioBase, mem, &testIRQ{}, 16, blk)
	if err := blk.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { blk.Stop() })
	ring := setupRing(t, mem, dev, 0, 16)

	start := time.Now()
	for i := 0; i < 3; i++ {
		ring.postChain(
			chainBuf{data: blkHeader(blkTypeGetID, 0)},
			chainBuf{writable: blkIDLen},
			chainBuf{writable: 1},
		)
	}
	ring.notify()
	for i := 0; i < 3; i++ {
		waitUsed(t, ring)
	}

	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("three ops finished in %v, want the third throttled", elapsed)
	}
}
