package virtio

import (
	"encoding/binary"
	"testing"
)

const (
	memTestBase  = uint64(1) << 32
	memTestBlock = uint64(2 << 20)
	memTestSize  = 16 * memTestBlock
)

type memHarness struct {
	t         *testing.T
	dev       *MemDevice
	ring      *testRing
	discarded []uint64
}

func newMemHarness(t *testing.T) *memHarness {
	t.Helper()

	h := &memHarness{t: t}
	var err error
	h.dev, err = NewMemDevice(memTestBase, memTestSize, memTestBlock, func(gpa, size uint64) error {
		for off := uint64(0); off < size; off += memTestBlock {
			h.discarded = append(h.discarded, gpa+off)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	mem := &guestMem{b: make([]byte, 4<<20)}
	transport := NewMMIODevice("mem0", testMmioBase, mem, &testIRQ{}, 19, h.dev)
	h.dev.Bind(transport)
	h.ring = setupRing(t, mem, transport, 0, 16)
	return h
}

// request performs one guest plug/unplug/state request and returns the
// response type and state.
func (h *memHarness) request(reqType uint16, addr uint64, nbBlocks uint16) (uint16, uint16) {
	h.t.Helper()

	var req [memReqSize]byte
	binary.LittleEndian.PutUint16(req[0:2], reqType)
	binary.LittleEndian.PutUint64(req[8:16], addr)
	binary.LittleEndian.PutUint16(req[16:18], nbBlocks)

	_, writable := h.ring.postChain(
		chainBuf{data: req[:]},
		chainBuf{writable: memRespSize},
	)
	h.ring.notify()

	if _, _, ok := h.ring.popUsed(); !ok {
		h.t.Fatal("request chain not released")
	}
	resp := h.ring.readGuest(writable[0], memRespSize)
	return binary.LittleEndian.Uint16(resp[0:2]), binary.LittleEndian.Uint16(resp[8:10])
}

func TestMemPlugWithinRequestedSize(t *testing.T) {
	h := newMemHarness(t)
	if err := h.dev.RequestSize(4 * memTestBlock); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}

	if resp, _ := h.request(memReqPlug, memTestBase, 4); resp != memRespACK {
		t.Fatalf("plug response = %d, want ACK", resp)
	}
	if got := h.dev.PluggedSize(); got != 4*memTestBlock {
		t.Errorf("plugged size = %#x, want %#x", got, 4*memTestBlock)
	}

	// Plugging past requested_size is refused.
	if resp, _ := h.request(memReqPlug, memTestBase+4*memTestBlock, 1); resp != memRespNACK {
		t.Errorf("over-plug response = %d, want NACK", resp)
	}
}

func TestMemUnplugDiscardsBlocks(t *testing.T) {
	h := newMemHarness(t)
	if err := h.dev.RequestSize(4 * memTestBlock); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}
	h.request(memReqPlug, memTestBase, 4)
	h.discarded = nil

	if resp, _ := h.request(memReqUnplug, memTestBase+memTestBlock, 2); resp != memRespACK {
		t.Fatalf("unplug response = %d, want ACK", resp)
	}
	if got := h.dev.PluggedSize(); got != 2*memTestBlock {
		t.Errorf("plugged size = %#x, want %#x", got, 2*memTestBlock)
	}
	want := []uint64{memTestBase + memTestBlock, memTestBase + 2*memTestBlock}
	if len(h.discarded) != 2 || h.discarded[0] != want[0] || h.discarded[1] != want[1] {
		t.Errorf("discarded = %#x, want %#x", h.discarded, want)
	}
}

func TestMemStateQuery(t *testing.T) {
	h := newMemHarness(t)
	if err := h.dev.RequestSize(8 * memTestBlock); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}
	h.request(memReqPlug, memTestBase, 2)

	if _, state := h.request(memReqState, memTestBase, 2); state != memStatePlugged {
		t.Errorf("state = %d, want plugged", state)
	}
	if _, state := h.request(memReqState, memTestBase+4*memTestBlock, 2); state != memStateUnplugged {
		t.Errorf("state = %d, want unplugged", state)
	}
	if _, state := h.request(memReqState, memTestBase, 4); state != memStateMixed {
		t.Errorf("state = %d, want mixed", state)
	}
}

func TestMemUnplugAll(t *testing.T) {
	h := newMemHarness(t)
	if err := h.dev.RequestSize(memTestSize); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}
	h.request(memReqPlug, memTestBase, 8)
	h.discarded = nil

	if resp, _ := h.request(memReqUnplugAll, 0, 0); resp != memRespACK {
		t.Fatalf("unplug-all response = %d, want ACK", resp)
	}
	if got := h.dev.PluggedSize(); got != 0 {
		t.Errorf("plugged size = %#x after unplug all", got)
	}
	if len(h.discarded) != 8 {
		t.Errorf("discarded %d blocks, want 8", len(h.discarded))
	}
}

func TestMemRejectsBadRanges(t *testing.T) {
	h := newMemHarness(t)
	if err := h.dev.RequestSize(memTestSize); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}

	// Unaligned address.
	if resp, _ := h.request(memReqPlug, memTestBase+0x1000, 1); resp != memRespError {
		t.Errorf("unaligned plug response = %d, want Error", resp)
	}
	// Range past the window.
	if resp, _ := h.request(memReqPlug, memTestBase+15*memTestBlock, 2); resp != memRespError {
		t.Errorf("out-of-range plug response = %d, want Error", resp)
	}
	// Double plug.
	h.request(memReqPlug, memTestBase, 1)
	if resp, _ := h.request(memReqPlug, memTestBase, 1); resp != memRespNACK {
		t.Errorf("double plug response = %d, want NACK", resp)
	}
}

func TestMemConfigAndRequestSize(t *testing.T) {
	h := newMemHarness(t)

	if err := h.dev.RequestSize(memTestBlock + 1); err == nil {
		t.Error("unaligned RequestSize succeeded")
	}
	if err := h.dev.RequestSize(memTestSize + memTestBlock); err == nil {
		t.Error("oversized RequestSize succeeded")
	}
	if err := h.dev.RequestSize(2 * memTestBlock); err != nil {
		t.Fatalf("RequestSize: %v", err)
	}

	var buf [56]byte
	if err := h.dev.ReadConfig(0, buf[:]); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf[0:8]); got != memTestBlock {
		t.Errorf("block_size = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:24]); got != memTestBase {
		t.Errorf("addr = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(buf[48:56]); got != 2*memTestBlock {
		t.Errorf("requested_size = %#x", got)
	}
}
