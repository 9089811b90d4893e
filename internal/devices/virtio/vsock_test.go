package virtio

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

const (
	testGuestCID  = 3
	testGuestPort = 5555
	testHostPort  = 1024
)

// vsockHarness drives a vsock device from the guest side: RX buffers posted
// on queue 0, packets transmitted on queue 1.
type vsockHarness struct {
	t   *testing.T
	dev *VsockDevice
	rx  *testRing
	tx  *testRing

	rxBufs map[uint16]uint64
}

func newVsockHarness(t *testing.T) *vsockHarness {
	t.Helper()

	vsock := NewVsockDevice(testGuestCID)
	mem := &guestMem{b: make([]byte, 4<<20)}
	dev := NewMMIODevice("vsock0", testMmioBase, mem, &testIRQ{}, 17, vsock)

	h := &vsockHarness{
		t:      t,
		dev:    vsock,
		rx:     setupRing(t, mem, dev, vsockRXQueue, 16),
		tx:     setupRing(t, mem, dev, vsockTXQueue, 16),
		rxBufs: make(map[uint16]uint64),
	}

	// Hand the device a pool of receive buffers before any traffic.
	for i := 0; i < 8; i++ {
		head, writable := h.rx.postChain(chainBuf{writable: vsockHeaderSize + vsockMaxPayload})
		h.rxBufs[head] = writable[0]
	}
	h.rx.notify()
	return h
}

func (h *vsockHarness) send(hdr vsockHeader, payload []byte) {
	h.t.Helper()
	hdr.Len = uint32(len(payload))
	h.tx.postChain(chainBuf{data: append(hdr.marshal(), payload...)})
	h.tx.notify()
}

func (h *vsockHarness) guestHeader(op uint16) vsockHeader {
	return vsockHeader{
		SrcCID:   testGuestCID,
		DstCID:   VsockCIDHost,
		SrcPort:  testGuestPort,
		DstPort:  testHostPort,
		Type:     vsockTypeStream,
		Op:       op,
		BufAlloc: 64 * 1024,
	}
}

// recv waits for the device to deliver the next packet to the guest.
func (h *vsockHarness) recv() (vsockHeader, []byte) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		head, written, ok := h.rx.popUsed()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		addr, ok := h.rxBufs[head]
		if !ok {
			h.t.Fatalf("used head %d does not match a posted buffer", head)
		}
		packet := h.rx.readGuest(addr, int(written))
		hdr, err := parseVsockHeader(packet)
		if err != nil {
			h.t.Fatalf("parsing delivered packet: %v", err)
		}
		return hdr, packet[vsockHeaderSize:]
	}
	h.t.Fatal("no packet delivered before deadline")
	return vsockHeader{}, nil
}

// recvOp skips packets until one with the wanted op arrives.
func (h *vsockHarness) recvOp(op uint16) (vsockHeader, []byte) {
	h.t.Helper()
	for i := 0; i < 16; i++ {
		hdr, payload := h.recv()
		if hdr.Op == op {
			return hdr, payload
		}
	}
	h.t.Fatalf("packet with op %s never arrived", vsockOpName(op))
	return vsockHeader{}, nil
}

func TestVsockConfigIsGuestCID(t *testing.T) {
	dev := NewVsockDevice(42)
	var buf [8]byte
	if err := dev.ReadConfig(0, buf[:]); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if got := binary.LittleEndian.Uint64(buf[:]); got != 42 {
		t.Errorf("config CID = %d, want 42", got)
	}
}

func TestVsockConnectEcho(t *testing.T) {
	h := newVsockHarness(t)

	received := make(chan []byte, 1)
	err := h.dev.ListenPort(testHostPort, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			t.Errorf("host read: %v", err)
			return
		}
		received <- buf[:n]
		if _, err := conn.Write([]byte("pong")); err != nil {
			t.Errorf("host write: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}

	h.send(h.guestHeader(vsockOpRequest), nil)
	if hdr, _ := h.recvOp(vsockOpResponse); hdr.DstPort != testGuestPort {
		t.Errorf("response dst port = %d, want %d", hdr.DstPort, testGuestPort)
	}

	h.send(h.guestHeader(vsockOpRW), []byte("ping"))
	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Errorf("host received %q, want ping", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host handler never received data")
	}

	hdr, payload := h.recvOp(vsockOpRW)
	if !bytes.Equal(payload, []byte("pong")) {
		t.Errorf("guest received %q, want pong", payload)
	}
	if hdr.SrcCID != VsockCIDHost || hdr.DstCID != testGuestCID {
		t.Errorf("reply addressed %d->%d", hdr.SrcCID, hdr.DstCID)
	}
}

func TestVsockConnectUnknownPortResets(t *testing.T) {
	h := newVsockHarness(t)

	hdr := h.guestHeader(vsockOpRequest)
	hdr.DstPort = 9 // nothing listens here
	h.send(hdr, nil)

	rst, _ := h.recvOp(vsockOpRST)
	if rst.DstPort != testGuestPort || rst.SrcPort != 9 {
		t.Errorf("RST ports = %d->%d, want 9->%d", rst.SrcPort, rst.DstPort, testGuestPort)
	}
}

func TestVsockGuestResetDropsConnection(t *testing.T) {
	h := newVsockHarness(t)

	readErr := make(chan error, 1)
	if err := h.dev.ListenPort(testHostPort, func(conn net.Conn) {
		buf := make([]byte, 16)
		_, err := conn.Read(buf)
		readErr <- err
	}); err != nil {
		t.Fatalf("ListenPort: %v", err)
	}

	h.send(h.guestHeader(vsockOpRequest), nil)
	h.recvOp(vsockOpResponse)

	h.send(h.guestHeader(vsockOpRST), nil)
	select {
	case err := <-readErr:
		if err == nil {
			t.Error("host read succeeded after guest reset")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host read never unblocked after reset")
	}
}

func TestVsockDuplicateListener(t *testing.T) {
	dev := NewVsockDevice(testGuestCID)
	noop := func(net.Conn) {}
	if err := dev.ListenPort(80, noop); err != nil {
		t.Fatalf("first ListenPort: %v", err)
	}
	if err := dev.ListenPort(80, noop); err == nil {
		t.Fatal("second ListenPort on same port succeeded")
	}
}
