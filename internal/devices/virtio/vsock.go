package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	vsockDeviceID = 19

	vsockRXQueue    = 0
	vsockTXQueue    = 1
	vsockEventQueue = 2

	vsockQueueSize = 256

	// vsockBufAlloc is the receive buffer we advertise per connection.
	vsockBufAlloc = 256 * 1024

	// vsockMaxPayload keeps outgoing packets within a typical rx buffer.
	vsockMaxPayload = 4096
)

// VsockConnHandler serves one accepted guest connection. It runs on its own
// goroutine and owns the conn.
type VsockConnHandler func(conn net.Conn)

type vsockConnKey struct {
	guestPort uint32
	hostPort  uint32
}

// VsockDevice is a virtio-vsock device. The host side registers per-port
// handlers; the guest initiates connections to them.
type VsockDevice struct {
	guestCID uint64

	mu        sync.Mutex
	listeners map[uint32]VsockConnHandler
	conns     map[vsockConnKey]*vsockConn
	rxPending [][]byte
	rxQueue   *Queue

	logger *slog.Logger
}

// NewVsockDevice creates a vsock handler with the given guest context ID.
func NewVsockDevice(guestCID uint64) *VsockDevice {
	return &VsockDevice{
		guestCID:  guestCID,
		listeners: make(map[uint32]VsockConnHandler),
		conns:     make(map[vsockConnKey]*vsockConn),
		logger:    slog.With("device", "virtio-vsock"),
	}
}

// GuestCID returns the context ID assigned to the guest.
func (dev *VsockDevice) GuestCID() uint64 { return dev.guestCID }

// ListenPort registers a handler for guest connections to a host port.
func (dev *VsockDevice) ListenPort(port uint32, handler VsockConnHandler) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if _, ok := dev.listeners[port]; ok {
		return fmt.Errorf("vsock port %d already has a listener", port)
	}
	dev.listeners[port] = handler
	return nil
}

// DeviceID implements DeviceHandler.
func (dev *VsockDevice) DeviceID() uint32 { return vsockDeviceID }

// DeviceFeatures implements DeviceHandler.
func (dev *VsockDevice) DeviceFeatures() uint64 { return 0 }

// QueueMaxSizes implements DeviceHandler.
func (dev *VsockDevice) QueueMaxSizes() []uint16 {
	return []uint16{vsockQueueSize, vsockQueueSize, vsockQueueSize}
}

// ReadConfig implements DeviceHandler. The config space is the guest CID.
func (dev *VsockDevice) ReadConfig(offset uint64, data []byte) error {
	var config [8]byte
	binary.LittleEndian.PutUint64(config[:], dev.guestCID)
	return readConfigWindow(config[:], offset, data)
}

// WriteConfig implements DeviceHandler.
func (dev *VsockDevice) WriteConfig(offset uint64, data []byte) error {
	return writeConfigNoop(offset, data)
}

// Start implements DeviceHandler.
func (dev *VsockDevice) Start() error { return nil }

// Stop implements DeviceHandler. Open connections are reset.
func (dev *VsockDevice) Stop() error {
	dev.mu.Lock()
	conns := make([]*vsockConn, 0, len(dev.conns))
	for _, conn := range dev.conns {
		conns = append(conns, conn)
	}
	dev.conns = make(map[vsockConnKey]*vsockConn)
	dev.mu.Unlock()

	for _, conn := range conns {
		conn.fail(net.ErrClosed)
	}
	return nil
}

// Reset implements DeviceHandler.
func (dev *VsockDevice) Reset() error {
	dev.mu.Lock()
	dev.rxPending = nil
	dev.rxQueue = nil
	dev.mu.Unlock()

	return dev.Stop()
}

// QueueNotify implements DeviceHandler.
func (dev *VsockDevice) QueueNotify(q *Queue) error {
	switch q.Index() {
	case vsockRXQueue:
		dev.mu.Lock()
		dev.rxQueue = q
		err := dev.flushRXLocked()
		dev.mu.Unlock()
		return err
	case vsockTXQueue:
		dev.mu.Lock()
		if dev.rxQueue == nil {
			dev.rxQueue = q.dev.Queue(vsockRXQueue)
		}
		dev.mu.Unlock()
		return DrainQueue(q, dev.handleTXChain)
	case vsockEventQueue:
		// Event buffers are only used for CID migration; leave them queued.
		return nil
	default:
		return nil
	}
}

func (dev *VsockDevice) handleTXChain(chain *Chain) error {
	packet, err := chain.ReadAll()
	if err != nil {
		return err
	}
	if err := chain.Release(0); err != nil {
		return err
	}

	hdr, err := parseVsockHeader(packet)
	if err != nil {
		return err
	}
	payload := packet[vsockHeaderSize:]
	if uint32(len(payload)) > hdr.Len {
		payload = payload[:hdr.Len]
	}

	if hdr.DstCID != VsockCIDHost || hdr.Type != vsockTypeStream {
		dev.sendRST(hdr)
		return nil
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	key := vsockConnKey{guestPort: hdr.SrcPort, hostPort: hdr.DstPort}
	conn := dev.conns[key]
	if conn != nil {
		conn.updatePeerCredit(hdr)
	}

	switch hdr.Op {
	case vsockOpRequest:
		dev.handleRequestLocked(key, hdr)
	case vsockOpRW:
		if conn == nil {
			dev.sendRSTLocked(hdr)
			break
		}
		conn.deliver(payload)
	case vsockOpShutdown:
		if conn == nil {
			break
		}
		if hdr.Flags&vsockShutdownSend != 0 {
			conn.shutdownRecv()
		}
		if hdr.Flags&(vsockShutdownRecv|vsockShutdownSend) == vsockShutdownRecv|vsockShutdownSend {
			delete(dev.conns, key)
			dev.sendRSTLocked(hdr)
			conn.fail(io.EOF)
		}
	case vsockOpRST:
		if conn != nil {
			delete(dev.conns, key)
			conn.fail(net.ErrClosed)
		}
	case vsockOpCreditRequest:
		if conn != nil {
			dev.enqueueLocked(conn.header(vsockOpCreditUpdate, 0), nil)
		}
	case vsockOpCreditUpdate:
		// Credit was captured above.
	default:
		dev.logger.Warn("unexpected packet", "op", vsockOpName(hdr.Op), "port", hdr.DstPort)
		dev.sendRSTLocked(hdr)
	}

	return dev.flushRXLocked()
}

func (dev *VsockDevice) handleRequestLocked(key vsockConnKey, hdr vsockHeader) {
	handler, ok := dev.listeners[key.hostPort]
	if !ok {
		dev.sendRSTLocked(hdr)
		return
	}
	if _, exists := dev.conns[key]; exists {
		dev.sendRSTLocked(hdr)
		return
	}

	conn := newVsockConn(dev, key)
	conn.updatePeerCredit(hdr)
	dev.conns[key] = conn

	dev.enqueueLocked(conn.header(vsockOpResponse, 0), nil)
	go handler(conn)
}

func (dev *VsockDevice) sendRST(hdr vsockHeader) {
	dev.mu.Lock()
	dev.sendRSTLocked(hdr)
	_ = dev.flushRXLocked()
	dev.mu.Unlock()
}

func (dev *VsockDevice) sendRSTLocked(hdr vsockHeader) {
	rst := vsockHeader{
		SrcCID:  VsockCIDHost,
		DstCID:  hdr.SrcCID,
		SrcPort: hdr.DstPort,
		DstPort: hdr.SrcPort,
		Type:    vsockTypeStream,
		Op:      vsockOpRST,
	}
	dev.enqueueLocked(rst, nil)
}

// enqueueLocked queues a packet for delivery on the RX queue.
func (dev *VsockDevice) enqueueLocked(hdr vsockHeader, payload []byte) {
	hdr.Len = uint32(len(payload))
	packet := append(hdr.marshal(), payload...)
	dev.rxPending = append(dev.rxPending, packet)
}

func (dev *VsockDevice) flushRXLocked() error {
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

// sendAndFlush queues a packet and flushes it to the guest, for use off the
// notify path (connection writers).
func (dev *VsockDevice) sendAndFlush(hdr vsockHeader, payload []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.enqueueLocked(hdr, payload)
	return dev.flushRXLocked()
}

// vsockConn is one stream connection, implementing net.Conn for handlers.
type vsockConn struct {
	dev *VsockDevice
	key vsockConnKey

	mu   sync.Mutex
	cond *sync.Cond

	rxBuf    []byte
	rxClosed bool
	err      error

	txCnt        uint32
	fwdCnt       uint32
	peerBufAlloc uint32
	peerFwdCnt   uint32

	readDeadline  time.Time
	writeDeadline time.Time
}

func newVsockConn(dev *VsockDevice, key vsockConnKey) *vsockConn {
	conn := &vsockConn{dev: dev, key: key}
	conn.cond = sync.NewCond(&conn.mu)
	return conn
}

func (c *vsockConn) header(op uint16, length uint32) vsockHeader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headerLocked(op, length)
}

func (c *vsockConn) headerLocked(op uint16, length uint32) vsockHeader {
	return vsockHeader{
		SrcCID:   VsockCIDHost,
		DstCID:   c.dev.guestCID,
		SrcPort:  c.key.hostPort,
		DstPort:  c.key.guestPort,
		Len:      length,
		Type:     vsockTypeStream,
		Op:       op,
		BufAlloc: vsockBufAlloc,
		FwdCnt:   c.fwdCnt,
	}
}

func (c *vsockConn) updatePeerCredit(hdr vsockHeader) {
	c.mu.Lock()
	c.peerBufAlloc = hdr.BufAlloc
	c.peerFwdCnt = hdr.FwdCnt
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *vsockConn) peerCreditLocked() uint32 {
	return c.peerBufAlloc - (c.txCnt - c.peerFwdCnt)
}

func (c *vsockConn) deliver(payload []byte) {
	c.mu.Lock()
	c.rxBuf = append(c.rxBuf, payload...)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *vsockConn) shutdownRecv() {
	c.mu.Lock()
	c.rxClosed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *vsockConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.rxClosed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Read implements net.Conn.
func (c *vsockConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for len(c.rxBuf) == 0 {
		if c.err != nil && c.err != io.EOF {
			err := c.err
			c.mu.Unlock()
			return 0, err
		}
		if c.rxClosed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		if !c.readDeadline.IsZero() && !time.Now().Before(c.readDeadline) {
			c.mu.Unlock()
			return 0, os.ErrDeadlineExceeded
		}
		c.waitLocked(c.readDeadline)
	}

	n := copy(p, c.rxBuf)
	c.rxBuf = c.rxBuf[n:]
	c.fwdCnt += uint32(n)
	hdr := c.headerLocked(vsockOpCreditUpdate, 0)
	c.mu.Unlock()

	// Tell the guest the buffer drained so it keeps sending.
	_ = c.dev.sendAndFlush(hdr, nil)
	return n, nil
}

// Write implements net.Conn. It blocks while the guest has no receive
// credit.
func (c *vsockConn) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		c.mu.Lock()
		for c.err == nil && c.peerCreditLocked() == 0 {
			if !c.writeDeadline.IsZero() && !time.Now().Before(c.writeDeadline) {
				c.mu.Unlock()
				return written, os.ErrDeadlineExceeded
			}
			c.waitLocked(c.writeDeadline)
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return written, err
		}

		chunk := len(p) - written
		if chunk > vsockMaxPayload {
			chunk = vsockMaxPayload
		}
		if credit := int(c.peerCreditLocked()); chunk > credit {
			chunk = credit
		}
		c.txCnt += uint32(chunk)
		hdr := c.headerLocked(vsockOpRW, uint32(chunk))
		c.mu.Unlock()

		if err := c.dev.sendAndFlush(hdr, p[written:written+chunk]); err != nil {
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// waitLocked waits on the condition, waking at the deadline if one is set.
func (c *vsockConn) waitLocked(deadline time.Time) {
	if !deadline.IsZero() {
		timer := time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
		defer timer.Stop()
	}
	c.cond.Wait()
}

// Close implements net.Conn.
func (c *vsockConn) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = net.ErrClosed
	}
	c.rxClosed = true
	hdr := c.headerLocked(vsockOpShutdown, 0)
	hdr.Flags = vsockShutdownRecv | vsockShutdownSend
	c.mu.Unlock()
	c.cond.Broadcast()

	c.dev.mu.Lock()
	delete(c.dev.conns, c.key)
	c.dev.mu.Unlock()

	return c.dev.sendAndFlush(hdr, nil)
}

type vsockAddr struct {
	cid  uint64
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("%d:%d", a.cid, a.port) }

// LocalAddr implements net.Conn.
func (c *vsockConn) LocalAddr() net.Addr {
	return vsockAddr{cid: VsockCIDHost, port: c.key.hostPort}
}

// RemoteAddr implements net.Conn.
func (c *vsockConn) RemoteAddr() net.Addr {
	return vsockAddr{cid: c.dev.guestCID, port: c.key.guestPort}
}

// SetDeadline implements net.Conn.
func (c *vsockConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *vsockConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *vsockConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

var (
	_ DeviceHandler = &VsockDevice{}
	_ net.Conn      = &vsockConn{}
)
