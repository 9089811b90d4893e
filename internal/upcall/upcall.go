// Package upcall implements the host-to-guest control channel used to drive
// hotplug from inside the guest. It speaks a small framed protocol over a
// reserved vsock port served by a guest kernel agent.
package upcall

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Port is the vsock port reserved for the control channel.
const Port = 0xDB

const (
	messageMagic = 0x43555043 // "CPUC"

	headerSize = 16

	// DefaultTimeout bounds a request when the caller's context carries no
	// deadline.
	DefaultTimeout = 10 * time.Second
)

// Request operations understood by the guest agent.
const (
	OpAddCPU           uint16 = 1
	OpRemoveCPU        uint16 = 2
	OpAddMMIODevice    uint16 = 3
	OpRemoveMMIODevice uint16 = 4

	opResponseBit uint16 = 0x8000
)

// Result codes returned by the guest agent.
const (
	ResultOK     uint32 = 0
	ResultFailed uint32 = 1
	ResultBusy   uint32 = 2
)

var (
	// ErrTimeout reports that the guest did not answer in time. The caller
	// decides how to reconcile state.
	ErrTimeout = errors.New("upcall: request timed out")
	// ErrProtocol reports a malformed or out-of-sequence reply.
	ErrProtocol = errors.New("upcall: protocol violation")
	// ErrNotConnected reports that the guest agent has not connected yet.
	ErrNotConnected = errors.New("upcall: guest agent not connected")
	// ErrRemoteFailed reports that the guest executed the request and
	// refused it.
	ErrRemoteFailed = errors.New("upcall: request failed in guest")
)

// Client is the host end of the control channel. A single request may be
// outstanding at a time; callers serialize on the client.
type Client struct {
	log *slog.Logger

	mu   sync.Mutex // held for the duration of one request
	conn atomic.Pointer[net.Conn]
	seq  atomic.Uint32
}

// NewClient creates a disconnected client. Connect it by registering
// HandleConnection as the listener for Port on the vsock device.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{log: logger.With("component", "upcall")}
}

// Connected reports whether the guest agent has an open channel.
func (c *Client) Connected() bool { return c.conn.Load() != nil }

// HandleConnection adopts a guest connection. Only Call reads from the
// channel; a reconnect replaces the previous connection.
func (c *Client) HandleConnection(conn net.Conn) {
	old := c.conn.Swap(&conn)
	if old != nil {
		(*old).Close()
	}
	c.log.Info("guest agent connected")
}

// Disconnect drops the current guest connection, if any.
func (c *Client) Disconnect() {
	if old := c.conn.Swap(nil); old != nil {
		(*old).Close()
	}
}

// Call sends one request and waits for the matching reply.
func (c *Client) Call(ctx context.Context, op uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	connPtr := c.conn.Load()
	if connPtr == nil {
		return ErrNotConnected
	}
	conn := *connPtr

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("upcall: setting deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	seq := c.seq.Add(1)

	msg := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(msg[0:4], messageMagic)
	binary.LittleEndian.PutUint32(msg[4:8], seq)
	binary.LittleEndian.PutUint16(msg[8:10], op)
	binary.LittleEndian.PutUint32(msg[12:16], uint32(len(payload)))
	copy(msg[headerSize:], payload)

	if _, err := conn.Write(msg); err != nil {
		return c.wrapIOError("write", err)
	}

	for {
		var resp [headerSize + 4]byte
		if _, err := io.ReadFull(conn, resp[:]); err != nil {
			return c.wrapIOError("read", err)
		}

		if binary.LittleEndian.Uint32(resp[0:4]) != messageMagic {
			return fmt.Errorf("%w: bad magic in reply", ErrProtocol)
		}
		got := binary.LittleEndian.Uint32(resp[4:8])
		if got < seq {
			// A late answer to an earlier request that already timed out.
			// Drain it so one slow reply does not wedge the channel.
			c.log.Debug("discarding stale reply", "seq", got, "want", seq)
			continue
		}
		if got != seq {
			return fmt.Errorf("%w: reply sequence %d, want %d", ErrProtocol, got, seq)
		}
		if got := binary.LittleEndian.Uint16(resp[8:10]); got != op|opResponseBit {
			return fmt.Errorf("%w: reply op %#x for request %#x", ErrProtocol, got, op)
		}

		switch result := binary.LittleEndian.Uint32(resp[headerSize:]); result {
		case ResultOK:
			return nil
		case ResultBusy:
			return fmt.Errorf("%w: agent busy", ErrRemoteFailed)
		default:
			return fmt.Errorf("%w: result %d", ErrRemoteFailed, result)
		}
	}
}

func (c *Client) wrapIOError(stage string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, stage)
	}
	return fmt.Errorf("upcall: %s: %w", stage, err)
}

// AddCPU asks the guest to online a vCPU by APIC ID.
func (c *Client) AddCPU(ctx context.Context, apicID uint32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], apicID)
	return c.Call(ctx, OpAddCPU, payload[:])
}

// RemoveCPU asks the guest to offline a vCPU by APIC ID.
func (c *Client) RemoveCPU(ctx context.Context, apicID uint32) error {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], apicID)
	return c.Call(ctx, OpRemoveCPU, payload[:])
}

// AddMMIODevice announces a hot-added virtio-mmio window to the guest.
func (c *Client) AddMMIODevice(ctx context.Context, base uint64, size uint64, irq uint32) error {
	var payload [20]byte
	binary.LittleEndian.PutUint64(payload[0:8], base)
	binary.LittleEndian.PutUint64(payload[8:16], size)
	binary.LittleEndian.PutUint32(payload[16:20], irq)
	return c.Call(ctx, OpAddMMIODevice, payload[:])
}

// RemoveMMIODevice asks the guest to release a virtio-mmio window.
func (c *Client) RemoveMMIODevice(ctx context.Context, base uint64) error {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], base)
	return c.Call(ctx, OpRemoveMMIODevice, payload[:])
}
