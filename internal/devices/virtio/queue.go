package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2

	availFlagNoInterrupt = 1 << 0

	descSize     = 16
	usedElemSize = 8

	// maxChainLength caps descriptor chain walks to defend against rings
	// that loop.
	maxChainLength = 1024
)

// ErrQueueNotReady is returned when a queue is used before the driver marks
// it ready.
var ErrQueueNotReady = errors.New("virtio: queue not ready")

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// Queue is one virtqueue of a device. The split ring layout lives in guest
// memory at the addresses the driver programmed.
type Queue struct {
	dev   *MMIODevice
	index int

	size    uint32
	maxSize uint32
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

// Index returns the queue's position in the device.
func (q *Queue) Index() int { return q.index }

// Size returns the queue size the driver negotiated.
func (q *Queue) Size() uint32 { return q.size }

// Ready reports whether the driver enabled the queue.
func (q *Queue) Ready() bool { return q.ready }

func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte
	if _, err := q.dev.mem.ReadAt(buf[:], int64(q.availAddr+2)); err != nil {
		return 0, fmt.Errorf("reading avail index: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) availFlags() (uint16, error) {
	var buf [2]byte
	if _, err := q.dev.mem.ReadAt(buf[:], int64(q.availAddr)); err != nil {
		return 0, fmt.Errorf("reading avail flags: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) availEntry(slot uint16) (uint16, error) {
	var buf [2]byte
	off := q.availAddr + 4 + uint64(slot%uint16(q.size))*2
	if _, err := q.dev.mem.ReadAt(buf[:], int64(off)); err != nil {
		return 0, fmt.Errorf("reading avail ring: %w", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) readDescriptor(index uint16) (descriptor, error) {
	var buf [descSize]byte
	off := q.descAddr + uint64(index)*descSize
	if _, err := q.dev.mem.ReadAt(buf[:], int64(off)); err != nil {
		return descriptor{}, fmt.Errorf("reading descriptor %d: %w", index, err)
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) pushUsed(head uint16, written uint32) error {
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)

	off := q.usedAddr + 4 + uint64(q.usedIdx%uint16(q.size))*usedElemSize
	if _, err := q.dev.mem.WriteAt(elem[:], int64(off)); err != nil {
		return fmt.Errorf("writing used ring: %w", err)
	}

	q.usedIdx++

	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	if _, err := q.dev.mem.WriteAt(idx[:], int64(q.usedAddr+2)); err != nil {
		return fmt.Errorf("writing used index: %w", err)
	}
	return nil
}

// Chain is one descriptor chain popped from the available ring.
type Chain struct {
	q    *Queue
	head uint16
	desc []descriptor
}

// PopChain returns the next available descriptor chain, or ok=false when the
// ring is drained.
func (q *Queue) PopChain() (chain *Chain, ok bool, err error) {
	if !q.ready {
		return nil, false, ErrQueueNotReady
	}

	idx, err := q.availIdx()
	if err != nil {
		return nil, false, err
	}
	if q.lastAvailIdx == idx {
		return nil, false, nil
	}

	head, err := q.availEntry(q.lastAvailIdx)
	if err != nil {
		return nil, false, err
	}
	q.lastAvailIdx++

	chain = &Chain{q: q, head: head}
	next := head
	for {
		if len(chain.desc) >= maxChainLength {
			return nil, false, fmt.Errorf("descriptor chain at %d exceeds %d entries", head, maxChainLength)
		}
		desc, err := q.readDescriptor(next)
		if err != nil {
			return nil, false, err
		}
		chain.desc = append(chain.desc, desc)
		if desc.flags&descFlagNext == 0 {
			break
		}
		next = desc.next
	}
	return chain, true, nil
}

// ReadableSize returns the total bytes of device-readable buffers.
func (c *Chain) ReadableSize() int {
	var total int
	for _, d := range c.desc {
		if d.flags&descFlagWrite == 0 {
			total += int(d.len)
		}
	}
	return total
}

// WritableSize returns the total bytes of device-writable buffers.
func (c *Chain) WritableSize() int {
	var total int
	for _, d := range c.desc {
		if d.flags&descFlagWrite != 0 {
			total += int(d.len)
		}
	}
	return total
}

// ReadAll returns the concatenated contents of the device-readable buffers.
func (c *Chain) ReadAll() ([]byte, error) {
	out := make([]byte, 0, c.ReadableSize())
	for _, d := range c.desc {
		if d.flags&descFlagWrite != 0 {
			continue
		}
		buf := make([]byte, d.len)
		if _, err := c.q.dev.mem.ReadAt(buf, int64(d.addr)); err != nil {
			return nil, fmt.Errorf("reading chain buffer: %w", err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// Read copies device-readable bytes starting at offset into data.
func (c *Chain) Read(data []byte, offset int) (int, error) {
	var copied int
	for _, d := range c.desc {
		if d.flags&descFlagWrite != 0 {
			continue
		}
		length := int(d.len)
		if offset >= length {
			offset -= length
			continue
		}
		want := length - offset
		if want > len(data)-copied {
			want = len(data) - copied
		}
		if want == 0 {
			break
		}
		if _, err := c.q.dev.mem.ReadAt(data[copied:copied+want], int64(d.addr)+int64(offset)); err != nil {
			return copied, fmt.Errorf("reading chain buffer: %w", err)
		}
		copied += want
		offset = 0
		if copied == len(data) {
			break
		}
	}
	return copied, nil
}

// Write fills the device-writable buffers with data, in descriptor order,
// and returns the number of bytes written.
func (c *Chain) Write(data []byte) (int, error) {
	var written int
	for _, d := range c.desc {
		if d.flags&descFlagWrite == 0 {
			continue
		}
		want := int(d.len)
		if want > len(data)-written {
			want = len(data) - written
		}
		if want == 0 {
			break
		}
		if _, err := c.q.dev.mem.WriteAt(data[written:written+want], int64(d.addr)); err != nil {
			return written, fmt.Errorf("writing chain buffer: %w", err)
		}
		written += want
	}
	if written < len(data) {
		return written, fmt.Errorf("chain too small: wrote %d of %d bytes", written, len(data))
	}
	return written, nil
}

// WriteAt fills device-writable buffers starting at offset bytes into the
// writable area.
func (c *Chain) WriteAt(data []byte, offset int) (int, error) {
	var written int
	for _, d := range c.desc {
		if d.flags&descFlagWrite == 0 {
			continue
		}
		length := int(d.len)
		if offset >= length {
			offset -= length
			continue
		}
		want := length - offset
		if want > len(data)-written {
			want = len(data) - written
		}
		if want == 0 {
			break
		}
		if _, err := c.q.dev.mem.WriteAt(data[written:written+want], int64(d.addr)+int64(offset)); err != nil {
			return written, fmt.Errorf("writing chain buffer: %w", err)
		}
		written += want
		offset = 0
		if written == len(data) {
			break
		}
	}
	return written, nil
}

// Release returns the chain to the used ring with the number of bytes the
// device wrote, and interrupts the guest unless suppressed.
func (c *Chain) Release(written uint32) error {
	if err := c.q.pushUsed(c.head, written); err != nil {
		return err
	}

	flags, err := c.q.availFlags()
	if err != nil {
		return err
	}
	if flags&availFlagNoInterrupt == 0 {
		c.q.dev.RaiseInterrupt()
	}
	return nil
}

// DrainQueue pops every available chain and passes it to process. The
// callback releases the chain itself.
func DrainQueue(q *Queue, process func(*Chain) error) error {
	for {
		chain, ok, err := q.PopChain()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := process(chain); err != nil {
			return err
		}
	}
}
