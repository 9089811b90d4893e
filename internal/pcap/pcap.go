// Package pcap writes classic libpcap capture files. The netstack uses it
// to record guest ethernet frames for offline inspection with tcpdump or
// wireshark.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	magicLE      = 0xa1b2c3d4
	versionMajor = 2
	versionMinor = 4

	// LinkEthernet is the DLT for ethernet frames.
	LinkEthernet = 1

	// DefaultSnapLen keeps whole frames; anything longer is truncated.
	DefaultSnapLen = 65535
)

// Writer emits one capture stream. Not safe for concurrent use; callers
// serialize.
type Writer struct {
	w       io.Writer
	snapLen uint32
}

// NewWriter writes the global header and returns a ready writer. snapLen 0
// means DefaultSnapLen.
func NewWriter(w io.Writer, linkType uint32, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicLE)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: writing file header: %w", err)
	}
	return &Writer{w: w, snapLen: snapLen}, nil
}

// WritePacket appends one record, truncated to the snap length. The record
// keeps the original frame length so truncation is visible to readers.
func (w *Writer) WritePacket(ts time.Time, frame []byte) error {
	captured := len(frame)
	if uint32(captured) > w.snapLen {
		captured = int(w.snapLen)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(captured))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: writing record header: %w", err)
	}
	if _, err := w.w.Write(frame[:captured]); err != nil {
		return fmt.Errorf("pcap: writing frame: %w", err)
	}
	return nil
}
