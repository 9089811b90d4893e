package virtio

import (
	"encoding/binary"
	"fmt"
)

const (
	vsockHeaderSize = 44

	// Well-known context IDs.
	VsockCIDHost = 2

	vsockTypeStream = 1

	vsockOpInvalid       = 0
	vsockOpRequest       = 1
	vsockOpResponse      = 2
	vsockOpRST           = 3
	vsockOpShutdown      = 4
	vsockOpRW            = 5
	vsockOpCreditUpdate  = 6
	vsockOpCreditRequest = 7

	vsockShutdownRecv = 1 << 0
	vsockShutdownSend = 1 << 1
)

// vsockHeader is the packet header preceding every vsock payload. All fields
// are little-endian on the wire.
type vsockHeader struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Len      uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
}

func parseVsockHeader(data []byte) (vsockHeader, error) {
	if len(data) < vsockHeaderSize {
		return vsockHeader{}, fmt.Errorf("vsock packet too short: %d bytes", len(data))
	}
	return vsockHeader{
		SrcCID:   binary.LittleEndian.Uint64(data[0:8]),
		DstCID:   binary.LittleEndian.Uint64(data[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(data[16:20]),
		DstPort:  binary.LittleEndian.Uint32(data[20:24]),
		Len:      binary.LittleEndian.Uint32(data[24:28]),
		Type:     binary.LittleEndian.Uint16(data[28:30]),
		Op:       binary.LittleEndian.Uint16(data[30:32]),
		Flags:    binary.LittleEndian.Uint32(data[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(data[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(data[40:44]),
	}, nil
}

func (h vsockHeader) marshal() []byte {
	buf := make([]byte, vsockHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.SrcCID)
	binary.LittleEndian.PutUint64(buf[8:16], h.DstCID)
	binary.LittleEndian.PutUint32(buf[16:20], h.SrcPort)
	binary.LittleEndian.PutUint32(buf[20:24], h.DstPort)
	binary.LittleEndian.PutUint32(buf[24:28], h.Len)
	binary.LittleEndian.PutUint16(buf[28:30], h.Type)
	binary.LittleEndian.PutUint16(buf[30:32], h.Op)
	binary.LittleEndian.PutUint32(buf[32:36], h.Flags)
	binary.LittleEndian.PutUint32(buf[36:40], h.BufAlloc)
	binary.LittleEndian.PutUint32(buf[40:44], h.FwdCnt)
	return buf
}

func vsockOpName(op uint16) string {
	switch op {
	case vsockOpRequest:
		return "REQUEST"
	case vsockOpResponse:
		return "RESPONSE"
	case vsockOpRST:
		return "RST"
	case vsockOpShutdown:
		return "SHUTDOWN"
	case vsockOpRW:
		return "RW"
	case vsockOpCreditUpdate:
		return "CREDIT_UPDATE"
	case vsockOpCreditRequest:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}
