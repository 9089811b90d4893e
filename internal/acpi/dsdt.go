package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AML opcodes used below.
const (
	amlNameOp       = 0x08
	amlBytePrefix   = 0x0a
	amlStringPrefix = 0x0d
	amlScopeOp      = 0x10
	amlBufferOp     = 0x11
	amlExtOpPrefix  = 0x5b
	amlDeviceOp     = 0x82
)

// buildDSDT emits a \_SB scope holding the legacy UARTs and one LNRO0005
// device per virtio-mmio window, each with a _CRS the kernel's virtio-mmio
// driver binds to.
func buildDSDT(cfg Config) []byte {
	scope := &bytes.Buffer{}
	scope.WriteString("\\_SB_")

	for i, uart := range cfg.UARTs {
		dev := &bytes.Buffer{}
		fmt.Fprintf(dev, "COM%d", i)
		amlNameString(dev, "_HID", "PNP0501")
		amlNameCRS(dev, uartResources(uart))
		scope.Write(amlDevice(dev.Bytes()))
	}

	for i, win := range cfg.Virtio {
		dev := &bytes.Buffer{}
		fmt.Fprintf(dev, "VIO%d", i)
		amlNameString(dev, "_HID", "LNRO0005")
		dev.WriteByte(amlNameOp)
		dev.WriteString("_UID")
		dev.WriteByte(amlBytePrefix)
		dev.WriteByte(byte(i))
		amlNameCRS(dev, virtioResources(win))
		scope.Write(amlDevice(dev.Bytes()))
	}

	var out bytes.Buffer
	out.WriteByte(amlScopeOp)
	out.Write(pkgLength(scope.Len()))
	out.Write(scope.Bytes())
	return out.Bytes()
}

// uartResources is an IO port descriptor plus IRQNoFlags.
func uartResources(uart UARTPort) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(0x47) // IO port descriptor, 7 bytes
	buf.WriteByte(0x01) // 16-bit decode
	binary.Write(buf, binary.LittleEndian, uart.Base)
	binary.Write(buf, binary.LittleEndian, uart.Base)
	buf.WriteByte(0x00) // alignment
	buf.WriteByte(0x08) // length
	buf.WriteByte(0x22) // IRQ descriptor, 2 bytes
	binary.Write(buf, binary.LittleEndian, uint16(1)<<uart.IRQ)
	buf.Write([]byte{0x79, 0x00}) // end tag
	return buf.Bytes()
}

// virtioResources is Memory32Fixed plus an extended interrupt descriptor.
func virtioResources(win VirtioWindow) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(0x86) // Memory32Fixed
	buf.WriteByte(0x09)
	buf.WriteByte(0x00)
	buf.WriteByte(0x01) // read-write
	binary.Write(buf, binary.LittleEndian, uint32(win.Base))
	binary.Write(buf, binary.LittleEndian, uint32(win.Size))

	buf.WriteByte(0x89) // extended interrupt
	buf.WriteByte(0x06)
	buf.WriteByte(0x00)
	buf.WriteByte(0x09) // consumer, level, active high
	buf.WriteByte(0x01)
	binary.Write(buf, binary.LittleEndian, win.GSI)

	buf.Write([]byte{0x79, 0x00})
	return buf.Bytes()
}

// amlNameString emits Name(name, "value").
func amlNameString(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(amlNameOp)
	buf.WriteString(name)
	buf.WriteByte(amlStringPrefix)
	buf.WriteString(value)
	buf.WriteByte(0x00)
}

// amlNameCRS emits Name(_CRS, Buffer(...) { resources }).
func amlNameCRS(buf *bytes.Buffer, resources []byte) {
	buf.WriteByte(amlNameOp)
	buf.WriteString("_CRS")

	body := &bytes.Buffer{}
	body.WriteByte(amlBytePrefix)
	body.WriteByte(byte(len(resources)))
	body.Write(resources)

	buf.WriteByte(amlBufferOp)
	buf.Write(pkgLength(body.Len()))
	buf.Write(body.Bytes())
}

func amlDevice(body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(amlExtOpPrefix)
	out.WriteByte(amlDeviceOp)
	out.Write(pkgLength(len(body)))
	out.Write(body)
	return out.Bytes()
}

// pkgLength encodes an AML PkgLength covering itself plus body.
func pkgLength(bodyLen int) []byte {
	if bodyLen+1 < 0x40 {
		return []byte{byte(bodyLen + 1)}
	}
	total := bodyLen + 2
	return []byte{0x40 | byte(total&0x0f), byte(total >> 4)}
}
