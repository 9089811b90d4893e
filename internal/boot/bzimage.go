// Package boot loads a Linux bzImage into guest memory following the x86
// boot protocol and prepares the register state handed to the boot vCPU.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrLoad marks any failure to parse or place the guest kernel.
var ErrLoad = errors.New("boot: load failed")

const (
	setupHeaderOffset  = 497
	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201

	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	heapEndPtrOffset          = setupHeaderOffset + 51
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111
)

// SetupHeader holds the fields of the bzImage setup header the loader needs.
type SetupHeader struct {
	SetupSectors      uint8
	ProtocolVersion   uint16
	LoadFlags         uint8
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
}

// KernelImage is a parsed bzImage.
type KernelImage struct {
	data          []byte
	header        SetupHeader
	headerBytes   []byte
	payloadOffset int
}

// ParseBzImage reads and validates a Linux bzImage.
func ParseBzImage(kernel io.ReaderAt, size int64) (*KernelImage, error) {
	data, err := io.ReadAll(io.NewSectionReader(kernel, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: reading kernel image: %v", ErrLoad, err)
	}

	if len(data) < headerMagicOffset+4 {
		return nil, fmt.Errorf("%w: kernel image too small (%d bytes)", ErrLoad, len(data))
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, fmt.Errorf("%w: missing HdrS signature", ErrLoad)
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) || headerEnd <= setupHeaderOffset {
		return nil, fmt.Errorf("%w: setup header length %d invalid", ErrLoad, headerLength)
	}

	img := &KernelImage{
		data:        data,
		headerBytes: append([]byte(nil), data[setupHeaderOffset:headerEnd]...),
	}

	hdr := &img.header
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])

	// The boot protocol grew the fields we rely on by 2.06.
	if hdr.ProtocolVersion < 0x206 {
		return nil, fmt.Errorf("%w: boot protocol %#x too old", ErrLoad, hdr.ProtocolVersion)
	}

	img.payloadOffset = 512 * (1 + int(hdr.SetupSectors))
	if img.payloadOffset > len(data) {
		return nil, fmt.Errorf("%w: payload offset %d exceeds image size %d", ErrLoad, img.payloadOffset, len(data))
	}

	return img, nil
}

// Header returns the parsed setup header.
func (k *KernelImage) Header() SetupHeader { return k.header }

// Payload returns the protected-mode kernel payload.
func (k *KernelImage) Payload() []byte { return k.data[k.payloadOffset:] }

// LoadAddress picks the payload load address: the preferred address when the
// kernel is not relocatable, otherwise 1 MiB rounded up to the kernel's
// alignment.
func (k *KernelImage) LoadAddress() uint64 {
	if k.header.RelocatableKernel == 0 && k.header.PrefAddress != 0 {
		return k.header.PrefAddress
	}
	addr := uint64(0x00100000)
	align := uint64(k.header.KernelAlignment)
	if align == 0 {
		align = 0x200000
	}
	return alignUp(addr, align)
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
