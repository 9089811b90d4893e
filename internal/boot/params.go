package boot

import (
	"encoding/binary"
	"fmt"

	"github.com/cratevm/crate/internal/hv"
)

const (
	zeroPageSize = 4096

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	e820EntrySize  = 20
	e820MaxEntries = 128

	e820TypeRAM      = 1
	e820TypeReserved = 2

	typeOfLoaderUndefined = 0xff
	canUseHeapFlag        = 1 << 7
)

// E820Entry is one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// DefaultE820 builds the memory map for boot RAM covering [base, base+size),
// reserving the legacy EBDA and BIOS windows.
func DefaultE820(base, size uint64) []E820Entry {
	const (
		isaMemEnd    = 0x0009f000
		biosStart    = 0x000f0000
		biosEnd      = 0x00100000
		bootPageSize = 0x1000
	)

	end := alignDown(base+size, bootPageSize)
	base = alignDown(base, bootPageSize)
	if end <= base {
		return nil
	}

	var entries []E820Entry
	if low := min(end, isaMemEnd); low > base {
		entries = append(entries, E820Entry{Addr: base, Size: low - base, Type: e820TypeRAM})
	}
	if end > isaMemEnd {
		resStart := max(base, isaMemEnd)
		resEnd := min(end, biosEnd)
		if resEnd > resStart {
			entries = append(entries, E820Entry{Addr: resStart, Size: resEnd - resStart, Type: e820TypeReserved})
		}
	}
	if high := max(base, biosEnd); end > high {
		entries = append(entries, E820Entry{Addr: high, Size: end - high, Type: e820TypeRAM})
	}
	if len(entries) == 0 {
		entries = append(entries, E820Entry{Addr: base, Size: end - base, Type: e820TypeRAM})
	}
	return entries
}

// writeBootParams fills the boot_params page and the command line in guest
// memory.
func (k *KernelImage) writeBootParams(vm hv.VirtualMachine, zeroPageGPA, cmdlineGPA uint64, cmdline string, initrdGPA uint64, initrdSize uint32, e820 []E820Entry) error {
	zp := make([]byte, zeroPageSize)

	if len(k.headerBytes) > zeroPageSize-setupHeaderOffset {
		return fmt.Errorf("%w: setup header larger than boot params page", ErrLoad)
	}
	copy(zp[setupHeaderOffset:], k.headerBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], headerMagic)
	zp[typeOfLoaderOffset] = typeOfLoaderUndefined

	loadFlags := zp[loadFlagsOffset] | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags
	heapEnd := uint16(0x9800)
	if loadFlags&0x1 != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdlineGPA>>32))

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(initrdGPA>>32))
	}

	if len(e820) == 0 || len(e820) > e820MaxEntries {
		return fmt.Errorf("%w: e820 map has %d entries", ErrLoad, len(e820))
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if k.header.CmdlineSize != 0 && len(cmdline) > int(k.header.CmdlineSize) {
		return fmt.Errorf("%w: command line length %d exceeds kernel limit %d", ErrLoad, len(cmdline), k.header.CmdlineSize)
	}
	if _, err := vm.WriteAt(append([]byte(cmdline), 0), int64(cmdlineGPA)); err != nil {
		return fmt.Errorf("%w: writing command line: %v", ErrLoad, err)
	}

	if _, err := vm.WriteAt(zp, int64(zeroPageGPA)); err != nil {
		return fmt.Errorf("%w: writing boot params page: %v", ErrLoad, err)
	}
	return nil
}
