package acpi

import (
	"bytes"
	"encoding/binary"
)

var (
	oemID      = [6]byte{'C', 'R', 'A', 'T', 'E', ' '}
	oemTableID = [8]byte{'C', 'R', 'A', 'T', 'E', 'V', 'M', 'M'}
	creatorID  = [4]byte{'C', 'R', 'T', 'E'}
)

// tableSet accumulates tables back to back, 8-byte aligned, and hands out
// the guest physical address of each.
type tableSet struct {
	buf  bytes.Buffer
	base uint64
}

func newTableSet(base uint64) *tableSet {
	return &tableSet{base: base}
}

// add appends one table with the standard 36-byte header and returns its
// guest physical address.
func (s *tableSet) add(signature string, revision uint8, body []byte) uint64 {
	start := s.buf.Len()

	header := make([]byte, 36)
	copy(header[0:4], signature)
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(body)))
	header[8] = revision
	copy(header[10:16], oemID[:])
	copy(header[16:24], oemTableID[:])
	binary.LittleEndian.PutUint32(header[24:28], 1)
	copy(header[28:32], creatorID[:])
	binary.LittleEndian.PutUint32(header[32:36], 1)

	s.buf.Write(header)
	s.buf.Write(body)

	table := s.buf.Bytes()[start:]
	table[9] = checksum(table)

	if pad := s.buf.Len() % 8; pad != 0 {
		s.buf.Write(make([]byte, 8-pad))
	}
	return s.base + uint64(start)
}

func (s *tableSet) bytes() []byte { return s.buf.Bytes() }

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return 0 - sum
}

// buildMADT emits the APIC table: one enabled LAPIC per boot CPU, an
// online-capable LAPIC for every hot-addable id, the IO-APIC, and the ISA
// overrides.
func buildMADT(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(defaultLAPICBase))
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PC-AT compatible

	for id := 0; id < cfg.MaxCPUs; id++ {
		flags := uint32(1) // enabled
		if id >= cfg.BootCPUs {
			flags = 2 // online capable
		}
		buf.WriteByte(0) // LAPIC
		buf.WriteByte(8)
		buf.WriteByte(byte(id))
		buf.WriteByte(byte(id))
		binary.Write(buf, binary.LittleEndian, flags)
	}

	buf.WriteByte(1) // IO-APIC
	buf.WriteByte(12)
	buf.WriteByte(0) // id
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, uint32(defaultIOAPICBase))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // GSI base

	for _, ovr := range cfg.Overrides {
		buf.WriteByte(2) // interrupt source override
		buf.WriteByte(10)
		buf.WriteByte(0) // ISA bus
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	return buf.Bytes()
}

// buildFADT emits a minimal hardware-reduced-ish FADT: no PM blocks, a
// reset register at 0xcf9, and the DSDT pointer in both the 32-bit and
// 64-bit fields.
func buildFADT(dsdtAddr uint64) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(0)) // FACS
	binary.Write(buf, binary.LittleEndian, uint32(dsdtAddr))

	buf.WriteByte(0)
	buf.WriteByte(1)                                  // preferred profile: desktop
	binary.Write(buf, binary.LittleEndian, uint16(9)) // SCI
	binary.Write(buf, binary.LittleEndian, uint32(0)) // SMI_CMD
	buf.Write(make([]byte, 4))                        // ACPI enable/disable, S4BIOS, PSTATE

	buf.Write(make([]byte, 8*4)) // PM block addresses
	buf.Write(make([]byte, 7))   // PM block lengths, GPE1 base

	buf.Write(make([]byte, 1+2*4+5)) // CST, latencies, flush, duty, alarms

	binary.Write(buf, binary.LittleEndian, uint16(3)) // boot arch: legacy + 8042
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, uint32(1<<20)) // flags: HW_REDUCED off, RESET_REG_SUP

	buf.Write([]byte{1, 8, 0, 0}) // reset register GAS: system IO, 8 bits
	binary.Write(buf, binary.LittleEndian, uint64(0xcf9))
	buf.WriteByte(6) // reset value
	binary.Write(buf, binary.LittleEndian, uint16(0))
	buf.WriteByte(1)                                  // minor version
	binary.Write(buf, binary.LittleEndian, uint64(0)) // X_FACS
	binary.Write(buf, binary.LittleEndian, dsdtAddr)  // X_DSDT

	// Pad to the ACPI 5 FADT length.
	for buf.Len()+36 < 244 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func buildXSDT(entries ...uint64) []byte {
	buf := &bytes.Buffer{}
	for _, e := range entries {
		binary.Write(buf, binary.LittleEndian, e)
	}
	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64) []byte {
	rsdp := make([]byte, 36)
	copy(rsdp[0:8], "RSD PTR ")
	copy(rsdp[9:15], oemID[:])
	rsdp[15] = 2 // ACPI 2.0+, XSDT only
	binary.LittleEndian.PutUint32(rsdp[20:24], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:32], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
