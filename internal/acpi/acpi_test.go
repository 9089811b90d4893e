package acpi

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type guestMem []byte

func (m guestMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func install(t *testing.T, cfg Config) guestMem {
	t.Helper()
	mem := make(guestMem, 1<<20)
	if err := Install(mem, cfg); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return mem
}

// parseTables walks the table region and maps signature to address.
func parseTables(t *testing.T, mem guestMem) map[string]uint64 {
	t.Helper()
	tables := make(map[string]uint64)
	addr := uint64(tablesBase)
	for addr < tablesLimit {
		hdr := mem[addr : addr+36]
		sig := string(hdr[0:4])
		if sig == "\x00\x00\x00\x00" {
			break
		}
		length := uint64(binary.LittleEndian.Uint32(hdr[4:8]))
		if length < 36 {
			t.Fatalf("table %q has length %d", sig, length)
		}
		if got := checksum(mem[addr : addr+length]); got != 0 {
			t.Errorf("table %q checksum residue %#x", sig, got)
		}
		tables[sig] = addr
		addr += length
		if pad := addr % 8; pad != 0 {
			addr += 8 - pad
		}
	}
	return tables
}

func TestInstallProducesLinkedTables(t *testing.T) {
	mem := install(t, Config{BootCPUs: 2, MaxCPUs: 4})
	tables := parseTables(t, mem)

	for _, sig := range []string{"DSDT", "APIC", "FACP", "XSDT"} {
		if _, ok := tables[sig]; !ok {
			t.Fatalf("missing %s table", sig)
		}
	}

	rsdp := mem[rsdpBase : rsdpBase+36]
	if string(rsdp[0:8]) != "RSD PTR " {
		t.Fatalf("RSDP signature = %q", rsdp[0:8])
	}
	if got := checksum(rsdp[:20]); got != 0 {
		t.Errorf("RSDP legacy checksum residue %#x", got)
	}
	if got := checksum(rsdp); got != 0 {
		t.Errorf("RSDP extended checksum residue %#x", got)
	}
	if addr := binary.LittleEndian.Uint64(rsdp[24:32]); addr != tables["XSDT"] {
		t.Errorf("RSDP XSDT pointer = %#x, want %#x", addr, tables["XSDT"])
	}

	xsdtLen := binary.LittleEndian.Uint32(mem[tables["XSDT"]+4:])
	entries := (xsdtLen - 36) / 8
	if entries != 2 {
		t.Fatalf("XSDT entries = %d, want 2", entries)
	}
	first := binary.LittleEndian.Uint64(mem[tables["XSDT"]+36:])
	if first != tables["FACP"] {
		t.Errorf("XSDT[0] = %#x, want FADT at %#x", first, tables["FACP"])
	}

	fadt := tables["FACP"]
	if got := uint64(binary.LittleEndian.Uint32(mem[fadt+40:])); got != tables["DSDT"] {
		t.Errorf("FADT DSDT pointer = %#x, want %#x", got, tables["DSDT"])
	}
}

func TestMADTAdvertisesHotpluggableCPUs(t *testing.T) {
	mem := install(t, Config{BootCPUs: 2, MaxCPUs: 4})
	tables := parseTables(t, mem)

	madt := tables["APIC"]
	length := uint64(binary.LittleEndian.Uint32(mem[madt+4:]))
	body := mem[madt+44 : madt+length] // skip header + LAPIC base + flags

	var enabled, onlineCapable int
	for len(body) >= 2 {
		typ, sz := body[0], int(body[1])
		if sz == 0 || sz > len(body) {
			t.Fatalf("bad MADT entry size %d", sz)
		}
		if typ == 0 {
			switch flags := binary.LittleEndian.Uint32(body[4:8]); flags {
			case 1:
				enabled++
			case 2:
				onlineCapable++
			default:
				t.Errorf("LAPIC %d has flags %#x", body[2], flags)
			}
		}
		body = body[sz:]
	}
	if enabled != 2 {
		t.Errorf("enabled LAPICs = %d, want 2", enabled)
	}
	if onlineCapable != 2 {
		t.Errorf("online-capable LAPICs = %d, want 2", onlineCapable)
	}
}

func TestDSDTListsDevices(t *testing.T) {
	mem := install(t, Config{
		BootCPUs: 1,
		UARTs:    []UARTPort{{Base: 0x3f8, IRQ: 4}},
		Virtio: []VirtioWindow{
			{Base: 0xd0001000, Size: 0x1000, GSI: 17},
			{Base: 0xd0000000, Size: 0x1000, GSI: 16},
		},
	})
	tables := parseTables(t, mem)

	dsdt := tables["DSDT"]
	length := uint64(binary.LittleEndian.Uint32(mem[dsdt+4:]))
	body := []byte(mem[dsdt : dsdt+length])

	for _, want := range []string{"COM0", "PNP0501", "VIO0", "VIO1", "LNRO0005"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("DSDT missing %q", want)
		}
	}

	// Windows are sorted by base, so VIO0 carries the lower address.
	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], 0xd0000000)
	vio0 := bytes.Index(body, []byte("VIO0"))
	lowWin := bytes.Index(body, addr[:])
	if vio0 < 0 || lowWin < vio0 {
		t.Errorf("low window not attached to VIO0 (VIO0 at %d, window at %d)", vio0, lowWin)
	}
}

func TestInstallRejectsBadConfig(t *testing.T) {
	mem := make(guestMem, 1<<20)
	if err := Install(mem, Config{}); err == nil {
		t.Error("Install accepted zero boot CPUs")
	}
}
