// Package acpi generates the ACPI tables the guest kernel needs to
// enumerate CPUs, the IO-APIC, and the virtio-mmio windows. The tables land
// in the reserved BIOS window below 1 MiB, where the kernel scans for the
// RSDP signature.
package acpi

import (
	"fmt"
	"io"
	"sort"
)

const (
	// rsdpBase sits inside the E820-reserved window [0xe0000, 0xf0000)
	// that the kernel probes for "RSD PTR ".
	rsdpBase   = 0x000e0000
	tablesBase = 0x000e0040
	// tablesLimit is the start of the BIOS ROM shadow; tables never cross it.
	tablesLimit = 0x000f0000

	defaultLAPICBase  = 0xfee00000
	defaultIOAPICBase = 0xfec00000
)

// VirtioWindow describes one virtio-mmio transport for DSDT enumeration.
type VirtioWindow struct {
	Base uint64
	Size uint64
	GSI  uint32
}

// UARTPort describes a legacy serial port for the DSDT.
type UARTPort struct {
	Base uint16
	IRQ  uint8
}

// InterruptOverride maps a legacy ISA IRQ onto a GSI in the MADT.
type InterruptOverride struct {
	IRQ   uint8
	GSI   uint32
	Flags uint16
}

// Config describes the machine the tables advertise.
type Config struct {
	// BootCPUs LAPICs are marked enabled; ids up to MaxCPUs-1 are emitted
	// as online-capable so the guest can accept CPU hot-add.
	BootCPUs int
	MaxCPUs  int

	UARTs     []UARTPort
	Virtio    []VirtioWindow
	Overrides []InterruptOverride
}

// Install builds the table set and writes it into guest memory. Call after
// the kernel is loaded; the target window is E820-reserved so nothing else
// lands there.
func Install(mem io.WriterAt, cfg Config) error {
	if cfg.BootCPUs <= 0 {
		return fmt.Errorf("acpi: boot cpu count %d", cfg.BootCPUs)
	}
	if cfg.MaxCPUs < cfg.BootCPUs {
		cfg.MaxCPUs = cfg.BootCPUs
	}
	sort.Slice(cfg.Virtio, func(i, j int) bool { return cfg.Virtio[i].Base < cfg.Virtio[j].Base })

	set := newTableSet(tablesBase)

	dsdtAddr := set.add("DSDT", 2, buildDSDT(cfg))
	madtAddr := set.add("APIC", 1, buildMADT(cfg))
	fadtAddr := set.add("FACP", 5, buildFADT(dsdtAddr))
	xsdtAddr := set.add("XSDT", 1, buildXSDT(fadtAddr, madtAddr))

	tables := set.bytes()
	if tablesBase+uint64(len(tables)) > tablesLimit {
		return fmt.Errorf("acpi: tables need %d bytes, window holds %d", len(tables), tablesLimit-tablesBase)
	}
	if _, err := mem.WriteAt(tables, tablesBase); err != nil {
		return fmt.Errorf("acpi: writing tables: %w", err)
	}
	if _, err := mem.WriteAt(buildRSDP(xsdtAddr), rsdpBase); err != nil {
		return fmt.Errorf("acpi: writing RSDP: %w", err)
	}
	return nil
}
