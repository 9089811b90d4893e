package hv

import (
	"errors"
	"testing"
)

func TestAddressSpaceAllocate(t *testing.T) {
	as, err := NewAddressSpace(0x1000_0000, 0x2000_0000)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	a, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Base < 0x1000_0000 || a.End() > 0x2000_0000 {
		t.Errorf("region [%#x, %#x) outside managed bounds", a.Base, a.End())
	}
	if a.Base%0x1000 != 0 {
		t.Errorf("base %#x not aligned", a.Base)
	}

	b, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if a.Base == b.Base {
		t.Error("allocations overlap")
	}
}

func TestAddressSpaceAllocateAligned(t *testing.T) {
	as, err := NewAddressSpace(0x1000, 0x100_0000)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	r, err := as.Allocate(0x2000, 0x10000, RegionMMIO)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if r.Base%0x10000 != 0 {
		t.Errorf("base %#x not aligned to 0x10000", r.Base)
	}

	if _, err := as.Allocate(0x1000, 0x3000, RegionMMIO); err == nil {
		t.Error("non-power-of-2 alignment accepted")
	}
}

func TestAddressSpaceExhaustion(t *testing.T) {
	as, err := NewAddressSpace(0x10000, 0x14000)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := as.Allocate(0x1000, 0x1000, RegionMMIO); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	if _, err := as.Allocate(0x1000, 0x1000, RegionMMIO); !errors.Is(err, ErrOutOfAddressSpace) {
		t.Fatalf("Allocate = %v, want ErrOutOfAddressSpace", err)
	}
}

func TestAddressSpaceFreeAndReuse(t *testing.T) {
	as, err := NewAddressSpace(0x10000, 0x12000)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	a, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := as.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	c, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if c.Base != a.Base {
		t.Errorf("freed gap not reused: got %#x, want %#x", c.Base, a.Base)
	}

	if err := as.Free(b); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := as.Free(b); err == nil {
		t.Error("double free accepted")
	}
}

func TestAddressSpaceReserve(t *testing.T) {
	as, err := NewAddressSpace(0x10000, 0x20000)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	r := GuestMemoryRegion{Base: 0x14000, Size: 0x2000, Kind: RegionBootTables}
	if err := as.Reserve(r); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := as.Reserve(GuestMemoryRegion{Base: 0x15000, Size: 0x1000, Kind: RegionMMIO}); err == nil {
		t.Error("overlapping reserve accepted")
	}
	if err := as.Reserve(GuestMemoryRegion{Base: 0x1f000, Size: 0x2000, Kind: RegionMMIO}); err == nil {
		t.Error("reserve past ceiling accepted")
	}

	// Allocation must route around the reservation.
	for i := 0; i < 14; i++ {
		got, err := as.Allocate(0x1000, 0x1000, RegionMMIO)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if got.overlaps(r) {
			t.Fatalf("allocation %#x overlaps reservation", got.Base)
		}
	}
}
