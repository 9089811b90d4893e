package hv

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const pageSize = 0x1000

// RegionKind classifies a guest physical range.
type RegionKind int

const (
	RegionBootRAM RegionKind = iota
	RegionHotplugRAM
	RegionMMIO
	RegionBootTables
)

func (k RegionKind) String() string {
	switch k {
	case RegionBootRAM:
		return "boot-ram"
	case RegionHotplugRAM:
		return "hotplug-ram"
	case RegionMMIO:
		return "mmio"
	case RegionBootTables:
		return "boot-tables"
	default:
		return fmt.Sprintf("region-kind-%d", int(k))
	}
}

// GuestMemoryRegion is one allocated range of guest physical address space.
type GuestMemoryRegion struct {
	Base uint64
	Size uint64
	Kind RegionKind
}

// End returns the first address after the region.
func (r GuestMemoryRegion) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region.
func (r GuestMemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r GuestMemoryRegion) overlaps(o GuestMemoryRegion) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// AddressSpace hands out non-overlapping guest physical ranges between a
// floor and a ceiling. Mutation is serialized by a mutex; the live region
// table is republished as an immutable snapshot on every change, so readers
// on vCPU dispatch paths never take the lock.
type AddressSpace struct {
	mu      sync.Mutex
	floor   uint64
	ceiling uint64

	table atomic.Pointer[[]GuestMemoryRegion]
}

// NewAddressSpace creates an allocator covering [floor, ceiling).
func NewAddressSpace(floor, ceiling uint64) (*AddressSpace, error) {
	if ceiling <= floor {
		return nil, fmt.Errorf("address space ceiling %#x not above floor %#x", ceiling, floor)
	}
	if floor%pageSize != 0 || ceiling%pageSize != 0 {
		return nil, fmt.Errorf("address space bounds %#x-%#x not page aligned", floor, ceiling)
	}
	a := &AddressSpace{floor: floor, ceiling: ceiling}
	empty := []GuestMemoryRegion{}
	a.table.Store(&empty)
	return a, nil
}

// Allocate reserves a region of the given size, aligned to align (0 means
// page alignment). Placement is best-fit: the smallest free gap that can hold
// the aligned request wins, which keeps MMIO windows from fragmenting the
// space needed for later hotplug RAM.
func (a *AddressSpace) Allocate(size, align uint64, kind RegionKind) (GuestMemoryRegion, error) {
	if size == 0 {
		return GuestMemoryRegion{}, fmt.Errorf("cannot allocate zero-size %s region", kind)
	}
	if align == 0 {
		align = pageSize
	}
	if align&(align-1) != 0 {
		return GuestMemoryRegion{}, fmt.Errorf("alignment %#x is not a power of 2", align)
	}
	if align%pageSize != 0 {
		return GuestMemoryRegion{}, fmt.Errorf("alignment %#x is not a multiple of the page size", align)
	}
	size = alignUp(size, pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	live := *a.table.Load()

	var (
		bestBase uint64
		bestGap  uint64
		found    bool
	)
	consider := func(gapStart, gapEnd uint64) {
		base := alignUp(gapStart, align)
		if base >= gapEnd || gapEnd-base < size {
			return
		}
		gap := gapEnd - gapStart
		if !found || gap < bestGap {
			found = true
			bestGap = gap
			bestBase = base
		}
	}

	cursor := a.floor
	for _, r := range live {
		if r.Base > cursor {
			consider(cursor, r.Base)
		}
		if r.End() > cursor {
			cursor = r.End()
		}
	}
	if cursor < a.ceiling {
		consider(cursor, a.ceiling)
	}

	if !found {
		return GuestMemoryRegion{}, fmt.Errorf("allocate %#x bytes of %s: %w", size, kind, ErrOutOfAddressSpace)
	}

	region := GuestMemoryRegion{Base: bestBase, Size: size, Kind: kind}
	a.publishLocked(insertSorted(live, region))
	return region, nil
}

// Reserve claims a fixed range, failing if it overlaps a live region or falls
// outside the managed bounds. Used for ranges whose address the guest ABI
// dictates (boot tables, legacy windows).
func (a *AddressSpace) Reserve(region GuestMemoryRegion) error {
	if region.Size == 0 {
		return fmt.Errorf("cannot reserve zero-size %s region", region.Kind)
	}
	if region.Base < a.floor || region.End() > a.ceiling {
		return fmt.Errorf("region %#x-%#x outside address space %#x-%#x",
			region.Base, region.End(), a.floor, a.ceiling)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	live := *a.table.Load()
	for _, r := range live {
		if r.overlaps(region) {
			return fmt.Errorf("region %#x-%#x overlaps live %s region %#x-%#x",
				region.Base, region.End(), r.Kind, r.Base, r.End())
		}
	}
	a.publishLocked(insertSorted(live, region))
	return nil
}

// Free returns a previously allocated or reserved region to the pool.
func (a *AddressSpace) Free(region GuestMemoryRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := *a.table.Load()
	for i, r := range live {
		if r == region {
			next := make([]GuestMemoryRegion, 0, len(live)-1)
			next = append(next, live[:i]...)
			next = append(next, live[i+1:]...)
			a.publishLocked(next)
			return nil
		}
	}
	return fmt.Errorf("free: region %#x-%#x (%s) is not live", region.Base, region.End(), region.Kind)
}

// Regions returns the current immutable snapshot of live regions, sorted by
// base address. Callers must not mutate the returned slice.
func (a *AddressSpace) Regions() []GuestMemoryRegion {
	return *a.table.Load()
}

// publishLocked swaps in a fresh table snapshot. Callers hold a.mu.
func (a *AddressSpace) publishLocked(next []GuestMemoryRegion) {
	a.table.Store(&next)
}

func insertSorted(live []GuestMemoryRegion, region GuestMemoryRegion) []GuestMemoryRegion {
	next := make([]GuestMemoryRegion, 0, len(live)+1)
	next = append(next, live...)
	next = append(next, region)
	sort.Slice(next, func(i, j int) bool { return next[i].Base < next[j].Base })
	return next
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
