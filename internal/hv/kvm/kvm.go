//go:build linux

// Package kvm is the Linux KVM backend for the hv abstraction. It owns the
// /dev/kvm handle, the VM and vCPU file descriptors, and the guest memory
// mappings registered with the kernel.
package kvm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unsafe"

	"github.com/cratevm/crate/internal/hv"
	"golang.org/x/sys/unix"
)

type memoryRegion struct {
	guestAddr uint64
	mem       []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) Size() uint64 {
	return uint64(len(m.mem))
}

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset out of bounds")
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset out of bounds")
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

// Discard hands the host pages backing [off, off+length) back to the kernel.
// The range keeps its mapping; the next guest touch faults in a zero page.
func (m *memoryRegion) Discard(off, length uint64) error {
	if off%uint64(unix.Getpagesize()) != 0 || length%uint64(unix.Getpagesize()) != 0 {
		return fmt.Errorf("kvm: discard range %#x+%#x not page aligned", off, length)
	}
	if off+length > uint64(len(m.mem)) {
		return fmt.Errorf("kvm: discard range %#x+%#x out of bounds", off, length)
	}

	if err := unix.Madvise(m.mem[off:off+length], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("kvm: madvise discard: %w", err)
	}

	return nil
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	memMu sync.RWMutex
	// regions is sorted by guest address; regions[0] is boot RAM, the rest
	// are hot-added mappings.
	regions []*memoryRegion

	memoryBase     uint64
	memorySize     uint64
	lastMemorySlot uint32
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64 { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64 { return v.memorySize }

func mapAnonymous(size uint64) ([]byte, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("kvm: invalid mapping size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("kvm: madvise memory: %w", err)
	}

	return mem, nil
}

// MapRegion implements hv.VirtualMachine. The new mapping gets the next free
// memory slot; slots are never reused, which keeps hot-add cheap and avoids
// racing a teardown against a concurrent vCPU fault-in.
func (v *virtualMachine) MapRegion(guestAddr, size uint64) (hv.MemoryRegion, error) {
	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, err
	}

	v.memMu.Lock()
	defer v.memMu.Unlock()

	for _, r := range v.regions {
		if guestAddr < r.guestAddr+uint64(len(r.mem)) && r.guestAddr < guestAddr+size {
			unix.Munmap(mem)
			return nil, fmt.Errorf("kvm: mapping %#x+%#x overlaps existing region at %#x", guestAddr, size, r.guestAddr)
		}
	}

	v.lastMemorySlot++
	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.lastMemorySlot,
		Flags:         0,
		GuestPhysAddr: guestAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		v.lastMemorySlot--
		unix.Munmap(mem)
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	region := &memoryRegion{guestAddr: guestAddr, mem: mem}
	v.regions = append(v.regions, region)
	sort.Slice(v.regions, func(i, j int) bool { return v.regions[i].guestAddr < v.regions[j].guestAddr })

	return region, nil
}

// AddVCPU implements hv.VirtualMachine.
func (v *virtualMachine) AddVCPU(id int) (hv.VirtualCPU, error) {
	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}

	mmapSize, err := getVcpuMmapSize(v.hv.fd)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, err)
	}

	cpuId, err := getSupportedCpuId(v.hv.fd)
	if err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: get supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: set vCPU %d CPUID: %w", id, err)
	}

	return &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}, nil
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.regions == nil {
		return 0, fmt.Errorf("kvm: ReadAt after close")
	}

	gpa := uint64(off)
	region, regionOff, ok := v.gpaToRegionLocked(gpa)
	if !ok {
		return 0, fmt.Errorf("kvm: ReadAt GPA %#x outside mapped memory", gpa)
	}

	n = copy(p, region.mem[regionOff:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.regions == nil {
		return 0, fmt.Errorf("kvm: WriteAt after close")
	}

	gpa := uint64(off)
	region, regionOff, ok := v.gpaToRegionLocked(gpa)
	if !ok {
		return 0, fmt.Errorf("kvm: WriteAt GPA %#x outside mapped memory", gpa)
	}

	n = copy(region.mem[regionOff:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

// DiscardRange implements hv.MemoryDiscarder over whichever mapping contains
// the range. Ranges spanning mappings are rejected.
func (v *virtualMachine) DiscardRange(gpa, size uint64) error {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.regions == nil {
		return fmt.Errorf("kvm: DiscardRange after close")
	}

	region, regionOff, ok := v.gpaToRegionLocked(gpa)
	if !ok || regionOff+size > uint64(len(region.mem)) {
		return fmt.Errorf("kvm: DiscardRange [%#x, %#x) outside mapped memory", gpa, gpa+size)
	}

	return region.Discard(regionOff, size)
}

// gpaToRegionLocked finds the mapping containing gpa. Callers hold memMu.
func (v *virtualMachine) gpaToRegionLocked(gpa uint64) (*memoryRegion, uint64, bool) {
	for _, r := range v.regions {
		if gpa >= r.guestAddr && gpa < r.guestAddr+uint64(len(r.mem)) {
			return r, gpa - r.guestAddr, true
		}
	}
	return nil, 0, false
}

// Close implements hv.VirtualMachine. vCPU fds are owned by their
// VirtualCPU values and must already be closed by the caller.
func (v *virtualMachine) Close() error {
	v.memMu.Lock()
	regions := v.regions
	v.regions = nil
	v.memMu.Unlock()

	for _, r := range regions {
		if err := unix.Munmap(r.mem); err != nil {
			slog.Error("kvm: munmap guest memory", "guestAddr", r.guestAddr, "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
		v.vmFd = -1
	}

	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor. The returned machine has its
// boot RAM mapped, the in-kernel interrupt controller and PIT created, and
// identity GSI routing installed. It has no vCPUs yet.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	vmFd, err := createVm(h.fd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:         h,
		vmFd:       vmFd,
		memoryBase: config.MemoryBase,
		memorySize: config.MemorySize,
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set TSS addr: %w", err)
	}

	if err := createIRQChip(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create IRQ chip: %w", err)
	}

	if err := createPIT(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create PIT: %w", err)
	}

	if err := initGSIRouting(vmFd, h.fd, ioapicPinCount); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: init GSI routing: %w", err)
	}

	mem, err := mapAnonymous(config.MemorySize)
	if err != nil {
		unix.Close(vmFd)
		return nil, err
	}

	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase,
		MemorySize:    config.MemorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	vm.regions = []*memoryRegion{{guestAddr: config.MemoryBase, mem: mem}}

	return vm, nil
}

func createVm(fd int, arg uintptr) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVm), arg)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open opens /dev/kvm and validates the API version. Callers on hosts
// without KVM get an error wrapping hv.ErrHypervisorUnsupported.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %v: %w", err, hv.ErrHypervisorUnsupported)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: API version %d, want %d: %w", version, kvmApiVersion, hv.ErrHypervisorUnsupported)
	}

	return &hypervisor{fd: fd}, nil
}
