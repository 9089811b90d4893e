// Package hv defines the hypervisor abstraction used by the rest of the VMM:
// virtual machines, virtual CPUs, guest memory, and the exits a vCPU can
// produce. The only backend in-tree is KVM (internal/hv/kvm); tests use an
// in-memory fake.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrVMHalted is returned by VirtualCPU.RunOnce when the guest executed a
	// halt or requested a shutdown. It is a clean exit, not a failure.
	ErrVMHalted = errors.New("virtual machine halted")

	// ErrHypervisorUnsupported indicates /dev/kvm is missing or unusable.
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrOutOfAddressSpace is returned by AddressSpace.Allocate when no free
	// gap is large enough for the request.
	ErrOutOfAddressSpace = errors.New("guest address space exhausted")
)

// VmExit is the closed set of reasons a vCPU stopped executing guest code.
// Exactly one concrete type is returned per exit; dispatch happens through
// an ExitHandler rather than by switching on raw hypervisor codes.
type VmExit interface {
	isVmExit()
}

// ExitIo is a port I/O access. Data aliases the hypervisor run structure:
// for input the handler fills it, for output it carries the guest's bytes.
type ExitIo struct {
	Port  uint16
	Data  []byte
	Write bool
}

// ExitMmio is a memory-mapped I/O access outside mapped RAM.
type ExitMmio struct {
	Addr  uint64
	Data  []byte
	Write bool
}

// ExitHalt reports a guest-initiated halt (HLT with interrupts disabled,
// or an ACPI/system-event shutdown).
type ExitHalt struct{}

// ExitPreempted reports that RequestExit forced the vCPU out of guest mode
// before any guest event occurred. The caller decides whether to re-enter.
type ExitPreempted struct{}

// ExitInternal reports a non-recoverable hypervisor-level failure on this
// vCPU. It always escalates to a whole-VM stop.
type ExitInternal struct {
	Suberror uint32
}

func (ExitIo) isVmExit()        {}
func (ExitMmio) isVmExit()      {}
func (ExitHalt) isVmExit()      {}
func (ExitPreempted) isVmExit() {}
func (ExitInternal) isVmExit()  {}

// ExitHandler services I/O exits on behalf of a vCPU. Calls happen on the
// vCPU's own thread, synchronously, so per-vCPU program order is preserved.
type ExitHandler interface {
	HandlePIO(port uint16, data []byte, write bool) error
	HandleMMIO(addr uint64, data []byte, write bool) error
}

// VirtualCPU is one guest processor. RunOnce and RequestExit may be called
// from different goroutines; everything else must stay on the owning thread.
type VirtualCPU interface {
	ID() int

	// RunOnce enters the guest and returns at the next exit boundary.
	// A nil VmExit with a nil error never happens; ErrVMHalted wraps the
	// clean shutdown path.
	RunOnce(ctx context.Context) (VmExit, error)

	// RequestExit forces the vCPU out of guest mode at the earliest point
	// the hypervisor allows. Used for the pause barrier and teardown.
	RequestExit() error

	Close() error
}

// BootCPU is implemented by vCPUs that can be placed into the 32-bit entry
// state of the Linux boot protocol: protected mode, flat segments, paging
// off, RSI pointing at the boot parameters. Only the bootstrap processor
// needs this; hot-added processors are started by the guest through
// INIT/SIPI, which the in-kernel interrupt controller handles.
type BootCPU interface {
	SetBootState(entryGPA, bootParamsGPA uint64) error
}

// MemoryRegion is a host-backed mapping of guest physical memory.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64

	// Discard releases the host pages backing [off, off+length), used by the
	// balloon device when the guest hands memory back.
	Discard(off, length uint64) error
}

// VirtualMachine owns the VM-level hypervisor handle. It must outlive every
// VirtualCPU created from it, which in turn must outlive device backends that
// reach guest memory through it; Close enforces nothing, callers follow the
// teardown order in internal/vmm.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	MemoryBase() uint64
	MemorySize() uint64

	// AddVCPU creates a vCPU with the given dense id. Safe only from the
	// control thread.
	AddVCPU(id int) (VirtualCPU, error)

	// MapRegion maps anonymous host memory at the given guest physical
	// address. Used for hotplug RAM beyond the boot allocation.
	MapRegion(guestAddr, size uint64) (MemoryRegion, error)

	// SetIRQ drives a GSI level. Pulsing is two calls.
	SetIRQ(line uint32, level bool) error
}

// MemoryDiscarder is optionally implemented by VirtualMachines whose boot
// RAM can hand pages back to the host. The balloon device uses it; backends
// without it simply keep the pages.
type MemoryDiscarder interface {
	DiscardRange(gpa, size uint64) error
}

// VMConfig is the immutable hypervisor-level slice of the machine
// configuration. It is copied by value everywhere it travels.
type VMConfig struct {
	// MaxCPUs sizes the in-kernel interrupt controller for later hot-adds.
	// Boot CPUs are created separately through AddVCPU.
	MaxCPUs    int
	MemoryBase uint64
	MemorySize uint64
}

// Hypervisor creates virtual machines. One per process.
type Hypervisor interface {
	io.Closer

	NewVirtualMachine(cfg VMConfig) (VirtualMachine, error)
}
