package boot

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/cratevm/crate/internal/hv"
)

const (
	defaultZeroPageGPA = 0x00090000

	stackGuard = 0x1000
)

// Options parameterise kernel placement.
type Options struct {
	// Kernel is the bzImage.
	Kernel io.ReaderAt
	// KernelSize is the image length in bytes.
	KernelSize int64
	// Cmdline is the kernel command line without trailing NUL.
	Cmdline string
	// Initrd is copied near the top of boot RAM when non-empty.
	Initrd []byte
	// E820 overrides the memory map; empty uses DefaultE820 over boot RAM.
	E820 []E820Entry
}

// Plan holds the addresses produced by Load, everything needed to start the
// boot vCPU.
type Plan struct {
	EntryGPA      uint64
	BootParamsGPA uint64
	LoadAddr      uint64
	InitrdGPA     uint64
	InitrdSize    uint64
}

// Load parses the kernel, copies the payload, initrd, command line and
// boot_params into guest memory, and returns the plan for the boot vCPU.
func Load(vm hv.VirtualMachine, opts Options) (*Plan, error) {
	img, err := ParseBzImage(opts.Kernel, opts.KernelSize)
	if err != nil {
		return nil, err
	}

	memBase := vm.MemoryBase()
	memEnd := memBase + vm.MemorySize()

	loadAddr := img.LoadAddress()
	payload := img.Payload()
	coverage := uint64(len(payload))
	if init := uint64(img.header.InitSize); init > coverage {
		coverage = init
	}
	if loadAddr < memBase || loadAddr+coverage > memEnd {
		return nil, fmt.Errorf("%w: kernel range [%#x, %#x) outside RAM [%#x, %#x)", ErrLoad, loadAddr, loadAddr+coverage, memBase, memEnd)
	}

	// The kernel expects its runtime range zeroed beyond the payload.
	if coverage > uint64(len(payload)) {
		if _, err := vm.WriteAt(make([]byte, coverage-uint64(len(payload))), int64(loadAddr)+int64(len(payload))); err != nil {
			return nil, fmt.Errorf("%w: clearing kernel memory: %v", ErrLoad, err)
		}
	}
	if _, err := vm.WriteAt(payload, int64(loadAddr)); err != nil {
		return nil, fmt.Errorf("%w: writing kernel payload: %v", ErrLoad, err)
	}

	plan := &Plan{
		LoadAddr:      loadAddr,
		EntryGPA:      loadAddr,
		BootParamsGPA: defaultZeroPageGPA,
	}
	cmdlineGPA := plan.BootParamsGPA + zeroPageSize

	if len(opts.Initrd) > 0 {
		size := uint64(len(opts.Initrd))
		top := memEnd - stackGuard
		if top <= memBase+size {
			return nil, fmt.Errorf("%w: no space for initrd (%d bytes)", ErrLoad, size)
		}
		addr := alignDown(top-size, 0x1000)
		if limit := uint64(img.header.InitrdAddrMax); limit != 0 && addr+size-1 > limit {
			addr = alignDown(limit+1-size, 0x1000)
		}
		if addr < loadAddr+coverage {
			return nil, fmt.Errorf("%w: initrd at %#x collides with kernel", ErrLoad, addr)
		}
		if _, err := vm.WriteAt(opts.Initrd, int64(addr)); err != nil {
			return nil, fmt.Errorf("%w: writing initrd: %v", ErrLoad, err)
		}
		plan.InitrdGPA = addr
		plan.InitrdSize = size
	}

	e820 := opts.E820
	if len(e820) == 0 {
		e820 = DefaultE820(memBase, vm.MemorySize())
	}

	if err := img.writeBootParams(vm, plan.BootParamsGPA, cmdlineGPA, opts.Cmdline, plan.InitrdGPA, uint32(plan.InitrdSize), e820); err != nil {
		return nil, err
	}

	slog.Debug("kernel loaded",
		"load_addr", fmt.Sprintf("%#x", plan.LoadAddr),
		"entry", fmt.Sprintf("%#x", plan.EntryGPA),
		"initrd", fmt.Sprintf("%#x", plan.InitrdGPA),
		"cmdline", opts.Cmdline)

	return plan, nil
}

// Apply programs the boot vCPU with the 32-bit protocol entry state. The
// remaining vCPUs are started by the guest through INIT/SIPI.
func (p *Plan) Apply(cpu hv.VirtualCPU) error {
	bootCPU, ok := cpu.(hv.BootCPU)
	if !ok {
		return fmt.Errorf("%w: vCPU %d does not support boot register setup", ErrLoad, cpu.ID())
	}
	if err := bootCPU.SetBootState(p.EntryGPA, p.BootParamsGPA); err != nil {
		return fmt.Errorf("%w: setting boot state: %v", ErrLoad, err)
	}
	return nil
}
