//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cratevm/crate/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// tid is the OS thread the vCPU runs on, recorded on the first RunOnce.
	// RequestExit signals it to interrupt KVM_RUN.
	tid atomic.Int64
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int { return v.id }

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// RequestExit implements hv.VirtualCPU. Safe to call from any goroutine.
func (v *virtualCPU) RequestExit() error {
	run := v.runData()
	run.immediate_exit = 1

	tid := v.tid.Load()
	if tid == 0 {
		// The vCPU has never entered the guest; immediate_exit alone is
		// enough to make the first KVM_RUN return.
		return nil
	}

	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

// RunOnce implements hv.VirtualCPU. The caller must keep every RunOnce for
// this vCPU on the same locked OS thread.
func (v *virtualCPU) RunOnce(ctx context.Context) (hv.VmExit, error) {
	v.tid.Store(int64(unix.Gettid()))

	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		tid := int(v.tid.Load())
		stopNotify = context.AfterFunc(ctx, func() {
			run := v.runData()
			run.immediate_exit = 1
			_ = unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1)
		})
		defer stopNotify()
	}

	run := v.runData()
	run.immediate_exit = 0

	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return hv.ExitPreempted{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

		return hv.ExitIo{
			Port:  ioData.port,
			Data:  data,
			Write: ioData.direction != 0,
		}, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitMmio{
			Addr:  mmioData.physAddr,
			Data:  mmioData.data[:mmioData.len],
			Write: mmioData.isWrite != 0,
		}, nil
	case kvmExitHlt, kvmExitShutdown:
		return hv.ExitHalt{}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == uint32(kvmSystemEventShutdown) {
			return hv.ExitHalt{}, nil
		}
		return hv.ExitInternal{Suberror: system.typ}, nil
	case kvmExitInternalError:
		internal := (*internalError)(unsafe.Pointer(&run.anon0[0]))

		return hv.ExitInternal{Suberror: uint32(internal.Suberror)}, nil
	default:
		return nil, fmt.Errorf("kvm: vCPU %d exited with unhandled reason %s", v.id, reason)
	}
}

// Close implements hv.VirtualCPU.
func (v *virtualCPU) Close() error {
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			return fmt.Errorf("kvm: munmap vCPU %d run: %w", v.id, err)
		}
		v.run = nil
	}

	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			return fmt.Errorf("kvm: close vCPU %d fd: %w", v.id, err)
		}
		v.fd = -1
	}

	return nil
}

// SetBootState implements hv.BootCPU: protected mode with flat segments and
// paging off, entry at entryGPA, RSI pointing at the boot parameters. This is
// the 32-bit entry point of the Linux boot protocol.
func (v *virtualCPU) SetBootState(entryGPA, bootParamsGPA uint64) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Ds = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 2 << 3,
		Present:  1,
		Type:     3, // Data: read/write, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}
	sregs.Es = sregs.Ds
	sregs.Fs = sregs.Ds
	sregs.Gs = sregs.Ds
	sregs.Ss = sregs.Ds

	sregs.Cs = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // Code: execute, read, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}

	sregs.Cr0 |= 1

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	regs := kvmRegs{
		Rip: entryGPA,
		Rsi: bootParamsGPA,
		// Scratch stack below the EBDA; the decompressor switches to its
		// own stack immediately.
		Rsp:    0x8ff0,
		Rflags: 0x2,
	}

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
	_ hv.BootCPU    = &virtualCPU{}
)
