// Package crate runs lightweight virtual machines for container-style
// sandboxes. A Machine boots a Linux kernel with virtio devices and is
// driven through a small lifecycle API: start, pause, resume, stop, plus
// hotplug of disks, shares, vCPUs, and memory while the guest runs.
package crate

import (
	"github.com/cratevm/crate/internal/vmm"
)

// Machine is one guest virtual machine.
type Machine = vmm.Machine

// MachineConfig is the on-disk machine description.
type MachineConfig = vmm.MachineConfig

// Options carries host-side streams and backends for a new Machine.
type Options = vmm.Options

// State is the machine lifecycle position.
type State = vmm.State

// DiskConfig describes one virtio-blk device.
type DiskConfig = vmm.DiskConfig

// ShareConfig describes one virtio-fs device.
type ShareConfig = vmm.ShareConfig

// Lifecycle states.
const (
	StateCreated = vmm.StateCreated
	StateRunning = vmm.StateRunning
	StatePaused  = vmm.StatePaused
	StateStopped = vmm.StateStopped
)

// Common sentinel errors.
var (
	ErrInvalidTransition  = vmm.ErrInvalidTransition
	ErrConfig             = vmm.ErrConfig
	ErrNotFound           = vmm.ErrNotFound
	ErrVcpuFatal          = vmm.ErrVcpuFatal
	ErrPauseTimeout       = vmm.ErrPauseTimeout
	ErrDeviceConflict     = vmm.ErrDeviceConflict
	ErrDeviceBroken       = vmm.ErrDeviceBroken
	ErrInterruptExhausted = vmm.ErrInterruptExhausted
	ErrOutOfAddressSpace  = vmm.ErrOutOfAddressSpace
	ErrUpcallTimeout      = vmm.ErrUpcallTimeout
)

// LoadConfig reads and validates a machine description from a YAML file.
func LoadConfig(path string) (*MachineConfig, error) {
	return vmm.LoadConfig(path)
}

// NewMachine builds the guest described by cfg but does not run it.
func NewMachine(cfg *MachineConfig, opts Options) (*Machine, error) {
	return vmm.NewMachine(cfg, opts)
}
