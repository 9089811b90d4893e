package vmm

import (
	"errors"

	"github.com/cratevm/crate/internal/chipset"
	"github.com/cratevm/crate/internal/hv"
	"github.com/cratevm/crate/internal/upcall"
)

// Sentinels for machine-level failures. Device, hypervisor, and channel
// errors keep their package sentinels; the aliases below give callers one
// import to match against.
var (
	// ErrInvalidTransition reports a lifecycle operation from the wrong
	// state.
	ErrInvalidTransition = errors.New("vmm: invalid state transition")
	// ErrConfig reports an invalid machine configuration.
	ErrConfig = errors.New("vmm: invalid configuration")
	// ErrNotFound reports an unknown device or vCPU.
	ErrNotFound = errors.New("vmm: not found")
	// ErrVcpuFatal reports a vCPU that cannot continue running.
	ErrVcpuFatal = errors.New("vmm: vcpu fatal error")
	// ErrPauseTimeout reports that not every vCPU reached the pause
	// barrier in time.
	ErrPauseTimeout = errors.New("vmm: pause timed out")

	// Re-exported sentinels from the layers below.
	ErrDeviceConflict     = chipset.ErrDeviceConflict
	ErrDeviceBroken       = chipset.ErrDeviceBroken
	ErrInterruptExhausted = chipset.ErrInterruptExhausted
	ErrOutOfAddressSpace  = hv.ErrOutOfAddressSpace
	ErrUpcallTimeout      = upcall.ErrTimeout
)
