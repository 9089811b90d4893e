package vmm

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// MachineConfig is the on-disk machine description. Zero values mean
// "disabled" for optional devices; ApplyDefaults fills the rest.
type MachineConfig struct {
	Name string `yaml:"name"`

	// Kernel is the path to a bzImage.
	Kernel string `yaml:"kernel"`
	// Initrd is an optional initramfs path loaded alongside the kernel.
	Initrd string `yaml:"initrd,omitempty"`
	// Cmdline is appended after the console and device fragments.
	Cmdline string `yaml:"cmdline,omitempty"`

	CPUs    CPUConfig    `yaml:"cpus"`
	Memory  MemoryConfig `yaml:"memory"`
	Network NetConfig    `yaml:"network,omitempty"`
	Vsock   VsockConfig  `yaml:"vsock,omitempty"`

	Disks  []DiskConfig  `yaml:"disks,omitempty"`
	Shares []ShareConfig `yaml:"shares,omitempty"`

	// Balloon attaches a balloon device for cooperative memory reclaim.
	Balloon bool `yaml:"balloon,omitempty"`

	// Seccomp installs the syscall filter on every vCPU thread before the
	// first guest entry.
	Seccomp bool `yaml:"seccomp,omitempty"`
}

// CPUConfig sizes the processor topology.
type CPUConfig struct {
	// Boot is the number of vCPUs present at startup.
	Boot int `yaml:"boot"`
	// Max bounds hot-added vCPUs. Defaults to Boot.
	Max int `yaml:"max,omitempty"`
}

// MemoryConfig sizes guest RAM.
type MemoryConfig struct {
	// SizeMiB is boot RAM, mapped below the MMIO hole.
	SizeMiB uint64 `yaml:"size_mib"`
	// HotplugMiB reserves a resizable region above 4 GiB, exposed through
	// a virtio-mem device when non-zero.
	HotplugMiB uint64 `yaml:"hotplug_mib,omitempty"`
}

// NetConfig configures the synthetic network stack.
type NetConfig struct {
	Enabled bool `yaml:"enabled"`
	// AllowOutbound proxies guest connections onto the host network.
	AllowOutbound bool `yaml:"allow_outbound,omitempty"`
	// EnableDNS serves DNS on the gateway address.
	EnableDNS bool `yaml:"enable_dns,omitempty"`
	// MAC is the guest NIC address, "xx:xx:xx:xx:xx:xx". Empty picks a
	// fixed locally-administered default.
	MAC string `yaml:"mac,omitempty"`
	// CaptureFile records guest frames to a pcap file when set.
	CaptureFile string `yaml:"capture_file,omitempty"`
}

// VsockConfig configures the vsock device. The device is always present;
// the control channel to the guest agent runs over it.
type VsockConfig struct {
	// GuestCID is the guest's context id. Defaults to 3; 0-2 are reserved.
	GuestCID uint64 `yaml:"guest_cid,omitempty"`
}

// DiskConfig is one virtio-blk device backed by a host file.
type DiskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
	// Serial is the id exposed to the guest. Defaults to the slot name.
	Serial string `yaml:"serial,omitempty"`
	// OpsPerSec and BytesPerSec throttle the device; 0 means unlimited.
	OpsPerSec   int `yaml:"ops_per_sec,omitempty"`
	BytesPerSec int `yaml:"bytes_per_sec,omitempty"`
}

// ShareConfig is one virtio-fs device. The FUSE backend is wired in by the
// embedding program; the config only names the mount tag.
type ShareConfig struct {
	Tag string `yaml:"tag"`
}

// LoadConfig reads and validates a machine description.
func LoadConfig(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading machine config: %w", err)
	}

	var cfg MachineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields in place.
func (c *MachineConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "crate"
	}
	if c.CPUs.Boot == 0 {
		c.CPUs.Boot = 1
	}
	if c.CPUs.Max == 0 {
		c.CPUs.Max = c.CPUs.Boot
	}
	if c.Memory.SizeMiB == 0 {
		c.Memory.SizeMiB = 512
	}
	if c.Vsock.GuestCID == 0 {
		c.Vsock.GuestCID = 3
	}
	if c.Network.Enabled && c.Network.MAC == "" {
		c.Network.MAC = "02:ca:fe:00:00:02"
	}
}

// bootRAMLimitMiB keeps boot RAM below the 32-bit MMIO hole. Memory beyond
// this goes in the hotplug region above 4 GiB.
const bootRAMLimitMiB = 3 * 1024

// Validate rejects configurations the machine cannot express. Errors wrap
// ErrConfig.
func (c *MachineConfig) Validate() error {
	if c.Kernel == "" {
		return fmt.Errorf("%w: kernel path is required", ErrConfig)
	}
	if c.CPUs.Boot < 1 {
		return fmt.Errorf("%w: cpus.boot must be at least 1", ErrConfig)
	}
	if c.CPUs.Max < c.CPUs.Boot {
		return fmt.Errorf("%w: cpus.max %d below cpus.boot %d", ErrConfig, c.CPUs.Max, c.CPUs.Boot)
	}
	if c.Memory.SizeMiB > bootRAMLimitMiB {
		return fmt.Errorf("%w: memory.size_mib %d exceeds %d; use hotplug_mib for the rest", ErrConfig, c.Memory.SizeMiB, bootRAMLimitMiB)
	}
	if c.Vsock.GuestCID < 3 {
		return fmt.Errorf("%w: vsock.guest_cid %d is reserved", ErrConfig, c.Vsock.GuestCID)
	}
	if c.Network.Enabled {
		if _, err := net.ParseMAC(c.Network.MAC); err != nil {
			return fmt.Errorf("%w: network.mac: %v", ErrConfig, err)
		}
	}
	for i, d := range c.Disks {
		if d.Path == "" {
			return fmt.Errorf("%w: disks[%d]: path is required", ErrConfig, i)
		}
		if d.OpsPerSec < 0 || d.BytesPerSec < 0 {
			return fmt.Errorf("%w: disks[%d]: negative rate limit", ErrConfig, i)
		}
	}
	seen := map[string]bool{}
	for i, s := range c.Shares {
		if s.Tag == "" {
			return fmt.Errorf("%w: shares[%d]: tag is required", ErrConfig, i)
		}
		if seen[s.Tag] {
			return fmt.Errorf("%w: shares[%d]: duplicate tag %q", ErrConfig, i, s.Tag)
		}
		seen[s.Tag] = true
	}
	return nil
}
