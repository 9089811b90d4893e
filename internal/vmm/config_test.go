package vmm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	cfg := MachineConfig{Kernel: "/boot/vmlinuz", Network: NetConfig{Enabled: true}}
	cfg.ApplyDefaults()

	if cfg.Name != "crate" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.CPUs.Boot != 1 || cfg.CPUs.Max != 1 {
		t.Errorf("cpus = %d/%d, want 1/1", cfg.CPUs.Boot, cfg.CPUs.Max)
	}
	if cfg.Memory.SizeMiB != 512 {
		t.Errorf("memory = %d MiB", cfg.Memory.SizeMiB)
	}
	if cfg.Vsock.GuestCID != 3 {
		t.Errorf("guest cid = %d", cfg.Vsock.GuestCID)
	}
	if cfg.Network.MAC == "" {
		t.Error("no default MAC for enabled network")
	}
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	cfg := MachineConfig{
		Kernel: "/boot/vmlinuz",
		CPUs:   CPUConfig{Boot: 2},
	}
	cfg.ApplyDefaults()
	if cfg.CPUs.Max != 2 {
		t.Errorf("max = %d, want boot count 2", cfg.CPUs.Max)
	}
}

func TestValidateRejections(t *testing.T) {
	valid := func() MachineConfig {
		cfg := MachineConfig{Kernel: "/boot/vmlinuz"}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*MachineConfig)
	}{
		{"missing kernel", func(c *MachineConfig) { c.Kernel = "" }},
		{"zero boot cpus", func(c *MachineConfig) { c.CPUs.Boot = 0 }},
		{"max below boot", func(c *MachineConfig) { c.CPUs.Boot = 4; c.CPUs.Max = 2 }},
		{"boot ram too large", func(c *MachineConfig) { c.Memory.SizeMiB = 4096 }},
		{"reserved guest cid", func(c *MachineConfig) { c.Vsock.GuestCID = 2 }},
		{"bad mac", func(c *MachineConfig) { c.Network.Enabled = true; c.Network.MAC = "nope" }},
		{"disk without path", func(c *MachineConfig) { c.Disks = []DiskConfig{{}} }},
		{"negative rate limit", func(c *MachineConfig) {
			c.Disks = []DiskConfig{{Path: "/tmp/d.img", OpsPerSec: -1}}
		}},
		{"share without tag", func(c *MachineConfig) { c.Shares = []ShareConfig{{}} }},
		{"duplicate share tag", func(c *MachineConfig) {
			c.Shares = []ShareConfig{{Tag: "data"}, {Tag: "data"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Validate = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	data := `
name: demo
kernel: /boot/vmlinuz
cpus:
  boot: 2
  max: 4
memory:
  size_mib: 256
  hotplug_mib: 512
network:
  enabled: true
disks:
  - path: /tmp/root.img
    read_only: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "demo" || cfg.CPUs.Max != 4 || cfg.Memory.HotplugMiB != 512 {
		t.Errorf("config = %+v", cfg)
	}
	if len(cfg.Disks) != 1 || !cfg.Disks[0].ReadOnly {
		t.Errorf("disks = %+v", cfg.Disks)
	}
	if cfg.Vsock.GuestCID != 3 {
		t.Errorf("default guest cid not applied: %d", cfg.Vsock.GuestCID)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte("kernel: [unclosed"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrConfig) {
		t.Errorf("LoadConfig = %v, want ErrConfig", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadConfig on missing file succeeded")
	}
}
