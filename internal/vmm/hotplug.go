package vmm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cratevm/crate/internal/chipset"
	"github.com/cratevm/crate/internal/devices/virtio"
	"github.com/cratevm/crate/internal/upcall"
)

// hotplugReadyLocked gates every hotplug operation: the machine must be
// running and the guest agent connected, since the guest has to probe or
// release the hardware itself.
func (m *Machine) hotplugReadyLocked(op string) error {
	if m.state != StateRunning {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, m.state)
	}
	if !m.control.Connected() {
		return fmt.Errorf("%s: %w", op, upcall.ErrNotConnected)
	}
	return nil
}

// HotAddDisk attaches a virtio-blk device to the running guest and returns
// the slot name. The guest agent acknowledges the new transport before the
// call returns; any failure rolls the whole attachment back.
func (m *Machine) HotAddDisk(ctx context.Context, d DiskConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hotplugReadyLocked("hot-add disk"); err != nil {
		return "", err
	}

	dev, err := m.addDisk(d)
	if err != nil {
		return "", err
	}
	if err := m.completeHotAddLocked(ctx, dev); err != nil {
		return "", err
	}
	m.logger.Info("disk hot-added", "device", dev.name, "path", d.Path)
	return dev.name, nil
}

// HotAddShare attaches a virtio-fs device to the running guest.
func (m *Machine) HotAddShare(ctx context.Context, tag string, backend virtio.FsBackend) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hotplugReadyLocked("hot-add share"); err != nil {
		return "", err
	}

	name := "fs-" + tag
	fs := virtio.NewFsDevice(tag, backend)
	dev, err := m.attachVirtio(name, fs, nil, true)
	if err != nil {
		return "", err
	}
	if err := m.completeHotAddLocked(ctx, dev); err != nil {
		return "", err
	}
	m.logger.Info("share hot-added", "device", name)
	return name, nil
}

// completeHotAddLocked starts a freshly attached slot and announces it to
// the guest agent. The bus is already live, so the device is started here
// rather than by bus.Start. Failure unwinds the attachment.
func (m *Machine) completeHotAddLocked(ctx context.Context, dev *attachedDevice) error {
	if err := dev.transport.Start(); err != nil {
		m.detachLocked(dev)
		return err
	}
	err := m.control.AddMMIODevice(ctx, dev.region.Base, dev.region.Size, dev.line)
	if err != nil {
		if stopErr := dev.transport.Stop(); stopErr != nil {
			m.logger.Warn("stop device after failed hot-add", "device", dev.name, "error", stopErr)
		}
		m.detachLocked(dev)
		return fmt.Errorf("hot-add %s: %w", dev.name, err)
	}
	return nil
}

// HotRemoveDevice detaches a hot-removable slot. The guest agent must
// release the device first; on an agent timeout the slot is left in the
// Removing state so the guest can never observe the hardware vanishing
// while it might still be in use. A later retry picks it up again.
func (m *Machine) HotRemoveDevice(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.hotplugReadyLocked("hot-remove device"); err != nil {
		return err
	}

	dev, ok := m.devices[name]
	if !ok {
		return fmt.Errorf("%w: device %q", ErrNotFound, name)
	}
	if !dev.removable {
		return fmt.Errorf("%w: device %q is not hot-removable", ErrConfig, name)
	}

	if err := m.bus.SetSlotState(name, chipset.SlotRemoving); err != nil {
		return err
	}

	if err := m.control.RemoveMMIODevice(ctx, dev.region.Base); err != nil {
		if errors.Is(err, upcall.ErrTimeout) || errors.Is(err, upcall.ErrNotConnected) {
			// The guest's answer is unknown; keep the slot parked.
			return fmt.Errorf("hot-remove %s: %w", name, err)
		}
		// Explicit refusal: the device is still in use, put it back.
		if restoreErr := m.bus.SetSlotState(name, chipset.SlotActive); restoreErr != nil {
			m.logger.Warn("restore slot state", "device", name, "error", restoreErr)
		}
		return fmt.Errorf("hot-remove %s: %w", name, err)
	}

	if err := dev.transport.Stop(); err != nil {
		m.logger.Warn("stop removed device", "device", name, "error", err)
	}
	m.detachLocked(dev)
	m.logger.Info("device hot-removed", "device", name)
	return nil
}

// HotAddCPU brings one more vCPU online and returns its id.
func (m *Machine) HotAddCPU(ctx context.Context) (int, error) {
	m.mu.Lock()
	if err := m.hotplugReadyLocked("hot-add cpu"); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	m.mu.Unlock()

	return m.vcpus.addCPU(ctx, m.control)
}

// HotRemoveCPU takes one vCPU offline. vCPU 0 is pinned.
func (m *Machine) HotRemoveCPU(ctx context.Context, id int) error {
	m.mu.Lock()
	if err := m.hotplugReadyLocked("hot-remove cpu"); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return m.vcpus.removeCPU(ctx, m.control, id)
}

// CPUCount returns the number of live vCPUs.
func (m *Machine) CPUCount() int { return m.vcpus.count() }

// HotResizeMemory retargets total guest RAM to totalMiB. Boot RAM is fixed;
// the delta is expressed through the virtio-mem device, whose driver plugs
// or unplugs blocks on its own, so no agent round-trip is needed.
func (m *Machine) HotResizeMemory(ctx context.Context, totalMiB uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning && m.state != StatePaused {
		return fmt.Errorf("%w: resize memory from %s", ErrInvalidTransition, m.state)
	}
	if m.memDev == nil {
		return fmt.Errorf("%w: no hotplug memory region configured", ErrConfig)
	}

	boot := m.cfg.Memory.SizeMiB
	if totalMiB < boot {
		return fmt.Errorf("%w: total %d MiB below boot RAM %d MiB", ErrConfig, totalMiB, boot)
	}
	if totalMiB > boot+m.cfg.Memory.HotplugMiB {
		return fmt.Errorf("%w: total %d MiB exceeds limit %d MiB", ErrConfig, totalMiB, boot+m.cfg.Memory.HotplugMiB)
	}

	if err := m.memDev.RequestSize((totalMiB - boot) << 20); err != nil {
		return err
	}
	m.logger.Info("memory resize requested", "total_mib", totalMiB)
	return nil
}
