// Package vmm assembles the machine: hypervisor, guest memory layout, the
// device bus, vCPUs, and the control channel to the guest agent. It owns the
// lifecycle state and is the only package that mutates it.
package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/cratevm/crate/internal/acpi"
	"github.com/cratevm/crate/internal/boot"
	"github.com/cratevm/crate/internal/chipset"
	"github.com/cratevm/crate/internal/devices/serial"
	"github.com/cratevm/crate/internal/devices/virtio"
	"github.com/cratevm/crate/internal/hv"
	"github.com/cratevm/crate/internal/hv/kvm"
	"github.com/cratevm/crate/internal/netstack"
	"github.com/cratevm/crate/internal/seccomp"
	"github.com/cratevm/crate/internal/upcall"
)

const (
	// mmioHoleBase..mmioHoleEnd is the window below 4 GiB that virtio
	// transports are placed in. Boot RAM stays below it.
	mmioHoleBase = 0xd000_0000
	mmioHoleEnd  = 0xf000_0000

	// hotplugRAMBase is where the resizable memory region sits, above the
	// 32-bit hole so it never collides with boot RAM or MMIO.
	hotplugRAMBase = 1 << 32

	// memBlockSize is the virtio-mem plug granularity.
	memBlockSize = 2 << 20

	com1Base = 0x3f8
	com1IRQ  = 4

	// virtioIRQFirst..+virtioIRQCount are the IOAPIC lines handed to the
	// interrupt arena. Lines below 16 stay with legacy devices.
	virtioIRQFirst = 16
	virtioIRQCount = 8
)

// State is the machine lifecycle position. Transitions go Created→Running,
// Running↔Paused, and anything→Stopped; everything else is rejected.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options carries the pieces of a machine that do not belong in the on-disk
// config: host-side streams, backends, and test seams.
type Options struct {
	Logger *slog.Logger

	// ConsoleOut receives guest serial output. Defaults to io.Discard.
	ConsoleOut io.Writer
	// ConsoleIn feeds the guest serial port. May be nil.
	ConsoleIn io.Reader

	// FsBackends maps share tags to their FUSE servers. Every configured
	// share needs an entry.
	FsBackends map[string]virtio.FsBackend

	// Hypervisor overrides the KVM backend. Tests inject a fake here.
	Hypervisor hv.Hypervisor
}

// attachedDevice is the bookkeeping for one virtio slot: its transport, the
// resources to release on removal, and whether removal is allowed at all.
type attachedDevice struct {
	name      string
	transport *virtio.MMIODevice
	region    hv.GuestMemoryRegion
	line      uint32
	closer    io.Closer
	removable bool
}

// Machine is one guest. All exported methods are safe for concurrent use;
// lifecycle and hotplug operations serialize on an internal mutex.
type Machine struct {
	cfg    MachineConfig
	logger *slog.Logger

	hvisor  hv.Hypervisor
	ownsHv  bool
	vm      hv.VirtualMachine
	space   *hv.AddressSpace
	bus     *chipset.Chipset
	lines   *chipset.LineSet
	vcpus   *vcpuManager
	control *upcall.Client

	vsock   *virtio.VsockDevice
	balloon *virtio.BalloonDevice
	memDev  *virtio.MemDevice
	network *netstack.Stack

	plan    *boot.Plan
	cmdline string

	mu       sync.Mutex
	state    State
	devices  map[string]*attachedDevice
	diskSeq  int
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewMachine builds the guest described by cfg but does not run it. On
// success the machine is in StateCreated with the kernel loaded and the boot
// vCPUs parked; Start begins execution.
func NewMachine(cfg *MachineConfig, opts Options) (*Machine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("machine", cfg.Name)

	hvisor := opts.Hypervisor
	ownsHv := false
	if hvisor == nil {
		var err error
		hvisor, err = kvm.Open()
		if err != nil {
			return nil, err
		}
		ownsHv = true
	}

	m := &Machine{
		cfg:     *cfg,
		logger:  logger,
		hvisor:  hvisor,
		ownsHv:  ownsHv,
		state:   StateCreated,
		devices: make(map[string]*attachedDevice),
		done:    make(chan struct{}),
	}

	if err := m.build(opts); err != nil {
		m.teardown()
		return nil, err
	}
	return m, nil
}

func (m *Machine) build(opts Options) error {
	cfg := &m.cfg

	vm, err := m.hvisor.NewVirtualMachine(hv.VMConfig{
		MaxCPUs:    cfg.CPUs.Max,
		MemoryBase: 0,
		MemorySize: cfg.Memory.SizeMiB << 20,
	})
	if err != nil {
		return err
	}
	m.vm = vm

	m.space, err = hv.NewAddressSpace(mmioHoleBase, mmioHoleEnd)
	if err != nil {
		return err
	}
	m.bus = chipset.New()
	m.lines = chipset.NewLineSet(vm, virtioIRQFirst, virtioIRQCount)

	consoleOut := opts.ConsoleOut
	if consoleOut == nil {
		consoleOut = io.Discard
	}
	com1Line := chipset.LineInterruptFromFunc(func(level bool) {
		if err := vm.SetIRQ(com1IRQ, level); err != nil {
			m.logger.Warn("serial irq", "error", err)
		}
	})
	uart := serial.NewUART16550(com1Base, com1Line, consoleOut, opts.ConsoleIn)
	if err := m.bus.AttachDevice("com1", uart); err != nil {
		return err
	}

	m.cmdline = "console=ttyS0 reboot=k panic=-1"

	// The control channel rides the vsock device; the guest agent dials
	// out to the well-known port once it is up.
	m.control = upcall.NewClient(m.logger)
	m.vsock = virtio.NewVsockDevice(cfg.Vsock.GuestCID)
	if err := m.vsock.ListenPort(upcall.Port, func(conn net.Conn) {
		m.control.HandleConnection(conn)
	}); err != nil {
		return err
	}
	if _, err := m.attachVirtio("vsock", m.vsock, nil, false); err != nil {
		return err
	}

	if cfg.Network.Enabled {
		if err := m.buildNetwork(); err != nil {
			return err
		}
	}

	for _, d := range cfg.Disks {
		if _, err := m.addDisk(d); err != nil {
			return err
		}
	}

	for _, s := range cfg.Shares {
		backend, ok := opts.FsBackends[s.Tag]
		if !ok {
			return fmt.Errorf("%w: share %q has no backend", ErrConfig, s.Tag)
		}
		fs := virtio.NewFsDevice(s.Tag, backend)
		if _, err := m.attachVirtio("fs-"+s.Tag, fs, nil, true); err != nil {
			return err
		}
	}

	if cfg.Balloon {
		m.balloon = virtio.NewBalloonDevice(m.discardBootRAM)
		dev, err := m.attachVirtio("balloon", m.balloon, nil, false)
		if err != nil {
			return err
		}
		m.balloon.Bind(dev.transport)
	}

	if cfg.Memory.HotplugMiB > 0 {
		if err := m.buildHotplugRAM(); err != nil {
			return err
		}
	}

	if cfg.Cmdline != "" {
		m.cmdline += " " + cfg.Cmdline
	}

	if err := m.loadKernel(); err != nil {
		return err
	}
	if err := m.installACPI(); err != nil {
		return err
	}

	m.vcpus = newVcpuManager(vcpuManagerConfig{
		logger:  m.logger,
		vm:      vm,
		bus:     m.bus,
		maxCPUs: cfg.CPUs.Max,
		onHalt:  func() { go m.Stop() },
		onFatal: func(err error) {
			m.logger.Error("vcpu failed", "error", err)
			go m.stopWith(err)
		},
	})
	return m.vcpus.addBoot(cfg.CPUs.Boot, m.plan)
}

func (m *Machine) buildNetwork() error {
	mac, err := net.ParseMAC(m.cfg.Network.MAC)
	if err != nil {
		return fmt.Errorf("%w: network.mac: %v", ErrConfig, err)
	}

	var capture io.WriteCloser
	if path := m.cfg.Network.CaptureFile; path != "" {
		capture, err = os.Create(path)
		if err != nil {
			return fmt.Errorf("%w: network.capture_file: %v", ErrConfig, err)
		}
	}

	stack, err := netstack.New(netstack.Config{
		AllowOutbound: m.cfg.Network.AllowOutbound,
		EnableDNS:     m.cfg.Network.EnableDNS,
		Capture:       capture,
		Logger:        m.logger,
	})
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return err
	}
	m.network = stack

	var hwaddr [6]byte
	copy(hwaddr[:], mac)
	netDev := virtio.NewNetDevice(stack, hwaddr)
	var closer io.Closer = stack
	if capture != nil {
		closer = closeBoth{stack, capture}
	}
	if _, err := m.attachVirtio("net", netDev, closer, false); err != nil {
		return err
	}
	return nil
}

// closeBoth closes the network stack and its capture file together.
type closeBoth struct {
	a, b io.Closer
}

func (c closeBoth) Close() error {
	errA := c.a.Close()
	if err := c.b.Close(); errA == nil {
		errA = err
	}
	return errA
}

func (m *Machine) buildHotplugRAM() error {
	size := m.cfg.Memory.HotplugMiB << 20
	region, err := m.vm.MapRegion(hotplugRAMBase, size)
	if err != nil {
		return err
	}
	discard := func(gpa, length uint64) error {
		return region.Discard(gpa-hotplugRAMBase, length)
	}
	memDev, err := virtio.NewMemDevice(hotplugRAMBase, size, memBlockSize, discard)
	if err != nil {
		return err
	}
	m.memDev = memDev
	dev, err := m.attachVirtio("mem", memDev, nil, false)
	if err != nil {
		return err
	}
	memDev.Bind(dev.transport)
	return nil
}

// discardBootRAM is the balloon's release path. Backends without discard
// support keep the pages; the balloon still tracks them as gone.
func (m *Machine) discardBootRAM(gpa, size uint64) error {
	d, ok := m.vm.(hv.MemoryDiscarder)
	if !ok {
		return nil
	}
	return d.DiscardRange(gpa, size)
}

// installACPI publishes the boot-time hardware inventory: LAPICs up to the
// hot-add ceiling, the IO-APIC, COM1, and every virtio window attached so
// far. Devices added after boot are announced through the guest agent.
func (m *Machine) installACPI() error {
	cfg := acpi.Config{
		BootCPUs: m.cfg.CPUs.Boot,
		MaxCPUs:  m.cfg.CPUs.Max,
		UARTs:    []acpi.UARTPort{{Base: com1Base, IRQ: com1IRQ}},
	}
	for _, dev := range m.devices {
		cfg.Virtio = append(cfg.Virtio, acpi.VirtioWindow{
			Base: dev.region.Base,
			Size: dev.region.Size,
			GSI:  dev.transport.IRQLine(),
		})
	}
	return acpi.Install(m.vm, cfg)
}

func (m *Machine) loadKernel() error {
	kf, err := os.Open(m.cfg.Kernel)
	if err != nil {
		return fmt.Errorf("%w: kernel: %v", ErrConfig, err)
	}
	defer kf.Close()
	st, err := kf.Stat()
	if err != nil {
		return fmt.Errorf("%w: kernel: %v", ErrConfig, err)
	}

	var initrd []byte
	if m.cfg.Initrd != "" {
		initrd, err = os.ReadFile(m.cfg.Initrd)
		if err != nil {
			return fmt.Errorf("%w: initrd: %v", ErrConfig, err)
		}
	}

	plan, err := boot.Load(m.vm, boot.Options{
		Kernel:     kf,
		KernelSize: st.Size(),
		Cmdline:    m.cmdline,
		Initrd:     initrd,
	})
	if err != nil {
		return err
	}
	m.plan = plan
	return nil
}

// attachVirtio places a virtio device on the bus: an MMIO window from the
// arena, an interrupt line, a transport, and a slot. Failures unwind.
func (m *Machine) attachVirtio(name string, handler virtio.DeviceHandler, closer io.Closer, removable bool) (*attachedDevice, error) {
	region, err := m.space.Allocate(virtio.MmioWindowSize, virtio.MmioWindowSize, hv.RegionMMIO)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", name, err)
	}
	irq, line, err := m.lines.Allocate()
	if err != nil {
		_ = m.space.Free(region)
		return nil, fmt.Errorf("device %q: %w", name, err)
	}
	transport := virtio.NewMMIODevice(name, region.Base, m.vm, irq, line, handler)
	if err := m.bus.AttachDevice(name, transport); err != nil {
		_ = m.lines.Free(line)
		_ = m.space.Free(region)
		return nil, err
	}

	m.cmdline += " " + transport.CmdlineFragment()

	dev := &attachedDevice{
		name:      name,
		transport: transport,
		region:    region,
		line:      line,
		closer:    closer,
		removable: removable,
	}
	m.devices[name] = dev
	return dev, nil
}

// detachLocked unwinds everything attachVirtio claimed. Callers hold m.mu
// and have already stopped the device.
func (m *Machine) detachLocked(dev *attachedDevice) {
	if err := m.bus.SetSlotState(dev.name, chipset.SlotRemoving); err != nil {
		m.logger.Warn("park slot for detach", "device", dev.name, "error", err)
	}
	if err := m.bus.DetachDevice(dev.name); err != nil {
		m.logger.Warn("detach device", "device", dev.name, "error", err)
	}
	if err := m.lines.Free(dev.line); err != nil {
		m.logger.Warn("free irq line", "device", dev.name, "error", err)
	}
	if err := m.space.Free(dev.region); err != nil {
		m.logger.Warn("free mmio window", "device", dev.name, "error", err)
	}
	if dev.closer != nil {
		if err := dev.closer.Close(); err != nil {
			m.logger.Warn("close device backend", "device", dev.name, "error", err)
		}
	}
	delete(m.devices, dev.name)
}

// addDisk opens the backing file and attaches a virtio-blk slot. Callers
// hold m.mu (or run before the machine is visible to other goroutines).
func (m *Machine) addDisk(d DiskConfig) (*attachedDevice, error) {
	flags := os.O_RDWR
	if d.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.Path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: disk %s: %v", ErrConfig, d.Path, err)
	}

	name := fmt.Sprintf("blk%d", m.diskSeq)
	m.diskSeq++
	serialID := d.Serial
	if serialID == "" {
		serialID = name
	}
	blk := virtio.NewBlockDevice(virtio.FileBackend(f), serialID, d.ReadOnly, virtio.BlockLimits{
		OpsPerSec:   float64(d.OpsPerSec),
		BytesPerSec: float64(d.BytesPerSec),
	})
	dev, err := m.attachVirtio(name, blk, f, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return dev, nil
}

// State returns the current lifecycle position.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Network returns the synthetic network stack, or nil when networking is
// disabled.
func (m *Machine) Network() *netstack.Stack { return m.network }

// Start begins guest execution. Valid only from StateCreated.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, m.state)
	}

	if err := m.bus.Start(); err != nil {
		return err
	}
	if m.cfg.Seccomp {
		if err := seccomp.DefaultPolicy().Install(); err != nil {
			_ = m.bus.Stop()
			return err
		}
	}
	m.vcpus.start()
	m.state = StateRunning
	m.logger.Info("machine started", "cpus", m.cfg.CPUs.Boot, "memory_mib", m.cfg.Memory.SizeMiB)
	return nil
}

// Pause parks every vCPU at the pause barrier. Pausing an already paused
// machine is a no-op. If any vCPU fails to park before ctx expires, the
// rest are released and the machine stays Running.
func (m *Machine) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePaused {
		return nil
	}
	if m.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, m.state)
	}
	if err := m.vcpus.pause(ctx); err != nil {
		return err
	}
	m.state = StatePaused
	m.logger.Info("machine paused")
	return nil
}

// Resume releases the pause barrier.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, m.state)
	}
	m.vcpus.resume()
	m.state = StateRunning
	m.logger.Info("machine resumed")
	return nil
}

// Stop tears the machine down: vCPUs first, then devices, then guest
// memory. Safe from any state and idempotent.
func (m *Machine) Stop() error {
	return m.stopWith(nil)
}

func (m *Machine) stopWith(cause error) error {
	m.stopOnce.Do(func() {
		m.stopErr = cause
		m.teardown()

		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()

		close(m.done)
		m.logger.Info("machine stopped")
	})
	return m.stopErr
}

// teardown releases everything build claimed, tolerating partial
// construction. Order matters: no vCPU may touch a device after its
// backend is gone, and no device may touch guest memory after vm.Close.
func (m *Machine) teardown() {
	if m.vcpus != nil {
		m.vcpus.stop()
	}
	if m.control != nil {
		m.control.Disconnect()
	}
	if m.bus != nil {
		if err := m.bus.Stop(); err != nil {
			m.logger.Warn("bus stop", "error", err)
		}
	}
	m.mu.Lock()
	for _, dev := range m.devices {
		if dev.closer != nil {
			_ = dev.closer.Close()
		}
	}
	m.devices = map[string]*attachedDevice{}
	m.mu.Unlock()
	if m.vm != nil {
		if err := m.vm.Close(); err != nil {
			m.logger.Warn("vm close", "error", err)
		}
		m.vm = nil
	}
	if m.ownsHv && m.hvisor != nil {
		_ = m.hvisor.Close()
		m.hvisor = nil
	}
}

// Wait blocks until the machine stops and returns the cause, nil for a
// clean guest shutdown or an explicit Stop.
func (m *Machine) Wait() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopErr
}
