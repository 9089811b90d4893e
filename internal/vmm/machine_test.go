package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cratevm/crate/internal/hv"
)

// fakeHypervisor is an in-memory hv.Hypervisor for machine tests.
type fakeHypervisor struct {
	mu     sync.Mutex
	vm     *fakeVM
	closed bool
}

func (h *fakeHypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vm = &fakeVM{
		cfg:  cfg,
		mem:  make([]byte, cfg.MemorySize),
		cpus: make(map[int]*fakeCPU),
		irq:  make(map[uint32]bool),
	}
	return h.vm, nil
}

func (h *fakeHypervisor) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

type fakeVM struct {
	cfg hv.VMConfig
	mem []byte

	mu     sync.Mutex
	cpus   map[int]*fakeCPU
	irq    map[uint32]bool
	closed bool
}

func (vm *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(vm.mem)) {
		return 0, io.EOF
	}
	return copy(p, vm.mem[off:]), nil
}

func (vm *fakeVM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(vm.mem)) {
		return 0, io.ErrShortWrite
	}
	return copy(vm.mem[off:], p), nil
}

func (vm *fakeVM) MemoryBase() uint64 { return vm.cfg.MemoryBase }
func (vm *fakeVM) MemorySize() uint64 { return vm.cfg.MemorySize }

func (vm *fakeVM) AddVCPU(id int) (hv.VirtualCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.cpus[id]; ok {
		return nil, errors.New("vcpu id in use")
	}
	c := &fakeCPU{
		id:      id,
		kick:    make(chan struct{}, 1),
		script:  make(chan runResult),
		entered: make(chan struct{}),
	}
	vm.cpus[id] = c
	return c, nil
}

func (vm *fakeVM) MapRegion(guestAddr, size uint64) (hv.MemoryRegion, error) {
	return &fakeRegion{buf: make([]byte, size)}, nil
}

func (vm *fakeVM) SetIRQ(line uint32, level bool) error {
	vm.mu.Lock()
	vm.irq[line] = level
	vm.mu.Unlock()
	return nil
}

func (vm *fakeVM) Close() error {
	vm.mu.Lock()
	vm.closed = true
	vm.mu.Unlock()
	return nil
}

func (vm *fakeVM) cpu(id int) *fakeCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.cpus[id]
}

type fakeRegion struct {
	mu        sync.Mutex
	buf       []byte
	discarded []uint64
}

func (r *fakeRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.buf)) {
		return 0, io.EOF
	}
	return copy(p, r.buf[off:]), nil
}

func (r *fakeRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(r.buf[off:], p), nil
}

func (r *fakeRegion) Size() uint64 { return uint64(len(r.buf)) }

func (r *fakeRegion) Discard(off, length uint64) error {
	r.mu.Lock()
	r.discarded = append(r.discarded, off)
	r.mu.Unlock()
	return nil
}

type runResult struct {
	exit hv.VmExit
	err  error
}

// fakeCPU blocks in RunOnce until kicked, scripted, or cancelled. A deaf CPU
// ignores kicks, which wedges the pause barrier. entered is closed the first
// time the run loop reaches RunOnce, so tests can wait for the runner to be
// past the loop-top gate check.
type fakeCPU struct {
	id      int
	kick    chan struct{}
	script  chan runResult
	deaf    bool
	entered chan struct{}

	enterOnce sync.Once
	mu        sync.Mutex
	closed    bool
	bootEntry uint64
}

func (c *fakeCPU) ID() int { return c.id }

func (c *fakeCPU) RunOnce(ctx context.Context) (hv.VmExit, error) {
	c.enterOnce.Do(func() { close(c.entered) })
	if c.deaf {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-c.script:
		return r.exit, r.err
	case <-c.kick:
		return hv.ExitPreempted{}, nil
	}
}

func (c *fakeCPU) RequestExit() error {
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeCPU) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCPU) SetBootState(entryGPA, bootParamsGPA uint64) error {
	c.mu.Lock()
	c.bootEntry = entryGPA
	c.mu.Unlock()
	return nil
}

// writeTestKernel produces a minimal bzImage the loader accepts.
func writeTestKernel(t *testing.T) string {
	t.Helper()

	const setupSectors = 4
	img := make([]byte, 512*(1+setupSectors)+1024)
	img[497] = setupSectors
	img[0x1fe] = 0x55
	img[0x1ff] = 0xaa
	copy(img[0x202:], "HdrS")
	img[0x201] = 0x77
	binary.LittleEndian.PutUint16(img[518:], 0x020f) // protocol version
	img[529] = 0x01                                  // loaded high
	binary.LittleEndian.PutUint32(img[532:], 0x100000)
	binary.LittleEndian.PutUint32(img[556:], 0x37ffffff) // initrd_addr_max
	binary.LittleEndian.PutUint32(img[560:], 0x200000)   // kernel_alignment
	img[564] = 1                                         // relocatable
	binary.LittleEndian.PutUint32(img[568:], 2047)       // cmdline_size
	binary.LittleEndian.PutUint32(img[608:], 1024)       // init_size

	path := filepath.Join(t.TempDir(), "vmlinuz")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("writing test kernel: %v", err)
	}
	return path
}

func testMachineConfig(t *testing.T) *MachineConfig {
	return &MachineConfig{
		Kernel: writeTestKernel(t),
		CPUs:   CPUConfig{Boot: 2, Max: 4},
		Memory: MemoryConfig{SizeMiB: 64},
	}
}

func newTestMachine(t *testing.T, cfg *MachineConfig) (*Machine, *fakeHypervisor) {
	t.Helper()

	fhv := &fakeHypervisor{}
	m, err := NewMachine(cfg, Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hypervisor: fhv,
	})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m, fhv
}

func TestMachineLifecycle(t *testing.T) {
	m, _ := newTestMachine(t, testMachineConfig(t))

	if got := m.State(); got != StateCreated {
		t.Fatalf("state = %s, want created", got)
	}
	if m.CPUCount() != 2 {
		t.Fatalf("cpu count = %d, want 2", m.CPUCount())
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := m.State(); got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if err := m.Pause(ctx); err != nil {
		t.Fatalf("Pause while paused = %v, want no-op", err)
	}

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
	if err := m.Wait(); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}

func TestMachineInvalidTransitions(t *testing.T) {
	m, _ := newTestMachine(t, testMachineConfig(t))
	ctx := context.Background()

	if err := m.Pause(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause before start = %v", err)
	}
	if err := m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume before start = %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start = %v", err)
	}
	if err := m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume while running = %v", err)
	}

	m.Stop()
	if err := m.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start after stop = %v", err)
	}
}

func TestMachineGuestHaltStops(t *testing.T) {
	m, fhv := newTestMachine(t, testMachineConfig(t))
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fhv.vm.cpu(0).script <- runResult{err: hv.ErrVMHalted}

	if err := m.Wait(); err != nil {
		t.Errorf("Wait = %v, want nil for clean halt", err)
	}
	if got := m.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestMachineVcpuFatalStops(t *testing.T) {
	m, fhv := newTestMachine(t, testMachineConfig(t))
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fhv.vm.cpu(1).script <- runResult{exit: hv.ExitInternal{Suberror: 7}}

	if err := m.Wait(); !errors.Is(err, ErrVcpuFatal) {
		t.Errorf("Wait = %v, want ErrVcpuFatal", err)
	}
}

func TestMachinePauseTimeout(t *testing.T) {
	cfg := testMachineConfig(t)
	m, fhv := newTestMachine(t, cfg)

	// One vCPU never reaches the barrier.
	deaf := fhv.vm.cpu(1)
	deaf.deaf = true

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until the deaf vCPU is stuck inside RunOnce. A pause requested
	// before the runner's first loop iteration would be acked at the gate
	// check instead of timing out.
	select {
	case <-deaf.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("vcpu 1 never entered its run loop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Pause(ctx); !errors.Is(err, ErrPauseTimeout) {
		t.Fatalf("Pause = %v, want ErrPauseTimeout", err)
	}

	// The machine stays running and a later stop still works.
	if got := m.State(); got != StateRunning {
		t.Errorf("state = %s, want running after failed pause", got)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestMachineShareWithoutBackend(t *testing.T) {
	cfg := testMachineConfig(t)
	cfg.Shares = []ShareConfig{{Tag: "data"}}

	_, err := NewMachine(cfg, Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Hypervisor: &fakeHypervisor{},
	})
	if !errors.Is(err, ErrConfig) {
		t.Errorf("NewMachine = %v, want ErrConfig", err)
	}
}

func TestMachineCmdlineCarriesDevices(t *testing.T) {
	cfg := testMachineConfig(t)
	cfg.Cmdline = "loglevel=7"
	m, _ := newTestMachine(t, cfg)

	for _, want := range []string{"console=ttyS0", "virtio_mmio.device=", "loglevel=7"} {
		if !strings.Contains(m.cmdline, want) {
			t.Errorf("cmdline %q missing %q", m.cmdline, want)
		}
	}
}
