package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cratevm/crate/internal/boot"
	"github.com/cratevm/crate/internal/chipset"
	"github.com/cratevm/crate/internal/hv"
	"github.com/cratevm/crate/internal/upcall"
)

// pauseGate is one pause request. Runners ack into acks and then block on
// resume; the control side collects acks and eventually closes resume.
type pauseGate struct {
	acks   chan int
	resume chan struct{}
}

type vcpuRunner struct {
	id     int
	cpu    hv.VirtualCPU
	cancel context.CancelFunc
	done   chan struct{}
}

type vcpuManagerConfig struct {
	logger  *slog.Logger
	vm      hv.VirtualMachine
	bus     *chipset.Chipset
	maxCPUs int

	// onHalt fires once when a vCPU reports a clean guest shutdown.
	onHalt func()
	// onFatal fires when a vCPU cannot continue; the error wraps
	// ErrVcpuFatal.
	onFatal func(error)
}

// vcpuManager owns the vCPU run loops. IDs are dense and never reused; the
// guest sees them as APIC ids.
type vcpuManager struct {
	cfg vcpuManagerConfig

	haltOnce  sync.Once
	fatalOnce sync.Once

	// gate is non-nil while a pause is requested or held.
	gate atomic.Pointer[pauseGate]

	mu      sync.Mutex
	runners map[int]*vcpuRunner
	nextID  int
	started bool
	wg      sync.WaitGroup
}

func newVcpuManager(cfg vcpuManagerConfig) *vcpuManager {
	return &vcpuManager{
		cfg:     cfg,
		runners: make(map[int]*vcpuRunner),
	}
}

// addBoot creates the boot vCPUs and places vCPU 0 in the kernel entry
// state. Runners stay parked until start.
func (v *vcpuManager) addBoot(count int, plan *boot.Plan) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := 0; i < count; i++ {
		cpu, err := v.cfg.vm.AddVCPU(v.nextID)
		if err != nil {
			return err
		}
		if v.nextID == 0 {
			if err := plan.Apply(cpu); err != nil {
				cpu.Close()
				return err
			}
		}
		v.runners[v.nextID] = &vcpuRunner{id: v.nextID, cpu: cpu, done: make(chan struct{})}
		v.nextID++
	}
	return nil
}

// start launches one goroutine per vCPU. Called once, from Machine.Start.
func (v *vcpuManager) start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.started = true
	for _, r := range v.runners {
		v.launchLocked(r)
	}
}

func (v *vcpuManager) launchLocked(r *vcpuRunner) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	v.wg.Add(1)
	go v.run(ctx, r)
}

// count returns the number of live vCPUs.
func (v *vcpuManager) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.runners)
}

// run is the per-vCPU loop. It stays locked to one OS thread for the life
// of the vCPU fd.
func (v *vcpuManager) run(ctx context.Context, r *vcpuRunner) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer v.wg.Done()
	defer close(r.done)

	log := v.cfg.logger.With("vcpu", r.id)
	for {
		if gate := v.gate.Load(); gate != nil {
			select {
			case gate.acks <- r.id:
			default:
			}
			select {
			case <-gate.resume:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		exit, err := r.cpu.RunOnce(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, hv.ErrVMHalted):
				v.haltOnce.Do(v.cfg.onHalt)
				return
			default:
				v.fatalOnce.Do(func() {
					v.cfg.onFatal(fmt.Errorf("%w: vcpu %d: %v", ErrVcpuFatal, r.id, err))
				})
				return
			}
		}

		switch e := exit.(type) {
		case hv.ExitIo:
			if err := v.cfg.bus.HandlePIO(e.Port, e.Data, e.Write); err != nil {
				v.dispatchFailed(log, err, e.Data, e.Write, 0xff)
			}
		case hv.ExitMmio:
			if err := v.cfg.bus.HandleMMIO(e.Addr, e.Data, e.Write); err != nil {
				v.dispatchFailed(log, err, e.Data, e.Write, 0)
			}
		case hv.ExitHalt:
			v.haltOnce.Do(v.cfg.onHalt)
			return
		case hv.ExitPreempted:
			// Loop; the gate check above decides what happens next.
		case hv.ExitInternal:
			v.fatalOnce.Do(func() {
				v.cfg.onFatal(fmt.Errorf("%w: vcpu %d: internal error %d", ErrVcpuFatal, r.id, e.Suberror))
			})
			return
		}
	}
}

// dispatchFailed handles accesses no live slot serviced. Reads float to the
// open-bus value so guest probes see absent hardware; writes are dropped.
// Broken slots are expected during hot-unplug and after MarkBroken.
func (v *vcpuManager) dispatchFailed(log *slog.Logger, err error, data []byte, write bool, openBus byte) {
	if !write {
		for i := range data {
			data[i] = openBus
		}
	}
	if errors.Is(err, chipset.ErrDeviceBroken) {
		log.Warn("access to broken device", "error", err)
		return
	}
	log.Debug("unclaimed guest access", "error", err)
}

// pause parks every runner. All must ack before ctx expires; on timeout the
// parked ones are released again and the error wraps ErrPauseTimeout.
func (v *vcpuManager) pause(ctx context.Context) error {
	v.mu.Lock()
	if !v.started {
		v.mu.Unlock()
		return fmt.Errorf("%w: pause before start", ErrInvalidTransition)
	}
	want := len(v.runners)
	gate := &pauseGate{acks: make(chan int, want*2), resume: make(chan struct{})}
	v.gate.Store(gate)
	for _, r := range v.runners {
		if err := r.cpu.RequestExit(); err != nil {
			v.cfg.logger.Warn("request exit", "vcpu", r.id, "error", err)
		}
	}
	v.mu.Unlock()

	parked := make(map[int]bool, want)
	for len(parked) < want {
		select {
		case id := <-gate.acks:
			parked[id] = true
		case <-ctx.Done():
			v.releaseGate(gate)
			return fmt.Errorf("%w: %d of %d vcpus parked", ErrPauseTimeout, len(parked), want)
		}
	}
	return nil
}

// resume releases the current gate, if any.
func (v *vcpuManager) resume() {
	if gate := v.gate.Load(); gate != nil {
		v.releaseGate(gate)
	}
}

func (v *vcpuManager) releaseGate(gate *pauseGate) {
	if v.gate.CompareAndSwap(gate, nil) {
		close(gate.resume)
	}
}

// stop cancels every runner, waits for them, and closes the vCPU fds.
func (v *vcpuManager) stop() {
	v.mu.Lock()
	for _, r := range v.runners {
		if r.cancel != nil {
			r.cancel()
		}
		if err := r.cpu.RequestExit(); err != nil {
			v.cfg.logger.Debug("request exit", "vcpu", r.id, "error", err)
		}
	}
	runners := make([]*vcpuRunner, 0, len(v.runners))
	for _, r := range v.runners {
		runners = append(runners, r)
	}
	v.runners = map[int]*vcpuRunner{}
	v.mu.Unlock()

	v.resume()
	v.wg.Wait()

	for _, r := range runners {
		if err := r.cpu.Close(); err != nil {
			v.cfg.logger.Warn("close vcpu", "vcpu", r.id, "error", err)
		}
	}
}

// addCPU hot-adds one vCPU: create and start it, then tell the guest agent.
// If the agent refuses or times out the vCPU is rolled back; its id is not
// reused.
func (v *vcpuManager) addCPU(ctx context.Context, control *upcall.Client) (int, error) {
	v.mu.Lock()
	if len(v.runners) >= v.cfg.maxCPUs {
		v.mu.Unlock()
		return 0, fmt.Errorf("%w: vcpu limit %d reached", ErrConfig, v.cfg.maxCPUs)
	}
	id := v.nextID
	cpu, err := v.cfg.vm.AddVCPU(id)
	if err != nil {
		v.mu.Unlock()
		return 0, err
	}
	v.nextID++
	r := &vcpuRunner{id: id, cpu: cpu, done: make(chan struct{})}
	v.runners[id] = r
	if v.started {
		v.launchLocked(r)
	}
	v.mu.Unlock()

	if err := control.AddCPU(ctx, uint32(id)); err != nil {
		v.retireRunner(r)
		return 0, fmt.Errorf("hot-add vcpu %d: %w", id, err)
	}
	v.cfg.logger.Info("vcpu added", "vcpu", id)
	return id, nil
}

// removeCPU hot-removes a vCPU. The guest agent offlines it first; only a
// confirmed success releases the host side. On timeout the vCPU is kept,
// since the guest may still be using it.
func (v *vcpuManager) removeCPU(ctx context.Context, control *upcall.Client, id int) error {
	if id == 0 {
		return fmt.Errorf("%w: vcpu 0 cannot be removed", ErrConfig)
	}
	v.mu.Lock()
	r, ok := v.runners[id]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: vcpu %d", ErrNotFound, id)
	}

	if err := control.RemoveCPU(ctx, uint32(id)); err != nil {
		return fmt.Errorf("hot-remove vcpu %d: %w", id, err)
	}

	v.retireRunner(r)
	v.cfg.logger.Info("vcpu removed", "vcpu", id)
	return nil
}

// retireRunner stops one runner and closes its vCPU.
func (v *vcpuManager) retireRunner(r *vcpuRunner) {
	v.mu.Lock()
	delete(v.runners, r.id)
	v.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		if err := r.cpu.RequestExit(); err != nil {
			v.cfg.logger.Debug("request exit", "vcpu", r.id, "error", err)
		}
		<-r.done
	}
	if err := r.cpu.Close(); err != nil {
		v.cfg.logger.Warn("close vcpu", "vcpu", r.id, "error", err)
	}
}
