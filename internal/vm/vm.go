// Package vm orchestrates a virtual machine's lifecycle: staged boot with
// rollback on failure, device hotplug through atomic dispatcher
// transactions, pause/resume with downtime accounting, and teardown.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/driftvm/drift/internal/arch/arm64"
	"github.com/driftvm/drift/internal/arch/x86"
	"github.com/driftvm/drift/internal/boot"
	"github.com/driftvm/drift/internal/dispatch"
	"github.com/driftvm/drift/internal/hv"
	"github.com/driftvm/drift/internal/upcall"
	"github.com/driftvm/drift/internal/vmconfig"
)

// x86 flat kernels load above the legacy hole.
const x86KernelLoadAddr = 0x100_0000

// UpcallClient is the hotplug transport contract the orchestrator needs.
type UpcallClient interface {
	Connect(ctx context.Context) error
	IsReady() bool
	AddMmioDev(req upcall.MmioDevRequest) error
	DelMmioDev(req upcall.MmioDevRequest) error
	Close() error
}

// MemoryFactory allocates guest memory for a validated configuration.
type MemoryFactory func(cfg *vmconfig.Config) (hv.GuestMemory, error)

// ImageOpener opens a boot image as a seekable stream plus its size.
type ImageOpener func(path string) (io.ReaderAt, int64, func() error, error)

// Options wires the external collaborators into a Vm.
type Options struct {
	Arch   hv.CpuArchitecture
	Logger *slog.Logger

	Memory MemoryFactory
	Vcpus  hv.VcpuManager

	// Upcall is optional; without it hotplug requests fail with
	// ErrUpcallNotSupported.
	Upcall UpcallClient

	// Gic describes the interrupt controller for the arm64 device tree.
	Gic *arm64.GicInfo

	// OpenImage defaults to opening files from the local filesystem.
	OpenImage ImageOpener
}

// Vm is one virtual machine instance. All lifecycle operations are
// serialized; dispatch runs concurrently through the Dispatcher.
type Vm struct {
	cfg  *vmconfig.Config
	opts Options
	log  *slog.Logger

	dispatcher *dispatch.Dispatcher

	// devMu guards the device inventory. It is ordered after the
	// dispatcher's internal lock: never acquire the dispatcher while
	// holding devMu.
	devMu   sync.Mutex
	pending []DeviceDef // declared before boot, registered by init-devices
	devices []DeviceDef // registered inventory

	mu          sync.Mutex
	state       State
	mem         hv.GuestMemory
	activeVcpus uint8
	kernel      *boot.KernelInfo
	initrd      *boot.InitrdInfo
	cpuid       [][]x86.Entry
	fdtAddr     uint64
	cmdline     string
	pausedAt    time.Time
	downtime    time.Duration
}

// New builds a Vm around a validated configuration. cfg must not change
// afterwards.
func New(cfg *vmconfig.Config, opts Options) (*Vm, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Memory == nil {
		return nil, errors.New("vm: memory factory required")
	}
	if opts.Vcpus == nil {
		return nil, errors.New("vm: vcpu manager required")
	}
	switch opts.Arch {
	case hv.ArchitectureX86_64:
	case hv.ArchitectureARM64:
		if opts.Gic == nil {
			return nil, errors.New("vm: arm64 requires an interrupt controller description")
		}
	default:
		return nil, fmt.Errorf("%w: %q", hv.ErrArchUnsupported, opts.Arch)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OpenImage == nil {
		opts.OpenImage = openImageFile
	}
	return &Vm{
		cfg:        cfg,
		opts:       opts,
		log:        opts.Logger,
		dispatcher: dispatch.NewDispatcher(),
		state:      StateUninitialized,
	}, nil
}

func openImageFile(path string) (io.ReaderAt, int64, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, fi.Size(), f.Close, nil
}

// AddDevice declares a device to be registered during boot. The interrupt
// controller must be declared like any other device; init-devices registers
// it first regardless of declaration order.
func (v *Vm) AddDevice(def DeviceDef) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateUninitialized {
		return fmt.Errorf("%w: cannot declare devices in state %s", ErrInvalidState, v.state)
	}
	v.devMu.Lock()
	v.pending = append(v.pending, def)
	v.devMu.Unlock()
	return nil
}

// State returns the lifecycle state.
func (v *Vm) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vm) setState(next State) error {
	if !v.state.canTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, v.state, next)
	}
	v.log.Debug("lifecycle transition", "from", v.state.String(), "to", next.String())
	v.state = next
	return nil
}

// Dispatcher returns the trapped I/O dispatcher; the vCPU exit loop routes
// every trapped access through it.
func (v *Vm) Dispatcher() *dispatch.Dispatcher { return v.dispatcher }

// GuestMemory returns the guest address space, nil before boot reaches
// init-guest-memory.
func (v *Vm) GuestMemory() hv.GuestMemory {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mem
}

// KernelInfo reports where the kernel was loaded, nil before load-kernel.
func (v *Vm) KernelInfo() *boot.KernelInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.kernel
}

// InitrdInfo reports where the initrd was loaded, nil when none was
// configured.
func (v *Vm) InitrdInfo() *boot.InitrdInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initrd
}

// VcpuCount returns the number of active vCPUs.
func (v *Vm) VcpuCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.activeVcpus)
}

func (v *Vm) snapshotDevices() []DeviceDef {
	v.devMu.Lock()
	defer v.devMu.Unlock()
	out := make([]DeviceDef, len(v.devices))
	copy(out, v.devices)
	return out
}

// CpuidTables returns the per-vCPU identity tables synthesized by
// configure-system on x86.
func (v *Vm) CpuidTables() [][]x86.Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cpuid
}

// FdtAddress returns where configure-system placed the device tree on arm64.
func (v *Vm) FdtAddress() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fdtAddr
}

// BootCmdline returns the final kernel command line, including any
// device-derived arguments appended during configure-system.
func (v *Vm) BootCmdline() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cmdline
}

// Boot runs the staged initialization sequence. Any stage failure unwinds
// device registrations and guest memory, moves the VM to Exited, and
// returns a BootError naming the stage; it is never retried automatically.
func (v *Vm) Boot(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateUninitialized {
		return fmt.Errorf("%w: boot from %s", ErrInvalidState, v.state)
	}

	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{StageCheckHealth, v.stageCheckHealth},
		{StageInitGuestMemory, v.stageInitGuestMemory},
		{StageInitVcpuManager, v.stageInitVcpuManager},
		{StageInitDevices, v.stageInitDevices},
		{StageLoadKernel, v.stageLoadKernel},
		{StageLoadInitrd, v.stageLoadInitrd},
		{StageConfigureSystem, v.stageConfigureSystem},
		{StageStartVcpus, v.stageStartVcpus},
	}
	for _, stage := range stages {
		if err := stage.run(ctx); err != nil {
			v.log.Error("boot stage failed", "stage", stage.name, "err", err)
			v.unwindLocked()
			return &BootError{Stage: stage.name, Err: err}
		}
	}

	v.log.Info("vm booted",
		"arch", string(v.opts.Arch),
		"vcpus", v.cfg.VcpuCount,
		"memoryMiB", v.cfg.MemSizeMiB)

	if v.opts.Upcall != nil {
		// Best effort: the in-guest service may not be up yet; hotplug
		// reports not-ready until a later Connect succeeds.
		if err := v.opts.Upcall.Connect(ctx); err != nil {
			v.log.Warn("upcall connect failed", "err", err)
		}
	}
	return nil
}

func (v *Vm) stageCheckHealth(context.Context) error {
	if v.cfg.KernelPath == "" {
		return ErrKernelMissing
	}
	return nil
}

func (v *Vm) stageInitGuestMemory(context.Context) error {
	if v.cfg.ReserveMemoryBytes > v.cfg.MemSizeBytes()/2 {
		return fmt.Errorf("%w: %d of %d bytes",
			ErrReservationTooLarge, v.cfg.ReserveMemoryBytes, v.cfg.MemSizeBytes())
	}
	mem, err := v.opts.Memory(v.cfg)
	if err != nil {
		return err
	}
	v.mem = mem
	return v.setState(StateMemoryReady)
}

func (v *Vm) stageInitVcpuManager(context.Context) error {
	if err := v.opts.Vcpus.CreateVcpus(int(v.cfg.VcpuCount)); err != nil {
		return err
	}
	v.activeVcpus = v.cfg.VcpuCount
	return nil
}

// stageInitDevices registers every declared device, interrupt controller
// first. Ranges registered before a failure are unwound by the caller.
func (v *Vm) stageInitDevices(context.Context) error {
	v.devMu.Lock()
	pending := v.pending
	v.pending = nil
	v.devMu.Unlock()

	ordered := make([]DeviceDef, 0, len(pending))
	for _, def := range pending {
		if def.Kind == KindInterruptController {
			ordered = append(ordered, def)
		}
	}
	for _, def := range pending {
		if def.Kind != KindInterruptController {
			ordered = append(ordered, def)
		}
	}

	for _, def := range ordered {
		if err := v.dispatcher.Register(def.Device, def.Resources); err != nil {
			return fmt.Errorf("registering %s: %w", def.Name, err)
		}
		v.devMu.Lock()
		v.devices = append(v.devices, def)
		v.devMu.Unlock()
	}
	return v.setState(StateDevicesReady)
}

func (v *Vm) stageLoadKernel(context.Context) error {
	r, size, done, err := v.opts.OpenImage(v.cfg.KernelPath)
	if err != nil {
		return fmt.Errorf("opening kernel: %w", err)
	}
	defer done()

	var info *boot.KernelInfo
	switch v.opts.Arch {
	case hv.ArchitectureARM64:
		info, err = boot.LoadKernel(v.mem, r, size, arm64.DramStart)
	default:
		info, err = boot.LoadFlatKernel(v.mem, r, size, x86KernelLoadAddr)
	}
	if err != nil {
		return err
	}
	v.kernel = info
	return nil
}

func (v *Vm) stageLoadInitrd(context.Context) error {
	if v.cfg.InitrdPath == "" {
		return nil
	}
	r, size, done, err := v.opts.OpenImage(v.cfg.InitrdPath)
	if err != nil {
		return fmt.Errorf("opening initrd: %w", err)
	}
	defer done()

	info, err := boot.LoadInitrd(v.mem, r, size, v.kernel.LoadAddr+v.kernel.Size)
	if err != nil {
		return err
	}
	v.initrd = info
	return nil
}

func (v *Vm) stageConfigureSystem(context.Context) error {
	var err error
	switch v.opts.Arch {
	case hv.ArchitectureARM64:
		err = v.configureArm64()
	case hv.ArchitectureX86_64:
		err = v.configureX86()
	default:
		err = fmt.Errorf("%w: %q", hv.ErrArchUnsupported, v.opts.Arch)
	}
	if err != nil {
		return err
	}
	return v.setState(StateCpuReady)
}

// configureArm64 synthesizes the device tree over the final device and vCPU
// inventory and writes it into guest memory.
func (v *Vm) configureArm64() error {
	v.cmdline = v.cfg.Cmdline

	info := arm64.VMInfo{
		Cmdline:       v.cmdline,
		VcpuMpidrs:    vcpuMpidrs(int(v.cfg.MaxVcpuCount)),
		BootOnlined:   bootOnlined(int(v.activeVcpus), int(v.cfg.MaxVcpuCount)),
		VcpuNumaIDs:   v.cfg.VcpuNumaIDs(),
		MemoryNumaIDs: v.cfg.MemoryNumaIDs(),
		VpmuEnabled:   v.cfg.VpmuEnabled,
	}
	if v.initrd != nil {
		info.Initrd = &arm64.InitrdRange{
			Start: v.initrd.Address,
			End:   v.initrd.Address + v.initrd.Size,
		}
	}

	blob, err := arm64.CreateFDT(v.mem, info, *v.opts.Gic, fdtDeviceInfo(v.snapshotDevices()))
	if err != nil {
		return err
	}
	addr, err := arm64.WriteFDT(v.mem, blob)
	if err != nil {
		return err
	}
	v.fdtAddr = addr
	return nil
}

// configureX86 synthesizes one identity table per vCPU and assembles the
// final kernel command line, advertising virtio MMIO windows to the guest.
func (v *Vm) configureX86() error {
	v.cpuid = nil
	for id := 0; id < int(v.activeVcpus); id++ {
		table, err := x86.IdentityTable(v.cpuidSpec(uint8(id)), x86.DefaultTemplate())
		if err != nil {
			return err
		}
		v.cpuid = append(v.cpuid, table)
	}

	v.cmdline = v.cfg.Cmdline
	for _, def := range v.snapshotDevices() {
		if def.Kind != KindVirtio {
			continue
		}
		mmio, ok := def.mmioWindow()
		if !ok {
			continue
		}
		irq, _ := def.irqLine()
		arg := fmt.Sprintf("virtio_mmio.device=%dK@0x%x:%d", mmio.Size>>10, mmio.Base, irq)
		if v.cmdline == "" {
			v.cmdline = arg
		} else {
			v.cmdline += " " + arg
		}
	}
	return nil
}

func (v *Vm) cpuidSpec(id uint8) x86.VMSpec {
	t := v.cfg.Topology
	return x86.VMSpec{
		VcpuID:         id,
		VcpuCount:      v.activeVcpus,
		ThreadsPerCore: t.ThreadsPerCore,
		CoresPerDie:    t.CoresPerDie,
		DiesPerSocket:  t.DiesPerSocket,
		Sockets:        t.Sockets,
		BrandString:    v.cfg.BrandString,
	}
}

func (v *Vm) stageStartVcpus(ctx context.Context) error {
	if err := v.opts.Vcpus.StartAll(ctx); err != nil {
		return err
	}
	return v.setState(StateRunning)
}

// vcpuMpidrs derives each vCPU's affinity register value: clusters of 16,
// aff0 the slot within the cluster, aff1 the cluster id.
func vcpuMpidrs(count int) []uint64 {
	out := make([]uint64, count)
	for i := range out {
		out[i] = uint64(i%16) | uint64(i/16)<<8
	}
	return out
}

// bootOnlined marks the first active vCPUs online; hot-pluggable slots above
// them boot offline.
func bootOnlined(active, max int) []uint32 {
	out := make([]uint32, max)
	for i := 0; i < active && i < max; i++ {
		out[i] = 1
	}
	return out
}

// PauseAllVcpusWithDowntime pauses every vCPU and starts the downtime clock.
// It returns only once every vCPU has reached a safe halt point.
func (v *Vm) PauseAllVcpusWithDowntime() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, v.state)
	}
	stamp := time.Now()
	if err := v.opts.Vcpus.PauseAll(); err != nil {
		return err
	}
	v.pausedAt = stamp
	return v.setState(StatePaused)
}

// ResumeAllVcpusWithDowntime releases the vCPUs and accumulates the measured
// downtime.
func (v *Vm) ResumeAllVcpusWithDowntime() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StatePaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, v.state)
	}
	if err := v.opts.Vcpus.ResumeAll(); err != nil {
		return err
	}
	v.downtime += time.Since(v.pausedAt)
	v.pausedAt = time.Time{}
	return v.setState(StateRunning)
}

// Downtime returns the total guest downtime accumulated across pause/resume
// cycles.
func (v *Vm) Downtime() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.downtime
}

// Shutdown stops the vCPUs, unregisters every device and releases guest
// memory. It is safe to call after a failed boot and is idempotent.
func (v *Vm) Shutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateExited {
		return nil
	}

	var firstErr error
	if v.state == StateRunning || v.state == StatePaused {
		if err := v.opts.Vcpus.StopAll(); err != nil {
			firstErr = err
		}
	}
	v.unwindLocked()
	return firstErr
}

// unwindLocked removes every registered device range and releases guest
// memory. It runs on failed boots as well, so a half-initialized VM never
// leaks registrations.
func (v *Vm) unwindLocked() {
	v.devMu.Lock()
	registered := v.devices
	v.devices = nil
	v.pending = nil
	v.devMu.Unlock()
	for _, def := range registered {
		v.dispatcher.Unregister(def.Resources)
	}

	if v.opts.Upcall != nil {
		if err := v.opts.Upcall.Close(); err != nil {
			v.log.Warn("closing upcall", "err", err)
		}
	}
	if closer, ok := v.mem.(io.Closer); ok && closer != nil {
		if err := closer.Close(); err != nil {
			v.log.Warn("releasing guest memory", "err", err)
		}
	}
	v.mem = nil
	v.state = StateExited
}
