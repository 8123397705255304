// Package drift is the control plane of a lightweight virtual machine
// monitor. It routes trapped guest I/O to emulated devices, drives the VM
// lifecycle through staged boot, hotplug, pause/resume and teardown, and
// synthesizes the hardware descriptors (x86 CPUID tables, arm64 device
// tree) the guest discovers its hardware from.
//
// drift does not own the hypervisor: guest memory, vCPU threads and the
// trap-and-exit loop are supplied by the embedding runtime through the
// interfaces in this package.
package drift

import (
	"log/slog"

	"github.com/driftvm/drift/internal/arch/arm64"
	"github.com/driftvm/drift/internal/dispatch"
	"github.com/driftvm/drift/internal/hv"
	"github.com/driftvm/drift/internal/upcall"
	"github.com/driftvm/drift/internal/vcpu"
	"github.com/driftvm/drift/internal/vm"
	"github.com/driftvm/drift/internal/vmconfig"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Config declares the virtual hardware of one VM.
type Config = vmconfig.Config

// Topology is the vCPU thread/core/die/socket layout.
type Topology = vmconfig.Topology

// NumaRegion binds a slice of guest memory and vCPUs to one NUMA node.
type NumaRegion = vmconfig.NumaRegion

// Vm is one virtual machine instance.
type Vm = vm.Vm

// Options wires the external collaborators into a Vm.
type Options = vm.Options

// DeviceDef declares one emulated device and the resources it claims.
type DeviceDef = vm.DeviceDef

// DeviceKind classifies a device for descriptor synthesis and boot ordering.
type DeviceKind = vm.DeviceKind

// DeviceOpContext stages device registration changes, at boot time or as a
// live hotplug transaction.
type DeviceOpContext = vm.DeviceOpContext

// BootError names the boot stage that failed.
type BootError = vm.BootError

// GicInfo describes the arm64 interrupt controller for device-tree
// synthesis.
type GicInfo = arm64.GicInfo

// State is the lifecycle state of a Vm.
type State = vm.State

// Dispatcher routes trapped MMIO and port I/O accesses to devices.
type Dispatcher = dispatch.Dispatcher

// Device is the access contract every emulated device implements.
type Device = dispatch.Device

// CpuArchitecture selects the descriptor-synthesis path.
type CpuArchitecture = hv.CpuArchitecture

// GuestMemory is the guest physical address space handle.
type GuestMemory = hv.GuestMemory

// VcpuManager runs and coordinates per-vCPU execution threads.
type VcpuManager = hv.VcpuManager

// MemoryRegion describes one contiguous range of guest physical memory.
type MemoryRegion = hv.MemoryRegion

// Resource is an address range or interrupt line claimed by a device.
type Resource = hv.Resource

// MmioRange is a range in the 64-bit physical address space.
type MmioRange = hv.MmioRange

// PioRange is a range in the 16-bit port I/O space.
type PioRange = hv.PioRange

// IrqLine is a guest interrupt line.
type IrqLine = hv.IrqLine

// UpcallClient is the in-guest hotplug notification transport.
type UpcallClient = upcall.Client

// UpcallDialer establishes the raw stream the upcall protocol runs over.
type UpcallDialer = upcall.Dialer

// VcpuRunner executes one scheduling slice of a single vCPU.
type VcpuRunner = vcpu.Runner

// MmioDevRequest announces one MMIO device window to the guest.
type MmioDevRequest = upcall.MmioDevRequest

// Device kinds.
const (
	KindInterruptController = vm.KindInterruptController
	KindSerial              = vm.KindSerial
	KindVirtio              = vm.KindVirtio
	KindRTC                 = vm.KindRTC
)

// Lifecycle states.
const (
	StateUninitialized = vm.StateUninitialized
	StateMemoryReady   = vm.StateMemoryReady
	StateDevicesReady  = vm.StateDevicesReady
	StateCpuReady      = vm.StateCpuReady
	StateRunning       = vm.StateRunning
	StatePaused        = vm.StatePaused
	StateExited        = vm.StateExited
)

// CPU architectures.
const (
	ArchitectureX86_64 = hv.ArchitectureX86_64
	ArchitectureARM64  = hv.ArchitectureARM64
)

// Common sentinel errors.
var (
	ErrKernelMissing       = vm.ErrKernelMissing
	ErrReservationTooLarge = vm.ErrReservationTooLarge
	ErrInvalidState        = vm.ErrInvalidState
	ErrUpcallNotSupported  = vm.ErrUpcallNotSupported
	ErrUpcallNotReady      = vm.ErrUpcallNotReady
	ErrDeviceNotFound      = vm.ErrDeviceNotFound
	ErrVMHalted            = hv.ErrVMHalted
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// LoadConfig reads, normalizes and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return vmconfig.Load(path)
}

// New builds a Vm around a validated configuration.
func New(cfg *Config, opts Options) (*Vm, error) {
	return vm.New(cfg, opts)
}

// NewDispatcher returns a standalone trapped I/O dispatcher with empty range
// tables. A Vm owns its own dispatcher; this is for embedding drift's routing
// without the full lifecycle.
func NewDispatcher() *Dispatcher {
	return dispatch.NewDispatcher()
}

// NewVcpuManager returns the default vCPU thread manager over the given
// runner. It satisfies the VcpuManager contract New expects.
func NewVcpuManager(runner VcpuRunner, logger *slog.Logger) *vcpu.Manager {
	return vcpu.NewManager(runner, logger)
}

// NewUpcallClient returns a hotplug transport client over the given dialer.
func NewUpcallClient(dialer upcall.Dialer, logger *slog.Logger) *UpcallClient {
	return upcall.NewClient(dialer, logger)
}
