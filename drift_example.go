//go:build ignore

// This file demonstrates the public API in the drift package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	drift "github.com/driftvm/drift"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// Config - load from YAML or build directly
	// =========================================================================
	cfg, err := drift.LoadConfig("vm.yaml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Or construct in code; New normalizes and validates it.
	cfg = &drift.Config{
		VcpuCount:  2,
		MemSizeMiB: 256,
		KernelPath: "/var/lib/drift/Image",
		Cmdline:    "console=ttyS0",
	}

	// =========================================================================
	// New - build a VM around the external collaborators
	// =========================================================================
	// The embedding runtime supplies guest memory, a vCPU runner and the
	// interrupt controller description; drift drives them.
	vm, err := drift.New(cfg, drift.Options{
		Arch:   drift.ArchitectureARM64,
		Memory: newGuestMemory, // func(*drift.Config) (drift.GuestMemory, error)
		Vcpus:  drift.NewVcpuManager(newRunner(), nil),
		Gic:    newGicInfo(),
	})
	if err != nil {
		return fmt.Errorf("new vm: %w", err)
	}

	// =========================================================================
	// AddDevice - declare devices before boot
	// =========================================================================
	err = vm.AddDevice(drift.DeviceDef{
		Name:   "serial0",
		Kind:   drift.KindSerial,
		Device: newSerialDevice(), // implements drift.Device
		Resources: []drift.Resource{
			drift.MmioRange{Base: 0x4000_1000, Size: 0x1000},
			drift.IrqLine{Num: 33},
		},
	})
	if err != nil {
		return fmt.Errorf("add device: %w", err)
	}

	// =========================================================================
	// Boot - staged initialization with rollback on failure
	// =========================================================================
	if err := vm.Boot(ctx); err != nil {
		var bootErr *drift.BootError
		if errors.As(err, &bootErr) {
			return fmt.Errorf("boot failed in stage %s: %w", bootErr.Stage, bootErr.Err)
		}
		return err
	}
	defer vm.Shutdown()

	// The vCPU exit loop routes trapped accesses through the dispatcher.
	d := vm.Dispatcher()
	buf := make([]byte, 1)
	_ = d.MmioRead(0x4000_1005, buf)

	// =========================================================================
	// Pause / Resume - downtime accounting
	// =========================================================================
	if err := vm.PauseAllVcpusWithDowntime(); err != nil {
		return err
	}
	if err := vm.ResumeAllVcpusWithDowntime(); err != nil {
		return err
	}
	fmt.Printf("accumulated downtime: %v\n", vm.Downtime())

	// =========================================================================
	// Hotplug - atomic device transactions over the upcall transport
	// =========================================================================
	op, err := vm.CreateDeviceOpContext()
	if err != nil {
		// ErrUpcallNotSupported / ErrUpcallNotReady when the guest-side
		// service is absent or still connecting.
		return err
	}
	if err := op.BeginTx(); err != nil {
		return err
	}
	err = op.RegisterDeviceIO(drift.DeviceDef{
		Name:   "vdb",
		Kind:   drift.KindVirtio,
		Device: newVirtioDevice(),
		Resources: []drift.Resource{
			drift.MmioRange{Base: 0x4000_3000, Size: 0x200},
			drift.IrqLine{Num: 41},
		},
	})
	if err != nil {
		return err // transaction already cancelled
	}
	if err := op.CommitTx(); err != nil {
		return err
	}

	// Grow the active vCPU set; identity tables are refreshed for x86 guests.
	if err := vm.HotplugVcpus(4); err != nil {
		return err
	}

	return nil
}

// -----------------------------------------------------------------------------
// Stub collaborators, stand-ins for the embedding runtime's implementations.
// -----------------------------------------------------------------------------

func newGuestMemory(cfg *drift.Config) (drift.GuestMemory, error) {
	return nil, errors.New("provide the runtime's guest memory here")
}

type nopRunner struct{}

func (nopRunner) Create(id int) error                        { return nil }
func (nopRunner) RunSlice(ctx context.Context, id int) error { <-ctx.Done(); return ctx.Err() }
func (nopRunner) Kick(id int) error                          { return nil }

func newRunner() drift.VcpuRunner { return nopRunner{} }

func newGicInfo() *drift.GicInfo {
	return &drift.GicInfo{
		Compatible: "arm,gic-v3",
		Properties: []uint64{0x0800_0000, 0x1_0000, 0x080A_0000, 0x20_0000},
		MaintIrq:   9,
	}
}

type nopDevice struct{}

func (nopDevice) Read(base, offset uint64, data []byte)     {}
func (nopDevice) Write(base, offset uint64, data []byte)    {}
func (nopDevice) PioRead(base, offset uint16, data []byte)  {}
func (nopDevice) PioWrite(base, offset uint16, data []byte) {}

func newSerialDevice() drift.Device { return nopDevice{} }
func newVirtioDevice() drift.Device { return nopDevice{} }
