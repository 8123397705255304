package vm

import (
	"fmt"

	"github.com/driftvm/drift/internal/arch/x86"
	"github.com/driftvm/drift/internal/dispatch"
	"github.com/driftvm/drift/internal/hv"
)

// DeviceOpContext stages device registration changes. A boot-time context
// edits the tables directly; a hotplug context additionally notifies the
// guest over the upcall channel. Either way the dispatcher publishes the
// whole transaction atomically: vCPU threads see all staged changes or none.
type DeviceOpContext struct {
	vm      *Vm
	hotplug bool

	tx      *dispatch.Tx
	added   []DeviceDef
	removed []DeviceDef
}

// CreateDeviceOpContext returns a boot-time context while the VM has not
// started, or a hotplug context when it is running and the hotplug
// transport is connected.
func (v *Vm) CreateDeviceOpContext() (*DeviceOpContext, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateExited:
		return nil, fmt.Errorf("%w: device ops on exited vm", ErrInvalidState)
	case StateRunning, StatePaused:
		if v.opts.Upcall == nil {
			return nil, ErrUpcallNotSupported
		}
		if !v.opts.Upcall.IsReady() {
			return nil, ErrUpcallNotReady
		}
		return &DeviceOpContext{vm: v, hotplug: true}, nil
	default:
		return &DeviceOpContext{vm: v, hotplug: false}, nil
	}
}

// BeginTx opens the transaction. Every BeginTx must be resolved by exactly
// one CommitTx or CancelTx.
func (c *DeviceOpContext) BeginTx() error {
	if c.tx != nil {
		return fmt.Errorf("vm: transaction already open")
	}
	c.tx = c.vm.dispatcher.Begin()
	c.added = nil
	c.removed = nil
	return nil
}

// RegisterDeviceIO stages a device's ranges into the transaction. On
// conflict the transaction is cancelled before the error is surfaced, so
// the dispatcher never observes a half-registered device.
func (c *DeviceOpContext) RegisterDeviceIO(def DeviceDef) error {
	if c.tx == nil {
		return ErrTxClosed
	}
	if err := c.tx.Register(def.Device, def.Resources); err != nil {
		c.CancelTx()
		return fmt.Errorf("vm: registering %s: %w", def.Name, err)
	}
	c.added = append(c.added, def)
	return nil
}

// UnregisterDeviceIO stages removal of a registered device's ranges. An
// unknown name cancels the transaction.
func (c *DeviceOpContext) UnregisterDeviceIO(name string) error {
	if c.tx == nil {
		return ErrTxClosed
	}
	c.vm.devMu.Lock()
	var def *DeviceDef
	for i := range c.vm.devices {
		if c.vm.devices[i].Name == name {
			def = &c.vm.devices[i]
			break
		}
	}
	c.vm.devMu.Unlock()
	if def == nil {
		c.CancelTx()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	c.tx.Unregister(def.Resources)
	c.removed = append(c.removed, *def)
	return nil
}

// CommitTx publishes every staged change atomically and, for hotplug
// contexts, notifies the guest. Removals are announced before publication
// so the guest releases the device first; additions after, once their
// ranges are live. A failed addition announcement rolls the added ranges
// back out of the tables.
func (c *DeviceOpContext) CommitTx() error {
	if c.tx == nil {
		return ErrTxClosed
	}

	if c.hotplug {
		for _, def := range c.removed {
			req, ok := upcallRequest(def)
			if !ok {
				continue
			}
			if err := c.vm.opts.Upcall.DelMmioDev(req); err != nil {
				c.CancelTx()
				return fmt.Errorf("vm: guest refused removal of %s: %w", def.Name, err)
			}
		}
	}

	c.tx.Commit()
	c.tx = nil

	if c.hotplug {
		for i, def := range c.added {
			req, ok := upcallRequest(def)
			if !ok {
				continue
			}
			if err := c.vm.opts.Upcall.AddMmioDev(req); err != nil {
				// The guest never saw devices i..n; pull their ranges
				// back out.
				for _, undo := range c.added[i:] {
					c.vm.dispatcher.Unregister(undo.Resources)
				}
				c.applyInventory(c.added[:i], c.removed)
				return fmt.Errorf("vm: guest refused addition of %s: %w", def.Name, err)
			}
		}
	}

	c.applyInventory(c.added, c.removed)
	return nil
}

// CancelTx discards every staged change.
func (c *DeviceOpContext) CancelTx() {
	if c.tx == nil {
		return
	}
	c.tx.Cancel()
	c.tx = nil
	c.added = nil
	c.removed = nil
}

func (c *DeviceOpContext) applyInventory(added, removed []DeviceDef) {
	c.vm.devMu.Lock()
	defer c.vm.devMu.Unlock()
	for _, rem := range removed {
		for i := range c.vm.devices {
			if c.vm.devices[i].Name == rem.Name {
				c.vm.devices = append(c.vm.devices[:i], c.vm.devices[i+1:]...)
				break
			}
		}
	}
	c.vm.devices = append(c.vm.devices, added...)
	c.added = nil
	c.removed = nil
}

// HotplugVcpus grows the active vCPU set of a running VM and refreshes the
// per-vCPU identity tables so hot-added CPUs observe the new logical count.
func (v *Vm) HotplugVcpus(count uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning {
		return fmt.Errorf("%w: vcpu hotplug from %s", ErrInvalidState, v.state)
	}
	if v.opts.Upcall == nil {
		return ErrUpcallNotSupported
	}
	if !v.opts.Upcall.IsReady() {
		return ErrUpcallNotReady
	}
	if count == 0 || count > v.cfg.MaxVcpuCount {
		return fmt.Errorf("vm: vcpu count %d outside 1..%d", count, v.cfg.MaxVcpuCount)
	}
	if count < v.activeVcpus {
		return fmt.Errorf("vm: vcpu hot-remove below %d not supported", v.activeVcpus)
	}

	if err := v.opts.Vcpus.CreateVcpus(int(count)); err != nil {
		return err
	}
	v.activeVcpus = count

	if v.opts.Arch == hv.ArchitectureX86_64 {
		v.cpuid = nil
		for id := 0; id < int(count); id++ {
			table, err := x86.IdentityTable(v.cpuidSpec(uint8(id)), x86.DefaultTemplate())
			if err != nil {
				return err
			}
			v.cpuid = append(v.cpuid, table)
		}
	}
	return nil
}
