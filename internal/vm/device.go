package vm

import (
	"github.com/driftvm/drift/internal/arch/arm64"
	"github.com/driftvm/drift/internal/dispatch"
	"github.com/driftvm/drift/internal/hv"
	"github.com/driftvm/drift/internal/upcall"
)

// DeviceKind classifies a device for descriptor synthesis and boot ordering.
type DeviceKind int

const (
	KindInterruptController DeviceKind = iota
	KindSerial
	KindVirtio
	KindRTC
)

// DeviceDef declares one emulated device: its dispatch implementation and
// the address ranges and interrupt lines it claims.
type DeviceDef struct {
	Name      string
	Kind      DeviceKind
	Device    dispatch.Device
	Resources []hv.Resource
}

// mmioWindow returns the device's first memory-mapped range.
func (d DeviceDef) mmioWindow() (hv.MmioRange, bool) {
	for _, r := range d.Resources {
		if mmio, ok := r.(hv.MmioRange); ok {
			return mmio, true
		}
	}
	return hv.MmioRange{}, false
}

// irqLine returns the device's first interrupt line.
func (d DeviceDef) irqLine() (uint32, bool) {
	for _, r := range d.Resources {
		if irq, ok := r.(hv.IrqLine); ok {
			return irq.Num, true
		}
	}
	return 0, false
}

// fdtDeviceInfo converts the inventory entries the device tree describes.
// The interrupt controller is described separately via GicInfo.
func fdtDeviceInfo(defs []DeviceDef) []arm64.DeviceInfo {
	var out []arm64.DeviceInfo
	for _, def := range defs {
		var kind arm64.DeviceKind
		switch def.Kind {
		case KindSerial:
			kind = arm64.DeviceSerial
		case KindVirtio:
			kind = arm64.DeviceVirtio
		case KindRTC:
			kind = arm64.DeviceRTC
		default:
			continue
		}
		mmio, ok := def.mmioWindow()
		if !ok {
			continue
		}
		irq, _ := def.irqLine()
		out = append(out, arm64.DeviceInfo{
			Kind: kind,
			Base: mmio.Base,
			Size: mmio.Size,
			Irq:  irq,
		})
	}
	return out
}

// upcallRequest converts a device definition into the hotplug request the
// guest consumes.
func upcallRequest(def DeviceDef) (upcall.MmioDevRequest, bool) {
	mmio, ok := def.mmioWindow()
	if !ok {
		return upcall.MmioDevRequest{}, false
	}
	irq, _ := def.irqLine()
	return upcall.MmioDevRequest{Base: mmio.Base, Size: mmio.Size, Irq: irq}, true
}
