// Package arm64 synthesizes the flattened device tree an arm64 guest boots
// from and places it in guest memory.
//
// Node order is fixed: root, cpus, memory, chosen, the interrupt controller
// with its ITS sub-nodes, timer, clock, psci, MMIO devices, pmu. The blob is
// a pure function of the VM description, so identical inputs produce
// byte-identical output.
package arm64

import (
	"errors"
	"fmt"
	"sort"

	"github.com/driftvm/drift/internal/fdt"
	"github.com/driftvm/drift/internal/hv"
)

// Phandles referenced across nodes.
const (
	gicPhandle            = 1
	clockPhandle          = 2
	platformMsiItsPhandle = 3
	pciMsiItsPhandle      = 4
)

// GIC interrupt specifier cells. The first cell selects the interrupt kind,
// the third its trigger mode.
const (
	irqTypeSPI    = 0
	irqTypePPI    = 1
	irqEdgeRising = 1
	irqLevelHigh  = 4
)

const (
	addressCells = 2
	sizeCells    = 2

	// Low 24 bits of MPIDR_EL1 carry the affinity fields the guest needs.
	mpidrAffinityMask = 0x7FFFFF

	// PPI used for the virtual performance monitoring unit.
	virtualPmuIrq = 7

	// Fixed PPIs of the armv8 generic timer: secure, non-secure, virtual,
	// hypervisor.
	timerIrqSecure    = 13
	timerIrqNonSecure = 14
	timerIrqVirtual   = 11
	timerIrqHyp       = 10

	apbPclkFrequency = 24000000
)

// Guest physical layout anchors for blob placement.
const (
	// DramStart is the base of guest DRAM.
	DramStart = 0x8000_0000

	// FdtMaxSize is the space reserved for the blob at the top of DRAM.
	FdtMaxSize = 0x1_0000
)

var (
	// ErrNoMemoryRegions reports a guest with no RAM to describe.
	ErrNoMemoryRegions = errors.New("arm64: guest memory has no regions")

	// ErrMissingGic reports a device tree requested without an interrupt
	// controller description.
	ErrMissingGic = errors.New("arm64: interrupt controller description missing")

	// ErrBlobTooLarge reports a device tree over the reserved FdtMaxSize.
	ErrBlobTooLarge = errors.New("arm64: device tree exceeds reserved size")
)

// DeviceKind selects the device-tree binding for one MMIO device.
type DeviceKind int

const (
	DeviceSerial DeviceKind = iota
	DeviceVirtio
	DeviceRTC
)

// DeviceInfo describes one MMIO device to expose to the guest.
type DeviceInfo struct {
	Kind DeviceKind
	Base uint64
	Size uint64
	Irq  uint32
}

// GicInfo describes the virtual interrupt controller. An ITS register range
// is emitted as a sub-node only when present.
type GicInfo struct {
	// Compatible is the binding string, e.g. "arm,gic-v3".
	Compatible string
	// Properties holds the distributor/redistributor register ranges as
	// address/size pairs.
	Properties []uint64
	// MaintIrq is the maintenance PPI number.
	MaintIrq uint32
	// PlatformMsiIts and PciMsiIts hold the ITS register ranges, nil when
	// the controller lacks that capability.
	PlatformMsiIts []uint64
	PciMsiIts      []uint64
}

// InitrdRange locates a loaded initrd in guest memory.
type InitrdRange struct {
	Start uint64
	End   uint64
}

// VMInfo carries the per-boot inputs of the device tree: the command line,
// the vCPU identities and the optional feature toggles.
type VMInfo struct {
	Cmdline string
	Initrd  *InitrdRange

	// VcpuMpidrs holds each vCPU's affinity register value, indexed by
	// vCPU id. Its length is the (maximum) vCPU count.
	VcpuMpidrs []uint64

	// BootOnlined marks, per vCPU, whether it comes up online at boot.
	// Hot-pluggable vCPUs boot offline. Zero means offline.
	BootOnlined []uint32

	// VcpuNumaIDs and MemoryNumaIDs map vCPUs and memory regions to NUMA
	// nodes. They may be shorter than the vCPU/region count; entries past
	// their length are simply not annotated.
	VcpuNumaIDs   []uint32
	MemoryNumaIDs []uint32

	VpmuEnabled bool
}

// CreateFDT builds the boot device tree for the guest described by vm, gic
// and devices, laid over the memory regions of mem.
func CreateFDT(mem hv.GuestMemory, vm VMInfo, gic GicInfo, devices []DeviceInfo) ([]byte, error) {
	if len(mem.Regions()) == 0 {
		return nil, ErrNoMemoryRegions
	}
	if gic.Compatible == "" {
		return nil, ErrMissingGic
	}

	b := fdt.NewBuilder()
	b.BeginNode("")
	b.PropStrings("compatible", "linux,dummy-virt")
	b.PropU32("#address-cells", addressCells)
	b.PropU32("#size-cells", sizeCells)
	b.PropU32("interrupt-parent", gicPhandle)

	if err := createCpuNodes(b, &vm); err != nil {
		return nil, err
	}
	createMemoryNodes(b, mem, vm.MemoryNumaIDs)
	createChosenNode(b, &vm)
	createGicNode(b, &gic)
	createTimerNode(b)
	createClockNode(b)
	createPsciNode(b)
	createDeviceNodes(b, devices)
	if vm.VpmuEnabled {
		createPmuNode(b)
	}

	if err := b.EndNode(); err != nil {
		return nil, err
	}
	blob, err := b.Finish()
	if err != nil {
		return nil, err
	}
	if len(blob) > FdtMaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(blob))
	}
	return blob, nil
}

// FdtAddress returns the guest physical address the blob is placed at: the
// top FdtMaxSize bytes of DRAM, or the DRAM base when the guest is smaller
// than the reservation.
func FdtAddress(mem hv.GuestMemory) uint64 {
	regions := mem.Regions()
	if len(regions) == 0 {
		return DramStart
	}
	last := regions[len(regions)-1]
	end := last.Base + last.Size
	if end < DramStart+FdtMaxSize {
		return DramStart
	}
	return end - FdtMaxSize
}

// WriteFDT places a finished blob into guest memory and returns the address
// it was written at.
func WriteFDT(mem hv.GuestMemory, blob []byte) (uint64, error) {
	if len(blob) > FdtMaxSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(blob))
	}
	addr := FdtAddress(mem)
	if _, err := mem.WriteAt(blob, int64(addr)); err != nil {
		return 0, fmt.Errorf("arm64: writing device tree at 0x%x: %w", addr, err)
	}
	return addr, nil
}

func createCpuNodes(b *fdt.Builder, vm *VMInfo) error {
	b.BeginNode("cpus")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 0)

	numCpus := len(vm.VcpuMpidrs)
	for i, mpidr := range vm.VcpuMpidrs {
		b.BeginNode(fmt.Sprintf("cpu@%x", i))
		b.PropStrings("device_type", "cpu")
		b.PropStrings("compatible", "arm,arm-v8")
		if numCpus > 1 {
			b.PropStrings("enable-method", "psci")
		}
		var onlined uint32
		if i < len(vm.BootOnlined) {
			onlined = vm.BootOnlined[i]
		}
		b.PropU32("boot-onlined", onlined)
		b.PropU64("reg", mpidr&mpidrAffinityMask)
		if i < len(vm.VcpuNumaIDs) {
			b.PropU32("numa-node-id", vm.VcpuNumaIDs[i])
		}
		if err := b.EndNode(); err != nil {
			return err
		}
	}
	return b.EndNode()
}

func createMemoryNodes(b *fdt.Builder, mem hv.GuestMemory, numaIDs []uint32) {
	for i, region := range mem.Regions() {
		b.BeginNode(fmt.Sprintf("memory@%x", region.Base))
		b.PropStrings("device_type", "memory")
		b.PropU64("reg", region.Base, region.Size)
		if i < len(numaIDs) {
			b.PropU32("numa-node-id", numaIDs[i])
		}
		b.EndNode()
	}
}

func createChosenNode(b *fdt.Builder, vm *VMInfo) {
	b.BeginNode("chosen")
	b.PropStrings("bootargs", vm.Cmdline)
	if vm.Initrd != nil {
		b.PropU64("linux,initrd-start", vm.Initrd.Start)
		b.PropU64("linux,initrd-end", vm.Initrd.End)
	}
	b.EndNode()
}

func createGicNode(b *fdt.Builder, gic *GicInfo) {
	b.BeginNode("intc")
	b.PropStrings("compatible", gic.Compatible)
	b.PropEmpty("interrupt-controller")
	b.PropU32("#interrupt-cells", 3)
	b.PropU64("reg", gic.Properties...)
	b.PropU32("phandle", gicPhandle)
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)
	b.PropEmpty("ranges")
	b.PropU32("interrupts", irqTypePPI, gic.MaintIrq, irqLevelHigh)

	if len(gic.PlatformMsiIts) > 0 {
		b.BeginNode("gic-platform-its")
		createItsCommonProps(b, gic.PlatformMsiIts)
		b.PropU32("phandle", platformMsiItsPhandle)
		// Per the gic-v3 binding an ITS used for platform MSIs carries
		// #msi-cells = 1.
		b.PropU32("#msi-cells", 1)
		b.EndNode()
	}
	if len(gic.PciMsiIts) > 0 {
		b.BeginNode("gic-pci-its")
		createItsCommonProps(b, gic.PciMsiIts)
		b.PropU32("phandle", pciMsiItsPhandle)
		b.EndNode()
	}
	b.EndNode()
}

func createItsCommonProps(b *fdt.Builder, reg []uint64) {
	b.PropStrings("compatible", "arm,gic-v3-its")
	b.PropEmpty("msi-controller")
	b.PropU64("reg", reg...)
}

func createTimerNode(b *fdt.Builder) {
	irqs := []uint32{timerIrqSecure, timerIrqNonSecure, timerIrqVirtual, timerIrqHyp}
	cells := make([]uint32, 0, len(irqs)*3)
	for _, irq := range irqs {
		cells = append(cells, irqTypePPI, irq, irqLevelHigh)
	}

	b.BeginNode("timer")
	b.PropStrings("compatible", "arm,armv8-timer")
	b.PropEmpty("always-on")
	b.PropU32("interrupts", cells...)
	b.EndNode()
}

func createClockNode(b *fdt.Builder) {
	b.BeginNode("apb-pclk")
	b.PropStrings("compatible", "fixed-clock")
	b.PropU32("#clock-cells", 0)
	b.PropU32("clock-frequency", apbPclkFrequency)
	b.PropStrings("clock-output-names", "clk24mhz")
	b.PropU32("phandle", clockPhandle)
	b.EndNode()
}

func createPsciNode(b *fdt.Builder) {
	b.BeginNode("psci")
	b.PropStrings("compatible", "arm,psci-0.2")
	// A KVM guest makes PSCI calls over the HVC conduit.
	b.PropStrings("method", "hvc")
	b.EndNode()
}

// createDeviceNodes emits serial nodes in ascending address order, then
// virtio nodes in ascending address order, then RTC nodes.
func createDeviceNodes(b *fdt.Builder, devices []DeviceInfo) {
	byKind := func(kind DeviceKind) []DeviceInfo {
		var out []DeviceInfo
		for _, d := range devices {
			if d.Kind == kind {
				out = append(out, d)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
		return out
	}

	for _, d := range byKind(DeviceSerial) {
		createSerialNode(b, d)
	}
	for _, d := range byKind(DeviceVirtio) {
		createVirtioNode(b, d)
	}
	for _, d := range byKind(DeviceRTC) {
		createRtcNode(b, d)
	}
}

func createSerialNode(b *fdt.Builder, d DeviceInfo) {
	b.BeginNode(fmt.Sprintf("uart@%x", d.Base))
	b.PropStrings("compatible", "ns16550a")
	b.PropU64("reg", d.Base, d.Size)
	b.PropU32("clocks", clockPhandle)
	b.PropStrings("clock-names", "apb_pclk")
	b.PropU32("interrupts", irqTypeSPI, d.Irq, irqEdgeRising)
	b.EndNode()
}

func createVirtioNode(b *fdt.Builder, d DeviceInfo) {
	b.BeginNode(fmt.Sprintf("virtio_mmio@%x", d.Base))
	b.PropStrings("compatible", "virtio,mmio")
	b.PropU64("reg", d.Base, d.Size)
	b.PropU32("interrupts", irqTypeSPI, d.Irq, irqEdgeRising)
	b.PropU32("interrupt-parent", gicPhandle)
	b.EndNode()
}

func createRtcNode(b *fdt.Builder, d DeviceInfo) {
	b.BeginNode(fmt.Sprintf("rtc@%x", d.Base))
	b.PropStrings("compatible", "arm,pl031", "arm,primecell")
	b.PropU64("reg", d.Base, d.Size)
	b.PropU32("interrupts", irqTypeSPI, d.Irq, irqLevelHigh)
	b.PropU32("clocks", clockPhandle)
	b.PropStrings("clock-names", "apb_pclk")
	b.EndNode()
}

func createPmuNode(b *fdt.Builder) {
	b.BeginNode("pmu")
	b.PropStrings("compatible", "arm,armv8-pmuv3")
	b.PropU32("interrupts", irqTypePPI, virtualPmuIrq, irqLevelHigh)
	b.EndNode()
}
