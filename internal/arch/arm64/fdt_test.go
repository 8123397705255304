package arm64

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/driftvm/drift/internal/hv"
)

// fakeMemory backs a single guest DRAM region with a byte slice.
type fakeMemory struct {
	base uint64
	data []byte
}

func newFakeMemory(base, size uint64) *fakeMemory {
	return &fakeMemory{base: base, data: make([]byte, size)}
}

func (m *fakeMemory) Regions() []hv.MemoryRegion {
	return []hv.MemoryRegion{{Base: m.base, Size: uint64(len(m.data))}}
}

func (m *fakeMemory) Size() uint64 { return uint64(len(m.data)) }

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	if start >= uint64(len(m.data)) {
		return 0, fmt.Errorf("read outside guest memory at 0x%x", off)
	}
	return copy(p, m.data[start:]), nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	start := uint64(off) - m.base
	if start+uint64(len(p)) > uint64(len(m.data)) {
		return 0, fmt.Errorf("write outside guest memory at 0x%x", off)
	}
	return copy(m.data[start:], p), nil
}

func sampleGic() GicInfo {
	return GicInfo{
		Compatible: "arm,gic-v3",
		Properties: []uint64{0x8000000, 0x10000, 0x8010000, 0x20000},
		MaintIrq:   9,
	}
}

func sampleVMInfo(cpus int) VMInfo {
	vm := VMInfo{Cmdline: "console=ttyS0 root=/dev/vda"}
	for i := 0; i < cpus; i++ {
		vm.VcpuMpidrs = append(vm.VcpuMpidrs, uint64(i))
		vm.BootOnlined = append(vm.BootOnlined, 1)
	}
	return vm
}

func TestCreateFDTDeterministic(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	devices := []DeviceInfo{
		{Kind: DeviceVirtio, Base: 0x2000, Size: 0x1000, Irq: 34},
		{Kind: DeviceSerial, Base: 0x1000, Size: 0x1000, Irq: 33},
		{Kind: DeviceRTC, Base: 0x3000, Size: 0x1000, Irq: 35},
	}
	a, err := CreateFDT(mem, sampleVMInfo(2), sampleGic(), devices)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	b, err := CreateFDT(mem, sampleVMInfo(2), sampleGic(), devices)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("identical inputs produced different blobs")
	}
}

func TestCreateFDTNodeOrder(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	vm := sampleVMInfo(2)
	vm.Initrd = &InitrdRange{Start: 0x8800_0000, End: 0x8810_0000}
	vm.VpmuEnabled = true
	gic := sampleGic()
	gic.PlatformMsiIts = []uint64{0x8030000, 0x20000}
	gic.PciMsiIts = []uint64{0x8050000, 0x20000}
	devices := []DeviceInfo{
		{Kind: DeviceVirtio, Base: 0x5000, Size: 0x1000, Irq: 36},
		{Kind: DeviceRTC, Base: 0x6000, Size: 0x1000, Irq: 37},
		{Kind: DeviceSerial, Base: 0x4000, Size: 0x1000, Irq: 35},
		{Kind: DeviceVirtio, Base: 0x2000, Size: 0x1000, Irq: 34},
	}

	blob, err := CreateFDT(mem, vm, gic, devices)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Node names appear in the structure block in emission order, so their
	// byte offsets encode the node order.
	names := []string{
		"cpus", "cpu@0", "cpu@1",
		fmt.Sprintf("memory@%x", uint64(DramStart)),
		"chosen", "intc", "gic-platform-its", "gic-pci-its",
		"timer", "apb-pclk", "psci",
		"uart@4000", "virtio_mmio@2000", "virtio_mmio@5000", "rtc@6000",
		"pmu",
	}
	// Some node names also appear earlier as property values ("psci" is an
	// enable-method), so search forward from the previous match.
	prev := 0
	for _, name := range names {
		idx := bytes.Index(blob[prev:], append([]byte(name), 0))
		if idx < 0 {
			t.Fatalf("node %q missing or out of order", name)
		}
		prev += idx + 1
	}

	for _, prop := range []string{"linux,initrd-start", "linux,initrd-end", "boot-onlined", "enable-method"} {
		if !bytes.Contains(blob, []byte(prop)) {
			t.Errorf("property %q missing from blob", prop)
		}
	}
}

func TestCreateFDTSingleCpuOmitsEnableMethod(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	blob, err := CreateFDT(mem, sampleVMInfo(1), sampleGic(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if bytes.Contains(blob, []byte("enable-method")) {
		t.Error("single-cpu tree carries enable-method")
	}
	if bytes.Contains(blob, []byte("pmu")) {
		t.Error("pmu node present without vpmu")
	}
	if bytes.Contains(blob, []byte("gic-platform-its")) {
		t.Error("ITS node present without ITS ranges")
	}
}

func TestCreateFDTMasksMpidr(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	vm := sampleVMInfo(1)
	vm.VcpuMpidrs = []uint64{0xFF00_0000_0001}

	blob, err := CreateFDT(mem, vm, sampleGic(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// The masked value 0x1 as big-endian u64.
	masked := []byte{0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Contains(blob, masked) {
		t.Fatal("cpu reg not masked to low 24 bits")
	}
}

func TestCreateFDTNumaAnnotations(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	vm := sampleVMInfo(2)
	vm.VcpuNumaIDs = []uint32{0} // shorter than vCPU count on purpose

	blob, err := CreateFDT(mem, vm, sampleGic(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Contains(blob, []byte("numa-node-id")) {
		t.Fatal("numa annotation missing")
	}
}

func TestCreateFDTErrors(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)

	gic := sampleGic()
	gic.Compatible = ""
	if _, err := CreateFDT(mem, sampleVMInfo(1), gic, nil); !errors.Is(err, ErrMissingGic) {
		t.Errorf("missing gic: got %v", err)
	}

	empty := &fakeMemory{base: DramStart}
	if _, err := CreateFDT(empty, sampleVMInfo(1), sampleGic(), nil); !errors.Is(err, ErrNoMemoryRegions) {
		t.Errorf("no regions: got %v", err)
	}
}

func TestFdtAddress(t *testing.T) {
	big := newFakeMemory(DramStart, 64<<20)
	want := DramStart + 64<<20 - FdtMaxSize
	if got := FdtAddress(big); got != uint64(want) {
		t.Errorf("FdtAddress(64MiB) = 0x%x, want 0x%x", got, want)
	}

	tiny := newFakeMemory(DramStart, FdtMaxSize/2)
	if got := FdtAddress(tiny); got != uint64(DramStart) {
		t.Errorf("FdtAddress(tiny) = 0x%x, want DRAM base", got)
	}
}

func TestWriteFDT(t *testing.T) {
	mem := newFakeMemory(DramStart, 64<<20)
	blob, err := CreateFDT(mem, sampleVMInfo(1), sampleGic(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	addr, err := WriteFDT(mem, blob)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if addr != FdtAddress(mem) {
		t.Fatalf("written at 0x%x, want 0x%x", addr, FdtAddress(mem))
	}
	readBack := make([]byte, len(blob))
	if _, err := mem.ReadAt(readBack, int64(addr)); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(readBack, blob) {
		t.Fatal("guest memory does not hold the blob")
	}

	oversize := make([]byte, FdtMaxSize+1)
	if _, err := WriteFDT(mem, oversize); !errors.Is(err, ErrBlobTooLarge) {
		t.Fatalf("oversize blob: got %v", err)
	}
}
