package vm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/driftvm/drift/internal/arch/arm64"
	"github.com/driftvm/drift/internal/hv"
	"github.com/driftvm/drift/internal/mem"
	"github.com/driftvm/drift/internal/upcall"
	"github.com/driftvm/drift/internal/vmconfig"
)

// fakeVcpus records every call so tests can assert staging order.
type fakeVcpus struct {
	mu    sync.Mutex
	calls []string
	count int

	createErr error
	startErr  error
}

func (f *fakeVcpus) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeVcpus) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeVcpus) CreateVcpus(count int) error {
	f.record("create")
	if f.createErr != nil {
		return f.createErr
	}
	f.count = count
	return nil
}

func (f *fakeVcpus) StartAll(ctx context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeVcpus) PauseAll() error  { f.record("pause"); return nil }
func (f *fakeVcpus) ResumeAll() error { f.record("resume"); return nil }
func (f *fakeVcpus) StopAll() error   { f.record("stop"); return nil }
func (f *fakeVcpus) VcpuCount() int   { return f.count }

// fakeUpcall implements the hotplug transport contract.
type fakeUpcall struct {
	mu      sync.Mutex
	ready   bool
	added   []upcall.MmioDevRequest
	deleted []upcall.MmioDevRequest
	addErr  error
	delErr  error
}

func (f *fakeUpcall) Connect(ctx context.Context) error { return nil }
func (f *fakeUpcall) Close() error                      { return nil }

func (f *fakeUpcall) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeUpcall) AddMmioDev(req upcall.MmioDevRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, req)
	return nil
}

func (f *fakeUpcall) DelMmioDev(req upcall.MmioDevRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, req)
	return nil
}

// nullDevice ignores every access.
type nullDevice struct{}

func (nullDevice) Read(base, offset uint64, data []byte)     {}
func (nullDevice) Write(base, offset uint64, data []byte)    {}
func (nullDevice) PioRead(base, offset uint16, data []byte)  {}
func (nullDevice) PioWrite(base, offset uint16, data []byte) {}

// imageSet is an in-memory boot image store keyed by path, standing in for
// the filesystem. It records which paths were opened.
type imageSet struct {
	mu     sync.Mutex
	images map[string][]byte
	opened []string
}

func (s *imageSet) open(path string) (io.ReaderAt, int64, func() error, error) {
	s.mu.Lock()
	s.opened = append(s.opened, path)
	data, ok := s.images[path]
	s.mu.Unlock()
	if !ok {
		return nil, 0, nil, errors.New("image not found: " + path)
	}
	return bytes.NewReader(data), int64(len(data)), func() error { return nil }, nil
}

func (s *imageSet) openedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.opened))
	copy(out, s.opened)
	return out
}

func arm64Image(payload []byte) []byte {
	image := make([]byte, 64+len(payload))
	binary.LittleEndian.PutUint64(image[8:16], 0x8_0000)
	binary.LittleEndian.PutUint64(image[16:24], uint64(len(image)))
	binary.LittleEndian.PutUint32(image[56:60], 0x644d5241)
	copy(image[64:], payload)
	return image
}

func anonMemory(cfg *vmconfig.Config) (hv.GuestMemory, error) {
	return mem.NewAnonymous(arm64.DramStart, []uint64{cfg.MemSizeBytes()}, nil)
}

func testConfig() *vmconfig.Config {
	// Left unnormalized so tests can adjust MaxVcpuCount before New fills
	// in the derived topology.
	return &vmconfig.Config{
		VcpuCount:  2,
		MemSizeMiB: 64,
		KernelPath: "/images/kernel",
		InitrdPath: "/images/initrd",
		Cmdline:    "console=ttyS0",
	}
}

func testImages() *imageSet {
	return &imageSet{images: map[string][]byte{
		"/images/kernel": arm64Image([]byte("kernel text")),
		"/images/initrd": []byte("initramfs"),
	}}
}

func testGic() *arm64.GicInfo {
	return &arm64.GicInfo{
		Compatible: "arm,gic-v3",
		Properties: []uint64{0x8000000, 0x10000, 0x8010000, 0x20000},
		MaintIrq:   9,
	}
}

func serialDef() DeviceDef {
	return DeviceDef{
		Name:   "serial0",
		Kind:   KindSerial,
		Device: nullDevice{},
		Resources: []hv.Resource{
			hv.MmioRange{Base: 0x1000, Size: 0x1000},
			hv.IrqLine{Num: 33},
		},
	}
}

func gicDef() DeviceDef {
	return DeviceDef{
		Name:      "gic",
		Kind:      KindInterruptController,
		Device:    nullDevice{},
		Resources: []hv.Resource{hv.MmioRange{Base: 0x8000000, Size: 0x10000}},
	}
}

func newTestVm(t *testing.T, cfg *vmconfig.Config, images *imageSet, vcpus *fakeVcpus, up UpcallClient) *Vm {
	t.Helper()
	v, err := New(cfg, Options{
		Arch:      hv.ArchitectureARM64,
		Memory:    anonMemory,
		Vcpus:     vcpus,
		Upcall:    up,
		Gic:       testGic(),
		OpenImage: images.open,
	})
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	return v
}

func TestBootSequence(t *testing.T) {
	vcpus := &fakeVcpus{}
	images := testImages()
	v := newTestVm(t, testConfig(), images, vcpus, nil)
	if err := v.AddDevice(serialDef()); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if err := v.AddDevice(gicDef()); err != nil {
		t.Fatalf("add gic: %v", err)
	}

	if err := v.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if v.State() != StateRunning {
		t.Fatalf("state = %s", v.State())
	}
	calls := vcpus.recorded()
	if len(calls) != 2 || calls[0] != "create" || calls[1] != "start" {
		t.Fatalf("vcpu calls = %v", calls)
	}
	if got := images.openedPaths(); len(got) != 2 || got[0] != "/images/kernel" || got[1] != "/images/initrd" {
		t.Fatalf("opened = %v", got)
	}

	if v.KernelInfo() == nil || v.KernelInfo().LoadAddr != arm64.DramStart+0x8_0000 {
		t.Fatalf("kernel info = %+v", v.KernelInfo())
	}
	if v.InitrdInfo() == nil {
		t.Fatal("initrd not loaded")
	}

	// The device tree landed at the layout-derived address.
	addr := v.FdtAddress()
	if addr == 0 {
		t.Fatal("fdt address unset")
	}
	header := make([]byte, 4)
	if _, err := v.GuestMemory().ReadAt(header, int64(addr)); err != nil {
		t.Fatalf("read fdt header: %v", err)
	}
	if got := binary.BigEndian.Uint32(header); got != 0xd00dfeed {
		t.Fatalf("fdt magic = %#x", got)
	}

	// Both devices are routable.
	if v.Dispatcher().MmioRangeCount() != 2 {
		t.Fatalf("mmio ranges = %d", v.Dispatcher().MmioRangeCount())
	}
}

func TestBootX86(t *testing.T) {
	cfg := testConfig()
	cfg.KernelPath = "/images/vmlinux"
	cfg.InitrdPath = ""
	images := &imageSet{images: map[string][]byte{
		"/images/vmlinux": []byte("flat kernel"),
	}}
	vcpus := &fakeVcpus{}
	v, err := New(cfg, Options{
		Arch: hv.ArchitectureX86_64,
		Memory: func(cfg *vmconfig.Config) (hv.GuestMemory, error) {
			return mem.NewAnonymous(0, []uint64{cfg.MemSizeBytes()}, nil)
		},
		Vcpus:     vcpus,
		OpenImage: images.open,
	})
	if err != nil {
		t.Fatalf("new vm: %v", err)
	}
	v.AddDevice(DeviceDef{
		Name:   "vda",
		Kind:   KindVirtio,
		Device: nullDevice{},
		Resources: []hv.Resource{
			hv.MmioRange{Base: 0xd000_0000, Size: 0x1000},
			hv.IrqLine{Num: 5},
		},
	})

	if err := v.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if v.State() != StateRunning {
		t.Fatalf("state = %s", v.State())
	}

	// One identity table per active vCPU.
	tables := v.CpuidTables()
	if len(tables) != 2 {
		t.Fatalf("cpuid tables = %d", len(tables))
	}
	for id, table := range tables {
		if len(table) == 0 {
			t.Fatalf("vcpu %d has an empty table", id)
		}
	}

	// The virtio window is advertised on the command line.
	want := "console=ttyS0 virtio_mmio.device=4K@0xd0000000:5"
	if got := v.BootCmdline(); got != want {
		t.Fatalf("cmdline = %q, want %q", got, want)
	}
	if v.FdtAddress() != 0 {
		t.Fatal("device tree synthesized on x86")
	}
	if v.KernelInfo().LoadAddr != x86KernelLoadAddr {
		t.Fatalf("kernel at %#x", v.KernelInfo().LoadAddr)
	}
}

func TestBootStagingOrder(t *testing.T) {
	// Two devices with the same base force init-devices to fail; neither
	// the kernel load nor descriptor synthesis may run afterwards.
	vcpus := &fakeVcpus{}
	images := testImages()
	v := newTestVm(t, testConfig(), images, vcpus, nil)
	v.AddDevice(gicDef())
	v.AddDevice(serialDef())
	dup := serialDef()
	dup.Name = "serial1"
	v.AddDevice(dup)

	err := v.Boot(context.Background())
	var bootErr *BootError
	if !errors.As(err, &bootErr) {
		t.Fatalf("got %v, want BootError", err)
	}
	if bootErr.Stage != StageInitDevices {
		t.Fatalf("failed stage = %s", bootErr.Stage)
	}
	if got := images.openedPaths(); len(got) != 0 {
		t.Fatalf("kernel load ran after device failure: %v", got)
	}
	if v.FdtAddress() != 0 {
		t.Fatal("descriptor synthesis ran after device failure")
	}
	for _, call := range vcpus.recorded() {
		if call == "start" {
			t.Fatal("vcpus started after device failure")
		}
	}

	// Rollback: earlier successful registrations are unwound.
	if v.Dispatcher().MmioRangeCount() != 0 {
		t.Fatalf("leaked %d ranges after failed boot", v.Dispatcher().MmioRangeCount())
	}
	if v.State() != StateExited {
		t.Fatalf("state = %s", v.State())
	}
}

func TestBootMissingKernelConfig(t *testing.T) {
	cfg := testConfig()
	cfg.KernelPath = ""
	v := newTestVm(t, cfg, testImages(), &fakeVcpus{}, nil)

	err := v.Boot(context.Background())
	var bootErr *BootError
	if !errors.As(err, &bootErr) || bootErr.Stage != StageCheckHealth {
		t.Fatalf("got %v, want check-health BootError", err)
	}
	if !errors.Is(err, ErrKernelMissing) {
		t.Fatalf("cause = %v", err)
	}
}

func TestBootReservationValidation(t *testing.T) {
	cfg := testConfig()
	cfg.ReserveMemoryBytes = cfg.MemSizeBytes()/2 + 1
	v := newTestVm(t, cfg, testImages(), &fakeVcpus{}, nil)

	err := v.Boot(context.Background())
	if !errors.Is(err, ErrReservationTooLarge) {
		t.Fatalf("got %v, want ErrReservationTooLarge", err)
	}
	var bootErr *BootError
	if !errors.As(err, &bootErr) || bootErr.Stage != StageInitGuestMemory {
		t.Fatalf("failed stage: %v", err)
	}
}

func TestBootNotRetryable(t *testing.T) {
	cfg := testConfig()
	cfg.KernelPath = ""
	v := newTestVm(t, cfg, testImages(), &fakeVcpus{}, nil)
	if err := v.Boot(context.Background()); err == nil {
		t.Fatal("boot succeeded without kernel")
	}
	if err := v.Boot(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reboot after failure: got %v, want ErrInvalidState", err)
	}
}

func TestPauseResumeDowntime(t *testing.T) {
	vcpus := &fakeVcpus{}
	v := newTestVm(t, testConfig(), testImages(), vcpus, nil)
	v.AddDevice(gicDef())
	if err := v.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}

	if err := v.PauseAllVcpusWithDowntime(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if v.State() != StatePaused {
		t.Fatalf("state = %s", v.State())
	}
	time.Sleep(10 * time.Millisecond)
	if err := v.ResumeAllVcpusWithDowntime(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if v.State() != StateRunning {
		t.Fatalf("state = %s", v.State())
	}
	first := v.Downtime()
	if first <= 0 {
		t.Fatalf("downtime = %v", first)
	}

	// A second cycle accumulates.
	if err := v.PauseAllVcpusWithDowntime(); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := v.ResumeAllVcpusWithDowntime(); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if v.Downtime() <= first {
		t.Fatalf("downtime did not accumulate: %v -> %v", first, v.Downtime())
	}

	// Pause is only legal from Running, resume only from Paused.
	if err := v.ResumeAllVcpusWithDowntime(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while running: %v", err)
	}
}

func TestShutdownAfterFailedBoot(t *testing.T) {
	cfg := testConfig()
	cfg.KernelPath = "/images/missing"
	vcpus := &fakeVcpus{}
	v := newTestVm(t, cfg, testImages(), vcpus, nil)
	v.AddDevice(gicDef())
	v.AddDevice(serialDef())

	err := v.Boot(context.Background())
	var bootErr *BootError
	if !errors.As(err, &bootErr) || bootErr.Stage != StageLoadKernel {
		t.Fatalf("got %v, want load-kernel BootError", err)
	}
	// Devices registered by the successful init-devices stage are gone.
	if v.Dispatcher().MmioRangeCount() != 0 {
		t.Fatal("failed boot leaked device ranges")
	}
	// Shutdown on the already-exited vm is a no-op.
	if err := v.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownStopsVcpus(t *testing.T) {
	vcpus := &fakeVcpus{}
	v := newTestVm(t, testConfig(), testImages(), vcpus, nil)
	v.AddDevice(gicDef())
	if err := v.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := v.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if v.State() != StateExited {
		t.Fatalf("state = %s", v.State())
	}
	calls := vcpus.recorded()
	if calls[len(calls)-1] != "stop" {
		t.Fatalf("vcpu calls = %v", calls)
	}
}
