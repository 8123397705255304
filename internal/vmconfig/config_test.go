package vmconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{
		VcpuCount:  2,
		MemSizeMiB: 128,
		KernelPath: "/boot/vmlinux",
	}
	cfg.Normalize()
	return cfg
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := &Config{MemSizeMiB: 64, KernelPath: "/boot/vmlinux"}
	cfg.Normalize()

	if cfg.VcpuCount != 1 || cfg.MaxVcpuCount != 1 {
		t.Errorf("vcpu defaults = %d/%d, want 1/1", cfg.VcpuCount, cfg.MaxVcpuCount)
	}
	if cfg.MemType != MemTypeShmem {
		t.Errorf("memory type default = %q", cfg.MemType)
	}
	if cfg.Topology != (Topology{ThreadsPerCore: 1, CoresPerDie: 1, DiesPerSocket: 1, Sockets: 1}) {
		t.Errorf("topology default = %+v", cfg.Topology)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("normalized config invalid: %v", err)
	}
}

func TestNormalizeGrowsMaxVcpus(t *testing.T) {
	cfg := &Config{VcpuCount: 4, MaxVcpuCount: 2, MemSizeMiB: 64}
	cfg.Normalize()
	if cfg.MaxVcpuCount != 4 {
		t.Errorf("max vcpus = %d, want 4", cfg.MaxVcpuCount)
	}
}

func TestValidateTopology(t *testing.T) {
	cfg := validConfig()
	cfg.Topology.ThreadsPerCore = 3
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTopology) {
		t.Errorf("threads=3: got %v", err)
	}

	cfg = validConfig()
	cfg.Topology.CoresPerDie = 8 // capacity 8 != max 2
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidTopology) {
		t.Errorf("capacity mismatch: got %v", err)
	}

	cfg = &Config{
		VcpuCount:    4,
		MaxVcpuCount: 8,
		MemSizeMiB:   64,
		MemType:      MemTypeShmem,
		Topology:     Topology{ThreadsPerCore: 2, CoresPerDie: 2, DiesPerSocket: 2, Sockets: 1},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("hotpluggable topology rejected: %v", err)
	}
}

func TestValidateMemory(t *testing.T) {
	cfg := validConfig()
	cfg.MemSizeMiB = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidMemorySize) {
		t.Errorf("zero memory: got %v", err)
	}

	cfg = validConfig()
	cfg.MemType = "tmpfs"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidMemoryType) {
		t.Errorf("bad backing: got %v", err)
	}

	cfg = validConfig()
	cfg.MemType = MemTypeFile
	if err := cfg.Validate(); !errors.Is(err, ErrMissingMemoryFile) {
		t.Errorf("file backing without path: got %v", err)
	}
}

func TestValidateNumaRegions(t *testing.T) {
	cfg := validConfig()
	cfg.NumaRegions = []NumaRegion{
		{MemSizeMiB: 64, VcpuIDs: []uint8{0}},
		{MemSizeMiB: 32, VcpuIDs: []uint8{1}},
	}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidNumaRegions) {
		t.Errorf("undersized regions: got %v", err)
	}

	cfg.NumaRegions[1].MemSizeMiB = 64
	if err := cfg.Validate(); err != nil {
		t.Errorf("covering regions rejected: %v", err)
	}

	wantVcpu := []uint32{0, 1}
	gotVcpu := cfg.VcpuNumaIDs()
	if len(gotVcpu) != len(wantVcpu) {
		t.Fatalf("vcpu numa ids = %v", gotVcpu)
	}
	for i := range wantVcpu {
		if gotVcpu[i] != wantVcpu[i] {
			t.Errorf("vcpu %d on node %d, want %d", i, gotVcpu[i], wantVcpu[i])
		}
	}
	if got := cfg.MemoryNumaIDs(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("memory numa ids = %v", got)
	}
}

func TestLoad(t *testing.T) {
	doc := `
vcpus: 2
maxVcpus: 4
topology:
  threadsPerCore: 2
  coresPerDie: 2
  diesPerSocket: 1
  sockets: 1
memoryMiB: 256
memoryType: shmem
kernelPath: /boot/vmlinux
cmdline: "console=ttyS0"
serialPath: /tmp/serial.sock
`
	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VcpuCount != 2 || cfg.MaxVcpuCount != 4 {
		t.Errorf("vcpus = %d/%d", cfg.VcpuCount, cfg.MaxVcpuCount)
	}
	if cfg.MemSizeBytes() != 256<<20 {
		t.Errorf("memory bytes = %d", cfg.MemSizeBytes())
	}
	if cfg.Cmdline != "console=ttyS0" {
		t.Errorf("cmdline = %q", cfg.Cmdline)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.yaml")
	if err := os.WriteFile(path, []byte("memoryMiB: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidMemorySize) {
		t.Fatalf("got %v, want ErrInvalidMemorySize", err)
	}
}
