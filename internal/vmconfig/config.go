// Package vmconfig holds the immutable virtual machine configuration. A
// Config is loaded from YAML or built directly, normalized once, and never
// mutated after the VM enters initialization.
package vmconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Memory backing types.
const (
	MemTypeShmem     = "shmem"
	MemTypeHugetlbfs = "hugetlbfs"
	MemTypeFile      = "file"
)

// Upper bound on addressable vCPUs; the identity tables encode the id in
// eight bits and 255 is reserved.
const MaxSupportedVcpus = 254

var (
	ErrInvalidVcpuCount   = errors.New("vmconfig: invalid vcpu count")
	ErrInvalidTopology    = errors.New("vmconfig: invalid cpu topology")
	ErrInvalidMemorySize  = errors.New("vmconfig: invalid memory size")
	ErrInvalidMemoryType  = errors.New("vmconfig: invalid memory backing type")
	ErrMissingMemoryFile  = errors.New("vmconfig: file-backed memory requires a path")
	ErrInvalidNumaRegions = errors.New("vmconfig: numa regions do not cover configured memory")
)

// Topology describes the CPU topology the guest observes.
type Topology struct {
	ThreadsPerCore uint8 `yaml:"threadsPerCore"`
	CoresPerDie    uint8 `yaml:"coresPerDie"`
	DiesPerSocket  uint8 `yaml:"diesPerSocket"`
	Sockets        uint8 `yaml:"sockets"`
}

// NumaRegion assigns a slice of guest memory and a set of vCPUs to one NUMA
// node. Regions are laid out in declaration order.
type NumaRegion struct {
	MemSizeMiB uint64  `yaml:"memoryMiB"`
	VcpuIDs    []uint8 `yaml:"vcpus"`
}

// Config is the complete VM description.
type Config struct {
	VcpuCount    uint8    `yaml:"vcpus"`
	MaxVcpuCount uint8    `yaml:"maxVcpus,omitempty"`
	Topology     Topology `yaml:"topology,omitempty"`

	MemSizeMiB         uint64 `yaml:"memoryMiB"`
	MemType            string `yaml:"memoryType,omitempty"`
	MemFilePath        string `yaml:"memoryFilePath,omitempty"`
	ReserveMemoryBytes uint64 `yaml:"reserveMemoryBytes,omitempty"`

	KernelPath string `yaml:"kernelPath"`
	InitrdPath string `yaml:"initrdPath,omitempty"`
	Cmdline    string `yaml:"cmdline,omitempty"`

	SerialPath string `yaml:"serialPath,omitempty"`

	NumaRegions []NumaRegion `yaml:"numaRegions,omitempty"`

	VpmuEnabled bool   `yaml:"vpmuEnabled,omitempty"`
	BrandString string `yaml:"brandString,omitempty"`
}

// Load reads and validates a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmconfig: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vmconfig: parsing %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults: one vCPU, shmem backing, and a flat topology
// sized to the maximum vCPU count.
func (c *Config) Normalize() {
	if c.VcpuCount == 0 {
		c.VcpuCount = 1
	}
	if c.MaxVcpuCount < c.VcpuCount {
		c.MaxVcpuCount = c.VcpuCount
	}
	if c.MemType == "" {
		c.MemType = MemTypeShmem
	}
	t := &c.Topology
	if t.ThreadsPerCore == 0 {
		t.ThreadsPerCore = 1
	}
	if t.CoresPerDie == 0 {
		// Flat default: every vCPU is one single-threaded core.
		t.CoresPerDie = c.MaxVcpuCount / t.ThreadsPerCore
	}
	if t.DiesPerSocket == 0 {
		t.DiesPerSocket = 1
	}
	if t.Sockets == 0 {
		t.Sockets = 1
	}
}

// Validate checks structural consistency. It does not touch the filesystem;
// kernel/initrd presence is checked by the boot health stage.
func (c *Config) Validate() error {
	if c.VcpuCount == 0 || c.VcpuCount > MaxSupportedVcpus {
		return fmt.Errorf("%w: %d", ErrInvalidVcpuCount, c.VcpuCount)
	}
	if c.MaxVcpuCount < c.VcpuCount || c.MaxVcpuCount > MaxSupportedVcpus {
		return fmt.Errorf("%w: max %d < %d", ErrInvalidVcpuCount, c.MaxVcpuCount, c.VcpuCount)
	}

	t := c.Topology
	if t.ThreadsPerCore != 1 && t.ThreadsPerCore != 2 {
		return fmt.Errorf("%w: threads per core must be 1 or 2, got %d", ErrInvalidTopology, t.ThreadsPerCore)
	}
	capacity := uint32(t.ThreadsPerCore) * uint32(t.CoresPerDie) * uint32(t.DiesPerSocket) * uint32(t.Sockets)
	if capacity != uint32(c.MaxVcpuCount) {
		return fmt.Errorf("%w: topology holds %d vcpus, max is %d", ErrInvalidTopology, capacity, c.MaxVcpuCount)
	}

	if c.MemSizeMiB == 0 {
		return ErrInvalidMemorySize
	}
	switch c.MemType {
	case MemTypeShmem, MemTypeHugetlbfs:
	case MemTypeFile:
		if c.MemFilePath == "" {
			return ErrMissingMemoryFile
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMemoryType, c.MemType)
	}

	if len(c.NumaRegions) > 0 {
		var total uint64
		for _, r := range c.NumaRegions {
			total += r.MemSizeMiB
		}
		if total != c.MemSizeMiB {
			return fmt.Errorf("%w: regions hold %d MiB, memory is %d MiB",
				ErrInvalidNumaRegions, total, c.MemSizeMiB)
		}
	}
	return nil
}

// MemSizeBytes returns the configured guest RAM in bytes.
func (c *Config) MemSizeBytes() uint64 {
	return c.MemSizeMiB << 20
}

// VcpuNumaIDs returns the NUMA node id of each vCPU in id order, or nil when
// no NUMA regions are configured.
func (c *Config) VcpuNumaIDs() []uint32 {
	if len(c.NumaRegions) == 0 {
		return nil
	}
	ids := make([]uint32, c.MaxVcpuCount)
	for node, region := range c.NumaRegions {
		for _, vcpu := range region.VcpuIDs {
			if int(vcpu) < len(ids) {
				ids[vcpu] = uint32(node)
			}
		}
	}
	return ids
}

// MemoryNumaIDs returns the NUMA node id of each memory region in layout
// order, or nil when no NUMA regions are configured.
func (c *Config) MemoryNumaIDs() []uint32 {
	if len(c.NumaRegions) == 0 {
		return nil
	}
	ids := make([]uint32, len(c.NumaRegions))
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids
}
