//go:build linux

package mem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/driftvm/drift/internal/vmconfig"
)

// New allocates guest memory per the configured backing type and lays it out
// starting at base: one region per NUMA region, or a single region when no
// NUMA map is configured.
func New(cfg *vmconfig.Config, base uint64) (*Memory, error) {
	sizes := regionSizes(cfg)
	numaIDs := cfg.MemoryNumaIDs()
	total := cfg.MemSizeBytes()

	switch cfg.MemType {
	case vmconfig.MemTypeShmem:
		return newMemfdBacked(base, sizes, numaIDs, total, 0)
	case vmconfig.MemTypeHugetlbfs:
		return newMemfdBacked(base, sizes, numaIDs, total, unix.MFD_HUGETLB)
	case vmconfig.MemTypeFile:
		return newFileBacked(base, sizes, numaIDs, total, cfg.MemFilePath)
	default:
		return nil, fmt.Errorf("mem: unsupported backing type %q", cfg.MemType)
	}
}

func regionSizes(cfg *vmconfig.Config) []uint64 {
	if len(cfg.NumaRegions) == 0 {
		return []uint64{cfg.MemSizeBytes()}
	}
	sizes := make([]uint64, len(cfg.NumaRegions))
	for i, r := range cfg.NumaRegions {
		sizes[i] = r.MemSizeMiB << 20
	}
	return sizes
}

func newMemfdBacked(base uint64, sizes []uint64, numaIDs []uint32, total uint64, extraFlags int) (*Memory, error) {
	fd, err := unix.MemfdCreate("drift-guest-ram", unix.MFD_CLOEXEC|extraFlags)
	if err != nil {
		return nil, fmt.Errorf("mem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(total)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mem: sizing guest ram to %d bytes: %w", total, err)
	}
	return mmapBacked(base, sizes, numaIDs, total, fd, func() error { return unix.Close(fd) })
}

func newFileBacked(base uint64, sizes []uint64, numaIDs []uint32, total uint64, path string) (*Memory, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("mem: opening backing file: %w", err)
	}
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("mem: sizing backing file to %d bytes: %w", total, err)
	}
	return mmapBacked(base, sizes, numaIDs, total, int(f.Fd()), f.Close)
}

func mmapBacked(base uint64, sizes []uint64, numaIDs []uint32, total uint64, fd int, closeFd func() error) (*Memory, error) {
	data, err := unix.Mmap(fd, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		closeFd()
		return nil, fmt.Errorf("mem: mmap of %d bytes: %w", total, err)
	}
	closer := func() error {
		err := unix.Munmap(data)
		if cerr := closeFd(); err == nil {
			err = cerr
		}
		return err
	}
	m, err := newMemory(base, sizes, numaIDs, data, closer)
	if err != nil {
		closer()
		return nil, err
	}
	return m, nil
}
