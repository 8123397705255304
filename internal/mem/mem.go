// Package mem provides guest physical memory. A Memory owns one backing
// buffer carved into guest physical regions; reads and writes address the
// guest physical space and are translated to buffer offsets.
//
// On Linux the backing buffer is an mmap of a memfd (anonymous or huge-page)
// or a regular file, selected by the configured backing type. NewAnonymous
// allocates plain process memory and works everywhere, which is what the
// tests use.
package mem

import (
	"errors"
	"fmt"

	"github.com/driftvm/drift/internal/hv"
)

var (
	// ErrOutOfRange reports an access outside every guest memory region.
	ErrOutOfRange = errors.New("mem: guest address out of range")

	// ErrNoRegions reports a layout with no regions.
	ErrNoRegions = errors.New("mem: no memory regions")
)

// region maps one guest physical range onto an offset in the backing buffer.
type region struct {
	hv.MemoryRegion
	off uint64
}

// Memory implements hv.GuestMemory over a single backing buffer.
type Memory struct {
	regions []region
	data    []byte
	size    uint64
	closer  func() error
}

// layout carves contiguous guest physical regions starting at base, one per
// size, annotating each with its NUMA node id when provided.
func layout(base uint64, sizes []uint64, numaIDs []uint32) ([]region, uint64, error) {
	if len(sizes) == 0 {
		return nil, 0, ErrNoRegions
	}
	regions := make([]region, 0, len(sizes))
	var off uint64
	next := base
	for i, size := range sizes {
		if size == 0 {
			return nil, 0, fmt.Errorf("mem: region %d has zero size", i)
		}
		r := region{MemoryRegion: hv.MemoryRegion{Base: next, Size: size}, off: off}
		if i < len(numaIDs) {
			r.NumaNode = numaIDs[i]
		}
		regions = append(regions, r)
		next += size
		off += size
	}
	return regions, off, nil
}

func newMemory(base uint64, sizes []uint64, numaIDs []uint32, data []byte, closer func() error) (*Memory, error) {
	regions, total, err := layout(base, sizes, numaIDs)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < total {
		return nil, fmt.Errorf("mem: backing buffer holds %d bytes, layout needs %d", len(data), total)
	}
	return &Memory{regions: regions, data: data, size: total, closer: closer}, nil
}

// NewAnonymous allocates guest memory from plain process memory.
func NewAnonymous(base uint64, sizes []uint64, numaIDs []uint32) (*Memory, error) {
	var total uint64
	for _, s := range sizes {
		total += s
	}
	return newMemory(base, sizes, numaIDs, make([]byte, total), nil)
}

// Regions returns the guest physical layout in ascending address order.
func (m *Memory) Regions() []hv.MemoryRegion {
	out := make([]hv.MemoryRegion, len(m.regions))
	for i, r := range m.regions {
		out[i] = r.MemoryRegion
	}
	return out
}

// Size returns the total bytes of guest RAM.
func (m *Memory) Size() uint64 { return m.size }

// translate returns the backing-buffer slice for the guest physical range
// starting at addr, clipped to the end of the containing region.
func (m *Memory) translate(addr uint64) ([]byte, bool) {
	for _, r := range m.regions {
		if addr >= r.Base && addr-r.Base < r.MemoryRegion.Size {
			inner := addr - r.Base
			return m.data[r.off+inner : r.off+r.MemoryRegion.Size], true
		}
	}
	return nil, false
}

// ReadAt reads from guest physical address off, crossing region boundaries
// when the layout is contiguous.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, uint64(off), func(user, backing []byte) int { return copy(user, backing) })
}

// WriteAt writes to guest physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, uint64(off), func(user, backing []byte) int { return copy(backing, user) })
}

func (m *Memory) access(p []byte, addr uint64, op func(user, backing []byte) int) (int, error) {
	done := 0
	for done < len(p) {
		backing, ok := m.translate(addr + uint64(done))
		if !ok {
			if done > 0 {
				return done, fmt.Errorf("%w: 0x%x", ErrOutOfRange, addr+uint64(done))
			}
			return 0, fmt.Errorf("%w: 0x%x", ErrOutOfRange, addr)
		}
		done += op(p[done:], backing)
	}
	return done, nil
}

// Close releases the backing mapping, if any.
func (m *Memory) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer()
	m.closer = nil
	return err
}
