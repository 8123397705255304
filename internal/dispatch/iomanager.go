// Package dispatch routes trapped guest port and memory-mapped I/O accesses
// to registered emulated devices.
//
// Two ordered range tables are kept, one for the 16-bit port space and one
// for the 64-bit memory-mapped space. Entries are ordered and identified by
// base address only; two ranges with equal base but different size are
// indistinguishable to the table. Callers are expected to choose unique
// bases.
package dispatch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/driftvm/drift/internal/hv"
)

var (
	// ErrDeviceOverlap is returned when a registration collides with an
	// existing range base.
	ErrDeviceOverlap = errors.New("dispatch: device range overlap")

	// ErrNoDevice is returned when no registered range covers the
	// dispatched address.
	ErrNoDevice = errors.New("dispatch: no device registered")
)

// Device is the capability interface every emulated device exposes to the
// dispatcher. The dispatcher always forwards the range base and the offset
// of the access within the range; devices never see absolute addresses
// beyond their own base.
type Device interface {
	Read(base, offset uint64, data []byte)
	Write(base, offset uint64, data []byte)
	PioRead(base, offset uint16, data []byte)
	PioWrite(base, offset uint16, data []byte)
}

type mmioEntry struct {
	base, size uint64
	dev        Device
}

type pioEntry struct {
	base, size uint16
	dev        Device
}

// IoManager holds the per-space range tables. It is a plain value with no
// internal locking: the Dispatcher publishes immutable snapshots of it, so
// an IoManager reachable from a dispatch path is never mutated.
type IoManager struct {
	mmio []mmioEntry // sorted by base
	pio  []pioEntry  // sorted by base
}

// NewIoManager returns an empty range table set.
func NewIoManager() *IoManager {
	return &IoManager{}
}

// clone returns a deep copy of the tables; devices are shared handles.
func (m *IoManager) clone() *IoManager {
	out := &IoManager{
		mmio: make([]mmioEntry, len(m.mmio)),
		pio:  make([]pioEntry, len(m.pio)),
	}
	copy(out.mmio, m.mmio)
	copy(out.pio, m.pio)
	return out
}

// Register inserts one table entry per address resource. If any insertion
// collides with an existing base, all insertions made by this call are
// undone before the error is returned. Non-address resources (IRQ lines)
// are accepted and ignored.
func (m *IoManager) Register(dev Device, resources []hv.Resource) error {
	if dev == nil {
		return errors.New("dispatch: device is nil")
	}

	var insertedMmio []uint64
	var insertedPio []uint16

	undo := func() {
		for _, base := range insertedMmio {
			m.removeMmio(base)
		}
		for _, base := range insertedPio {
			m.removePio(base)
		}
	}

	for _, res := range resources {
		switch r := res.(type) {
		case hv.MmioRange:
			if err := m.insertMmio(r.Base, r.Size, dev); err != nil {
				undo()
				return err
			}
			insertedMmio = append(insertedMmio, r.Base)
		case hv.PioRange:
			if err := m.insertPio(r.Base, r.Size, dev); err != nil {
				undo()
				return err
			}
			insertedPio = append(insertedPio, r.Base)
		case hv.IrqLine:
			// Interrupt resources are owned by the interrupt manager.
		default:
			undo()
			return fmt.Errorf("dispatch: unsupported resource %T", res)
		}
	}
	return nil
}

// Unregister removes entries by base address. Entries that are not present
// are silently ignored.
func (m *IoManager) Unregister(resources []hv.Resource) {
	for _, res := range resources {
		switch r := res.(type) {
		case hv.MmioRange:
			m.removeMmio(r.Base)
		case hv.PioRange:
			m.removePio(r.Base)
		}
	}
}

func (m *IoManager) insertMmio(base, size uint64, dev Device) error {
	i := sort.Search(len(m.mmio), func(i int) bool { return m.mmio[i].base >= base })
	if i < len(m.mmio) && m.mmio[i].base == base {
		return fmt.Errorf("%w: mmio base 0x%x", ErrDeviceOverlap, base)
	}
	m.mmio = append(m.mmio, mmioEntry{})
	copy(m.mmio[i+1:], m.mmio[i:])
	m.mmio[i] = mmioEntry{base: base, size: size, dev: dev}
	return nil
}

func (m *IoManager) insertPio(base, size uint16, dev Device) error {
	i := sort.Search(len(m.pio), func(i int) bool { return m.pio[i].base >= base })
	if i < len(m.pio) && m.pio[i].base == base {
		return fmt.Errorf("%w: pio base 0x%x", ErrDeviceOverlap, base)
	}
	m.pio = append(m.pio, pioEntry{})
	copy(m.pio[i+1:], m.pio[i:])
	m.pio[i] = pioEntry{base: base, size: size, dev: dev}
	return nil
}

func (m *IoManager) removeMmio(base uint64) {
	i := sort.Search(len(m.mmio), func(i int) bool { return m.mmio[i].base >= base })
	if i < len(m.mmio) && m.mmio[i].base == base {
		m.mmio = append(m.mmio[:i], m.mmio[i+1:]...)
	}
}

func (m *IoManager) removePio(base uint16) {
	i := sort.Search(len(m.pio), func(i int) bool { return m.pio[i].base >= base })
	if i < len(m.pio) && m.pio[i].base == base {
		m.pio = append(m.pio[:i], m.pio[i+1:]...)
	}
}

// findMmio returns the entry with the greatest base <= addr, if addr falls
// inside that entry's range.
func (m *IoManager) findMmio(addr uint64) (mmioEntry, bool) {
	i := sort.Search(len(m.mmio), func(i int) bool { return m.mmio[i].base > addr })
	if i == 0 {
		return mmioEntry{}, false
	}
	e := m.mmio[i-1]
	if addr-e.base >= e.size {
		return mmioEntry{}, false
	}
	return e, true
}

func (m *IoManager) findPio(port uint16) (pioEntry, bool) {
	i := sort.Search(len(m.pio), func(i int) bool { return m.pio[i].base > port })
	if i == 0 {
		return pioEntry{}, false
	}
	e := m.pio[i-1]
	if port-e.base >= e.size {
		return pioEntry{}, false
	}
	return e, true
}

// MmioRead routes a trapped memory-mapped read to the owning device.
func (m *IoManager) MmioRead(addr uint64, data []byte) error {
	e, ok := m.findMmio(addr)
	if !ok {
		return fmt.Errorf("%w: mmio read at 0x%x", ErrNoDevice, addr)
	}
	e.dev.Read(e.base, addr-e.base, data)
	return nil
}

// MmioWrite routes a trapped memory-mapped write to the owning device.
func (m *IoManager) MmioWrite(addr uint64, data []byte) error {
	e, ok := m.findMmio(addr)
	if !ok {
		return fmt.Errorf("%w: mmio write at 0x%x", ErrNoDevice, addr)
	}
	e.dev.Write(e.base, addr-e.base, data)
	return nil
}

// PioRead routes a trapped port read to the owning device.
func (m *IoManager) PioRead(port uint16, data []byte) error {
	e, ok := m.findPio(port)
	if !ok {
		return fmt.Errorf("%w: pio read at 0x%x", ErrNoDevice, port)
	}
	e.dev.PioRead(e.base, port-e.base, data)
	return nil
}

// PioWrite routes a trapped port write to the owning device.
func (m *IoManager) PioWrite(port uint16, data []byte) error {
	e, ok := m.findPio(port)
	if !ok {
		return fmt.Errorf("%w: pio write at 0x%x", ErrNoDevice, port)
	}
	e.dev.PioWrite(e.base, port-e.base, data)
	return nil
}

// MmioRangeCount reports the number of live memory-mapped ranges.
func (m *IoManager) MmioRangeCount() int { return len(m.mmio) }

// PioRangeCount reports the number of live port ranges.
func (m *IoManager) PioRangeCount() int { return len(m.pio) }
