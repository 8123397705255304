package hv

// Resource is one descriptor handed out by the resource allocator and
// consumed at device registration. Address resources become dispatch table
// entries; other kinds are carried through for the interrupt manager.
type Resource interface {
	isResource()
}

// MmioRange is a range in the 64-bit memory-mapped I/O space.
type MmioRange struct {
	Base uint64
	Size uint64
}

func (MmioRange) isResource() {}

// PioRange is a range in the 16-bit port I/O space.
type PioRange struct {
	Base uint16
	Size uint16
}

func (PioRange) isResource() {}

// IrqLine is an allocated interrupt line number.
type IrqLine struct {
	Num uint32
}

func (IrqLine) isResource() {}

// ResourceAllocator hands out non-overlapping address ranges and interrupt
// lines on request. It is owned outside this module.
type ResourceAllocator interface {
	AllocateMmio(size, align uint64) (MmioRange, error)
	AllocatePio(size uint16) (PioRange, error)
	AllocateIrq() (IrqLine, error)
	FreeMmio(r MmioRange)
	FreePio(r PioRange)
	FreeIrq(l IrqLine)
}
