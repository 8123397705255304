package devices

import (
	"encoding/binary"
	"sync"
	"time"
)

// PL031 register offsets.
const (
	pl031DR   = 0x00 // current counter value, read only
	pl031MR   = 0x04 // match register
	pl031LR   = 0x08 // load register
	pl031CR   = 0x0C // control register
	pl031IMSC = 0x10 // interrupt mask set/clear
	pl031RIS  = 0x14 // raw interrupt status, read only
	pl031MIS  = 0x18 // masked interrupt status, read only
	pl031ICR  = 0x1C // interrupt clear, write only

	pl031PeriphID0 = 0xFE0
	pl031PCellID0  = 0xFF0

	pl031CREnable = 1 << 0
)

// Pl031WindowSize reserves a 4 KiB region for the RTC registers.
const Pl031WindowSize = 0x1000

var (
	pl031PeriphID = [4]byte{0x31, 0x10, 0x04, 0x00}
	pl031PCellID  = [4]byte{0x0D, 0xF0, 0x05, 0xB1}
)

// PL031 is the ARM PrimeCell real time clock. The counter tracks host wall
// time from the moment the guest last wrote the load register.
type PL031 struct {
	mu sync.Mutex

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32

	irq IrqSink
	now func() time.Time
}

// NewPL031 builds an enabled RTC seeded from host time. irq may be nil.
func NewPL031(irq IrqSink) *PL031 {
	if irq == nil {
		irq = DetachedIrq()
	}
	now := time.Now
	return &PL031{
		loadTime: now(),
		lr:       uint32(now().Unix()),
		cr:       pl031CREnable,
		irq:      irq,
		now:      now,
	}
}

// counter value; callers hold p.mu.
func (p *PL031) currentTime() uint32 {
	if p.cr&pl031CREnable == 0 {
		return p.lr
	}
	return p.lr + uint32(p.now().Sub(p.loadTime).Seconds())
}

// Read implements dispatch.Device.
func (p *PL031) Read(base, offset uint64, data []byte) {
	for i := range data {
		data[i] = p.readByte(offset + uint64(i))
	}
}

// Write implements dispatch.Device.
func (p *PL031) Write(base, offset uint64, data []byte) {
	if len(data) == 4 && offset%4 == 0 {
		p.writeRegister(offset, binary.LittleEndian.Uint32(data))
		return
	}
	for i := range data {
		p.writeRegister(offset+uint64(i), uint32(data[i]))
	}
}

// PioRead implements dispatch.Device. The RTC has no port window.
func (p *PL031) PioRead(base, offset uint16, data []byte) {}

// PioWrite implements dispatch.Device.
func (p *PL031) PioWrite(base, offset uint16, data []byte) {}

func (p *PL031) readByte(offset uint64) byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	regOffset := offset &^ 3
	byteIndex := offset & 3

	var value uint32
	switch {
	case regOffset >= pl031PeriphID0 && regOffset < pl031PeriphID0+16:
		return idByte(pl031PeriphID, regOffset-pl031PeriphID0, byteIndex)
	case regOffset >= pl031PCellID0 && regOffset < pl031PCellID0+16:
		return idByte(pl031PCellID, regOffset-pl031PCellID0, byteIndex)
	}

	switch regOffset {
	case pl031DR:
		value = p.currentTime()
	case pl031MR:
		value = p.mr
	case pl031LR:
		value = p.lr
	case pl031CR:
		value = p.cr
	case pl031IMSC:
		value = p.imsc
	case pl031RIS:
		if p.mr != 0 && p.currentTime() >= p.mr {
			value = 1
		}
	case pl031MIS:
		if p.mr != 0 && p.currentTime() >= p.mr && p.imsc&1 != 0 {
			value = 1
		}
	}
	return byte(value >> (byteIndex * 8))
}

// idByte reads one byte of a PrimeCell identification block; each ID byte
// occupies its own 32-bit register.
func idByte(id [4]byte, regOffset, byteIndex uint64) byte {
	if byteIndex != 0 {
		return 0
	}
	return id[regOffset/4]
}

func (p *PL031) writeRegister(offset uint64, value uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case pl031MR:
		p.mr = value
	case pl031LR:
		p.lr = value
		p.loadTime = p.now()
	case pl031CR:
		p.cr = value
	case pl031IMSC:
		p.imsc = value
		p.updateInterrupt()
	case pl031ICR:
		p.ris &^= value
		p.updateInterrupt()
	}
}

func (p *PL031) updateInterrupt() {
	p.irq.SetLevel(p.ris&p.imsc&1 != 0)
}
