// Package devices holds the built-in emulated devices. Each implements
// dispatch.Device and raises its interrupt through an IrqSink supplied by the
// embedding runtime.
package devices

import "io"

// IrqSink raises and lowers one guest interrupt line.
type IrqSink interface {
	SetLevel(high bool)
}

// detachedIrq drops every level change. Used when no interrupt controller is
// wired up, e.g. in tests.
type detachedIrq struct{}

func (detachedIrq) SetLevel(bool) {}

// DetachedIrq returns a sink that ignores every level change.
func DetachedIrq() IrqSink { return detachedIrq{} }

const (
	// Uart16550Clock is the reference clock the guest derives baud rates from.
	Uart16550Clock = 1843200
	// Uart16550WindowSize reserves a 4 KiB region for the UART registers.
	Uart16550WindowSize = 0x1000

	uartRegisterCount = 8

	uartLCRDLAB = 1 << 7
	uartMCRLoop = 1 << 4

	uartLSRDataReady = 1 << 0
	uartLSRTHRE      = 1 << 5
	uartLSRTEMT      = 1 << 6
)

// Uart16550 is a minimal 16550-compatible UART. The same register model
// serves the memory-mapped window on arm64 and the port window on x86.
type Uart16550 struct {
	irq IrqSink
	out io.Writer

	dll       byte
	dlm       byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte
	rbr       byte

	pendingIIR byte
	skipLF     bool
}

// NewUart16550 builds a UART writing transmitted bytes to out. irq may be
// nil, in which case interrupt changes are dropped.
func NewUart16550(out io.Writer, irq IrqSink) *Uart16550 {
	if irq == nil {
		irq = DetachedIrq()
	}
	return &Uart16550{
		irq:        irq,
		out:        out,
		lsr:        uartLSRTHRE | uartLSRTEMT,
		pendingIIR: 0x01,
	}
}

// Read implements dispatch.Device.
func (u *Uart16550) Read(base, offset uint64, data []byte) {
	for i := range data {
		data[i] = u.readRegister(offset + uint64(i))
	}
}

// Write implements dispatch.Device.
func (u *Uart16550) Write(base, offset uint64, data []byte) {
	for i := range data {
		u.writeRegister(offset+uint64(i), data[i])
	}
}

// PioRead implements dispatch.Device.
func (u *Uart16550) PioRead(base, offset uint16, data []byte) {
	u.Read(uint64(base), uint64(offset), data)
}

// PioWrite implements dispatch.Device.
func (u *Uart16550) PioWrite(base, offset uint16, data []byte) {
	u.Write(uint64(base), uint64(offset), data)
}

// PushByte queues one received byte and raises the data-ready interrupt.
func (u *Uart16550) PushByte(value byte) {
	u.rbr = value
	u.lsr |= uartLSRDataReady
	u.updateInterrupts()
}

func (u *Uart16550) readRegister(offset uint64) byte {
	if offset >= uartRegisterCount {
		return 0
	}
	switch offset {
	case 0:
		if u.lcr&uartLCRDLAB != 0 {
			return u.dll
		}
		value := u.rbr
		u.rbr = 0
		u.lsr &^= uartLSRDataReady
		u.updateInterrupts()
		return value
	case 1:
		if u.lcr&uartLCRDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		return u.pendingIIR
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		return u.lsr
	case 6:
		return u.modemStatus()
	case 7:
		return u.scr
	default:
		return 0
	}
}

func (u *Uart16550) writeRegister(offset uint64, value byte) {
	if offset >= uartRegisterCount {
		return
	}
	switch offset {
	case 0:
		if u.lcr&uartLCRDLAB != 0 {
			u.dll = value
		} else {
			u.lsr &^= uartLSRTHRE
			u.updateInterrupts()
			u.transmit(value)
		}
	case 1:
		if u.lcr&uartLCRDLAB != 0 {
			u.dlm = value
		} else {
			u.ier = value & 0x0F
			u.updateInterrupts()
		}
	case 2:
		u.setFCR(value)
	case 3:
		u.lcr = value
	case 4:
		u.setMCR(value)
	case 7:
		u.scr = value
	}
}

func (u *Uart16550) updateInterrupts() {
	interrupt := byte(0x01)
	switch {
	case u.ier&0x04 != 0 && (u.lsr&0x1E) != 0:
		interrupt = 0x06
	case u.ier&0x01 != 0 && u.lsr&uartLSRDataReady != 0:
		interrupt = 0x04
	case u.ier&0x02 != 0 && u.lsr&uartLSRTHRE != 0:
		interrupt = 0x02
	case u.ier&0x08 != 0 && u.msrDelta != 0:
		interrupt = 0x00
	}
	u.pendingIIR = interrupt
	u.irq.SetLevel(interrupt != 0x01)
}

func (u *Uart16550) transmit(value byte) {
	if u.mcr&uartMCRLoop != 0 {
		u.rbr = value
		u.lsr |= uartLSRDataReady
	} else if u.out != nil {
		// Collapse CRLF so line-based hosts see one newline.
		switch value {
		case '\r':
			u.out.Write([]byte{'\n'})
			u.skipLF = true
		case '\n':
			if u.skipLF {
				u.skipLF = false
				break
			}
			u.out.Write([]byte{'\n'})
		default:
			u.skipLF = false
			u.out.Write([]byte{value})
		}
	}
	u.lsr |= uartLSRTHRE | uartLSRTEMT
	u.updateInterrupts()
}

func (u *Uart16550) clearRX() {
	u.rbr = 0
	u.lsr &^= uartLSRDataReady
	u.updateInterrupts()
}

func (u *Uart16550) setFCR(value byte) {
	if value&0x02 != 0 {
		u.clearRX()
	}
	u.fcr = value
}

func (u *Uart16550) setMCR(value byte) {
	prev := u.mcr
	u.mcr = value & 0x1F
	if prev&uartMCRLoop != 0 && u.mcr&uartMCRLoop == 0 {
		u.clearRX()
	}
	u.updateModemStatus()
	u.updateInterrupts()
}

func (u *Uart16550) modemStatus() byte {
	value := u.msrStatus | u.msrDelta
	u.msrDelta = 0
	return value
}

func (u *Uart16550) updateModemStatus() {
	const (
		bitCTS = 1 << 4
		bitDSR = 1 << 5
		bitRI  = 1 << 6
		bitDCD = 1 << 7
	)
	u.msrStatus = bitCTS | bitDSR | bitDCD
	if u.mcr&0x04 != 0 {
		u.msrStatus |= bitRI
	}
}
