// Package x86 synthesizes the CPUID identity tables a guest observes.
//
// Every transform is a pure function of the VMSpec topology and the input
// leaf, so each one can be exercised in isolation. The resulting table is
// handed to the hardware-virtualization layer as the vCPU's visible
// identification registers.
package x86

import (
	"errors"
	"fmt"
	"math/bits"
)

// CPUID leaf functions this package rewrites.
const (
	LeafFeatures      = 0x1
	LeafCacheParams   = 0x4
	LeafExtTopology   = 0xB
	LeafExtTopologyV2 = 0x1F
	LeafBrandString0  = 0x80000002
	LeafBrandString1  = 0x80000003
	LeafBrandString2  = 0x80000004
)

// Feature leaf (0x1) bit positions.
const (
	// ECX[31]: running under a hypervisor.
	featureBitHypervisor = 31
	// ECX[24]: local APIC supports one-shot operation using TSC deadline.
	featureBitTscDeadline = 24
	// EDX[28]: more than one logical processor.
	featureBitHtt = 28

	// EBX[23:16]: maximum number of addressable logical processors.
	featureLogicalCpuShift = 16
	// EBX[31:24]: initial APIC ID of this vCPU.
	featureInitialApicShift = 24
)

// Extended topology level types (ECX[15:8]).
const (
	levelTypeInvalid = 0
	levelTypeThread  = 1
	levelTypeCore    = 2
	levelTypeDie     = 5
)

// Extended topology sub-leaf indices with fixed semantics.
const (
	topoIndexThread = 0
	topoIndexCore   = 1
	// The die level exists only in the 0x1F superset encoding.
	topoIndexDie = 5
)

// Cache parameter leaf (0x4) fields.
const (
	cacheLevelShift = 5
	cacheLevelMask  = 0x7
	// EAX[25:14]: maximum number of addressable IDs for logical
	// processors sharing this cache, minus one.
	cacheSharingShift = 14
	cacheSharingMask  = 0xFFF
)

// MaxEntries bounds the synthesized leaf table, matching the capacity of
// the table the hardware-virtualization layer accepts.
const MaxEntries = 256

// BrandStringLength is the fixed CPUID brand string size across the three
// brand leaves.
const BrandStringLength = 48

var (
	// ErrTooManyEntries reports that the leaf table exceeds MaxEntries.
	ErrTooManyEntries = errors.New("x86: cpuid leaf table capacity exceeded")

	// ErrBrandStringTooLong reports a brand string over 48 bytes.
	ErrBrandStringTooLong = errors.New("x86: brand string exceeds 48 bytes")
)

// Entry is one leaf of the synthesized CPU-identity table.
type Entry struct {
	Function uint32
	Index    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// VMSpec describes one vCPU's view of the machine topology. It is derived
// from the immutable VM configuration plus the vCPU's own id.
type VMSpec struct {
	VcpuID         uint8
	VcpuCount      uint8
	ThreadsPerCore uint8
	CoresPerDie    uint8
	DiesPerSocket  uint8
	Sockets        uint8
	BrandString    string
}

// topologyWidth returns the number of APIC id bits needed to enumerate
// count sibling units: ceil(log2(count)), computed as
// 8 - leading_zeros(count-1) on an 8-bit value.
func topologyWidth(count uint8) uint32 {
	if count == 0 {
		count = 1
	}
	return uint32(8 - bits.LeadingZeros8(count-1))
}

// ProcessEntries rewrites the identity table in place for the given vCPU.
// Unknown functions pass through untouched.
func ProcessEntries(spec VMSpec, entries []Entry) error {
	if len(entries) > MaxEntries {
		return fmt.Errorf("%w: %d entries", ErrTooManyEntries, len(entries))
	}
	brand, err := padBrandString(spec.BrandString)
	if err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		switch e.Function {
		case LeafFeatures:
			processFeatures(spec, e)
		case LeafCacheParams:
			processCacheParams(spec, e)
		case LeafExtTopology:
			processExtTopology(spec, e)
		case LeafExtTopologyV2:
			processExtTopologyV2(spec, e)
		case LeafBrandString0, LeafBrandString1, LeafBrandString2:
			processBrandString(brand, e)
		}
	}
	return nil
}

// processFeatures stamps the hypervisor and timer capabilities and encodes
// this vCPU's id and the total logical processor count.
func processFeatures(spec VMSpec, e *Entry) {
	e.Ecx |= 1 << featureBitHypervisor
	e.Ecx |= 1 << featureBitTscDeadline

	e.Ebx &^= 0xFF << featureLogicalCpuShift
	e.Ebx |= uint32(spec.VcpuCount) << featureLogicalCpuShift
	e.Ebx &^= 0xFF << featureInitialApicShift
	e.Ebx |= uint32(spec.VcpuID) << featureInitialApicShift

	if spec.VcpuCount > 1 {
		e.Edx |= 1 << featureBitHtt
	} else {
		e.Edx &^= 1 << featureBitHtt
	}
}

// processCacheParams rewrites the "logical processors sharing this cache"
// field: exclusive for L1/L2 unless two hyperthreads share a core, shared
// by every vCPU for L3.
func processCacheParams(spec VMSpec, e *Entry) {
	level := (e.Eax >> cacheLevelShift) & cacheLevelMask
	if level == 0 {
		return // null descriptor, no further caches
	}

	var sharing uint32
	switch level {
	case 1, 2:
		if spec.ThreadsPerCore == 2 {
			sharing = 1
		}
	case 3:
		if spec.VcpuCount > 0 {
			sharing = uint32(spec.VcpuCount) - 1
		}
	}
	e.Eax &^= cacheSharingMask << cacheSharingShift
	e.Eax |= (sharing & cacheSharingMask) << cacheSharingShift
}

// processExtTopology fills the legacy (0xB) encoding, which knows only the
// thread and core levels; the die count folds into the core level.
func processExtTopology(spec VMSpec, e *Entry) {
	threadWidth := topologyWidth(spec.ThreadsPerCore)
	coreCount := spec.CoresPerDie * spec.DiesPerSocket
	coreWidth := threadWidth + topologyWidth(coreCount)

	e.Edx = uint32(spec.VcpuID)
	switch e.Index {
	case topoIndexThread:
		e.Eax = threadWidth
		e.Ebx = uint32(spec.ThreadsPerCore)
		e.Ecx = e.Index | levelTypeThread<<8
	case topoIndexCore:
		e.Eax = coreWidth
		e.Ebx = uint32(spec.ThreadsPerCore) * uint32(coreCount)
		e.Ecx = e.Index | levelTypeCore<<8
	default:
		// Indices past the last level echo the index back with an
		// invalid level type.
		e.Eax = 0
		e.Ebx = 0
		e.Ecx = e.Index | levelTypeInvalid<<8
	}
}

// processExtTopologyV2 fills the superset (0x1F) encoding, which adds a die
// level at sub-leaf index 5. Widths accumulate: the core width includes the
// thread width, the die width includes the core width.
func processExtTopologyV2(spec VMSpec, e *Entry) {
	threadWidth := topologyWidth(spec.ThreadsPerCore)
	coreWidth := threadWidth + topologyWidth(spec.CoresPerDie)
	dieWidth := coreWidth + topologyWidth(spec.DiesPerSocket)

	e.Edx = uint32(spec.VcpuID)
	switch e.Index {
	case topoIndexThread:
		e.Eax = threadWidth
		e.Ebx = uint32(spec.ThreadsPerCore)
		e.Ecx = e.Index | levelTypeThread<<8
	case topoIndexCore:
		e.Eax = coreWidth
		e.Ebx = uint32(spec.ThreadsPerCore) * uint32(spec.CoresPerDie)
		e.Ecx = e.Index | levelTypeCore<<8
	case topoIndexDie:
		e.Eax = dieWidth
		e.Ebx = uint32(spec.ThreadsPerCore) * uint32(spec.CoresPerDie) * uint32(spec.DiesPerSocket)
		e.Ecx = e.Index | levelTypeDie<<8
	default:
		e.Eax = 0
		e.Ebx = 0
		e.Ecx = e.Index | levelTypeInvalid<<8
	}
}

// processBrandString copies 16 bytes of the padded brand string into the
// leaf registers, little-endian.
func processBrandString(brand [BrandStringLength]byte, e *Entry) {
	offset := int(e.Function-LeafBrandString0) * 16
	regs := []*uint32{&e.Eax, &e.Ebx, &e.Ecx, &e.Edx}
	for i, reg := range regs {
		chunk := brand[offset+i*4 : offset+i*4+4]
		*reg = uint32(chunk[0]) | uint32(chunk[1])<<8 | uint32(chunk[2])<<16 | uint32(chunk[3])<<24
	}
}

func padBrandString(s string) ([BrandStringLength]byte, error) {
	var out [BrandStringLength]byte
	if len(s) > BrandStringLength {
		return out, fmt.Errorf("%w: %q", ErrBrandStringTooLong, s)
	}
	copy(out[:], s)
	return out, nil
}
