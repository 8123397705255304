// Package hv defines the contracts drift expects from its external
// collaborators: the guest address-space provider, the resource allocator
// and the vCPU thread manager. drift never owns these; it receives handles
// at construction time and drives them through these interfaces.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVMHalted        = errors.New("virtual machine halted")
	ErrArchUnsupported = errors.New("architecture unsupported")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// MemoryRegion describes one contiguous range of guest physical memory.
type MemoryRegion struct {
	Base     uint64
	Size     uint64
	NumaNode uint32
}

// GuestMemory is the handle the address-space provider exposes for guest
// physical memory. Offsets passed to ReadAt/WriteAt are guest physical
// addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	// Regions returns the guest physical memory layout in ascending
	// address order.
	Regions() []MemoryRegion

	// Size returns the total bytes of guest RAM across all regions.
	Size() uint64
}

// VcpuManager creates, runs, pauses and resumes per-vCPU execution threads.
// PauseAll must not return before every vCPU thread has reached a safe halt
// point; ResumeAll is the converse release.
type VcpuManager interface {
	CreateVcpus(count int) error
	StartAll(ctx context.Context) error
	PauseAll() error
	ResumeAll() error
	StopAll() error
	VcpuCount() int
}
