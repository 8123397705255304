// Package boot loads guest boot images. It consumes seekable byte streams
// for the kernel and the optional initrd, writes them into guest memory, and
// reports where they landed so the device tree can reference them.
package boot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/driftvm/drift/internal/hv"
)

const (
	// Size of the header at the start of every decompressed arm64 Image,
	// per Documentation/arch/arm64/booting.rst.
	imageHeaderSize = 64

	// The kernel must sit text_offset bytes above a 2 MiB aligned base.
	kernelLoadAlignment = 2 << 20

	arm64ImageMagic = 0x644d5241 // "ARM\x64"

	// How far into the file we scan for a gzip payload when the image
	// starts with a self-decompression stub.
	maxGzipScan = 1 << 20

	initrdAlignment = 0x1000
)

var (
	// ErrBadKernelImage reports a stream that is not an arm64 Image,
	// compressed or raw.
	ErrBadKernelImage = errors.New("boot: not an arm64 kernel image")

	// ErrUnalignedBase reports a kernel base that is not 2 MiB aligned.
	ErrUnalignedBase = errors.New("boot: kernel base not 2 MiB aligned")
)

// KernelInfo reports where the kernel was placed.
type KernelInfo struct {
	// LoadAddr is the guest physical address of the Image's first byte.
	LoadAddr uint64
	// Entry is the address the boot vCPU jumps to.
	Entry uint64
	// Size is the loaded Image size in bytes.
	Size uint64
}

// InitrdInfo reports where the initrd was placed; it feeds the device tree's
// chosen node.
type InitrdInfo struct {
	Address uint64
	Size    uint64
}

// kernelHeader is the fixed header of a decompressed arm64 Image.
type kernelHeader struct {
	TextOffset uint64
	ImageSize  uint64
	Magic      uint32
}

func parseKernelHeader(buf []byte) (kernelHeader, error) {
	if len(buf) < imageHeaderSize {
		return kernelHeader{}, fmt.Errorf("%w: header truncated at %d bytes", ErrBadKernelImage, len(buf))
	}
	h := kernelHeader{
		TextOffset: binary.LittleEndian.Uint64(buf[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(buf[16:24]),
		Magic:      binary.LittleEndian.Uint32(buf[56:60]),
	}
	if h.Magic != arm64ImageMagic {
		return kernelHeader{}, fmt.Errorf("%w: magic %#x", ErrBadKernelImage, h.Magic)
	}
	return h, nil
}

// extractImage returns the raw Image bytes, decompressing a gzip payload when
// the stream does not start with an Image header.
func extractImage(r io.ReaderAt, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("boot: kernel image size must be positive, got %d", size)
	}

	head := make([]byte, imageHeaderSize)
	if n, err := r.ReadAt(head, 0); err != nil && n < imageHeaderSize {
		return nil, fmt.Errorf("boot: reading kernel header: %w", err)
	}
	if _, err := parseKernelHeader(head); err == nil {
		data := make([]byte, size)
		if _, err := r.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("boot: reading kernel image: %w", err)
		}
		return data, nil
	}

	offset, err := findGzipPayload(r, size)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(io.NewSectionReader(r, offset, size-offset))
	if err != nil {
		return nil, fmt.Errorf("boot: opening gzip payload: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("boot: decompressing kernel image: %w", err)
	}
	return data, nil
}

func findGzipPayload(r io.ReaderAt, size int64) (int64, error) {
	scan := size
	if scan > maxGzipScan {
		scan = maxGzipScan
	}
	buf := make([]byte, scan)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("boot: reading kernel prefix: %w", err)
	}
	idx := bytes.Index(buf[:n], []byte{0x1f, 0x8b})
	if idx < 0 {
		return 0, fmt.Errorf("%w: no image header or gzip payload in first %d bytes", ErrBadKernelImage, scan)
	}
	return int64(idx), nil
}

// LoadKernel places an arm64 kernel Image into guest memory at base (which
// must be 2 MiB aligned) plus the image's text offset, and returns the entry
// point.
func LoadKernel(mem hv.GuestMemory, r io.ReaderAt, size int64, base uint64) (*KernelInfo, error) {
	if base&(kernelLoadAlignment-1) != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnalignedBase, base)
	}
	image, err := extractImage(r, size)
	if err != nil {
		return nil, err
	}
	header, err := parseKernelHeader(image)
	if err != nil {
		return nil, err
	}

	loadAddr := base + header.TextOffset
	if _, err := mem.WriteAt(image, int64(loadAddr)); err != nil {
		return nil, fmt.Errorf("boot: writing kernel at %#x: %w", loadAddr, err)
	}
	return &KernelInfo{
		LoadAddr: loadAddr,
		Entry:    loadAddr,
		Size:     uint64(len(image)),
	}, nil
}

// LoadFlatKernel places an uncompressed flat kernel image into guest memory
// at addr with no header parsing; the entry point is the load address.
func LoadFlatKernel(mem hv.GuestMemory, r io.ReaderAt, size int64, addr uint64) (*KernelInfo, error) {
	if size <= 0 {
		return nil, fmt.Errorf("boot: kernel image size must be positive, got %d", size)
	}
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("boot: reading kernel image: %w", err)
	}
	if _, err := mem.WriteAt(data, int64(addr)); err != nil {
		return nil, fmt.Errorf("boot: writing kernel at %#x: %w", addr, err)
	}
	return &KernelInfo{LoadAddr: addr, Entry: addr, Size: uint64(size)}, nil
}

// LoadInitrd places an initrd into guest memory at addr rounded up to a 4 KiB
// boundary.
func LoadInitrd(mem hv.GuestMemory, r io.ReaderAt, size int64, addr uint64) (*InitrdInfo, error) {
	if size <= 0 {
		return nil, fmt.Errorf("boot: initrd size must be positive, got %d", size)
	}
	data := make([]byte, size)
	if _, err := r.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("boot: reading initrd: %w", err)
	}

	aligned := (addr + initrdAlignment - 1) &^ uint64(initrdAlignment-1)
	if _, err := mem.WriteAt(data, int64(aligned)); err != nil {
		return nil, fmt.Errorf("boot: writing initrd at %#x: %w", aligned, err)
	}
	return &InitrdInfo{Address: aligned, Size: uint64(size)}, nil
}
