// Package fdt builds flattened device tree blobs.
//
// The builder tracks node nesting depth so every BeginNode must be matched
// by exactly one EndNode before Finish will produce a blob.
package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	fdtHeaderSize  = 0x28
	fdtVersion     = 17
	fdtLastCompVer = 16
	fdtMagic       = 0xd00dfeed

	fdtBeginNodeToken = 0x1
	fdtEndNodeToken   = 0x2
	fdtPropToken      = 0x3
	fdtEndToken       = 0x9
)

var (
	// ErrUnbalanced is returned when node begin/end calls do not pair up.
	ErrUnbalanced = errors.New("fdt: unbalanced node nesting")

	// ErrFinished is returned when the builder is used after Finish.
	ErrFinished = errors.New("fdt: builder already finished")
)

// Builder accumulates a structure block and a strings block, then emits a
// complete blob with header and an empty memory reservation map.
type Builder struct {
	structBuf  bytes.Buffer
	strings    bytes.Buffer
	stringsOff map[string]uint32
	depth      int
	finished   bool
}

// NewBuilder returns an empty FDT builder.
func NewBuilder() *Builder {
	return &Builder{stringsOff: make(map[string]uint32)}
}

// BeginNode opens a node. The root node uses the empty name.
func (b *Builder) BeginNode(name string) {
	b.writeToken(fdtBeginNodeToken)
	b.structBuf.WriteString(name)
	b.structBuf.WriteByte(0)
	b.padStruct()
	b.depth++
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() error {
	if b.depth == 0 {
		return ErrUnbalanced
	}
	b.writeToken(fdtEndNodeToken)
	b.depth--
	return nil
}

// PropEmpty adds a property with no value.
func (b *Builder) PropEmpty(name string) {
	b.property(name, nil)
}

// PropStrings adds a NUL-joined string list property.
func (b *Builder) PropStrings(name string, values ...string) {
	var buf bytes.Buffer
	for _, v := range values {
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	b.property(name, buf.Bytes())
}

// PropU32 adds a big-endian u32 array property.
func (b *Builder) PropU32(name string, values ...uint32) {
	data := make([]byte, 0, len(values)*4)
	for _, v := range values {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], v)
		data = append(data, tmp[:]...)
	}
	b.property(name, data)
}

// PropU64 adds a big-endian u64 array property.
func (b *Builder) PropU64(name string, values ...uint64) {
	data := make([]byte, 0, len(values)*8)
	for _, v := range values {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], v)
		data = append(data, tmp[:]...)
	}
	b.property(name, data)
}

// PropBytes adds a raw bytes property.
func (b *Builder) PropBytes(name string, data []byte) {
	b.property(name, data)
}

func (b *Builder) property(name string, value []byte) {
	b.writeToken(fdtPropToken)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(value)))
	b.structBuf.Write(tmp[:])
	binary.BigEndian.PutUint32(tmp[:], b.stringOffset(name))
	b.structBuf.Write(tmp[:])
	b.structBuf.Write(value)
	b.padStruct()
}

// Finish terminates the structure block and assembles the blob. It fails if
// any node is still open or the builder was already finished.
func (b *Builder) Finish() ([]byte, error) {
	if b.finished {
		return nil, ErrFinished
	}
	if b.depth != 0 {
		return nil, fmt.Errorf("%w: %d node(s) still open", ErrUnbalanced, b.depth)
	}
	b.finished = true

	b.writeToken(fdtEndToken)
	b.padStruct()

	structBytes := b.structBuf.Bytes()
	stringsBytes := b.strings.Bytes()

	memReserve := make([]byte, 16) // single terminating entry

	offMemReserve := fdtHeaderSize
	offStruct := offMemReserve + len(memReserve)
	offStrings := offStruct + len(structBytes)
	totalSize := offStrings + len(stringsBytes)

	blob := make([]byte, totalSize)
	header := blob[:fdtHeaderSize]
	binary.BigEndian.PutUint32(header[0:4], fdtMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(totalSize))
	binary.BigEndian.PutUint32(header[8:12], uint32(offStruct))
	binary.BigEndian.PutUint32(header[12:16], uint32(offStrings))
	binary.BigEndian.PutUint32(header[16:20], uint32(offMemReserve))
	binary.BigEndian.PutUint32(header[20:24], fdtVersion)
	binary.BigEndian.PutUint32(header[24:28], fdtLastCompVer)
	binary.BigEndian.PutUint32(header[28:32], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(header[32:36], uint32(len(stringsBytes)))
	binary.BigEndian.PutUint32(header[36:40], uint32(len(structBytes)))

	copy(blob[offMemReserve:], memReserve)
	copy(blob[offStruct:], structBytes)
	copy(blob[offStrings:], stringsBytes)

	return blob, nil
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringsOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringsOff[name] = off
	return off
}

func (b *Builder) writeToken(token uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], token)
	b.structBuf.Write(tmp[:])
}

func (b *Builder) padStruct() {
	for b.structBuf.Len()%4 != 0 {
		b.structBuf.WriteByte(0)
	}
}
