// Package codegen is the emission back-end of the raven compiler: a
// growable instruction buffer, a bounded constant pool, and the code
// writer that turns a front-end's emission calls into a finished
// bytecode.Function.
package codegen

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the byte width of one operand word, fixed at 32 bits and
// shared with the interpreter through bytecode.WordBytes.
const WordSize = 4

const initialBufferSize = 128

// Buffer is a growable byte sequence supporting appends of single opcode
// bytes and little-endian operand words, plus in-place patching of a word
// at a recorded offset. Offsets handed out by Len stay valid across
// growth, which is what makes deferred branch patching safe.
type Buffer struct {
	data []byte
}

// NewBuffer returns an empty buffer with room for a small function.
func NewBuffer() Buffer {
	return Buffer{data: make([]byte, 0, initialBufferSize)}
}

// Len returns the current fill in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// AppendByte appends a single byte.
func (b *Buffer) AppendByte(c byte) {
	b.data = append(b.data, c)
}

// AppendWord appends one operand word, little-endian, at byte granularity.
func (b *Buffer) AppendWord(w uint32) {
	var tmp [WordSize]byte
	binary.LittleEndian.PutUint32(tmp[:], w)
	b.data = append(b.data, tmp[:]...)
}

// PatchWord overwrites the word at byte offset off without changing the
// fill. The full word must lie inside the written region.
func (b *Buffer) PatchWord(off int, w uint32) {
	if off < 0 || off+WordSize > len(b.data) {
		panic(fmt.Sprintf("codegen: patch of word at %d outside %d written bytes", off, len(b.data)))
	}
	binary.LittleEndian.PutUint32(b.data[off:off+WordSize], w)
}

// WordAt reads back the word at byte offset off.
func (b *Buffer) WordAt(off int) uint32 {
	if off < 0 || off+WordSize > len(b.data) {
		panic(fmt.Sprintf("codegen: read of word at %d outside %d written bytes", off, len(b.data)))
	}
	return binary.LittleEndian.Uint32(b.data[off : off+WordSize])
}

// Bytes returns the underlying storage. The caller takes ownership only
// through Writer.Finish; elsewhere the slice must be treated as read-only.
func (b *Buffer) Bytes() []byte {
	return b.data
}
