// Package buffer implements the linear cursor buffer used throughout
// the CCID and PIV layers: a fixed-capacity octet region with a read
// position and a write position, rpos <= wpos <= capacity. Failing
// operations never move rpos or wpos.
package buffer

import "encoding/binary"

// Buffer is an owned, fixed-capacity byte region with independent
// read and write cursors.
type Buffer struct {
	data []byte
	rpos int
	wpos int
}

// New allocates a buffer with the given capacity. Nothing is grown
// past this capacity; Append fails once Tailroom reaches zero.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap builds a buffer over an existing slice, already fully written
// (rpos=0, wpos=len(data)), for reading previously-assembled data.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data, rpos: 0, wpos: len(data)}
}

// Available returns the number of unread bytes, wpos - rpos.
func (b *Buffer) Available() int { return b.wpos - b.rpos }

// Tailroom returns the remaining writable capacity, cap - wpos.
func (b *Buffer) Tailroom() int { return len(b.data) - b.wpos }

// Capacity returns the total allocated capacity.
func (b *Buffer) Capacity() int { return len(b.data) }

// ReadPointer returns a view of the unread region [rpos, wpos).
func (b *Buffer) ReadPointer() []byte { return b.data[b.rpos:b.wpos] }

// WritePointer returns a view of the unwritten region [wpos, cap).
func (b *Buffer) WritePointer() []byte { return b.data[b.wpos:] }

// Append copies src into the buffer at wpos and advances wpos. Fails
// without effect if src does not fit in Tailroom.
func (b *Buffer) Append(src []byte) bool {
	if len(src) > b.Tailroom() {
		return false
	}
	copy(b.data[b.wpos:], src)
	b.wpos += len(src)
	return true
}

// Consume returns the next n unread bytes and advances rpos. Fails
// without effect if fewer than n bytes are available.
func (b *Buffer) Consume(n int) ([]byte, bool) {
	if n > b.Available() {
		return nil, false
	}
	out := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return out, true
}

// Skip advances rpos by n without returning the bytes. Fails without
// effect if fewer than n bytes are available.
func (b *Buffer) Skip(n int) bool {
	if n > b.Available() {
		return false
	}
	b.rpos += n
	return true
}

// Truncate sets wpos = rpos + length, discarding anything appended
// beyond that point. Fails without effect if length exceeds Available.
func (b *Buffer) Truncate(length int) bool {
	if length > b.Available() {
		return false
	}
	b.wpos = b.rpos + length
	return true
}

// PutU8 appends a single byte.
func (b *Buffer) PutU8(v uint8) bool {
	return b.Append([]byte{v})
}

// PutU16LE appends a little-endian 16-bit value.
func (b *Buffer) PutU16LE(v uint16) bool {
	if b.Tailroom() < 2 {
		return false
	}
	binary.LittleEndian.PutUint16(b.data[b.wpos:], v)
	b.wpos += 2
	return true
}

// PutU32LE appends a little-endian 32-bit value.
func (b *Buffer) PutU32LE(v uint32) bool {
	if b.Tailroom() < 4 {
		return false
	}
	binary.LittleEndian.PutUint32(b.data[b.wpos:], v)
	b.wpos += 4
	return true
}

// GetU8 consumes a single byte.
func (b *Buffer) GetU8() (uint8, bool) {
	v, ok := b.Consume(1)
	if !ok {
		return 0, false
	}
	return v[0], true
}

// GetU16LE consumes a little-endian 16-bit value.
func (b *Buffer) GetU16LE() (uint16, bool) {
	v, ok := b.Consume(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(v), true
}

// GetU32LE consumes a little-endian 32-bit value.
func (b *Buffer) GetU32LE() (uint32, bool) {
	v, ok := b.Consume(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}

// Reset rewinds both cursors to the start of the buffer, keeping the
// underlying allocation.
func (b *Buffer) Reset() {
	b.rpos = 0
	b.wpos = 0
}
