// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import "encoding/binary"

// Cursor is a bounds-checked read position over a borrowed byte slice.
// The position is monotonically non-decreasing and never exceeds the
// slice length. A read that would cross the end fails and leaves the
// position unchanged, so callers can safely walk length fields taken
// from untrusted input.
//
// Cursor never copies the underlying bytes; Bytes and Rest return
// subslices of the original buffer.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the current read position.
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Has reports whether at least n more bytes can be read.
func (c *Cursor) Has(n int) bool {
	return n >= 0 && c.pos+n <= len(c.buf)
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() (byte, bool) {
	if !c.Has(1) {
		return 0, false
	}
	b := c.buf[c.pos]
	c.pos++
	return b, true
}

// Uint16 reads a big-endian 16-bit value, the network byte order used by
// TLS length fields.
func (c *Cursor) Uint16() (uint16, bool) {
	if !c.Has(2) {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, true
}

// Skip advances the position by n bytes.
func (c *Cursor) Skip(n int) bool {
	if !c.Has(n) {
		return false
	}
	c.pos += n
	return true
}

// Bytes reads n bytes and returns them as a view into the underlying
// buffer, without copying.
func (c *Cursor) Bytes(n int) ([]byte, bool) {
	if !c.Has(n) {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

// Rest returns a view of all unread bytes without consuming them.
func (c *Cursor) Rest() []byte {
	return c.buf[c.pos:]
}
