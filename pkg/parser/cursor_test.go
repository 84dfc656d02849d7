// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"bytes"
	"testing"
)

func TestCursorReads(t *testing.T) {
	c := NewCursor([]byte{0x16, 0x03, 0x01, 0xaa, 0xbb})

	b, ok := c.Uint8()
	if !ok || b != 0x16 {
		t.Fatalf("Uint8() = %#x, %v", b, ok)
	}

	v, ok := c.Uint16()
	if !ok || v != 0x0301 {
		t.Fatalf("Uint16() = %#x, %v", v, ok)
	}

	rest, ok := c.Bytes(2)
	if !ok || !bytes.Equal(rest, []byte{0xaa, 0xbb}) {
		t.Fatalf("Bytes(2) = %v, %v", rest, ok)
	}

	if c.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", c.Remaining())
	}
}

func TestCursorShortReadsLeavePositionUnchanged(t *testing.T) {
	c := NewCursor([]byte{0x01})

	if _, ok := c.Uint16(); ok {
		t.Error("Uint16() succeeded on 1-byte buffer")
	}
	if _, ok := c.Bytes(2); ok {
		t.Error("Bytes(2) succeeded on 1-byte buffer")
	}
	if c.Skip(5) {
		t.Error("Skip(5) succeeded on 1-byte buffer")
	}
	if c.Pos() != 0 {
		t.Errorf("Pos() = %d after failed reads, want 0", c.Pos())
	}

	// The one valid byte is still readable.
	if b, ok := c.Uint8(); !ok || b != 0x01 {
		t.Fatalf("Uint8() = %#x, %v", b, ok)
	}
}

func TestCursorNegativeCount(t *testing.T) {
	c := NewCursor([]byte{1, 2, 3})
	if c.Has(-1) {
		t.Error("Has(-1) = true")
	}
	if c.Skip(-1) {
		t.Error("Skip(-1) = true")
	}
}

func TestCursorRestDoesNotConsume(t *testing.T) {
	c := NewCursor([]byte("abc"))
	c.Skip(1)
	if got := string(c.Rest()); got != "bc" {
		t.Fatalf("Rest() = %q, want %q", got, "bc")
	}
	if c.Pos() != 1 {
		t.Errorf("Rest consumed bytes: Pos() = %d", c.Pos())
	}
}
