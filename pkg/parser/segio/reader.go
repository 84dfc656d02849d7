// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package segio exposes bytes scattered across non-contiguous segments as
// one sequential stream.
//
// Transport layers deliver connection data as independently-owned chunks.
// A streaming consumer (a pattern matcher scanning a request body, say)
// wants to read the logical concatenation, but concatenating would copy
// the whole payload. Reader walks the segment list instead: the only
// copying ever done is from the current segment into the destination
// buffer the consumer itself supplies.
package segio

import "io"

// Reader reads the logical concatenation of an ordered list of byte
// segments. It is forward-only and one-shot: there is no seeking and no
// restart. Reader borrows the segments; it never writes to them and never
// copies one segment into another.
type Reader struct {
	segs [][]byte
	seg  int // index of the current segment
	off  int // read offset within the current segment
}

var _ io.Reader = (*Reader)(nil)

// NewReader returns a Reader over segs. The segments must not be mutated
// while the Reader is in use.
func NewReader(segs [][]byte) *Reader {
	return &Reader{segs: segs}
}

// Read copies bytes into p from the current position, advancing across
// segment boundaries until p is full or the segments are exhausted. After
// exhaustion it returns 0, io.EOF.
func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && r.seg < len(r.segs) {
		cur := r.segs[r.seg]
		if r.off >= len(cur) {
			// Covers empty segments as well as just-consumed ones.
			r.seg++
			r.off = 0
			continue
		}
		copied := copy(p[n:], cur[r.off:])
		n += copied
		r.off += copied
	}
	if n == 0 && r.seg >= len(r.segs) {
		return 0, io.EOF
	}
	return n, nil
}

// Len returns the total number of unread bytes across all segments.
func (r *Reader) Len() int {
	if r.seg >= len(r.segs) {
		return 0
	}
	total := len(r.segs[r.seg]) - r.off
	for _, s := range r.segs[r.seg+1:] {
		total += len(s)
	}
	return total
}
