// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resp implements a recursive-descent decoder for the Redis RESP
// serialization protocol.
//
// The decoder turns one delivered byte buffer into as many complete
// values as the buffer holds, stopping at the first value that cannot be
// completed. Stopping is not an error: at a read-event boundary the tail
// of a value is simply not there yet. Structural problems inside a value
// (a non-numeric length, an unknown type tag) are malformed and reported,
// but values decoded earlier in the same call are always preserved.
//
// Bulk string payloads are views into the input buffer, never copies.
// Callers that keep a value past the read event must copy it themselves.
package resp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	perrors "github.com/edgemux/edgemux/pkg/errors"
)

// Type tags a decoded Value.
type Type int

const (
	SimpleString Type = iota
	Error
	Integer
	BulkString
	Array
	Null
)

func (t Type) String() string {
	switch t {
	case SimpleString:
		return "simple_string"
	case Error:
		return "error"
	case Integer:
		return "integer"
	case BulkString:
		return "bulk_string"
	case Array:
		return "array"
	case Null:
		return "null"
	default:
		return "unknown"
	}
}

// Value is one decoded RESP value. Only the field for its Type is set.
// Nested arrays mirror RESP's own nesting; depth is bounded only by the
// input length because every nested value consumes at least one byte.
type Value struct {
	Type  Type
	Str   string  // SimpleString, Error
	Int   int64   // Integer
	Bulk  []byte  // BulkString; view into the input buffer
	Elems []Value // Array
}

// Command is a client command assembled from a top-level array of bulk or
// simple strings. Name is upper-cased; Args holds the remaining elements.
type Command struct {
	Name string
	Args [][]byte
}

// minValueLen is the smallest wire size of any RESP value ("+\r\n"),
// used to bound array counts before any element storage is allocated.
const minValueLen = 3

// DecodeAll decodes the complete values at the start of data, in order.
//
// consumed is the number of bytes covered by the returned values; bytes
// past consumed were either an incomplete trailing value (err == nil) or
// the start of a malformed one (err wraps ErrMalformed). Either way the
// values decoded before the stop are returned.
func DecodeAll(data []byte) (values []Value, consumed int, err error) {
	pos := 0
	for pos < len(data) {
		v, next, err := decodeValue(data, pos)
		if err != nil {
			if isIncomplete(err) {
				return values, pos, nil
			}
			return values, pos, err
		}
		values = append(values, v)
		pos = next
	}
	return values, pos, nil
}

// Commands decodes data and assembles the commands it contains. Values
// that do not have command shape are skipped. The error mirrors
// DecodeAll's, except that data whose first byte is not a RESP type tag
// reports ErrNotApplicable: the traffic is some other protocol, not
// broken RESP.
func Commands(data []byte) ([]Command, error) {
	values, _, err := DecodeAll(data)
	if err != nil && len(values) == 0 && len(data) > 0 && !isTypeTag(data[0]) {
		err = fmt.Errorf("%w: leading byte %#x", perrors.ErrNotApplicable, data[0])
	}
	var cmds []Command
	for _, v := range values {
		if cmd, ok := AsCommand(v); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds, err
}

// AsCommand converts a top-level array of bulk/simple strings into a
// Command. Any other shape yields no command.
func AsCommand(v Value) (Command, bool) {
	if v.Type != Array || len(v.Elems) == 0 {
		return Command{}, false
	}

	args := make([][]byte, 0, len(v.Elems))
	for _, elem := range v.Elems {
		switch elem.Type {
		case BulkString:
			args = append(args, elem.Bulk)
		case SimpleString:
			args = append(args, []byte(elem.Str))
		}
	}
	if len(args) == 0 {
		return Command{}, false
	}

	return Command{
		Name: strings.ToUpper(string(args[0])),
		Args: args[1:],
	}, true
}

// ErrorReply encodes a RESP error response.
func ErrorReply(message string) []byte {
	return []byte(fmt.Sprintf("-ERR %s\r\n", message))
}

// decodeValue decodes one value starting at pos and returns it with the
// position just past it.
func decodeValue(data []byte, pos int) (Value, int, error) {
	if pos >= len(data) {
		return Value{}, pos, perrors.ErrNeedMoreData
	}

	tag := data[pos]
	start := pos + 1

	switch tag {
	case '+':
		line, end, err := readLine(data, start)
		if err != nil {
			return Value{}, pos, err
		}
		return Value{Type: SimpleString, Str: string(line)}, end, nil

	case '-':
		line, end, err := readLine(data, start)
		if err != nil {
			return Value{}, pos, err
		}
		return Value{Type: Error, Str: string(line)}, end, nil

	case ':':
		line, end, err := readLine(data, start)
		if err != nil {
			return Value{}, pos, err
		}
		n, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return Value{}, pos, fmt.Errorf("%w: integer %q", perrors.ErrMalformed, line)
		}
		return Value{Type: Integer, Int: n}, end, nil

	case '$':
		line, end, err := readLine(data, start)
		if err != nil {
			return Value{}, pos, err
		}
		length, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return Value{}, pos, fmt.Errorf("%w: bulk length %q", perrors.ErrMalformed, line)
		}
		if length < 0 {
			return Value{Type: Null}, end, nil
		}
		// The claimed length is checked against the bytes actually
		// remaining before anything is sliced, so a tiny buffer claiming
		// a huge payload stops decoding instead of driving allocation.
		if length > int64(len(data)-end) || end+int(length)+2 > len(data) {
			return Value{}, pos, perrors.ErrNeedMoreData
		}
		content := data[end : end+int(length)]
		return Value{Type: BulkString, Bulk: content}, end + int(length) + 2, nil

	case '*':
		line, end, err := readLine(data, start)
		if err != nil {
			return Value{}, pos, err
		}
		count, err := strconv.ParseInt(string(line), 10, 64)
		if err != nil {
			return Value{}, pos, fmt.Errorf("%w: array count %q", perrors.ErrMalformed, line)
		}
		if count < 0 {
			return Value{Type: Null}, end, nil
		}
		// Same guard for counts: every element needs at least minValueLen
		// bytes, so a count that cannot fit in the remaining buffer is
		// incomplete by definition. No element storage is reserved from
		// the claimed count.
		if count*minValueLen > int64(len(data)-end) {
			return Value{}, pos, perrors.ErrNeedMoreData
		}
		var elems []Value
		for i := int64(0); i < count; i++ {
			elem, next, err := decodeValue(data, end)
			if err != nil {
				return Value{}, pos, err
			}
			elems = append(elems, elem)
			end = next
		}
		return Value{Type: Array, Elems: elems}, end, nil

	default:
		return Value{}, pos, fmt.Errorf("%w: type tag %q", perrors.ErrMalformed, tag)
	}
}

// readLine returns the bytes between start and the next CRLF, and the
// position just past the CRLF.
func readLine(data []byte, start int) ([]byte, int, error) {
	if start >= len(data) {
		return nil, start, perrors.ErrNeedMoreData
	}
	for i := start; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return data[start:i], i + 2, nil
		}
	}
	return nil, start, perrors.ErrNeedMoreData
}

func isIncomplete(err error) bool {
	return errors.Is(err, perrors.ErrNeedMoreData)
}

func isTypeTag(b byte) bool {
	switch b {
	case '+', '-', ':', '$', '*':
		return true
	}
	return false
}
