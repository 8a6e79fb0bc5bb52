// Package leb128 decodes the Little Endian Base 128 variable-length
// integers DWARF uses throughout (DWARF v4 standard, section 7.6),
// adapted from delve's pkg/dwarf/util: same algorithm, but errors
// are returned instead of panicking so a malformed encoding can be
// recovered per compilation unit.
package leb128

import (
	"bytes"
	"errors"
)

// ErrTruncated is returned when buf runs out of bytes mid-encoding.
var ErrTruncated = errors.New("leb128: truncated input")

// DecodeUnsigned decodes an unsigned LEB128 value from buf, consuming the
// bytes it reads.
func DecodeUnsigned(buf *bytes.Buffer) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, ErrTruncated
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// DecodeSigned decodes a signed LEB128 value from buf, consuming the
// bytes it reads.
func DecodeSigned(buf *bytes.Buffer) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = buf.ReadByte()
		if err != nil {
			return 0, ErrTruncated
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// ReadCString reads a NUL-terminated string from buf, returning it
// without the terminator.
func ReadCString(buf *bytes.Buffer) (string, error) {
	s, err := buf.ReadString(0x00)
	if err != nil {
		return "", ErrTruncated
	}
	return s[:len(s)-1], nil
}
