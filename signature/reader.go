// Copyright © 2024 The ELPS authors

package signature

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed signature blob")

// Metadata table numbers used by TypeDefOrRef coded indexes.
const (
	tableTypeRef  = 0x01
	tableTypeDef  = 0x02
	tableTypeSpec = 0x1b
)

// reader is a positional reader over a signature blob.
type reader struct {
	blob []byte
	pos  int
}

func newReader(blob []byte) *reader {
	return &reader{blob: blob}
}

func (r *reader) errorf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: offset %d: %s", ErrMalformed, r.pos, fmt.Sprintf(format, v...))
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.blob) {
		return 0, r.errorf("unexpected end of blob")
	}
	b := r.blob[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.blob) {
		return 0, r.errorf("unexpected end of blob")
	}
	return r.blob[r.pos], nil
}

// compressed reads an unsigned compressed integer (ECMA-335 II.23.2) and
// returns it along with the number of bytes it occupied.
func (r *reader) compressed() (uint32, int, error) {
	b0, err := r.byte()
	if err != nil {
		return 0, 0, err
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0), 1, nil
	case b0&0xc0 == 0x80:
		b1, err := r.byte()
		if err != nil {
			return 0, 0, err
		}
		return uint32(b0&0x3f)<<8 | uint32(b1), 2, nil
	case b0&0xe0 == 0xc0:
		if r.pos+3 > len(r.blob) {
			r.pos = len(r.blob)
			return 0, 0, r.errorf("truncated compressed integer")
		}
		b1, b2, b3 := r.blob[r.pos], r.blob[r.pos+1], r.blob[r.pos+2]
		r.pos += 3
		return uint32(b0&0x1f)<<24 | uint32(b1)<<16 | uint32(b2)<<8 | uint32(b3), 4, nil
	}
	r.pos--
	return 0, 0, r.errorf("invalid compressed integer lead byte 0x%02x", b0)
}

func (r *reader) uint() (uint32, error) {
	v, _, err := r.compressed()
	return v, err
}

// int reads a signed compressed integer. The sign bit is stored in the
// least significant bit of the rotated value.
func (r *reader) int() (int32, error) {
	u, n, err := r.compressed()
	if err != nil {
		return 0, err
	}
	v := int32(u >> 1)
	if u&1 == 0 {
		return v, nil
	}
	switch n {
	case 1:
		return v - 0x40, nil
	case 2:
		return v - 0x2000, nil
	default:
		return v - 0x10000000, nil
	}
}

// token reads a compressed TypeDefOrRef coded index and expands it to a
// metadata token.
func (r *reader) token() (uint32, error) {
	v, err := r.uint()
	if err != nil {
		return 0, err
	}
	rid := v >> 2
	switch v & 0x3 {
	case 0:
		return tableTypeDef<<24 | rid, nil
	case 1:
		return tableTypeRef<<24 | rid, nil
	case 2:
		return tableTypeSpec<<24 | rid, nil
	}
	return 0, r.errorf("invalid TypeDefOrRef tag in 0x%x", v)
}

func (r *reader) remaining() int {
	return len(r.blob) - r.pos
}
