// Package codec implements the base-128 varint encoding used by the wire
// protocol, the write-ahead log, and the table files. Unsigned values are
// little-endian groups of 7 bits, the high bit of each byte marking that
// another byte follows; signed values are zigzag folded first so small
// negatives stay short.
package codec

import "errors"

// Maximum encoded lengths.
const (
	MaxLen32 = 5
	MaxLen64 = 10
)

// ErrOverflow reports a varint that is truncated, overlong, or does not fit
// the requested width. Callers should use errors.Is(err, ErrOverflow).
var ErrOverflow = errors.New("varint overflow")

// PutUvarint64 encodes v into buf and returns the number of bytes written.
// buf must be at least MaxLen64 bytes.
func PutUvarint64(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}

	buf[i] = byte(v)

	return i + 1
}

// PutUvarint32 encodes v into buf and returns the number of bytes written.
// buf must be at least MaxLen32 bytes.
func PutUvarint32(buf []byte, v uint32) int {
	return PutUvarint64(buf, uint64(v))
}

// PutVarint64 zigzag-encodes v into buf and returns the number of bytes written.
func PutVarint64(buf []byte, v int64) int {
	return PutUvarint64(buf, ZigZag64(v))
}

// Uvarint64 decodes an unsigned varint from buf. It returns the value and the
// number of bytes consumed, or ErrOverflow when buf is truncated or the
// encoding exceeds MaxLen64 bytes.
func Uvarint64(buf []byte) (uint64, int, error) {
	var v uint64

	var shift uint

	for i, b := range buf {
		if i >= MaxLen64 {
			return 0, 0, ErrOverflow
		}

		if b < 0x80 {
			if i == MaxLen64-1 && b > 1 {
				return 0, 0, ErrOverflow
			}

			return v | uint64(b)<<shift, i + 1, nil
		}

		v |= uint64(b&0x7f) << shift
		shift += 7
	}

	return 0, 0, ErrOverflow
}

// Uvarint32 decodes an unsigned varint from buf, rejecting values that do not
// fit in 32 bits.
func Uvarint32(buf []byte) (uint32, int, error) {
	v, n, err := Uvarint64(buf)
	if err != nil {
		return 0, 0, err
	}

	if v > 0xFFFFFFFF {
		return 0, 0, ErrOverflow
	}

	return uint32(v), n, nil
}

// Varint64 decodes a zigzag-encoded signed varint from buf.
func Varint64(buf []byte) (int64, int, error) {
	v, n, err := Uvarint64(buf)
	if err != nil {
		return 0, 0, err
	}

	return UnZigZag64(v), n, nil
}

// SizeUvarint64 returns the encoded length of v.
func SizeUvarint64(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}

	return n
}

// SizeUvarint32 returns the encoded length of v.
func SizeUvarint32(v uint32) int {
	return SizeUvarint64(uint64(v))
}

// SizeVarint64 returns the encoded length of zigzag-folded v.
func SizeVarint64(v int64) int {
	return SizeUvarint64(ZigZag64(v))
}

// ZigZag64 folds a signed value so that small magnitudes of either sign
// encode short.
func ZigZag64(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// UnZigZag64 reverses ZigZag64.
func UnZigZag64(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
