package codec

import (
	"io"
	"math"
)

// Writer serializes varint-framed primitives onto an io.Writer.
// It mirrors Reader; neither is safe for concurrent use.
type Writer struct {
	w       io.Writer
	scratch [MaxLen64]byte
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Reset redirects the writer to w.
func (e *Writer) Reset(w io.Writer) {
	e.w = w
}

// WriteU8 writes one raw byte and returns the number of bytes written.
func (e *Writer) WriteU8(b byte) (int, error) {
	e.scratch[0] = b

	return e.w.Write(e.scratch[:1])
}

// WriteUvarint32 writes v as an unsigned varint.
func (e *Writer) WriteUvarint32(v uint32) (int, error) {
	n := PutUvarint32(e.scratch[:], v)

	return e.w.Write(e.scratch[:n])
}

// WriteUvarint64 writes v as an unsigned varint.
func (e *Writer) WriteUvarint64(v uint64) (int, error) {
	n := PutUvarint64(e.scratch[:], v)

	return e.w.Write(e.scratch[:n])
}

// WriteVarint64 writes v zigzag-folded.
func (e *Writer) WriteVarint64(v int64) (int, error) {
	n := PutVarint64(e.scratch[:], v)

	return e.w.Write(e.scratch[:n])
}

// WriteSlice writes a length-prefixed byte string (uvarint64 length, then the
// bytes themselves).
func (e *Writer) WriteSlice(p []byte) (int, error) {
	n, err := e.WriteUvarint64(uint64(len(p)))
	if err != nil {
		return n, err
	}

	m, err := e.w.Write(p)

	return n + m, err
}

// Reader deserializes varint-framed primitives from an io.Reader.
type Reader struct {
	r       io.Reader
	br      io.ByteReader
	scratch [1]byte
}

// NewReader returns a Reader consuming r. When r implements io.ByteReader its
// single-byte path is used directly.
func NewReader(r io.Reader) *Reader {
	br, _ := r.(io.ByteReader)

	return &Reader{r: r, br: br}
}

// ReadByte reads one raw byte.
func (d *Reader) ReadByte() (byte, error) {
	if d.br != nil {
		return d.br.ReadByte()
	}

	_, err := io.ReadFull(d.r, d.scratch[:])
	if err != nil {
		return 0, err
	}

	return d.scratch[0], nil
}

// ReadUvarint64 reads an unsigned varint. A clean EOF on the first byte is
// reported as io.EOF; truncation mid-value as io.ErrUnexpectedEOF.
func (d *Reader) ReadUvarint64() (uint64, error) {
	var v uint64

	var shift uint

	for i := 0; ; i++ {
		if i >= MaxLen64 {
			return 0, ErrOverflow
		}

		b, err := d.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}

			return 0, err
		}

		if b < 0x80 {
			if i == MaxLen64-1 && b > 1 {
				return 0, ErrOverflow
			}

			return v | uint64(b)<<shift, nil
		}

		v |= uint64(b&0x7f) << shift
		shift += 7
	}
}

// ReadUvarint32 reads an unsigned varint that must fit 32 bits.
func (d *Reader) ReadUvarint32() (uint32, error) {
	v, err := d.ReadUvarint64()
	if err != nil {
		return 0, err
	}

	if v > math.MaxUint32 {
		return 0, ErrOverflow
	}

	return uint32(v), nil
}

// ReadVarint64 reads a zigzag-folded signed varint.
func (d *Reader) ReadVarint64() (int64, error) {
	v, err := d.ReadUvarint64()
	if err != nil {
		return 0, err
	}

	return UnZigZag64(v), nil
}

// ReadSlice reads a length-prefixed byte string. The length is capped at
// 32 bits so a corrupt prefix cannot demand an absurd allocation.
func (d *Reader) ReadSlice() ([]byte, error) {
	n, err := d.ReadUvarint64()
	if err != nil {
		return nil, err
	}

	if n > math.MaxUint32 {
		return nil, ErrOverflow
	}

	p := make([]byte, n)

	_, err = io.ReadFull(d.r, p)
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return p, nil
}
