// Package binlog implements the framed write-ahead log shared by every
// persistent database. One record per mutating command:
//
//	[cmd(u8)][version(zigzag-varint64)][argc(uvarint32)][arg…]
//
// with each argument in the self-describing value serialization. A record is
// written in one logical append; the caller is responsible for scheduling
// the fsync and for issuing the in-memory mutation only after Append returns.
package binlog

import (
	"errors"
	"fmt"
	"io"

	"yknd/internal/codec"
	"yknd/internal/value"
)

// ErrCorrupt reports a log record with broken framing. Replay stops at the
// first corrupt record; callers should use errors.Is(err, ErrCorrupt).
var ErrCorrupt = errors.New("corrupt log record")

// Record is one decoded log entry. Args are owned by the reader's caller,
// created with a zero reference count.
type Record struct {
	Code    uint8
	Version int64
	Args    []*value.Obj
}

// Writer appends framed records to an output stream.
type Writer struct {
	enc          *codec.Writer
	writtenBytes int
}

// NewWriter returns a Writer appending to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: codec.NewWriter(w)}
}

// Append writes one record and returns the number of bytes it occupies.
func (w *Writer) Append(code uint8, version int64, args []*value.Obj) (int, error) {
	size, err := w.enc.WriteU8(code)
	if err != nil {
		return w.commit(size), fmt.Errorf("append code: %w", err)
	}

	n, err := w.enc.WriteVarint64(version)
	size += n

	if err != nil {
		return w.commit(size), fmt.Errorf("append version: %w", err)
	}

	n, err = w.enc.WriteUvarint32(uint32(len(args)))
	size += n

	if err != nil {
		return w.commit(size), fmt.Errorf("append argc: %w", err)
	}

	for i, arg := range args {
		n, err = value.Serialize(arg, w.enc)
		size += n

		if err != nil {
			return w.commit(size), fmt.Errorf("append arg %d: %w", i, err)
		}
	}

	return w.commit(size), nil
}

// Reset redirects the writer to w and zeroes the written-byte counter.
func (w *Writer) Reset(out io.Writer) {
	w.enc.Reset(out)
	w.writtenBytes = 0
}

// WrittenBytes returns the total bytes appended since the last Reset.
func (w *Writer) WrittenBytes() int {
	return w.writtenBytes
}

func (w *Writer) commit(n int) int {
	w.writtenBytes += n

	return n
}

// Reader decodes records sequentially from an input stream.
type Reader struct {
	dec *codec.Reader
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: codec.NewReader(r)}
}

// Read returns the next record, io.EOF at a clean end of stream, or
// ErrCorrupt when framing breaks mid-record.
func (r *Reader) Read() (*Record, error) {
	code, err := r.dec.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("read code: %w", err)
	}

	rec := &Record{Code: code}

	rec.Version, err = r.dec.ReadVarint64()
	if err != nil {
		return nil, fmt.Errorf("read version: %w", truncated(err))
	}

	argc, err := r.dec.ReadUvarint32()
	if err != nil {
		return nil, fmt.Errorf("read argc: %w", truncated(err))
	}

	rec.Args = make([]*value.Obj, 0, argc)

	for i := uint32(0); i < argc; i++ {
		arg, err := value.Deserialize(r.dec)
		if err != nil {
			releaseArgs(rec.Args)

			return nil, fmt.Errorf("read arg %d: %w", i, truncated(err))
		}

		rec.Args = append(rec.Args, arg)
	}

	return rec, nil
}

// truncated folds end-of-stream and decode failures inside a record into
// ErrCorrupt: a half-written record is corruption, not a clean end.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, codec.ErrOverflow) || errors.Is(err, value.ErrCorrupt) {
		return ErrCorrupt
	}

	return err
}

func releaseArgs(args []*value.Obj) {
	for _, arg := range args {
		arg.Retain()
		arg.Release()
	}
}
