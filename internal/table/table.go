// Package table implements the checkpoint file codec: a full dump of one
// hash map, CRC32-verified, self-describing per entry.
//
// Layout:
//
//	offset  0..3   magic "*YKN"
//	offset  4..7   CRC32 of everything from offset 16 (little-endian)
//	offset  8..15  reserved, zero
//	offset 16..    entries: [key boundle][serialized value]
//
// The checksum slot is zero while the body streams out and is patched in
// place afterwards, so a crash mid-dump leaves a file that fails
// verification instead of loading partially.
package table

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"yknd/internal/codec"
	"yknd/internal/hashmap"
	"yknd/internal/value"
)

const (
	tableMagic = "*YKN"
	headerSize = 16
	crcOffset  = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt reports a table file that fails magic or checksum verification
// or has broken entry framing. Callers should use errors.Is(err, ErrCorrupt).
var ErrCorrupt = errors.New("corrupt table file")

// Create opens path for dumping. Without overwrite the file must not already
// exist.
func Create(path string, overwrite bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create table file: %w", err)
	}

	return f, nil
}

// Dump streams every entry of it into w and patches the checksum into the
// header. The iterator stays open for the whole dump, which blocks rehash of
// the source map.
func Dump(w io.WriteSeeker, it *hashmap.Iterator) error {
	var header [headerSize]byte

	copy(header[:], tableMagic)

	_, err := w.Write(header[:])
	if err != nil {
		return fmt.Errorf("write table header: %w", err)
	}

	proxy := &crcWriter{w: w}
	enc := codec.NewWriter(proxy)

	for it.Next() {
		_, err = proxy.Write(it.Boundle())
		if err != nil {
			return fmt.Errorf("write key boundle: %w", err)
		}

		_, err = value.Serialize(it.Value().(*value.Obj), enc)
		if err != nil {
			return fmt.Errorf("write value: %w", err)
		}
	}

	_, err = w.Seek(crcOffset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek checksum slot: %w", err)
	}

	var sum [4]byte

	binary.LittleEndian.PutUint32(sum[:], proxy.sum)

	_, err = w.Write(sum[:])
	if err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}

	return nil
}

// Load verifies the header, streams every entry into put, and compares the
// stored checksum against the computed one. put receives values with a zero
// reference count.
func Load(r io.Reader, put func(key []byte, version uint64, obj *value.Obj) error) error {
	var header [headerSize]byte

	_, err := io.ReadFull(r, header[:])
	if err != nil {
		return fmt.Errorf("read table header: %w", ErrCorrupt)
	}

	if string(header[:len(tableMagic)]) != tableMagic {
		return fmt.Errorf("bad magic: %w", ErrCorrupt)
	}

	want := binary.LittleEndian.Uint32(header[crcOffset : crcOffset+4])

	proxy := &crcReader{r: bufio.NewReader(r)}
	dec := codec.NewReader(proxy)

	for {
		keySize, err := dec.ReadUvarint32()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("read key length: %w", ErrCorrupt)
		}

		key := make([]byte, keySize)

		_, err = io.ReadFull(proxy, key)
		if err != nil {
			return fmt.Errorf("read key: %w", ErrCorrupt)
		}

		_, err = dec.ReadByte()
		if err != nil {
			return fmt.Errorf("read key type: %w", ErrCorrupt)
		}

		version, err := dec.ReadUvarint64()
		if err != nil {
			return fmt.Errorf("read version: %w", ErrCorrupt)
		}

		obj, err := value.Deserialize(dec)
		if err != nil {
			if errors.Is(err, value.ErrCorrupt) || errors.Is(err, io.EOF) {
				return fmt.Errorf("read value: %w", ErrCorrupt)
			}

			return fmt.Errorf("read value: %w", err)
		}

		err = put(key, version, obj)
		if err != nil {
			return fmt.Errorf("install entry: %w", err)
		}
	}

	if proxy.sum != want {
		return fmt.Errorf("checksum mismatch (stored %08x computed %08x): %w",
			want, proxy.sum, ErrCorrupt)
	}

	return nil
}

// crcWriter accumulates a CRC32 over everything written through it.
type crcWriter struct {
	w   io.Writer
	sum uint32
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.sum = crc32.Update(c.sum, castagnoli, p[:n])

	return n, err
}

// crcReader accumulates a CRC32 over everything read through it.
type crcReader struct {
	r   *bufio.Reader
	sum uint32
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.sum = crc32.Update(c.sum, castagnoli, p[:n])

	return n, err
}

func (c *crcReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}

	c.sum = crc32.Update(c.sum, castagnoli, []byte{b})

	return b, nil
}
