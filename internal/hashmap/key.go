package hashmap

import "yknd/internal/codec"

// Version is the unpacked trailer of a key boundle: a one-byte type tag and
// a 56-bit monotonic number (callers usually stamp wall-clock milliseconds).
type Version struct {
	Type   uint8
	Number uint64
}

// KeyBoundle is the packed per-entry key record:
//
//	[key-length(uvarint32)][key bytes][type(u8)][version(uvarint64)]
//
// The map allocates one boundle when a key is first inserted and drops it
// when the entry is removed. The raw bytes are written verbatim into table
// files, so the layout is part of the on-disk format.
type KeyBoundle []byte

// NewKeyBoundle packs key, type tag, and version number into one record.
func NewKeyBoundle(key []byte, typ uint8, versionNumber uint64) KeyBoundle {
	size := codec.SizeUvarint32(uint32(len(key))) + len(key) + 1 +
		codec.SizeUvarint64(versionNumber)

	b := make([]byte, size)

	n := codec.PutUvarint32(b, uint32(len(key)))
	n += copy(b[n:], key)
	b[n] = typ
	n++
	codec.PutUvarint64(b[n:], versionNumber)

	return b
}

// Key returns the key bytes. The slice aliases the boundle.
func (b KeyBoundle) Key() []byte {
	size, n, err := codec.Uvarint32(b)
	if err != nil {
		return nil
	}

	return b[n : n+int(size)]
}

// Version unpacks the type tag and version number.
func (b KeyBoundle) Version() Version {
	size, n, err := codec.Uvarint32(b)
	if err != nil {
		return Version{}
	}

	off := n + int(size)

	ver := Version{Type: b[off]}

	num, _, err := codec.Uvarint64(b[off+1:])
	if err != nil {
		return ver
	}

	ver.Number = num

	return ver
}
