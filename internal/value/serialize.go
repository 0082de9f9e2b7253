package value

import (
	"errors"
	"fmt"
	"io"

	"yknd/internal/codec"
)

// Serialize writes o's self-describing binary form:
//
//	integer  [tag][zigzag-varint64]
//	string   [tag][uvarint64 length][bytes]
//	list     [tag][uvarint32 count][element…]
//	hash     [tag][uvarint32 count][(uvarint64 klen, key, value)…]
//
// It returns the number of bytes written.
func Serialize(o *Obj, w *codec.Writer) (int, error) {
	size, err := w.WriteU8(byte(o.typ))
	if err != nil {
		return size, err
	}

	switch o.typ {
	case TypeInteger:
		n, err := w.WriteVarint64(o.num)
		size += n

		if err != nil {
			return size, err
		}

	case TypeString:
		n, err := w.WriteSlice(o.str)
		size += n

		if err != nil {
			return size, err
		}

	case TypeList:
		n, err := w.WriteUvarint32(uint32(o.list.Len()))
		size += n

		if err != nil {
			return size, err
		}

		for node := o.list.Front(); node != nil; node = node.Next() {
			n, err := Serialize(node.Value(), w)
			size += n

			if err != nil {
				return size, err
			}
		}

	case TypeHash:
		n, err := w.WriteUvarint32(uint32(o.hash.NumKeys()))
		size += n

		if err != nil {
			return size, err
		}

		it := o.hash.Iterator()
		defer it.Close()

		for it.Next() {
			n, err := w.WriteSlice(it.Key())
			size += n

			if err != nil {
				return size, err
			}

			n, err = Serialize(it.Value().(*Obj), w)
			size += n

			if err != nil {
				return size, err
			}
		}

	default:
		return size, fmt.Errorf("serialize tag %d: %w", o.typ, ErrCorrupt)
	}

	return size, nil
}

// Deserialize reads one object from r. Malformed input, including an unknown
// tag, yields ErrCorrupt; a clean EOF before the tag byte is the caller's
// end-of-stream signal and surfaces unchanged.
func Deserialize(r *codec.Reader) (*Obj, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch Type(tag) {
	case TypeInteger:
		n, err := r.ReadVarint64()
		if err != nil {
			return nil, fmt.Errorf("integer payload: %w", corrupt(err))
		}

		return NewInteger(n), nil

	case TypeString:
		b, err := r.ReadSlice()
		if err != nil {
			return nil, fmt.Errorf("string payload: %w", corrupt(err))
		}

		o := &Obj{typ: TypeString, str: b}

		return o, nil

	case TypeList:
		count, err := r.ReadUvarint32()
		if err != nil {
			return nil, fmt.Errorf("list count: %w", corrupt(err))
		}

		o := NewList()
		for i := uint32(0); i < count; i++ {
			elem, err := Deserialize(r)
			if err != nil {
				releaseOrphan(o)

				return nil, fmt.Errorf("list element %d: %w", i, corrupt(err))
			}

			o.list.PushBack(elem)
		}

		return o, nil

	case TypeHash:
		count, err := r.ReadUvarint32()
		if err != nil {
			return nil, fmt.Errorf("hash count: %w", corrupt(err))
		}

		o := NewHash()
		for i := uint32(0); i < count; i++ {
			key, err := r.ReadSlice()
			if err != nil {
				releaseOrphan(o)

				return nil, fmt.Errorf("hash key %d: %w", i, corrupt(err))
			}

			elem, err := Deserialize(r)
			if err != nil {
				releaseOrphan(o)

				return nil, fmt.Errorf("hash value %d: %w", i, corrupt(err))
			}

			o.hash.Put(key, 0, elem)
		}

		return o, nil
	}

	return nil, fmt.Errorf("tag %d: %w", tag, ErrCorrupt)
}

// corrupt folds low-level stream errors into ErrCorrupt while keeping real
// I/O failures distinct.
func corrupt(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// Truncation stays observable so a frame parser can wait for more
		// bytes instead of dropping the connection.
		return errors.Join(ErrCorrupt, io.ErrUnexpectedEOF)
	}

	if errors.Is(err, codec.ErrOverflow) {
		return ErrCorrupt
	}

	return err
}

// releaseOrphan destroys a partially built composite whose count is still 0.
func releaseOrphan(o *Obj) {
	o.Retain()
	o.Release()
}
