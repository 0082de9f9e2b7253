// Package value implements the typed, reference-counted objects a database
// stores: byte strings, 64-bit integers, lock-free lists, and embedded hash
// maps. Objects are created with a zero reference count; ownership is
// conferred by Retain and returned by Release, and a 1→0 transition destroys
// the object, dropping composite children transitively.
package value

import (
	"errors"
	"strconv"
	"sync/atomic"

	"yknd/internal/hashmap"
	"yknd/internal/lflist"
)

// Type tags a stored object. The values are the storage serialization tags
// and are part of the on-disk format (the wire protocol's reply tags are a
// separate namespace).
type Type uint8

const (
	TypeInteger Type = 1
	TypeList    Type = 2
	TypeString  Type = 3
	TypeHash    Type = 5
)

// ErrCorrupt reports malformed serialized input: truncated payload, tag out
// of range, or overlong varint. Callers should use errors.Is(err, ErrCorrupt).
var ErrCorrupt = errors.New("corrupt value")

// embeddedHashSlots sizes the slot array of a nested hash value.
const embeddedHashSlots = 33

// Obj is a tagged variant with an atomic reference count. Exactly one of the
// payload fields is meaningful, selected by typ.
type Obj struct {
	refs atomic.Int32
	typ  Type
	str  []byte
	num  int64
	list *lflist.List[*Obj]
	hash *hashmap.Map
}

// NewString returns a string object owning a copy of b.
func NewString(b []byte) *Obj {
	return &Obj{typ: TypeString, str: append([]byte(nil), b...)}
}

// NewInteger returns an integer object.
func NewInteger(n int64) *Obj {
	return &Obj{typ: TypeInteger, num: n}
}

// NewList returns an empty list object.
func NewList() *Obj {
	return &Obj{typ: TypeList, list: lflist.New[*Obj]()}
}

// NewHash returns an empty embedded hash object.
func NewHash() *Obj {
	return &Obj{typ: TypeHash, hash: hashmap.New(embeddedHashSlots)}
}

// Type returns the object's tag.
func (o *Obj) Type() Type {
	return o.typ
}

// Bytes returns a string object's payload. The slice must not be mutated.
func (o *Obj) Bytes() []byte {
	return o.str
}

// Int returns an integer object's payload.
func (o *Obj) Int() int64 {
	return o.num
}

// List returns a list object's element container.
func (o *Obj) List() *lflist.List[*Obj] {
	return o.list
}

// Hash returns a hash object's embedded map.
func (o *Obj) Hash() *hashmap.Map {
	return o.hash
}

// Retain adds a reference.
func (o *Obj) Retain() {
	o.refs.Add(1)
}

// Release drops a reference. The 1→0 transition destroys the object; for
// composites every child reference is dropped too, which can be expensive —
// hot paths may hand the release to the background worker instead.
func (o *Obj) Release() {
	if o.refs.Add(-1) != 0 {
		return
	}

	switch o.typ {
	case TypeList:
		o.list.Drain()
	case TypeHash:
		o.hash.Drain()
	case TypeInteger, TypeString:
	}
}

// RefCount returns the current reference count.
func (o *Obj) RefCount() int {
	return int(o.refs.Load())
}

// CastInt interprets the object as a 64-bit integer: integers return their
// payload, strings are parsed as decimal. Reports false for other types or
// unparseable strings.
func (o *Obj) CastInt() (int64, bool) {
	switch o.typ {
	case TypeInteger:
		return o.num, true
	case TypeString:
		n, err := strconv.ParseInt(string(o.str), 10, 64)
		if err != nil {
			return 0, false
		}

		return n, true
	case TypeList, TypeHash:
	}

	return 0, false
}
