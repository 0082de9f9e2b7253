package hashmap

// Iterator walks every entry in slot order, insertion order within a slot.
// It holds the giant lock in read mode for its whole lifetime, which blocks
// rehash — iterate promptly and always Close. While positioned inside a slot
// the iterator additionally holds that slot's read lock, so concurrent
// writers to other slots proceed but the current chain is stable.
type Iterator struct {
	m      *Map
	cur    *slot
	curIdx int
	node   *node
	closed bool
}

// Iterator returns a snapshot iterator positioned before the first entry.
// Call Next to advance; Close releases the locks.
func (m *Map) Iterator() *Iterator {
	m.giant.ReadLock()

	return &Iterator{m: m, curIdx: -1}
}

// Next advances to the next entry, reporting false when exhausted.
func (it *Iterator) Next() bool {
	if it.closed {
		return false
	}

	if it.node != nil {
		it.node = it.node.next
	}

	for it.node == nil {
		if it.cur != nil {
			it.cur.lock.ReadUnlock()
			it.cur = nil
		}

		it.curIdx++
		if it.curIdx >= len(it.m.slots) {
			return false
		}

		s := &it.m.slots[it.curIdx]
		s.lock.ReadLock()

		it.cur = s
		it.node = s.head
	}

	return true
}

// Key returns the current entry's key bytes, valid until the next advance.
func (it *Iterator) Key() []byte {
	return it.node.key.Key()
}

// Boundle returns the current entry's packed key record.
func (it *Iterator) Boundle() KeyBoundle {
	return it.node.key
}

// Version returns the current entry's version.
func (it *Iterator) Version() Version {
	return it.node.key.Version()
}

// Value returns the current entry's value without retaining it; the
// reference is valid until the next advance.
func (it *Iterator) Value() Ref {
	return it.node.value
}

// Close releases the slot and giant locks. Safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}

	if it.cur != nil {
		it.cur.lock.ReadUnlock()
		it.cur = nil
	}

	it.closed = true
	it.m.giant.ReadUnlock()
}
