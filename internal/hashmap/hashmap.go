// Package hashmap implements the concurrent hash table at the core of every
// database: chained slots, one reader/writer spin lock per slot, and a
// table-wide "giant" lock that only the rehash path takes exclusively.
//
// Every data-path operation (Put, Get, Delete, Exec, iteration) holds the
// giant lock in read mode, which pins the slot array; per-slot locks then
// serialize access to individual chains. Resize takes the giant lock in
// write mode, moves the existing nodes into a fresh slot array (node
// identity and key boundles are preserved), and swaps the array.
package hashmap

import (
	"bytes"
	"errors"
	"sync/atomic"

	"yknd/internal/spin"
)

// ErrNotFound reports a missing key. Callers should use
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("key not found")

// Load factor bounds. An insert that pushes load above the upper bound grows
// the table; a delete that drops it below the lower bound shrinks it, never
// below the configured minimum slot count.
const (
	upperLoadFactor = 0.9
	lowerLoadFactor = 0.2
)

// Ref is the element contract: the map retains values it stores and releases
// values it evicts or overwrites.
type Ref interface {
	Retain()
	Release()
}

type node struct {
	key   KeyBoundle
	value Ref
	next  *node
}

type slot struct {
	lock spin.RWLock
	head *node
}

// Map is a concurrent hash table keyed by byte strings.
type Map struct {
	giant    spin.RWLock
	slots    []slot
	minSlots int
	numKeys  atomic.Int64
	numSlots atomic.Int64
}

// New returns a map with initialSlots slots, which is also the shrink floor.
func New(initialSlots int) *Map {
	if initialSlots <= 0 {
		initialSlots = 1
	}

	m := &Map{
		slots:    make([]slot, initialSlots),
		minSlots: initialSlots,
	}
	m.numSlots.Store(int64(initialSlots))

	return m
}

// Hash is the SDBM accumulator masked to 31 bits.
func Hash(p []byte) uint32 {
	var h uint32
	for _, c := range p {
		h = uint32(c) + (h << 6) + (h << 16) - h
	}

	return h & 0x7FFFFFFF
}

func (m *Map) take(key []byte) *slot {
	i := (Hash(key) | 1) % uint32(len(m.slots))

	return &m.slots[i]
}

// Put inserts or overwrites key with value. A new entry takes a fresh key
// boundle stamped with versionNumber; an overwrite keeps the existing
// boundle and swaps the value reference.
func (m *Map) Put(key []byte, versionNumber uint64, value Ref) {
	m.giant.ReadLock()

	s := m.take(key)
	s.lock.WriteLock()

	n, created := findOrMakeRoom(s, key)
	if created {
		n.key = NewKeyBoundle(key, 0, versionNumber)
		m.numKeys.Add(1)
	}

	if n.value != value {
		old := n.value
		value.Retain()
		n.value = value

		if old != nil {
			old.Release()
		}
	}

	s.lock.WriteUnlock()
	m.giant.ReadUnlock()

	if created && m.loadFactor() > upperLoadFactor {
		m.resize()
	}
}

// Get retains and returns the value stored under key along with its version.
// The caller owns the returned reference and must Release it.
func (m *Map) Get(key []byte) (Version, Ref, error) {
	m.giant.ReadLock()

	s := m.take(key)
	s.lock.ReadLock()

	n := findRoom(s, key)
	if n == nil {
		s.lock.ReadUnlock()
		m.giant.ReadUnlock()

		return Version{}, nil, ErrNotFound
	}

	ver := n.key.Version()

	value := n.value
	value.Retain()

	s.lock.ReadUnlock()
	m.giant.ReadUnlock()

	return ver, value, nil
}

// Exec runs fn under the slot read lock with a freshly retained reference.
// The reference is released when fn returns.
func (m *Map) Exec(key []byte, fn func(Version, Ref)) error {
	m.giant.ReadLock()

	s := m.take(key)
	s.lock.ReadLock()

	n := findRoom(s, key)
	if n == nil {
		s.lock.ReadUnlock()
		m.giant.ReadUnlock()

		return ErrNotFound
	}

	value := n.value
	value.Retain()
	fn(n.key.Version(), value)
	value.Release()

	s.lock.ReadUnlock()
	m.giant.ReadUnlock()

	return nil
}

// Delete removes key, dropping the value reference and the key boundle.
// Reports whether an entry was removed.
func (m *Map) Delete(key []byte) bool {
	m.giant.ReadLock()

	s := m.take(key)
	s.lock.WriteLock()

	removed := deleteRoom(s, key)
	if removed {
		m.numKeys.Add(-1)
	}

	s.lock.WriteUnlock()
	m.giant.ReadUnlock()

	if removed && m.loadFactor() < lowerLoadFactor &&
		int(m.numSlots.Load()) > m.minSlots {
		m.resize()
	}

	return removed
}

// Drain removes every entry, releasing all value references. Used when the
// map's owner is destroyed.
func (m *Map) Drain() {
	m.giant.WriteLock()
	defer m.giant.WriteUnlock()

	for i := range m.slots {
		s := &m.slots[i]

		for s.head != nil {
			n := s.head
			s.head = n.next

			if n.value != nil {
				n.value.Release()
			}

			n.key = nil
			n.value = nil
			n.next = nil
		}
	}

	m.numKeys.Store(0)
}

// Exist reports whether key is present.
func (m *Map) Exist(key []byte) bool {
	m.giant.ReadLock()

	s := m.take(key)
	s.lock.ReadLock()

	found := findRoom(s, key) != nil

	s.lock.ReadUnlock()
	m.giant.ReadUnlock()

	return found
}

// NumKeys returns the live entry count.
func (m *Map) NumKeys() int {
	return int(m.numKeys.Load())
}

// NumSlots returns the current slot count.
func (m *Map) NumSlots() int {
	return int(m.numSlots.Load())
}

func (m *Map) loadFactor() float64 {
	return float64(m.numKeys.Load()) / float64(m.numSlots.Load())
}

// resize rebuilds the slot array sized for the current key count. It takes
// the giant lock exclusively; callers must not hold it.
func (m *Map) resize() {
	m.giant.WriteLock()
	defer m.giant.WriteUnlock()

	numKeys := int(m.numKeys.Load())

	target := int(float64(numKeys) /
		(lowerLoadFactor + (upperLoadFactor-lowerLoadFactor)/2))
	if target < m.minSlots {
		target = m.minSlots
	}

	if target == len(m.slots) {
		return
	}

	fresh := make([]slot, target)
	rehash(m.slots, fresh)

	m.slots = fresh
	m.numSlots.Store(int64(target))
}

// rehash moves every node from the old slot array into the new one. Nodes
// are relinked, not copied.
func rehash(from, to []slot) {
	for i := range from {
		s := &from[i]

		for s.head != nil {
			n := s.head
			s.head = n.next

			j := (Hash(n.key.Key()) | 1) % uint32(len(to))
			n.next = to[j].head
			to[j].head = n
		}
	}
}

// findOrMakeRoom locates the chain node for key, appending an empty node
// when the key is absent. The caller holds the slot write lock.
func findOrMakeRoom(s *slot, key []byte) (*node, bool) {
	for n := s.head; n != nil; n = n.next {
		if bytes.Equal(n.key.Key(), key) {
			return n, false
		}
	}

	n := &node{next: s.head}
	s.head = n

	return n, true
}

// findRoom locates the chain node for key. The caller holds the slot lock.
func findRoom(s *slot, key []byte) *node {
	for n := s.head; n != nil; n = n.next {
		if bytes.Equal(n.key.Key(), key) {
			return n
		}
	}

	return nil
}

// deleteRoom unlinks the node for key, releasing its value. The caller holds
// the slot write lock.
func deleteRoom(s *slot, key []byte) bool {
	var prev *node

	for n := s.head; n != nil; prev, n = n, n.next {
		if !bytes.Equal(n.key.Key(), key) {
			continue
		}

		if prev == nil {
			s.head = n.next
		} else {
			prev.next = n.next
		}

		if n.value != nil {
			n.value.Release()
		}

		n.key = nil
		n.value = nil

		return true
	}

	return false
}
