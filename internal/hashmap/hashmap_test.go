package hashmap_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"yknd/internal/hashmap"
)

// ref is a minimal ref-counted value for map tests.
type ref struct {
	payload string
	refs    atomic.Int32
}

func (r *ref) Retain()  { r.refs.Add(1) }
func (r *ref) Release() { r.refs.Add(-1) }

// Contract: Put then Get returns the stored value with its version, and the
// map retains the stored reference.
func Test_Map_Put_Get_Round_Trip(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)
	v := &ref{payload: "obj"}

	m.Put([]byte("key"), 42, v)

	if got := v.refs.Load(); got != 1 {
		t.Fatalf("stored value RefCount = %d, want 1", got)
	}

	ver, got, err := m.Get([]byte("key"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.(*ref) != v {
		t.Fatal("Get returned a different value")
	}

	if ver.Number != 42 {
		t.Fatalf("version = %d, want 42", ver.Number)
	}

	if v.refs.Load() != 2 {
		t.Fatalf("after Get RefCount = %d, want 2 (caller copy)", v.refs.Load())
	}

	got.Release()
}

// Contract: a missing key reports ErrNotFound.
func Test_Map_Get_Missing_Key_Fails(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)

	_, _, err := m.Get([]byte("nope"))
	if !errors.Is(err, hashmap.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Contract: overwriting a key drops the old reference, keeps the entry
// count, and preserves the original key boundle's version.
func Test_Map_Put_Overwrite_Swaps_References(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)
	old := &ref{payload: "old"}
	fresh := &ref{payload: "new"}

	m.Put([]byte("key"), 1, old)
	m.Put([]byte("key"), 2, fresh)

	if m.NumKeys() != 1 {
		t.Fatalf("NumKeys = %d, want 1", m.NumKeys())
	}

	if old.refs.Load() != 0 {
		t.Fatalf("replaced value RefCount = %d, want 0", old.refs.Load())
	}

	ver, got, err := m.Get([]byte("key"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	defer got.Release()

	if got.(*ref) != fresh {
		t.Fatal("Get returned the replaced value")
	}

	// Overwrite keeps the boundle allocated at first insert.
	if ver.Number != 1 {
		t.Fatalf("version = %d, want the original 1", ver.Number)
	}
}

// Contract: Delete removes the entry, releases the value, and reports
// whether anything was removed.
func Test_Map_Delete_Removes_And_Releases(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)
	v := &ref{payload: "obj"}

	m.Put([]byte("key"), 0, v)

	if !m.Delete([]byte("key")) {
		t.Fatal("Delete reported nothing removed")
	}

	if v.refs.Load() != 0 {
		t.Fatalf("deleted value RefCount = %d, want 0", v.refs.Load())
	}

	if m.Delete([]byte("key")) {
		t.Fatal("second Delete reported a removal")
	}

	if m.NumKeys() != 0 {
		t.Fatalf("NumKeys = %d, want 0", m.NumKeys())
	}
}

// Contract: the empty key is a valid key.
func Test_Map_Empty_Key_Is_Stored(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)

	m.Put([]byte{}, 9, &ref{payload: "empty"})

	ver, got, err := m.Get(nil)
	if err != nil {
		t.Fatalf("get empty key: %v", err)
	}

	defer got.Release()

	if ver.Number != 9 {
		t.Fatalf("version = %d, want 9", ver.Number)
	}
}

// Contract: crossing the upper load factor grows the table and every
// pre-existing key stays findable with its version intact.
func Test_Map_Resize_Preserves_Entries(t *testing.T) {
	t.Parallel()

	const n = 200

	m := hashmap.New(16)

	for i := 0; i < n; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i), &ref{payload: "x"})
	}

	if m.NumSlots() <= 16 {
		t.Fatalf("NumSlots = %d, want growth past 16", m.NumSlots())
	}

	for i := 0; i < n; i++ {
		ver, got, err := m.Get([]byte(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("get key-%d after resize: %v", i, err)
		}

		if ver.Number != uint64(i) {
			t.Fatalf("key-%d version = %d, want %d", i, ver.Number, i)
		}

		got.Release()
	}
}

// Contract: deleting far enough below the lower load factor shrinks the
// table back to the configured minimum.
func Test_Map_Shrinks_To_Minimum_After_Deletes(t *testing.T) {
	t.Parallel()

	const n = 500

	m := hashmap.New(16)

	for i := 0; i < n; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), 0, &ref{payload: "x"})
	}

	for i := 0; i < n; i++ {
		m.Delete([]byte(fmt.Sprintf("key-%d", i)))
	}

	if m.NumKeys() != 0 {
		t.Fatalf("NumKeys = %d, want 0", m.NumKeys())
	}

	if m.NumSlots() != 16 {
		t.Fatalf("NumSlots = %d, want minimum 16", m.NumSlots())
	}
}

// Contract: Exec runs under the slot lock with a live reference and reports
// missing keys.
func Test_Map_Exec_Passes_Retained_Reference(t *testing.T) {
	t.Parallel()

	m := hashmap.New(31)
	v := &ref{payload: "obj"}

	m.Put([]byte("key"), 5, v)

	ran := false

	err := m.Exec([]byte("key"), func(ver hashmap.Version, got hashmap.Ref) {
		ran = true

		if ver.Number != 5 {
			t.Errorf("version = %d, want 5", ver.Number)
		}

		if got.(*ref).refs.Load() < 2 {
			t.Errorf("closure reference count = %d, want at least 2", got.(*ref).refs.Load())
		}
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	if !ran {
		t.Fatal("closure never ran")
	}

	err = m.Exec([]byte("nope"), func(hashmap.Version, hashmap.Ref) {})
	if !errors.Is(err, hashmap.ErrNotFound) {
		t.Fatalf("missing key err = %v, want ErrNotFound", err)
	}
}

// Contract: the iterator visits every entry exactly once.
func Test_Map_Iterator_Visits_All_Entries(t *testing.T) {
	t.Parallel()

	const n = 64

	m := hashmap.New(16)

	for i := 0; i < n; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i), &ref{payload: "x"})
	}

	seen := make(map[string]bool, n)

	it := m.Iterator()
	defer it.Close()

	for it.Next() {
		key := string(it.Key())

		if seen[key] {
			t.Fatalf("iterator visited %q twice", key)
		}

		seen[key] = true
	}

	if len(seen) != n {
		t.Fatalf("iterator saw %d entries, want %d", len(seen), n)
	}
}

// Contract: eight writers over disjoint ranges land every key; eight
// deleters then empty the map and it shrinks to the minimum.
func Test_Map_Concurrent_Writers_And_Deleters(t *testing.T) {
	t.Parallel()

	const (
		writers = 8
		perW    = 1000
	)

	m := hashmap.New(64)

	var g errgroup.Group

	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := w * perW; i < (w+1)*perW; i++ {
				m.Put([]byte(fmt.Sprintf("key-%d", i)), uint64(i), &ref{payload: "x"})
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		t.Fatalf("writers: %v", err)
	}

	if m.NumKeys() != writers*perW {
		t.Fatalf("NumKeys = %d, want %d", m.NumKeys(), writers*perW)
	}

	for i := 0; i < writers*perW; i++ {
		key := fmt.Sprintf("key-%d", i)

		_, got, err := m.Get([]byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}

		got.Release()
	}

	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := w * perW; i < (w+1)*perW; i++ {
				if !m.Delete([]byte(fmt.Sprintf("key-%d", i))) {
					return fmt.Errorf("key-%d was not deleted", i)
				}
			}

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		t.Fatalf("deleters: %v", err)
	}

	if m.NumKeys() != 0 {
		t.Fatalf("NumKeys = %d, want 0", m.NumKeys())
	}

	if m.NumSlots() != 64 {
		t.Fatalf("NumSlots = %d, want minimum 64", m.NumSlots())
	}
}

// Contract: the SDBM hash is deterministic and the empty key hashes to a
// stable slot.
func Test_Hash_Is_Deterministic(t *testing.T) {
	t.Parallel()

	if hashmap.Hash([]byte("key")) != hashmap.Hash([]byte("key")) {
		t.Fatal("hash of identical input differs")
	}

	if hashmap.Hash(nil) != 0 {
		t.Fatalf("Hash(nil) = %d, want 0", hashmap.Hash(nil))
	}
}
