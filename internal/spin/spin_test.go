package spin_test

import (
	"sync"
	"testing"

	"yknd/internal/spin"
)

// Contract: writer sections are mutually exclusive, so concurrent
// increments under the write lock never lose updates.
func Test_RWLock_Write_Sections_Are_Exclusive(t *testing.T) {
	t.Parallel()

	const (
		goroutines = 8
		iterations = 10000
	)

	var (
		lock    spin.RWLock
		counter int
		wg      sync.WaitGroup
	)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < iterations; i++ {
				lock.WriteLock()
				counter++
				lock.WriteUnlock()
			}
		}()
	}

	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("counter = %d, want %d", counter, goroutines*iterations)
	}
}

// Contract: multiple readers hold the lock at once.
func Test_RWLock_Readers_Are_Shared(t *testing.T) {
	t.Parallel()

	var lock spin.RWLock

	lock.ReadLock()

	if !lock.TryReadLock() {
		t.Fatal("second reader was refused")
	}

	lock.ReadUnlock()
	lock.ReadUnlock()
}

// Contract: a held read lock blocks TryWriteLock, a held write lock blocks
// TryReadLock, and release restores both.
func Test_RWLock_Try_Variants_Observe_Holders(t *testing.T) {
	t.Parallel()

	var lock spin.RWLock

	lock.ReadLock()

	if lock.TryWriteLock() {
		t.Fatal("writer acquired under an active reader")
	}

	lock.ReadUnlock()

	if !lock.TryWriteLock() {
		t.Fatal("writer refused on an idle lock")
	}

	if lock.TryReadLock() {
		t.Fatal("reader acquired under an active writer")
	}

	lock.WriteUnlock()

	if !lock.TryReadLock() {
		t.Fatal("reader refused after write release")
	}

	lock.ReadUnlock()
}

// Contract: readers drain before a writer enters, and the writer's section
// is not observed by later readers mid-update.
func Test_RWLock_Writer_Excludes_Readers(t *testing.T) {
	t.Parallel()

	var (
		lock spin.RWLock
		wg   sync.WaitGroup
	)

	state := [2]int{}

	wg.Add(2)

	go func() {
		defer wg.Done()

		for i := 0; i < 5000; i++ {
			lock.WriteLock()
			state[0]++
			state[1]++
			lock.WriteUnlock()
		}
	}()

	go func() {
		defer wg.Done()

		for i := 0; i < 5000; i++ {
			lock.ReadLock()

			if state[0] != state[1] {
				lock.ReadUnlock()
				t.Error("reader observed a torn write")

				return
			}

			lock.ReadUnlock()
		}
	}()

	wg.Wait()
}
