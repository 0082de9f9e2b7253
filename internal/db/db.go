// Package db implements the per-database engine: the concurrent hash map
// paired with a write-ahead log and periodic full-table checkpoints, plus
// crash recovery from the last committed (table, log) pair.
package db

import (
	"errors"

	"yknd/internal/hashmap"
	"yknd/internal/proto"
	"yknd/internal/value"
)

// Errors surfaced by the engine. Callers should use errors.Is.
var (
	// ErrNotFound reports a missing key.
	ErrNotFound = hashmap.ErrNotFound

	// ErrSaving reports a forced checkpoint colliding with one in flight.
	ErrSaving = errors.New("checkpoint already in progress")

	// ErrDBType reports a configured database type with no implementation.
	ErrDBType = errors.New("database type not implemented")
)

// Type names the database implementation backing a slot. Only hash databases
// are implemented; order and page are reserved configuration values.
type Type string

const (
	TypeHash  Type = "hash"
	TypeOrder Type = "order"
	TypePage  Type = "page"
)

// Conf is the per-database configuration.
type Conf struct {
	Type         Type
	Persistent   bool
	MemoryLimit  uint64
	InitialSlots int
	WALThreshold int
}

// DB is one logical database. All methods are safe for concurrent use.
type DB interface {
	// Open loads or creates the on-disk state. Corruption of the table file
	// is fatal: the database refuses to open rather than serve partial data.
	Open() error

	// Close flushes and releases the log file. The in-memory table survives
	// until the process exits.
	Close() error

	// AppendLog appends one mutation record to the WAL and schedules its
	// fsync. Callers issue the in-memory mutation only after AppendLog
	// returns, so no reader observes state that could not be replayed.
	AppendLog(code proto.CmdCode, version int64, args []*value.Obj) error

	// Checkpoint dumps the full table and rotates the log. Without force it
	// is a no-op below the WAL threshold.
	Checkpoint(force bool) error

	Put(key []byte, versionNumber uint64, v *value.Obj) error
	Get(key []byte) (hashmap.Version, *value.Obj, error)
	Delete(key []byte) bool
	Exec(key []byte, fn func(hashmap.Version, *value.Obj)) error
	Iterator() *hashmap.Iterator
	NumKeys() int
}
