package db

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"yknd/internal/binlog"
	"yknd/internal/hashmap"
	"yknd/internal/metrics"
	"yknd/internal/proto"
	"yknd/internal/table"
	"yknd/internal/value"
)

const (
	manifestName = "MANIFEST"

	// defaultWALThreshold triggers a checkpoint once this many bytes have
	// been appended to the live log.
	defaultWALThreshold = 50 << 20

	defaultInitialSlots = 1023
)

// HashDB is the hash-table database engine.
type HashDB struct {
	conf  Conf
	dir   string
	id    int
	m     *hashmap.Map
	queue workQueue
	log   *zap.Logger

	mu         sync.Mutex // guards the fields below
	logFd      int
	writer     *binlog.Writer
	written    int
	version    int64
	savingDone chan struct{}

	saving atomic.Bool
}

// workQueue is the slice of the background worker the engine needs.
type workQueue interface {
	PostSyncFile(fd int)
	PostCloseFile(fd int)
}

// NewHashDB builds an engine for database id under dataDir. The on-disk
// state is untouched until Open.
func NewHashDB(conf Conf, dataDir string, id int, queue workQueue, log *zap.Logger) *HashDB {
	if conf.InitialSlots <= 0 {
		conf.InitialSlots = defaultInitialSlots
	}

	if conf.WALThreshold <= 0 {
		conf.WALThreshold = defaultWALThreshold
	}

	return &HashDB{
		conf:  conf,
		dir:   filepath.Join(dataDir, fmt.Sprintf("db-%d", id)),
		id:    id,
		m:     hashmap.New(conf.InitialSlots),
		queue: queue,
		log:   log.With(zap.Int("db", id)),
		logFd: -1,
	}
}

// Open loads (or creates) the on-disk state and readies the live log.
func (s *HashDB) Open() error {
	err := os.MkdirAll(s.dir, 0o755)
	if err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	if !s.conf.Persistent {
		return nil
	}

	raw, err := os.ReadFile(s.manifestPath())

	switch {
	case errors.Is(err, os.ErrNotExist):
		return s.create()
	case err != nil:
		return fmt.Errorf("read manifest: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return fmt.Errorf("parse manifest %q: %w", raw, err)
	}

	return s.recover(version)
}

// create initializes a fresh persistent database: manifest "0" and an empty
// log-0.
func (s *HashDB) create() error {
	fd, err := unix.Open(s.logPath(0), unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}

	err = natomic.WriteFile(s.manifestPath(), strings.NewReader("0"))
	if err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("write manifest: %w", err)
	}

	s.mu.Lock()
	s.logFd = fd
	s.writer = binlog.NewWriter(&fdWriter{fd: fd})
	s.version = 0
	s.mu.Unlock()

	s.log.Info("database created")

	return nil
}

// recover loads table-<version> when present, replays log-<version>, and
// reopens the log for append. Any corruption aborts the open: recovery never
// silently discards data.
func (s *HashDB) recover(version int64) error {
	tablePath := s.tablePath(version)

	f, err := os.Open(tablePath)

	switch {
	case errors.Is(err, os.ErrNotExist):
		// No checkpoint yet; the log alone carries the state.
	case err != nil:
		return fmt.Errorf("open table: %w", err)
	default:
		err = table.Load(f, func(key []byte, ver uint64, obj *value.Obj) error {
			s.m.Put(key, ver, obj)

			return nil
		})

		closeErr := f.Close()

		if err != nil {
			return fmt.Errorf("load %s: %w", tablePath, err)
		}

		if closeErr != nil {
			return fmt.Errorf("close table: %w", closeErr)
		}
	}

	err = s.replayLog(version)
	if err != nil {
		return err
	}

	fd, err := unix.Open(s.logPath(version), unix.O_CREAT|unix.O_WRONLY|unix.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	written := 0

	var st unix.Stat_t

	if unix.Fstat(fd, &st) == nil {
		written = int(st.Size)
	}

	s.mu.Lock()
	s.logFd = fd
	s.writer = binlog.NewWriter(&fdWriter{fd: fd})
	s.written = written
	s.version = version
	s.mu.Unlock()

	s.log.Info("database recovered",
		zap.Int64("version", version),
		zap.Int("keys", s.m.NumKeys()),
		zap.Int("log_bytes", written))

	return nil
}

func (s *HashDB) replayLog(version int64) error {
	logPath := s.logPath(version)

	f, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	defer func() { _ = f.Close() }()

	reader := binlog.NewReader(f)

	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("replay %s: %w", logPath, err)
		}

		err = s.redo(rec)
		if err != nil {
			return fmt.Errorf("replay %s: %w", logPath, err)
		}
	}
}

// Close waits out an in-flight checkpoint and releases the live log.
func (s *HashDB) Close() error {
	s.mu.Lock()
	done := s.savingDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.logFd >= 0 {
		_ = unix.Fsync(s.logFd)

		err := unix.Close(s.logFd)

		s.logFd = -1

		if err != nil {
			return fmt.Errorf("close log: %w", err)
		}
	}

	return nil
}

// AppendLog appends one record to the live log and schedules its fsync. When
// the accumulated bytes cross the threshold and no checkpoint is in flight,
// a saving goroutine is spawned for version+1.
func (s *HashDB) AppendLog(code proto.CmdCode, version int64, args []*value.Obj) error {
	if !s.conf.Persistent {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Join the previous saving thread once it has finished.
	if s.savingDone != nil && !s.saving.Load() {
		<-s.savingDone
		s.savingDone = nil
	}

	n, err := s.writer.Append(byte(code), version, args)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	s.written += n
	metrics.WALBytesTotal.Add(float64(n))
	s.queue.PostSyncFile(s.logFd)

	if s.written >= s.conf.WALThreshold && s.saving.CompareAndSwap(false, true) {
		done := make(chan struct{})
		s.savingDone = done

		go func(newVersion int64) {
			defer close(done)
			defer s.saving.Store(false)

			err := s.checkpoint(newVersion)
			if err != nil {
				s.log.Error("checkpoint failed", zap.Error(err))
			}
		}(s.version + 1)
	}

	return nil
}

// Checkpoint dumps the table synchronously. Without force it only runs when
// the WAL threshold has been crossed.
func (s *HashDB) Checkpoint(force bool) error {
	if !s.conf.Persistent {
		return nil
	}

	if !force {
		s.mu.Lock()
		below := s.written < s.conf.WALThreshold
		s.mu.Unlock()

		if below {
			return nil
		}
	}

	if !s.saving.CompareAndSwap(false, true) {
		return ErrSaving
	}

	defer s.saving.Store(false)

	s.mu.Lock()
	newVersion := s.version + 1
	s.mu.Unlock()

	return s.checkpoint(newVersion)
}

// checkpoint performs one save: snapshot the map into table-<newVersion>,
// cut over to log-<newVersion>, publish the version, rewrite the manifest,
// and garbage-collect the files two generations back. The caller owns the
// saving flag.
func (s *HashDB) checkpoint(newVersion int64) error {
	it := s.m.Iterator()
	defer it.Close()

	// Overwrite survives a crash that left a half-written table behind.
	f, err := table.Create(s.tablePath(newVersion), true)
	if err != nil {
		return err
	}

	err = table.Dump(f, it)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(s.tablePath(newVersion))

		return fmt.Errorf("dump table: %w", err)
	}

	it.Close()

	err = f.Sync()
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("sync table: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("close table: %w", err)
	}

	newFd, err := unix.Open(s.logPath(newVersion),
		unix.O_CREAT|unix.O_TRUNC|unix.O_WRONLY|unix.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}

	s.mu.Lock()
	oldFd := s.logFd
	prev := s.version
	s.logFd = newFd
	s.writer.Reset(&fdWriter{fd: newFd})
	s.written = 0
	s.version = newVersion
	s.mu.Unlock()

	// FIFO queue ordering guarantees every pending fsync of the old log runs
	// before its close.
	s.queue.PostCloseFile(oldFd)

	err = natomic.WriteFile(s.manifestPath(),
		strings.NewReader(strconv.FormatInt(newVersion, 10)))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if prev > 0 {
		_ = os.Remove(s.tablePath(prev - 1))
		_ = os.Remove(s.logPath(prev - 1))
	}

	s.log.Info("checkpoint complete", zap.Int64("version", newVersion))

	return nil
}

// Put stores v under key.
func (s *HashDB) Put(key []byte, versionNumber uint64, v *value.Obj) error {
	s.m.Put(key, versionNumber, v)

	return nil
}

// Get retains and returns the value under key.
func (s *HashDB) Get(key []byte) (hashmap.Version, *value.Obj, error) {
	ver, ref, err := s.m.Get(key)
	if err != nil {
		return hashmap.Version{}, nil, err
	}

	return ver, ref.(*value.Obj), nil
}

// Delete removes key, reporting whether an entry existed.
func (s *HashDB) Delete(key []byte) bool {
	return s.m.Delete(key)
}

// Exec runs fn under the key's slot read lock.
func (s *HashDB) Exec(key []byte, fn func(hashmap.Version, *value.Obj)) error {
	return s.m.Exec(key, func(ver hashmap.Version, ref hashmap.Ref) {
		fn(ver, ref.(*value.Obj))
	})
}

// Iterator returns a snapshot iterator over the whole table.
func (s *HashDB) Iterator() *hashmap.Iterator {
	return s.m.Iterator()
}

// NumKeys returns the live entry count.
func (s *HashDB) NumKeys() int {
	return s.m.NumKeys()
}

// Version returns the committed durability version.
func (s *HashDB) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

func (s *HashDB) manifestPath() string {
	return filepath.Join(s.dir, manifestName)
}

func (s *HashDB) tablePath(version int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("table-%d", version))
}

func (s *HashDB) logPath(version int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("log-%d", version))
}

// fdWriter adapts a raw file descriptor to io.Writer. The engine keeps log
// files as raw fds so their fsync and close can be handed to the background
// worker without fighting os.File ownership.
type fdWriter struct {
	fd int
}

func (w *fdWriter) Write(p []byte) (int, error) {
	total := 0

	for total < len(p) {
		n, err := unix.Write(w.fd, p[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return total, err
		}

		total += n
	}

	return total, nil
}
