package db_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"yknd/internal/db"
	"yknd/internal/proto"
	"yknd/internal/table"
	"yknd/internal/value"
	"yknd/internal/worker"
)

type harness struct {
	queue *worker.Queue
	bg    *worker.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{queue: worker.NewQueue()}
	h.bg = worker.New(h.queue, zap.NewNop())
	h.bg.Run()

	t.Cleanup(func() {
		h.queue.PostShutdown()
		h.bg.WaitForShutdown()
	})

	return h
}

func (h *harness) open(t *testing.T, dataDir string, conf db.Conf) *db.HashDB {
	t.Helper()

	engine := db.NewHashDB(conf, dataDir, 0, h.queue, zap.NewNop())

	err := engine.Open()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	return engine
}

func persistentConf() db.Conf {
	return db.Conf{Type: db.TypeHash, Persistent: true}
}

// appendSet logs and applies one SET, the way a session does: WAL first,
// mutation second.
func appendSet(t *testing.T, engine *db.HashDB, key, val string, ms int64) {
	t.Helper()

	args := []*value.Obj{
		value.NewString([]byte(key)),
		value.NewString([]byte(val)),
	}

	err := engine.AppendLog(proto.CmdSet, ms, args)
	if err != nil {
		t.Fatalf("append set %s: %v", key, err)
	}

	err = engine.Put([]byte(key), uint64(ms), args[1])
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func mustGetString(t *testing.T, engine *db.HashDB, key string) string {
	t.Helper()

	_, obj, err := engine.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}

	defer obj.Release()

	return string(obj.Bytes())
}

// Contract: a non-persistent database serves puts and gets with no on-disk
// log or manifest.
func Test_HashDB_In_Memory_Put_Get(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, db.Conf{Type: db.TypeHash})

	err := engine.Put([]byte("key"), 0, value.NewString([]byte("obj")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if got := mustGetString(t, engine, "key"); got != "obj" {
		t.Fatalf("get = %q, want obj", got)
	}

	err = engine.AppendLog(proto.CmdSet, 0, nil)
	if err != nil {
		t.Fatalf("append on in-memory db: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "db-0", "MANIFEST")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("manifest exists on in-memory db: %v", err)
	}
}

// Contract: opening a fresh persistent database writes manifest "0" and
// creates an empty log-0.
func Test_HashDB_Open_Creates_Manifest_And_Log(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = engine.Close() })

	raw, err := os.ReadFile(filepath.Join(root, "db-0", "MANIFEST"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	if strings.TrimSpace(string(raw)) != "0" {
		t.Fatalf("manifest = %q, want 0", raw)
	}

	info, err := os.Stat(filepath.Join(root, "db-0", "log-0"))
	if err != nil {
		t.Fatalf("stat log-0: %v", err)
	}

	if info.Size() != 0 {
		t.Fatalf("fresh log-0 holds %d bytes", info.Size())
	}
}

// Contract: state survives a close and reopen through log replay, and the
// log carries bytes before any checkpoint exists.
func Test_HashDB_Recovers_State_Across_Restart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	appendSet(t, engine, "k1", "v1", 1000)
	appendSet(t, engine, "k2", "v2", 2000)

	info, err := os.Stat(filepath.Join(root, "db-0", "log-0"))
	if err != nil || info.Size() == 0 {
		t.Fatalf("log-0 stat = (%v, %v), want non-empty", info, err)
	}

	err = engine.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = reopened.Close() })

	if got := mustGetString(t, reopened, "k1"); got != "v1" {
		t.Fatalf("k1 = %q, want v1", got)
	}

	if got := mustGetString(t, reopened, "k2"); got != "v2" {
		t.Fatalf("k2 = %q, want v2", got)
	}

	ver, obj, err := reopened.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get k1: %v", err)
	}

	obj.Release()

	if ver.Number != 1000 {
		t.Fatalf("replayed version = %d, want the logged 1000", ver.Number)
	}
}

// Contract: a delete is logged with version zero and replay removes the key.
func Test_HashDB_Replays_Deletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	appendSet(t, engine, "keep", "v", 1)
	appendSet(t, engine, "gone", "v", 2)

	args := []*value.Obj{value.NewString([]byte("gone"))}

	err := engine.AppendLog(proto.CmdDelete, 0, args)
	if err != nil {
		t.Fatalf("append del: %v", err)
	}

	engine.Delete([]byte("gone"))

	err = engine.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = reopened.Close() })

	if _, _, err := reopened.Get([]byte("gone")); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("deleted key err = %v, want ErrNotFound", err)
	}

	if got := mustGetString(t, reopened, "keep"); got != "v" {
		t.Fatalf("keep = %q, want v", got)
	}
}

// Contract: crossing the WAL threshold rotates table and log to the next
// version, updates the manifest last, and keeps the previous generation as
// fallback.
func Test_HashDB_Rotates_After_Threshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	conf := persistentConf()
	conf.WALThreshold = 2048

	engine := h.open(t, root, conf)

	payload := strings.Repeat("x", 128)
	for i := 0; i < 64; i++ {
		appendSet(t, engine, fmt.Sprintf("key-%d", i), payload, int64(i))
	}

	err := engine.Close() // joins the saving goroutine
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if engine.Version() < 1 {
		t.Fatalf("version = %d, want at least 1 after threshold", engine.Version())
	}

	v := engine.Version()

	for _, name := range []string{
		fmt.Sprintf("table-%d", v),
		fmt.Sprintf("log-%d", v),
		fmt.Sprintf("log-%d", v-1),
		"MANIFEST",
	} {
		_, err := os.Stat(filepath.Join(root, "db-0", name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(root, "db-0", "MANIFEST"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	if strings.TrimSpace(string(raw)) != fmt.Sprintf("%d", v) {
		t.Fatalf("manifest = %q, want %d", raw, v)
	}

	reopened := h.open(t, root, conf)

	t.Cleanup(func() { _ = reopened.Close() })

	// Keys written before the saving thread spawned are in every snapshot;
	// writes racing the dump itself are only guaranteed until the manifest
	// moves, so the assertion sticks to the deterministic prefix.
	if reopened.NumKeys() < 15 {
		t.Fatalf("recovered NumKeys = %d, want at least the pre-save prefix", reopened.NumKeys())
	}

	if got := mustGetString(t, reopened, "key-5"); got != payload {
		t.Fatalf("key-5 = %q, want payload", got)
	}
}

// Contract: a quiesced forced checkpoint rotates immediately and recovery
// from the rotated state equals the in-memory state exactly.
func Test_HashDB_Forced_Checkpoint_Rotates(t *testing.T) {
	t.Parallel()

	const n = 64

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	for i := 0; i < n; i++ {
		appendSet(t, engine, fmt.Sprintf("key-%d", i), fmt.Sprintf("val-%d", i), int64(i))
	}

	err := engine.Checkpoint(true)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if engine.Version() != 1 {
		t.Fatalf("version = %d, want 1", engine.Version())
	}

	if _, err := os.Stat(filepath.Join(root, "db-0", "table-1")); err != nil {
		t.Fatalf("stat table-1: %v", err)
	}

	// The previous generation survives as recovery fallback.
	if _, err := os.Stat(filepath.Join(root, "db-0", "log-0")); err != nil {
		t.Fatalf("stat fallback log-0: %v", err)
	}

	err = engine.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = reopened.Close() })

	if reopened.NumKeys() != n {
		t.Fatalf("recovered NumKeys = %d, want %d", reopened.NumKeys(), n)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)

		if got := mustGetString(t, reopened, key); got != fmt.Sprintf("val-%d", i) {
			t.Fatalf("%s = %q, want val-%d", key, got, i)
		}
	}
}

// Contract: an unforced checkpoint below the threshold is a no-op.
func Test_HashDB_Unforced_Checkpoint_Below_Threshold_Skips(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = engine.Close() })

	appendSet(t, engine, "key", "value", 1)

	err := engine.Checkpoint(false)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	if engine.Version() != 0 {
		t.Fatalf("version = %d, want 0", engine.Version())
	}
}

// Contract: a corrupted table file aborts the open instead of serving
// partial data.
func Test_HashDB_Open_Fails_On_Corrupt_Table(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	appendSet(t, engine, "key", "value", 1)

	err := engine.Checkpoint(true)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	err = engine.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(root, "db-0", "table-1")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}

	raw[len(raw)-1] ^= 0x01

	err = os.WriteFile(path, raw, 0o644)
	if err != nil {
		t.Fatalf("write table: %v", err)
	}

	broken := db.NewHashDB(persistentConf(), root, 0, h.queue, zap.NewNop())

	err = broken.Open()
	if !errors.Is(err, table.ErrCorrupt) {
		t.Fatalf("open err = %v, want ErrCorrupt", err)
	}
}

// Contract: list creation and mutation records replay to the same list.
func Test_HashDB_Replays_List_Operations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	root := t.TempDir()

	engine := h.open(t, root, persistentConf())

	listArgs := []*value.Obj{
		value.NewString([]byte("tags")),
		value.NewString([]byte("a")),
		value.NewString([]byte("b")),
	}

	err := engine.AppendLog(proto.CmdList, 10, listArgs)
	if err != nil {
		t.Fatalf("append list: %v", err)
	}

	list := value.NewList()
	list.List().PushBack(listArgs[1])
	list.List().PushBack(listArgs[2])

	err = engine.Put([]byte("tags"), 10, list)
	if err != nil {
		t.Fatalf("put list: %v", err)
	}

	pushArgs := []*value.Obj{
		value.NewString([]byte("tags")),
		value.NewString([]byte("c")),
	}

	err = engine.AppendLog(proto.CmdRPush, 0, pushArgs)
	if err != nil {
		t.Fatalf("append rpush: %v", err)
	}

	list.List().PushBack(pushArgs[1])

	err = engine.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := h.open(t, root, persistentConf())

	t.Cleanup(func() { _ = reopened.Close() })

	_, obj, err := reopened.Get([]byte("tags"))
	if err != nil {
		t.Fatalf("get tags: %v", err)
	}

	defer obj.Release()

	if obj.Type() != value.TypeList {
		t.Fatalf("type = %d, want list", obj.Type())
	}

	var got []string
	for node := obj.List().Front(); node != nil; node = node.Next() {
		got = append(got, string(node.Value().Bytes()))
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list = %v, want %v", got, want)
		}
	}
}
