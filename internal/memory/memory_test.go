package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ivanmolanski/empire/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.MemoryConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.Put(ctx, "workflow:w1", []byte("first"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v1 != 1 {
		t.Errorf("expected version 1, got %d", v1)
	}

	v2, err := s.Put(ctx, "workflow:w1", []byte("second"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v2 != 2 {
		t.Errorf("expected version 2, got %d", v2)
	}

	// Latest read returns the newest write.
	value, version, err := s.Get(ctx, "workflow:w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "second" || version != 2 {
		t.Errorf("expected (second, 2), got (%s, %d)", value, version)
	}

	// Historical read is explicit.
	old, err := s.GetVersion(ctx, "workflow:w1", 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if string(old) != "first" {
		t.Errorf("expected first, got %s", old)
	}

	infos, err := s.ListVersions(ctx, "workflow:w1")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(infos))
	}
	if infos[0].Version != 1 || infos[1].Version != 2 {
		t.Errorf("unexpected version order: %+v", infos)
	}

	// Keys are independent.
	if _, err := s.Put(ctx, "agent:a1", []byte("notes")); err != nil {
		t.Fatalf("put other key: %v", err)
	}
	_, version, _ = s.Get(ctx, "agent:a1")
	if version != 1 {
		t.Errorf("expected independent versioning, got %d", version)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Get(context.Background(), "workflow:nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutIfVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Expected 0 creates the first version.
	v, err := s.PutIfVersion(ctx, "workflow:w1", 0, []byte("a"))
	if err != nil {
		t.Fatalf("put if version 0: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	v, err = s.PutIfVersion(ctx, "workflow:w1", 1, []byte("b"))
	if err != nil {
		t.Fatalf("put if version 1: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	// Stale expectation conflicts and writes nothing.
	_, err = s.PutIfVersion(ctx, "workflow:w1", 1, []byte("stale"))
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	value, version, _ := s.Get(ctx, "workflow:w1")
	if string(value) != "b" || version != 2 {
		t.Errorf("conflict must not change state, got (%s, %d)", value, version)
	}
}

func TestDeleteTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Put(ctx, "workflow:w1", []byte("alive"))
	_, _ = s.Put(ctx, "workflow:w1", []byte("still alive"))

	tv, err := s.Delete(ctx, "workflow:w1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tv != 3 {
		t.Errorf("expected tombstone version 3, got %d", tv)
	}

	_, _, err = s.Get(ctx, "workflow:w1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// History stays readable beneath the tombstone.
	old, err := s.GetVersion(ctx, "workflow:w1", 2)
	if err != nil {
		t.Fatalf("get version under tombstone: %v", err)
	}
	if string(old) != "still alive" {
		t.Errorf("expected history read, got %s", old)
	}

	// A new put over the tombstone revives the key.
	v, err := s.Put(ctx, "workflow:w1", []byte("reborn"))
	if err != nil {
		t.Fatalf("put after delete: %v", err)
	}
	if v != 4 {
		t.Errorf("expected version 4, got %d", v)
	}
	value, _, err := s.Get(ctx, "workflow:w1")
	if err != nil || string(value) != "reborn" {
		t.Errorf("expected reborn, got (%s, %v)", value, err)
	}

	// Deleting a key that never existed is ErrNotFound.
	if _, err := s.Delete(ctx, "workflow:ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"workflow:w1", "workflow:w2", "agent:a1", "global:prompt"} {
		if _, err := s.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	// Extra versions must not duplicate keys.
	_, _ = s.Put(ctx, "workflow:w1", []byte("y"))

	keys, err := s.Keys(ctx, "workflow:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "workflow:w1" || keys[1] != "workflow:w2" {
		t.Errorf("unexpected keys: %v", keys)
	}

	all, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatalf("keys all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 keys, got %d", len(all))
	}
}

func TestConcurrentWritersGetUniqueVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 16
	versions := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Put(ctx, "workflow:hot", []byte(fmt.Sprintf("w%d", i)))
			if err != nil {
				t.Errorf("concurrent put: %v", err)
				return
			}
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	var got []int64
	for v := range versions {
		got = append(got, v)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != writers {
		t.Fatalf("expected %d versions, got %d", writers, len(got))
	}
	for i, v := range got {
		if v != int64(i+1) {
			t.Fatalf("expected dense versions 1..%d, got %v", writers, got)
		}
	}

	_, latest, err := s.Get(ctx, "workflow:hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest != writers {
		t.Errorf("expected latest version %d, got %d", writers, latest)
	}
}

func TestCompact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.Put(ctx, "workflow:w1", []byte(fmt.Sprintf("v%d", i+1))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	// MinAge in the future makes everything old enough to collect.
	removed, err := s.Compact(ctx, Policy{KeepVersions: 3, MinAge: -time.Minute})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 7 {
		t.Errorf("expected 7 rows removed, got %d", removed)
	}

	infos, _ := s.ListVersions(ctx, "workflow:w1")
	if len(infos) != 3 {
		t.Fatalf("expected 3 surviving versions, got %d", len(infos))
	}
	if infos[0].Version != 8 {
		t.Errorf("expected oldest survivor v8, got v%d", infos[0].Version)
	}

	// Latest is untouched.
	value, version, err := s.Get(ctx, "workflow:w1")
	if err != nil || string(value) != "v10" || version != 10 {
		t.Errorf("expected (v10, 10), got (%s, %d, %v)", value, version, err)
	}

	// Fresh entries survive when MinAge shields them.
	removed, err = s.Compact(ctx, Policy{KeepVersions: 1, MinAge: time.Hour})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed under MinAge shield, got %d", removed)
	}

	// A tombstoned key older than MinAge is erased entirely.
	_, _ = s.Put(ctx, "workflow:dead", []byte("x"))
	if _, err := s.Delete(ctx, "workflow:dead"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Compact(ctx, Policy{KeepVersions: 1, MinAge: -time.Minute}); err != nil {
		t.Fatalf("compact: %v", err)
	}
	infos, _ = s.ListVersions(ctx, "workflow:dead")
	if len(infos) != 0 {
		t.Errorf("expected tombstoned key erased, found %d versions", len(infos))
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Put(ctx, "workflow:w1", []byte("a"))
	_, _ = s.Put(ctx, "workflow:w1", []byte("b"))
	_, _ = s.Delete(ctx, "workflow:w1")
	_, _ = s.Put(ctx, "workflow:w2", []byte("untouched"))

	removed, err := s.Purge(ctx, "workflow:w1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 rows removed, got %d", removed)
	}

	infos, _ := s.ListVersions(ctx, "workflow:w1")
	if len(infos) != 0 {
		t.Errorf("expected no versions after purge, found %d", len(infos))
	}

	// Other keys are untouched and the purged key starts fresh.
	if _, _, err := s.Get(ctx, "workflow:w2"); err != nil {
		t.Errorf("neighbor key damaged: %v", err)
	}
	v, err := s.Put(ctx, "workflow:w1", []byte("new life"))
	if err != nil {
		t.Fatalf("put after purge: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version numbering to restart at 1, got %d", v)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Put(ctx, "workflow:w1", []byte("aaaa"))
	_, _ = s.Put(ctx, "workflow:w1", []byte("bbbb"))
	_, _ = s.Put(ctx, "agent:a1", []byte("cc"))
	_, _ = s.Delete(ctx, "agent:a1")

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Keys != 2 {
		t.Errorf("expected 2 keys, got %d", stats.Keys)
	}
	if stats.Versions != 4 {
		t.Errorf("expected 4 versions, got %d", stats.Versions)
	}
	if stats.Tombstones != 1 {
		t.Errorf("expected 1 tombstone, got %d", stats.Tombstones)
	}
	if stats.Scopes["workflow"].Versions != 2 {
		t.Errorf("unexpected workflow scope stats: %+v", stats.Scopes["workflow"])
	}
	if stats.Scopes["agent"].Tombstones != 1 {
		t.Errorf("unexpected agent scope stats: %+v", stats.Scopes["agent"])
	}
}

func TestSealedStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sealed.db")
	ctx := context.Background()

	s, err := New(config.MemoryConfig{Path: path, SealPassphrase: "correct horse"})
	if err != nil {
		t.Fatalf("create sealed store: %v", err)
	}

	if _, err := s.Put(ctx, "agent:a1", []byte("plaintext secret")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, _, err := s.Get(ctx, "agent:a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "plaintext secret" {
		t.Errorf("round trip broke: %s", value)
	}

	// Raw column must not contain the plaintext.
	var stored []byte
	err = s.DB().QueryRow(`SELECT value FROM memory_entries WHERE scope_key = 'agent:a1'`).Scan(&stored)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if string(stored) == "plaintext secret" {
		t.Error("value stored unsealed")
	}
	s.Close()

	// Reopening with the wrong passphrase fails fast.
	if _, err := New(config.MemoryConfig{Path: path, SealPassphrase: "wrong"}); err == nil {
		t.Fatal("expected seal mismatch error")
	}

	// The right passphrase still reads.
	s2, err := New(config.MemoryConfig{Path: path, SealPassphrase: "correct horse"})
	if err != nil {
		t.Fatalf("reopen sealed store: %v", err)
	}
	defer s2.Close()
	value, _, err = s2.Get(ctx, "agent:a1")
	if err != nil || string(value) != "plaintext secret" {
		t.Errorf("reopen read failed: (%s, %v)", value, err)
	}
}

func TestCachedReads(t *testing.T) {
	dir := t.TempDir()
	s, err := New(config.MemoryConfig{Path: filepath.Join(dir, "cached.db"), CacheMB: 8})
	if err != nil {
		t.Fatalf("create cached store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	_, _ = s.Put(ctx, "workflow:w1", []byte("one"))
	for i := 0; i < 3; i++ {
		value, version, err := s.Get(ctx, "workflow:w1")
		if err != nil || string(value) != "one" || version != 1 {
			t.Fatalf("read %d: (%s, %d, %v)", i, value, version, err)
		}
	}

	// A write invalidates; the next read sees the new latest.
	_, _ = s.Put(ctx, "workflow:w1", []byte("two"))
	value, version, err := s.Get(ctx, "workflow:w1")
	if err != nil || string(value) != "two" || version != 2 {
		t.Fatalf("post-write read: (%s, %d, %v)", value, version, err)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	nextRun := time.Now().Add(-time.Minute) // due now
	ws := &WorkflowSchedule{
		ID:        "sched-1",
		Name:      "Nightly report",
		Schedule:  "0 3 * * *",
		Spec:      `{"name":"report","tasks":[]}`,
		Status:    "active",
		NextRunAt: &nextRun,
	}

	if err := s.SaveSchedule(ws); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	got, err := s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Name != "Nightly report" {
		t.Errorf("expected 'Nightly report', got '%s'", got.Name)
	}

	due, err := s.GetDueSchedules(time.Now())
	if err != nil {
		t.Fatalf("get due schedules: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected 1 due schedule, got %d", len(due))
	}

	_ = s.UpdateScheduleStatus("sched-1", "paused")
	due, _ = s.GetDueSchedules(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due schedules after pause, got %d", len(due))
	}

	if err := s.DeleteSchedule("sched-1"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	got, err = s.GetSchedule("sched-1")
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if got != nil {
		t.Error("expected nil for deleted schedule")
	}
}
