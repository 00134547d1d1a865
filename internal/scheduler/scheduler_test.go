package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/store"
)

func testSetup(t *testing.T, config Config) (*store.Store, *lock.Service, *Scheduler) {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	locks := lock.New(s.KV(), s.Events(), lock.Config{})
	return s, locks, New(s, locks, config)
}

func TestRunOnceReapsAbandonedLocks(t *testing.T) {
	s, locks, sched := testSetup(t, Config{ReapAge: time.Hour})

	ok, err := locks.Acquire(context.Background(), "sync.pending", nil)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := locks.Release("sync.pending"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A released lock leaves no record; create an abandoned one by
	// acquiring with a second service that never releases.
	orphan := lock.New(s.KV(), s.Events(), lock.Config{})
	if ok, err := orphan.Acquire(context.Background(), "sync.control", nil); err != nil || !ok {
		t.Fatalf("orphan acquire: ok=%v err=%v", ok, err)
	}

	// Fresh heartbeat, nothing to reap.
	sched.RunOnce()
	recs, err := locks.Locks()
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("lock records = %d, want 1", len(recs))
	}

	reaped, err := locks.ReapStale(-time.Minute)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	recs, _ = locks.Locks()
	if len(recs) != 0 {
		t.Errorf("lock records after reap = %d, want 0", len(recs))
	}
}

func TestRunOncePrunesOldEvents(t *testing.T) {
	s, _, sched := testSetup(t, Config{EventRetention: time.Hour})

	s.Events().Append("op_enqueued", "op1", "reading", "r1", nil)

	sched.RunOnce()

	// A fresh event survives an hour-long retention window.
	events, err := s.Events().Recent(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	// Negative retention puts the cutoff in the future, pruning everything.
	n, err := s.Events().Prune(-time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestRunOnceWritesAndRotatesSnapshots(t *testing.T) {
	dir := t.TempDir()
	s, _, sched := testSetup(t, Config{
		BackupInterval: time.Millisecond,
		BackupDir:      dir,
		BackupKeep:     2,
	})

	if _, err := s.Enqueue(store.EnqueueRequest{
		EntityType: "reading", EntityID: "r1", OpType: store.OpUpdate,
		Payload: map[string]any{"bpm": 72},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Pre-seed rotation victims older than anything RunOnce will write.
	for _, name := range []string{"auto-20200101T000000.vsb", "auto-20200102T000000.vsb"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	manual := filepath.Join(dir, "manual-export.vsb")
	if err := os.WriteFile(manual, []byte("keep"), 0o600); err != nil {
		t.Fatalf("seed manual: %v", err)
	}

	sched.RunOnce()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var autoCount int
	sawManual := false
	sawOldest := false
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "auto-") {
			autoCount++
		}
		if name == "manual-export.vsb" {
			sawManual = true
		}
		if name == "auto-20200101T000000.vsb" {
			sawOldest = true
		}
	}
	if autoCount != 2 {
		t.Errorf("auto snapshots = %d, want 2", autoCount)
	}
	if sawOldest {
		t.Errorf("oldest snapshot was not rotated out")
	}
	if !sawManual {
		t.Errorf("manual export was removed by rotation")
	}
}
