package client

import (
	"net/http/httptest"
	"testing"

	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/server"
	"github.com/vitalsync/vitalsync/internal/store"
)

func testClient(t *testing.T) (*Client, *store.Store) {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	locks := lock.New(s.KV(), s.Events(), lock.Config{})
	srv := server.New(s, locks, nil, nil, ":0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL), s
}

func TestClientEnqueueAndList(t *testing.T) {
	c, _ := testClient(t)

	op, err := c.Enqueue("reading", "r1", store.OpUpdate, map[string]any{"bpm": 72})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if op.ID == "" || op.IdempotencyKey == "" {
		t.Errorf("op missing identifiers: %+v", op)
	}

	page, err := c.Queue()
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if page.Count != 1 || page.Operations[0].ID != op.ID {
		t.Errorf("page = %+v", page)
	}
}

func TestClientEnqueueEmergency(t *testing.T) {
	c, _ := testClient(t)

	if _, err := c.Enqueue("reading", "r1", store.OpCreate, nil, WithEmergency()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	page, err := c.EmergencyQueue()
	if err != nil {
		t.Fatalf("EmergencyQueue: %v", err)
	}
	if page.Count != 1 {
		t.Errorf("emergency count = %d, want 1", page.Count)
	}
}

func TestClientDeadLetterLifecycle(t *testing.T) {
	c, s := testClient(t)

	op, err := s.Enqueue(store.EnqueueRequest{
		EntityType: "reading", EntityID: "r1", OpType: store.OpUpdate,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.MoveToFailed(op, false, "connection refused"); err != nil {
		t.Fatalf("move to failed: %v", err)
	}

	page, err := c.DeadLetter()
	if err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if page.Count != 1 || page.Operations[0].ErrorMessage != "connection refused" {
		t.Fatalf("page = %+v", page)
	}

	requeued, err := c.RetryDeadLetter(op.ID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if requeued.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", requeued.Attempts)
	}

	if _, err := s.MoveToFailed(requeued, false, "again"); err != nil {
		t.Fatalf("move to failed: %v", err)
	}
	if err := c.PurgeDeadLetter(requeued.ID); err != nil {
		t.Fatalf("PurgeDeadLetter: %v", err)
	}
	page, _ = c.DeadLetter()
	if page.Count != 0 {
		t.Errorf("dead letter count after purge = %d, want 0", page.Count)
	}
}

func TestClientConflictResolve(t *testing.T) {
	c, s := testClient(t)

	rec := &store.ConflictRecord{
		EntityType:   "reading",
		EntityID:     "r1",
		OpType:       store.OpUpdate,
		LocalPayload: map[string]any{"bpm": 80},
		ServerEntity: map[string]any{"bpm": 75},
	}
	if err := s.PutConflict(rec); err != nil {
		t.Fatalf("put conflict: %v", err)
	}

	page, err := c.Conflicts()
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if page.Count != 1 {
		t.Fatalf("conflict count = %d, want 1", page.Count)
	}

	if err := c.Resolve("reading", "r1", "accept_remote"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	page, _ = c.Conflicts()
	if page.Count != 0 {
		t.Errorf("conflicts after resolve = %d, want 0", page.Count)
	}

	if err := c.Resolve("reading", "r1", "accept_remote"); err == nil {
		t.Errorf("resolving a missing conflict succeeded")
	}
}

func TestClientSetDeviceValue(t *testing.T) {
	c, s := testClient(t)

	if err := c.SetDeviceValue("dev42", 55); err != nil {
		t.Fatalf("SetDeviceValue: %v", err)
	}
	ops, err := s.PendingOps()
	if err != nil {
		t.Fatalf("pending ops: %v", err)
	}
	if len(ops) != 1 || ops[0].OpType != store.OpControl {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestClientEventsAndLocks(t *testing.T) {
	c, s := testClient(t)

	s.Events().Append("op_enqueued", "op1", "device", "dev42", map[string]any{"emergency": true})

	if _, err := c.Locks(); err != nil {
		t.Fatalf("Locks: %v", err)
	}
	if _, err := c.Events(10); err != nil {
		t.Fatalf("Events: %v", err)
	}

	result, err := c.SearchEvents(map[string]string{"data_jq": `.emergency == true`})
	if err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if result.Total != 1 {
		t.Errorf("search total = %d, want 1", result.Total)
	}
}
