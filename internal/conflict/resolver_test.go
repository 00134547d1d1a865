package conflict_test

import (
	"context"
	"testing"
	"time"

	"github.com/vitalsync/vitalsync/internal/conflict"
	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRemoteWinsDecision(t *testing.T) {
	earlier := "2026-08-01T10:00:00Z"
	later := "2026-08-01T11:00:00Z"

	tests := []struct {
		name       string
		local      map[string]any
		server     map[string]any
		remoteWins bool
	}{
		{"remote timestamp later", map[string]any{"updatedAt": earlier}, map[string]any{"updatedAt": later}, true},
		{"local timestamp later", map[string]any{"updatedAt": later}, map[string]any{"updatedAt": earlier}, false},
		{"equal timestamps fall back to version, remote greater", map[string]any{"updatedAt": earlier, "version": float64(1)}, map[string]any{"updatedAt": earlier, "version": float64(2)}, true},
		{"equal timestamps fall back to version, local greater", map[string]any{"updatedAt": earlier, "version": float64(3)}, map[string]any{"updatedAt": earlier, "version": float64(2)}, false},
		{"no timestamps, remote version greater", map[string]any{"version": float64(1)}, map[string]any{"version": float64(2)}, true},
		{"no timestamps, local version greater", map[string]any{"version": float64(5)}, map[string]any{"version": float64(2)}, false},
		{"nothing comparable defaults to remote", map[string]any{"bpm": 80}, map[string]any{"bpm": 75}, true},
		{"unparseable local timestamp, versions decide", map[string]any{"updatedAt": "yesterday", "version": float64(9)}, map[string]any{"updatedAt": later, "version": float64(2)}, false},
		{"equal versions default to remote", map[string]any{"version": float64(2)}, map[string]any{"version": float64(2)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conflict.RemoteWins(tt.local, tt.server)
			if got != tt.remoteWins {
				t.Errorf("RemoteWins() = %v, want %v", got, tt.remoteWins)
			}
			// Determinism: same inputs, same answer.
			if again := conflict.RemoteWins(tt.local, tt.server); again != got {
				t.Error("RemoteWins() is not deterministic")
			}
		})
	}
}

func TestMergePayloadFieldLevel(t *testing.T) {
	local := map[string]any{
		"intensity": float64(55),
		"settings": map[string]any{
			"mode": "night",
		},
	}
	server := map[string]any{
		"intensity": float64(40),
		"name":      "bedside lamp",
		"settings": map[string]any{
			"mode":       "day",
			"brightness": float64(80),
		},
	}

	merged := conflict.MergePayload(local, server)

	if merged["intensity"] != float64(55) {
		t.Errorf("intensity = %v, want local 55", merged["intensity"])
	}
	if merged["name"] != "bedside lamp" {
		t.Errorf("name = %v, server-only field must be preserved", merged["name"])
	}
	settings, ok := merged["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings is %T, want nested map", merged["settings"])
	}
	if settings["mode"] != "night" {
		t.Errorf("settings.mode = %v, want local night", settings["mode"])
	}
	if settings["brightness"] != float64(80) {
		t.Errorf("settings.brightness = %v, server-only nested key must be preserved", settings["brightness"])
	}

	// Inputs are not mutated.
	if server["settings"].(map[string]any)["mode"] != "day" {
		t.Error("merge mutated the server entity")
	}
}

func TestResolveRemoteWinsOverwritesCacheAndDiscards(t *testing.T) {
	s := testStore(t)
	r := conflict.New(s, conflict.DefaultConfig())

	op := &store.PendingOperation{
		ID:         store.NewOpID(),
		EntityType: "device",
		EntityID:   "dev_1",
		OpType:     store.OpUpdate,
		Payload:    map[string]any{"intensity": float64(55), "updatedAt": "2026-08-01T10:00:00Z"},
		QueuedAt:   time.Now().UTC(),
	}
	server := map[string]any{"intensity": float64(40), "updatedAt": "2026-08-01T11:00:00Z", "version": float64(7)}

	res, err := r.Resolve(context.Background(), op, server)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != conflict.OutcomeRemoteApplied {
		t.Fatalf("outcome = %q, want remote_applied", res.Outcome)
	}

	cached, err := s.GetEntity("device", "dev_1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if cached["intensity"] != float64(40) {
		t.Errorf("cached intensity = %v, want server 40", cached["intensity"])
	}

	// Nothing was re-queued: the local mutation is discarded.
	pending, _ := s.PendingOps()
	if len(pending) != 0 {
		t.Errorf("pending ops = %d, want 0", len(pending))
	}
}

func TestResolveLocalWinsRequeuesMerged(t *testing.T) {
	s := testStore(t)
	r := conflict.New(s, conflict.DefaultConfig())

	op := &store.PendingOperation{
		ID:         store.NewOpID(),
		EntityType: "device",
		EntityID:   "dev_1",
		OpType:     store.OpUpdate,
		Payload:    map[string]any{"intensity": float64(55), "updatedAt": "2026-08-01T12:00:00Z"},
		Attempts:   1,
		QueuedAt:   time.Now().UTC(),
	}
	server := map[string]any{"intensity": float64(40), "name": "pump", "updatedAt": "2026-08-01T11:00:00Z", "version": float64(7)}

	res, err := r.Resolve(context.Background(), op, server)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != conflict.OutcomeRequeued {
		t.Fatalf("outcome = %q, want requeued", res.Outcome)
	}
	requeued := res.Requeued
	if requeued.Attempts != 2 {
		t.Errorf("requeued attempts = %d, want original+1 = 2", requeued.Attempts)
	}
	if requeued.ID == op.ID {
		t.Error("requeued op must be a brand-new operation")
	}
	if requeued.Payload["intensity"] != float64(55) {
		t.Errorf("merged intensity = %v, want local 55", requeued.Payload["intensity"])
	}
	if requeued.Payload["name"] != "pump" {
		t.Errorf("merged name = %v, server field must be preserved", requeued.Payload["name"])
	}
	if requeued.Payload["version"] != int64(8) {
		t.Errorf("merged version = %v, want serverVersion+1 = 8", requeued.Payload["version"])
	}

	pending, _ := s.PendingOps()
	if len(pending) != 1 {
		t.Errorf("pending ops = %d, want 1", len(pending))
	}
}

func TestRepeatedLocalWinsEscalates(t *testing.T) {
	s := testStore(t)
	r := conflict.New(s, conflict.Config{MaxLocalWins: 5})
	ctx := context.Background()

	// A server that never converges: always older timestamp, lower version.
	server := map[string]any{"intensity": float64(40), "updatedAt": "2026-08-01T00:00:00Z", "version": float64(1)}

	op := &store.PendingOperation{
		ID:         store.NewOpID(),
		EntityType: "device",
		EntityID:   "dev_1",
		OpType:     store.OpUpdate,
		Payload:    map[string]any{"intensity": float64(55), "updatedAt": "2026-08-02T00:00:00Z"},
		QueuedAt:   time.Now().UTC(),
	}

	escalated := false
	for i := 0; i < 10; i++ {
		res, err := r.Resolve(ctx, op, server)
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		if res.Outcome == conflict.OutcomeEscalated {
			escalated = true
			break
		}
		if res.Outcome != conflict.OutcomeRequeued {
			t.Fatalf("outcome #%d = %q", i, res.Outcome)
		}
		// Keep the local side newer than the server so local keeps winning.
		res.Requeued.Payload["updatedAt"] = "2026-08-02T00:00:00Z"
		op = res.Requeued
	}
	if !escalated {
		t.Fatal("repeated local-wins merges against a frozen server must escalate, not loop forever")
	}

	recs, err := s.Conflicts()
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("conflict records = %d, want 1", len(recs))
	}
	if recs[0].Attempts < 5 {
		t.Errorf("escalated at attempts = %d, want >= 5", recs[0].Attempts)
	}
}
