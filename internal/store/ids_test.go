package store

import (
	"sort"
	"strings"
	"testing"
)

func TestNewOpIDSortable(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = NewOpID()
	}
	sorted := make([]string, n)
	copy(sorted, ids)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not generated in sorted order at index %d", i)
		}
	}
}

func TestNewOpIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		id := NewOpID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIDPrefixes(t *testing.T) {
	if !strings.HasPrefix(NewOpID(), "op_") {
		t.Error("op id missing op_ prefix")
	}
	if !strings.HasPrefix(NewMigrationID(), "mig_") {
		t.Error("migration id missing mig_ prefix")
	}
	if !strings.HasPrefix(NewRunnerID(), "runner_") {
		t.Error("runner id missing runner_ prefix")
	}
	if NewIdempotencyKey() == NewIdempotencyKey() {
		t.Error("idempotency keys must be unique")
	}
}
