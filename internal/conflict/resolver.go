// Package conflict decides what happens when the remote copy of an entity
// diverged from the assumption embedded in a queued operation. Policy is
// last-writer-wins with field-level merge on the local-wins path, biased
// toward convergence: when neither timestamps nor versions decide, remote
// wins.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitalsync/vitalsync/internal/store"
)

// Outcome names the effect a resolution had.
type Outcome string

const (
	// OutcomeRemoteApplied: the server entity overwrote the local cache and
	// the local mutation was discarded.
	OutcomeRemoteApplied Outcome = "remote_applied"
	// OutcomeRequeued: a merged operation was re-enqueued.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeEscalated: repeated local-wins merges failed to converge; a
	// conflict record was written for manual resolution.
	OutcomeEscalated Outcome = "escalated"
)

// Resolution reports what the resolver did.
type Resolution struct {
	Outcome  Outcome
	Requeued *store.PendingOperation
}

// Config holds resolver tuning.
type Config struct {
	// MaxLocalWins is how many local-wins merges are attempted for one
	// entity before escalating to a conflict record.
	MaxLocalWins int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{MaxLocalWins: 5}
}

// Resolver applies the conflict policy against the operation store.
type Resolver struct {
	store  *store.Store
	config Config
	now    func() time.Time
}

// New creates a Resolver.
func New(s *store.Store, config Config) *Resolver {
	if config.MaxLocalWins <= 0 {
		config.MaxLocalWins = DefaultConfig().MaxLocalWins
	}
	return &Resolver{store: s, config: config, now: time.Now}
}

// Resolve handles a rejected operation given the server's current entity.
// The caller (the queue processor) removes the original operation from the
// pending collection afterwards; Resolve itself only writes the entity
// cache, a re-queued merged operation, or a conflict record.
func (r *Resolver) Resolve(ctx context.Context, op *store.PendingOperation, serverEntity map[string]any) (*Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev := r.store.Events(); ev != nil {
		ev.Append("conflict_detected", op.ID, op.EntityType, op.EntityID, nil)
	}

	if RemoteWins(op.Payload, serverEntity) {
		return r.applyRemote(op, serverEntity)
	}
	if op.Attempts+1 >= r.config.MaxLocalWins {
		return r.escalate(op, serverEntity)
	}
	return r.requeueMerged(op, serverEntity)
}

func (r *Resolver) applyRemote(op *store.PendingOperation, serverEntity map[string]any) (*Resolution, error) {
	if err := r.store.PutEntity(op.EntityType, op.EntityID, serverEntity); err != nil {
		return nil, fmt.Errorf("apply remote entity: %w", err)
	}
	// The local mutation is lost to convergence. Deliberate tradeoff; the
	// audit event is the operator's window into it.
	slog.Warn("conflict resolved remote-wins, local mutation discarded",
		"entity_type", op.EntityType, "entity_id", op.EntityID, "op", op.ID)
	if ev := r.store.Events(); ev != nil {
		ev.Append("conflict_remote_wins", op.ID, op.EntityType, op.EntityID, nil)
	}
	return &Resolution{Outcome: OutcomeRemoteApplied}, nil
}

func (r *Resolver) requeueMerged(op *store.PendingOperation, serverEntity map[string]any) (*Resolution, error) {
	merged := MergePayload(op.Payload, serverEntity)
	serverVersion, _ := intField(serverEntity, "version")
	merged["version"] = serverVersion + 1
	merged["updatedAt"] = r.now().UTC().Format(time.RFC3339Nano)

	requeued := &store.PendingOperation{
		ID:             store.NewOpID(),
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		OpType:         op.OpType,
		Payload:        merged,
		Attempts:       op.Attempts + 1,
		QueuedAt:       r.now().UTC(),
		IdempotencyKey: store.NewIdempotencyKey(),
	}
	if err := r.store.EnqueueOp(requeued); err != nil {
		return nil, fmt.Errorf("requeue merged operation: %w", err)
	}
	slog.Info("conflict resolved local-wins, merged operation requeued",
		"entity_type", op.EntityType, "entity_id", op.EntityID,
		"attempts", requeued.Attempts, "version", merged["version"])
	return &Resolution{Outcome: OutcomeRequeued, Requeued: requeued}, nil
}

func (r *Resolver) escalate(op *store.PendingOperation, serverEntity map[string]any) (*Resolution, error) {
	rec := &store.ConflictRecord{
		EntityType:   op.EntityType,
		EntityID:     op.EntityID,
		OpType:       op.OpType,
		LocalPayload: op.Payload,
		ServerEntity: serverEntity,
		DetectedAt:   r.now().UTC(),
		Attempts:     op.Attempts + 1,
	}
	if err := r.store.PutConflict(rec); err != nil {
		return nil, fmt.Errorf("escalate conflict: %w", err)
	}
	slog.Warn("conflict escalated for manual resolution",
		"entity_type", op.EntityType, "entity_id", op.EntityID, "attempts", rec.Attempts)
	return &Resolution{Outcome: OutcomeEscalated}, nil
}

// RemoteWins decides the winner. Timestamps are compared first when both
// sides carry a parseable updatedAt; otherwise integer versions; otherwise
// remote wins.
func RemoteWins(localPayload, serverEntity map[string]any) bool {
	localTime, lok := timeField(localPayload, "updatedAt")
	remoteTime, rok := timeField(serverEntity, "updatedAt")
	if lok && rok {
		if remoteTime.After(localTime) {
			return true
		}
		if localTime.After(remoteTime) {
			return false
		}
		// Equal timestamps fall through to version comparison.
	}

	localVer, lok := intField(localPayload, "version")
	remoteVer, rok := intField(serverEntity, "version")
	if lok && rok {
		if remoteVer > localVer {
			return true
		}
		if localVer > remoteVer {
			return false
		}
	}
	return true
}

// MergePayload builds the local-wins merge: start from the server entity,
// then overwrite every field present in the local payload. Where both sides
// hold a nested attribute map, the merge recurses one level: local keys
// inside the nested map win, server-only keys are preserved.
func MergePayload(localPayload, serverEntity map[string]any) map[string]any {
	merged := make(map[string]any, len(serverEntity)+len(localPayload))
	for k, v := range serverEntity {
		merged[k] = v
	}
	for k, localVal := range localPayload {
		serverVal, present := merged[k]
		localMap, localIsMap := localVal.(map[string]any)
		serverMap, serverIsMap := serverVal.(map[string]any)
		if present && localIsMap && serverIsMap {
			nested := make(map[string]any, len(serverMap)+len(localMap))
			for nk, nv := range serverMap {
				nested[nk] = nv
			}
			for nk, nv := range localMap {
				nested[nk] = nv
			}
			merged[k] = nested
			continue
		}
		merged[k] = localVal
	}
	return merged
}

func timeField(m map[string]any, key string) (time.Time, bool) {
	if m == nil {
		return time.Time{}, false
	}
	switch v := m[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func intField(m map[string]any, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}
