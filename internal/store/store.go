// Package store is the typed collection layer over the durable key-value
// store: pending, emergency and failed (dead-letter) operations, conflict
// records, migration state, the local entity cache, and per-collection
// change notification.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vitalsync/vitalsync/internal/kv"
)

// Store is the main data access layer for the sync engine.
// All mutating methods publish a change notification for the affected
// collection after the write is durably committed.
type Store struct {
	db     kv.Store
	events *EventLog
	hub    *watchHub
}

// New creates a Store over an already-open kv.Store. events may be nil;
// audit logging is then disabled.
func New(db kv.Store, events *EventLog) *Store {
	return &Store{db: db, events: events, hub: newWatchHub()}
}

// Open opens the durable store at dataDir with the named kv backend and a
// SQLite audit event log alongside it.
func Open(backend, dataDir string) (*Store, error) {
	db, err := kv.Open(backend, dataDir)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	events, err := OpenEventLog(dataDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return New(db, events), nil
}

// KV exposes the underlying key-value store. The lock service uses it for
// atomic compare-and-swap acquisition.
func (s *Store) KV() kv.Store {
	return s.db
}

// Events exposes the audit event log (may be nil).
func (s *Store) Events() *EventLog {
	return s.events
}

// Close closes the underlying store and event log.
func (s *Store) Close() error {
	s.hub.closeAll()
	var firstErr error
	if err := s.db.Close(); err != nil {
		firstErr = fmt.Errorf("close kv store: %w", err)
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close event log: %w", err)
		}
	}
	return firstErr
}

// Watch returns a coalescing change-notification channel for the collection
// and a function to unsubscribe. The channel carries no payload; a receive
// means "something changed since you last looked".
func (s *Store) Watch(collection string) (<-chan struct{}, func()) {
	return s.hub.subscribe(collection)
}

func (s *Store) audit(eventType, opID, entityType, entityID string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Append(eventType, opID, entityType, entityID, data)
}

// EnqueueRequest contains the parameters for enqueuing an operation.
type EnqueueRequest struct {
	EntityType string
	EntityID   string
	OpType     string
	Payload    map[string]any
	// Emergency routes the operation to the priority collection, drained
	// before the regular pending queue.
	Emergency bool
}

// Enqueue creates and durably persists a new pending operation.
func (s *Store) Enqueue(req EnqueueRequest) (*PendingOperation, error) {
	op := &PendingOperation{
		ID:             NewOpID(),
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		OpType:         req.OpType,
		Payload:        req.Payload,
		QueuedAt:       time.Now().UTC(),
		IdempotencyKey: NewIdempotencyKey(),
	}
	if req.Emergency {
		if err := s.putOp(kv.PrefixEmergency, op); err != nil {
			return nil, err
		}
		s.audit("op_enqueued", op.ID, op.EntityType, op.EntityID, map[string]any{"emergency": true})
		s.hub.notify(CollectionEmergency)
		return op, nil
	}
	if err := s.putOp(kv.PrefixPending, op); err != nil {
		return nil, err
	}
	s.audit("op_enqueued", op.ID, op.EntityType, op.EntityID, nil)
	s.hub.notify(CollectionPending)
	return op, nil
}

// EnqueueOp persists an already-constructed pending operation. Used by the
// coalescer's batch flush and by conflict re-queues.
func (s *Store) EnqueueOp(op *PendingOperation) error {
	if err := s.putOp(kv.PrefixPending, op); err != nil {
		return err
	}
	s.audit("op_enqueued", op.ID, op.EntityType, op.EntityID, nil)
	s.hub.notify(CollectionPending)
	return nil
}

// EnqueueBatch persists multiple operations in a single store transaction,
// amortizing the fsync cost across the batch.
func (s *Store) EnqueueBatch(ops []*PendingOperation) error {
	if len(ops) == 0 {
		return nil
	}
	err := s.db.Update(func(tx kv.Txn) error {
		for _, op := range ops {
			val, err := json.Marshal(op)
			if err != nil {
				return fmt.Errorf("marshal operation %s: %w", op.ID, err)
			}
			if err := tx.Put(kv.PendingKey(op.QueuedNs(), op.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewStorageError("enqueue batch", err)
	}
	for _, op := range ops {
		s.audit("op_enqueued", op.ID, op.EntityType, op.EntityID, map[string]any{"batched": true})
	}
	s.hub.notify(CollectionPending)
	return nil
}

func (s *Store) putOp(prefix string, op *PendingOperation) error {
	val, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation %s: %w", op.ID, err)
	}
	if err := s.db.Put(s.opKey(prefix, op), val); err != nil {
		return NewStorageError("persist operation", err)
	}
	return nil
}

func (s *Store) opKey(prefix string, op *PendingOperation) []byte {
	if prefix == kv.PrefixEmergency {
		return kv.EmergencyKey(op.QueuedNs(), op.ID)
	}
	return kv.PendingKey(op.QueuedNs(), op.ID)
}

// PendingOps returns a snapshot of the pending collection in global FIFO
// order (QueuedAt ascending; the key layout already scans in that order).
func (s *Store) PendingOps() ([]PendingOperation, error) {
	return s.scanOps(kv.PrefixPending)
}

// EmergencyOps returns a snapshot of the priority collection in FIFO order.
func (s *Store) EmergencyOps() ([]PendingOperation, error) {
	return s.scanOps(kv.PrefixEmergency)
}

func (s *Store) scanOps(prefix string) ([]PendingOperation, error) {
	var ops []PendingOperation
	err := s.db.Scan([]byte(prefix), func(_, value []byte) error {
		var op PendingOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, NewStorageError("scan operations", err)
	}
	return ops, nil
}

// UpdatePending re-persists an operation after a failed dispatch
// (attempts incremented, last attempt stamped).
func (s *Store) UpdatePending(op *PendingOperation) error {
	if err := s.putOp(kv.PrefixPending, op); err != nil {
		return err
	}
	s.audit("op_retrying", op.ID, op.EntityType, op.EntityID, map[string]any{"attempts": op.Attempts})
	s.hub.notify(CollectionPending)
	return nil
}

// UpdateEmergency is UpdatePending for the priority collection.
func (s *Store) UpdateEmergency(op *PendingOperation) error {
	if err := s.putOp(kv.PrefixEmergency, op); err != nil {
		return err
	}
	s.audit("op_retrying", op.ID, op.EntityType, op.EntityID, map[string]any{"attempts": op.Attempts, "emergency": true})
	s.hub.notify(CollectionEmergency)
	return nil
}

// DeletePending removes a completed operation from the pending collection.
func (s *Store) DeletePending(op *PendingOperation) error {
	if err := s.db.Delete(kv.PendingKey(op.QueuedNs(), op.ID)); err != nil {
		return NewStorageError("delete operation", err)
	}
	s.audit("op_completed", op.ID, op.EntityType, op.EntityID, nil)
	s.hub.notify(CollectionPending)
	return nil
}

// DeleteEmergency removes a completed operation from the priority collection.
func (s *Store) DeleteEmergency(op *PendingOperation) error {
	if err := s.db.Delete(kv.EmergencyKey(op.QueuedNs(), op.ID)); err != nil {
		return NewStorageError("delete operation", err)
	}
	s.audit("op_completed", op.ID, op.EntityType, op.EntityID, map[string]any{"emergency": true})
	s.hub.notify(CollectionEmergency)
	return nil
}

// DiscardPending removes an operation without marking it completed: the
// device-control variant drops superseded set-value operations this way.
func (s *Store) DiscardPending(op *PendingOperation, reason string) error {
	if err := s.db.Delete(kv.PendingKey(op.QueuedNs(), op.ID)); err != nil {
		return NewStorageError("discard operation", err)
	}
	s.audit("op_discarded", op.ID, op.EntityType, op.EntityID, map[string]any{"reason": reason})
	s.hub.notify(CollectionPending)
	return nil
}

// MoveToFailed moves an exhausted operation to the dead-letter collection
// in one atomic transaction. The operation is moved, not copied: after this
// call the pending collection no longer contains it.
func (s *Store) MoveToFailed(op *PendingOperation, emergency bool, errMsg string) (*FailedOperation, error) {
	failed := &FailedOperation{
		PendingOperation: *op,
		ErrorMessage:     errMsg,
		FailedAt:         time.Now().UTC(),
	}
	val, err := json.Marshal(failed)
	if err != nil {
		return nil, fmt.Errorf("marshal failed operation %s: %w", op.ID, err)
	}
	srcKey := kv.PendingKey(op.QueuedNs(), op.ID)
	if emergency {
		srcKey = kv.EmergencyKey(op.QueuedNs(), op.ID)
	}
	err = s.db.Update(func(tx kv.Txn) error {
		if err := tx.Delete(srcKey); err != nil {
			return err
		}
		return tx.Put(kv.FailedKey(op.ID), val)
	})
	if err != nil {
		return nil, NewStorageError("move operation to dead-letter", err)
	}
	s.audit("op_dead", op.ID, op.EntityType, op.EntityID, map[string]any{
		"attempts": op.Attempts,
		"error":    errMsg,
	})
	if emergency {
		s.hub.notify(CollectionEmergency)
	} else {
		s.hub.notify(CollectionPending)
	}
	s.hub.notify(CollectionFailed)
	return failed, nil
}

// FailedOps returns a snapshot of the dead-letter collection.
func (s *Store) FailedOps() ([]FailedOperation, error) {
	var ops []FailedOperation
	err := s.db.Scan([]byte(kv.PrefixFailed), func(_, value []byte) error {
		var op FailedOperation
		if err := json.Unmarshal(value, &op); err != nil {
			return fmt.Errorf("decode failed operation: %w", err)
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, NewStorageError("scan dead-letter", err)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].QueuedAt.Before(ops[j].QueuedAt) })
	return ops, nil
}

// RetryFailed moves a dead-letter operation back to the pending collection
// with its attempt count reset. The original QueuedAt is kept so the
// operation resumes its old position in FIFO order.
func (s *Store) RetryFailed(opID string) (*PendingOperation, error) {
	var op PendingOperation
	err := s.db.Update(func(tx kv.Txn) error {
		val, err := tx.Get(kv.FailedKey(opID))
		if err != nil {
			if err == kv.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		var failed FailedOperation
		if err := json.Unmarshal(val, &failed); err != nil {
			return fmt.Errorf("decode failed operation: %w", err)
		}
		op = failed.PendingOperation
		op.Attempts = 0
		op.LastAttemptAt = nil
		pval, err := json.Marshal(&op)
		if err != nil {
			return fmt.Errorf("marshal operation: %w", err)
		}
		if err := tx.Delete(kv.FailedKey(opID)); err != nil {
			return err
		}
		return tx.Put(kv.PendingKey(op.QueuedNs(), op.ID), pval)
	})
	if err == ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, NewStorageError("retry dead-letter operation", err)
	}
	s.audit("op_retried_manually", op.ID, op.EntityType, op.EntityID, nil)
	s.hub.notify(CollectionFailed)
	s.hub.notify(CollectionPending)
	return &op, nil
}

// PurgeFailed permanently removes a dead-letter operation.
func (s *Store) PurgeFailed(opID string) error {
	if _, err := s.db.Get(kv.FailedKey(opID)); err != nil {
		if err == kv.ErrKeyNotFound {
			return ErrNotFound
		}
		return NewStorageError("load dead-letter operation", err)
	}
	if err := s.db.Delete(kv.FailedKey(opID)); err != nil {
		return NewStorageError("purge dead-letter operation", err)
	}
	s.audit("op_purged", opID, "", "", nil)
	s.hub.notify(CollectionFailed)
	return nil
}

// PutConflict records an unresolved conflict for manual resolution.
func (s *Store) PutConflict(rec *ConflictRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal conflict record: %w", err)
	}
	if err := s.db.Put(kv.ConflictKey(rec.EntityType, rec.EntityID), val); err != nil {
		return NewStorageError("persist conflict record", err)
	}
	s.audit("conflict_escalated", "", rec.EntityType, rec.EntityID, map[string]any{"attempts": rec.Attempts})
	s.hub.notify(CollectionConflicts)
	return nil
}

// GetConflict loads the conflict record for an entity, if any.
func (s *Store) GetConflict(entityType, entityID string) (*ConflictRecord, error) {
	val, err := s.db.Get(kv.ConflictKey(entityType, entityID))
	if err == kv.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load conflict record", err)
	}
	var rec ConflictRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode conflict record: %w", err)
	}
	return &rec, nil
}

// Conflicts returns all unresolved conflict records.
func (s *Store) Conflicts() ([]ConflictRecord, error) {
	var recs []ConflictRecord
	err := s.db.Scan([]byte(kv.PrefixConflict), func(_, value []byte) error {
		var rec ConflictRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode conflict record: %w", err)
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, NewStorageError("scan conflict records", err)
	}
	return recs, nil
}

// DeleteConflict removes a conflict record once the entity is confirmed
// converged.
func (s *Store) DeleteConflict(entityType, entityID string) error {
	if err := s.db.Delete(kv.ConflictKey(entityType, entityID)); err != nil {
		return NewStorageError("delete conflict record", err)
	}
	s.audit("conflict_resolved", "", entityType, entityID, nil)
	s.hub.notify(CollectionConflicts)
	return nil
}

// PutEntity overwrites the locally cached copy of an entity. Used by
// remote-wins conflict resolution.
func (s *Store) PutEntity(entityType, entityID string, entity map[string]any) error {
	val, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity %s/%s: %w", entityType, entityID, err)
	}
	if err := s.db.Put(kv.EntityKey(entityType, entityID), val); err != nil {
		return NewStorageError("persist entity", err)
	}
	return nil
}

// GetEntity loads the locally cached copy of an entity.
func (s *Store) GetEntity(entityType, entityID string) (map[string]any, error) {
	val, err := s.db.Get(kv.EntityKey(entityType, entityID))
	if err == kv.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load entity", err)
	}
	var entity map[string]any
	if err := json.Unmarshal(val, &entity); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return entity, nil
}
