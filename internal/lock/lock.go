// Package lock implements the named processing lock that keeps at most one
// live runner draining a given queue. The lock is a durable record in the
// same store the queue lives in; acquisition is a single atomic
// read-modify-write, liveness is heartbeat-based, and stale locks are
// reclaimable by any runner.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Config holds lock service configuration.
type Config struct {
	// StalenessThreshold is how long after the last heartbeat a lock is
	// considered abandoned and reclaimable by any runner.
	StalenessThreshold time.Duration
	// HeartbeatInterval should be substantially shorter than the staleness
	// threshold; the default is a third of it.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: 30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
	}
}

// Service acquires, renews and releases named locks for one runner identity.
type Service struct {
	db       kv.Store
	events   *store.EventLog
	runnerID string
	config   Config
	now      func() time.Time

	mu         sync.Mutex
	heartbeats map[string]chan struct{}
	held       map[string]struct{}
	disposed   bool
}

// New creates a lock service with a fresh runner identity.
func New(db kv.Store, events *store.EventLog, config Config) *Service {
	def := DefaultConfig()
	if config.StalenessThreshold <= 0 {
		config.StalenessThreshold = def.StalenessThreshold
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = config.StalenessThreshold / 3
	}
	return &Service{
		db:         db,
		events:     events,
		runnerID:   store.NewRunnerID(),
		config:     config,
		now:        time.Now,
		heartbeats: make(map[string]chan struct{}),
		held:       make(map[string]struct{}),
	}
}

// RunnerID returns this process's lock ownership identity.
func (s *Service) RunnerID() string {
	return s.runnerID
}

// Acquire attempts to take the named lock. It returns false, without error,
// when a fresh lock owned by a different runner exists: that is the
// expected "someone else is working" signal, not a failure.
//
// The read-check-write runs inside one store transaction so two runners
// cannot both observe "no valid lock" and both acquire.
func (s *Service) Acquire(ctx context.Context, name string, metadata map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now().UTC()
	acquired := false
	reclaimed := false
	err := s.db.Update(func(tx kv.Txn) error {
		key := kv.LockKey(name)
		existing, err := tx.Get(key)
		if err != nil && err != kv.ErrKeyNotFound {
			return err
		}
		if err == nil {
			var rec store.LockRecord
			if uerr := json.Unmarshal(existing, &rec); uerr != nil {
				return fmt.Errorf("decode lock record %q: %w", name, uerr)
			}
			fresh := now.Sub(rec.LastHeartbeat) < s.config.StalenessThreshold
			if fresh && rec.RunnerID != s.runnerID {
				return nil // held by a live runner
			}
			if !fresh && rec.RunnerID != s.runnerID {
				reclaimed = true
			}
		}
		rec := store.LockRecord{
			LockName:      name,
			RunnerID:      s.runnerID,
			AcquiredAt:    now,
			LastHeartbeat: now,
			Metadata:      metadata,
		}
		val, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal lock record: %w", err)
		}
		if err := tx.Put(key, val); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, store.NewStorageError("acquire lock", err)
	}
	if acquired {
		s.mu.Lock()
		s.held[name] = struct{}{}
		s.mu.Unlock()
	}
	if reclaimed {
		slog.Warn("reclaimed stale lock", "lock", name, "runner", s.runnerID)
		if s.events != nil {
			s.events.Append("lock_reclaimed", "", "", "", map[string]any{"lock": name, "runner": s.runnerID})
		}
	}
	return acquired, nil
}

// Renew refreshes the heartbeat on an owned lock. Renewing a lock this
// runner no longer owns is a no-op.
func (s *Service) Renew(name string) error {
	now := s.now().UTC()
	err := s.db.Update(func(tx kv.Txn) error {
		key := kv.LockKey(name)
		existing, err := tx.Get(key)
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec store.LockRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("decode lock record %q: %w", name, err)
		}
		if rec.RunnerID != s.runnerID {
			return nil
		}
		rec.LastHeartbeat = now
		rec.RenewalCount++
		val, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal lock record: %w", err)
		}
		return tx.Put(key, val)
	})
	if err != nil {
		return store.NewStorageError("renew lock heartbeat", err)
	}
	return nil
}

// StartHeartbeat starts a periodic renewal timer for an owned lock.
// Calling it twice for the same name is a no-op.
func (s *Service) StartHeartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if _, running := s.heartbeats[name]; running {
		return
	}
	stop := make(chan struct{})
	s.heartbeats[name] = stop
	go s.heartbeatLoop(name, stop)
}

func (s *Service) heartbeatLoop(name string, stop chan struct{}) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Renew(name); err != nil {
				slog.Error("renew lock heartbeat", "lock", name, "error", err)
			}
		}
	}
}

// StopHeartbeat stops the renewal timer for a lock.
func (s *Service) StopHeartbeat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.heartbeats[name]; ok {
		close(stop)
		delete(s.heartbeats, name)
	}
}

// Release deletes the lock record if this runner owns it; no-op otherwise.
func (s *Service) Release(name string) error {
	err := s.db.Update(func(tx kv.Txn) error {
		key := kv.LockKey(name)
		existing, err := tx.Get(key)
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec store.LockRecord
		if err := json.Unmarshal(existing, &rec); err != nil {
			return fmt.Errorf("decode lock record %q: %w", name, err)
		}
		if rec.RunnerID != s.runnerID {
			return nil
		}
		return tx.Delete(key)
	})
	if err != nil {
		return store.NewStorageError("release lock", err)
	}
	s.mu.Lock()
	delete(s.held, name)
	s.mu.Unlock()
	return nil
}

// Locks returns all current lock records, fresh or stale.
func (s *Service) Locks() ([]store.LockRecord, error) {
	var recs []store.LockRecord
	err := s.db.Scan([]byte(kv.PrefixLock), func(_, value []byte) error {
		var rec store.LockRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode lock record: %w", err)
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, store.NewStorageError("scan lock records", err)
	}
	return recs, nil
}

// ReapStale deletes lock records whose heartbeat stopped more than age ago.
// Live contention self-heals through reclamation on Acquire; reaping only
// keeps the lock listing free of records left by runners that never came
// back. age must be well beyond the staleness threshold.
func (s *Service) ReapStale(age time.Duration) (int, error) {
	recs, err := s.Locks()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	reaped := 0
	for _, rec := range recs {
		if rec.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := s.db.Delete(kv.LockKey(rec.LockName)); err != nil {
			return reaped, store.NewStorageError("reap lock record", err)
		}
		reaped++
		slog.Info("reaped abandoned lock", "lock", rec.LockName, "runner", rec.RunnerID, "last_heartbeat", rec.LastHeartbeat)
	}
	return reaped, nil
}

// Dispose stops every heartbeat and releases every lock this runner holds.
// Safe to call more than once. Cleanup runs even if individual releases
// fail; the first error is returned after all locks were attempted.
func (s *Service) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	for _, stop := range s.heartbeats {
		close(stop)
	}
	s.heartbeats = make(map[string]chan struct{})
	names := make([]string, 0, len(s.held))
	for name := range s.held {
		names = append(names, name)
	}
	s.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := s.Release(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
