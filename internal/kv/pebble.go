package kv

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

type pebbleStore struct {
	db *pebble.DB

	// Pebble has no interactive transactions; writeMu serializes Update
	// closures so a read-modify-write cannot interleave with another writer.
	writeMu sync.Mutex
}

// OpenPebble opens a Pebble-backed store at dir/pebble. All writes are
// applied with pebble.Sync so they are fsynced before returning.
func OpenPebble(dir string) (Store, error) {
	db, err := pebble.Open(filepath.Join(dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebble get close: %w", err)
	}
	return out, nil
}

func (s *pebbleStore) Put(key, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble put: %w", err)
	}
	return nil
}

func (s *pebbleStore) Delete(key []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (s *pebbleStore) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("pebble scan value: %w", err)
		}
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		if err := fn(key, valCopy); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleStore) Update(fn func(tx Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTxn{batch: batch}); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

type pebbleTxn struct {
	batch *pebble.Batch
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	val, closer, err := t.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pebbleTxn) Put(key, value []byte) error {
	return t.batch.Set(key, value, nil)
}

func (t *pebbleTxn) Delete(key []byte) error {
	return t.batch.Delete(key, nil)
}
