package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vitalsync/vitalsync/internal/kv"
)

// PutMigrationState persists a migration state record and the in-progress
// marker in one transaction. Callers persist after every phase transition,
// before proceeding; that is the crash-safety contract.
func (s *Store) PutMigrationState(st *MigrationState) error {
	val, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal migration state: %w", err)
	}
	err = s.db.Update(func(tx kv.Txn) error {
		if err := tx.Put(kv.MigrationKey(st.MigrationID), val); err != nil {
			return err
		}
		return tx.Put([]byte(kv.KeyMigrationCur), []byte(st.MigrationID))
	})
	if err != nil {
		return NewStorageError("persist migration state", err)
	}
	s.audit("migration_phase", "", "", "", map[string]any{
		"migration_id": st.MigrationID,
		"phase":        st.Phase,
	})
	return nil
}

// GetMigrationState loads the state record for a migration ID.
func (s *Store) GetMigrationState(migrationID string) (*MigrationState, error) {
	val, err := s.db.Get(kv.MigrationKey(migrationID))
	if err == kv.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load migration state", err)
	}
	var st MigrationState
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, fmt.Errorf("decode migration state: %w", err)
	}
	return &st, nil
}

// CurrentMigration returns the unfinished migration state left by a previous
// run, or ErrNotFound if none is in progress.
func (s *Store) CurrentMigration() (*MigrationState, error) {
	id, err := s.db.Get([]byte(kv.KeyMigrationCur))
	if err == kv.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, NewStorageError("load migration marker", err)
	}
	return s.GetMigrationState(string(id))
}

// ClearMigration removes the state record and the in-progress marker.
// Called on commit, and when an operator clears a rolledBack/failed run.
func (s *Store) ClearMigration(migrationID string) error {
	err := s.db.Update(func(tx kv.Txn) error {
		if err := tx.Delete(kv.MigrationKey(migrationID)); err != nil {
			return err
		}
		return tx.Delete([]byte(kv.KeyMigrationCur))
	})
	if err != nil {
		return NewStorageError("clear migration state", err)
	}
	return nil
}

// SchemaVersion returns the store's current schema version (0 when unset).
func (s *Store) SchemaVersion() (int, error) {
	val, err := s.db.Get([]byte(kv.KeySchemaVer))
	if err == kv.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, NewStorageError("load schema version", err)
	}
	v, err := strconv.Atoi(string(val))
	if err != nil {
		return 0, fmt.Errorf("decode schema version %q: %w", val, err)
	}
	return v, nil
}

// SetSchemaVersion durably records the schema version.
func (s *Store) SetSchemaVersion(v int) error {
	if err := s.db.Put([]byte(kv.KeySchemaVer), []byte(strconv.Itoa(v))); err != nil {
		return NewStorageError("persist schema version", err)
	}
	return nil
}
