package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vitalsync/vitalsync/internal/backup"
	"github.com/vitalsync/vitalsync/internal/kv"
	"github.com/vitalsync/vitalsync/internal/store"
)

type fakeMigration struct {
	id       string
	from, to int

	dryRunProblems []error
	applyErr       error
	verifyErr      error
	rollbackErr    error

	// applyFn optionally mutates the store to simulate real work.
	applyFn func() error

	dryRuns, applies, verifies, rollbacks int
}

func (m *fakeMigration) ID() string       { return m.id }
func (m *fakeMigration) FromVersion() int { return m.from }
func (m *fakeMigration) ToVersion() int   { return m.to }

func (m *fakeMigration) DryRun(ctx context.Context) (int, []error) {
	m.dryRuns++
	return 10, m.dryRunProblems
}

func (m *fakeMigration) Apply(ctx context.Context) error {
	m.applies++
	if m.applyFn != nil {
		if err := m.applyFn(); err != nil {
			return err
		}
	}
	return m.applyErr
}

func (m *fakeMigration) Verify(ctx context.Context) error {
	m.verifies++
	return m.verifyErr
}

func (m *fakeMigration) Rollback(ctx context.Context) error {
	m.rollbacks++
	return m.rollbackErr
}

func testRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	s, err := store.Open(kv.BackendBadger, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.SetSchemaVersion(3); err != nil {
		t.Fatalf("set schema version: %v", err)
	}
	return NewRunner(s, filepath.Join(t.TempDir(), "backups")), s
}

func newFake() *fakeMigration {
	return &fakeMigration{id: "mig_add_waveform_index", from: 3, to: 4}
}

func schemaVersion(t *testing.T, s *store.Store) int {
	t.Helper()
	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	return v
}

func migrationPhase(t *testing.T, s *store.Store, id string) string {
	t.Helper()
	st, err := s.GetMigrationState(id)
	if err != nil {
		t.Fatalf("migration state: %v", err)
	}
	return st.Phase
}

func TestRunHappyPath(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()

	if err := r.Run(context.Background(), m); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.dryRuns != 1 || m.applies != 1 || m.verifies != 1 || m.rollbacks != 0 {
		t.Fatalf("calls = dry:%d apply:%d verify:%d rollback:%d", m.dryRuns, m.applies, m.verifies, m.rollbacks)
	}
	if v := schemaVersion(t, s); v != 4 {
		t.Fatalf("schema version = %d, want 4", v)
	}
	if _, err := s.CurrentMigration(); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("in-progress marker not cleared: %v", err)
	}
}

func TestRunDryRunBlocked(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	m.dryRunProblems = []error{errors.New("12 readings missing waveform id")}

	err := r.Run(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "dry run blocked") {
		t.Fatalf("run err = %v", err)
	}
	if m.applies != 0 {
		t.Fatal("apply ran despite a blocked dry run")
	}
	if v := schemaVersion(t, s); v != 3 {
		t.Fatalf("schema version = %d, want unchanged 3", v)
	}
	if phase := migrationPhase(t, s, m.id); phase != store.PhaseFailed {
		t.Fatalf("phase = %s, want failed", phase)
	}
}

func TestRunApplyFailureRollsBack(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	m.applyErr = errors.New("write refused")

	err := r.Run(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "rolled back") {
		t.Fatalf("run err = %v", err)
	}
	if m.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", m.rollbacks)
	}
	if v := schemaVersion(t, s); v != 3 {
		t.Fatalf("schema version = %d, want unchanged 3", v)
	}
	if phase := migrationPhase(t, s, m.id); phase != store.PhaseRolledBack {
		t.Fatalf("phase = %s, want rolledBack", phase)
	}
}

func TestRunVerifyFailureRollsBack(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	m.verifyErr = errors.New("orphaned records remain")

	err := r.Run(context.Background(), m)
	if err == nil {
		t.Fatal("run succeeded despite failed verification")
	}
	if m.applies != 1 || m.rollbacks != 1 {
		t.Fatalf("applies = %d rollbacks = %d", m.applies, m.rollbacks)
	}
	if phase := migrationPhase(t, s, m.id); phase != store.PhaseRolledBack {
		t.Fatalf("phase = %s, want rolledBack", phase)
	}
}

func TestRunRollbackFailureRestoresBackup(t *testing.T) {
	r, s := testRunner(t)

	// Seed data the failed apply will destroy; the backup restore must
	// bring it back when the migration's own rollback fails.
	if _, err := s.Enqueue(store.EnqueueRequest{
		EntityType: "reading", EntityID: "r1", OpType: store.OpUpdate,
		Payload: map[string]any{"bpm": 70},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m := newFake()
	m.verifyErr = errors.New("orphaned records remain")
	m.rollbackErr = errors.New("rollback not implemented")
	m.applyFn = func() error {
		pending, err := s.PendingOps()
		if err != nil {
			return err
		}
		for i := range pending {
			if err := s.DeletePending(&pending[i]); err != nil {
				return err
			}
		}
		return nil
	}

	err := r.Run(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "rolled back") {
		t.Fatalf("run err = %v", err)
	}

	pending, perr := s.PendingOps()
	if perr != nil {
		t.Fatalf("pending ops: %v", perr)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want the backup-restored op", len(pending))
	}
}

func TestRunFailsClosedOnForeignState(t *testing.T) {
	r, s := testRunner(t)
	if err := s.PutMigrationState(&store.MigrationState{
		MigrationID: "mig_other", FromVersion: 2, ToVersion: 3,
		Phase: store.PhaseMigrating, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	m := newFake()
	err := r.Run(context.Background(), m)
	if !errors.Is(err, ErrMigrationInProgress) {
		t.Fatalf("run err = %v, want ErrMigrationInProgress", err)
	}
	if m.dryRuns != 0 && m.applies != 0 {
		t.Fatal("migration ran despite a foreign unfinished state")
	}
}

// seedRecoveryState simulates a crash: phase persisted, process gone.
func seedRecoveryState(t *testing.T, s *store.Store, m *fakeMigration, phase string) {
	t.Helper()
	st := &store.MigrationState{
		MigrationID: m.id, FromVersion: m.from, ToVersion: m.to,
		Phase: phase, StartedAt: time.Now().UTC(),
	}
	// A real crashed run past backupCreated has a snapshot on disk; take
	// one so rollback's restore fallback stays exercisable.
	st.BackupPath = filepath.Join(t.TempDir(), "pre-crash.vsb")
	if phase != store.PhaseNotStarted {
		if err := backup.Export(s, st.BackupPath, ""); err != nil {
			t.Fatalf("seed backup: %v", err)
		}
	}
	if err := s.PutMigrationState(st); err != nil {
		t.Fatalf("seed state: %v", err)
	}
}

func TestRecoverFromMigratingRollsBack(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	seedRecoveryState(t, s, m, store.PhaseMigrating)

	err := r.Run(context.Background(), m)
	if err == nil || !strings.Contains(err.Error(), "interrupted during apply") {
		t.Fatalf("run err = %v", err)
	}
	if m.applies != 0 {
		t.Fatal("apply re-ran over an untrusted partial application")
	}
	if m.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", m.rollbacks)
	}
	if phase := migrationPhase(t, s, m.id); phase != store.PhaseRolledBack {
		t.Fatalf("phase = %s, want rolledBack", phase)
	}
}

func TestRecoverFromMigratedReverifiesAndCommits(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	seedRecoveryState(t, s, m, store.PhaseMigrated)

	if err := r.Run(context.Background(), m); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.applies != 0 || m.verifies != 1 {
		t.Fatalf("applies = %d verifies = %d, want re-verify only", m.applies, m.verifies)
	}
	if v := schemaVersion(t, s); v != 4 {
		t.Fatalf("schema version = %d, want 4", v)
	}
}

func TestRecoverFromVerifyingFailedVerifyRollsBack(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	m.verifyErr = errors.New("orphaned records remain")
	seedRecoveryState(t, s, m, store.PhaseVerifying)

	err := r.Run(context.Background(), m)
	if err == nil {
		t.Fatal("run succeeded despite failed re-verification")
	}
	if m.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", m.rollbacks)
	}
	if v := schemaVersion(t, s); v != 3 {
		t.Fatalf("schema version = %d, want unchanged 3", v)
	}
}

func TestRecoverFromVerifiedCommitsWithoutReverify(t *testing.T) {
	r, s := testRunner(t)
	m := newFake()
	seedRecoveryState(t, s, m, store.PhaseVerified)

	if err := r.Run(context.Background(), m); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.verifies != 0 || m.applies != 0 {
		t.Fatalf("verifies = %d applies = %d, want 0", m.verifies, m.applies)
	}
	if v := schemaVersion(t, s); v != 4 {
		t.Fatalf("schema version = %d, want 4", v)
	}
}

func TestRecoverFromEarlyPhaseRestarts(t *testing.T) {
	for _, phase := range []string{store.PhaseNotStarted, store.PhaseBackupCreated, store.PhaseDryRunPassed} {
		t.Run(phase, func(t *testing.T) {
			r, s := testRunner(t)
			m := newFake()
			seedRecoveryState(t, s, m, phase)

			if err := r.Run(context.Background(), m); err != nil {
				t.Fatalf("run: %v", err)
			}
			if m.dryRuns != 1 || m.applies != 1 || m.verifies != 1 {
				t.Fatalf("calls = dry:%d apply:%d verify:%d, want a full fresh run", m.dryRuns, m.applies, m.verifies)
			}
			if v := schemaVersion(t, s); v != 4 {
				t.Fatalf("schema version = %d, want 4", v)
			}
		})
	}
}

func TestRecoverFromTerminalPhaseAllowsFreshAttempt(t *testing.T) {
	for _, phase := range []string{store.PhaseRolledBack, store.PhaseFailed} {
		t.Run(phase, func(t *testing.T) {
			r, s := testRunner(t)
			m := newFake()
			seedRecoveryState(t, s, m, phase)

			if err := r.Run(context.Background(), m); err != nil {
				t.Fatalf("run: %v", err)
			}
			if m.applies != 1 {
				t.Fatalf("applies = %d, want a fresh run", m.applies)
			}
		})
	}
}

func TestCanTransitionTerminalPhases(t *testing.T) {
	phases := []string{
		store.PhaseNotStarted, store.PhaseBackupCreated, store.PhaseDryRunPassed,
		store.PhaseMigrating, store.PhaseMigrated, store.PhaseVerifying,
		store.PhaseVerified, store.PhaseCommitted, store.PhaseRolledBack, store.PhaseFailed,
	}
	for _, terminal := range []string{store.PhaseCommitted, store.PhaseRolledBack, store.PhaseFailed} {
		for _, to := range phases {
			if canTransition(terminal, to) {
				t.Errorf("canTransition(%s, %s) = true, terminal phases have no exits", terminal, to)
			}
		}
	}
	if !canTransition(store.PhaseMigrating, store.PhaseRolledBack) {
		t.Error("migrating must be able to roll back")
	}
	if canTransition(store.PhaseDryRunPassed, store.PhaseMigrated) {
		t.Error("dryRunPassed cannot jump straight to migrated")
	}
}
