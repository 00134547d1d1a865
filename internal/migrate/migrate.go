// Package migrate runs schema migrations against the durable store behind a
// safety net: backup first, dry-run validation, synchronously persisted
// phase state for crash recovery, post-apply verification and rollback on
// any failure.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalsync/vitalsync/internal/backup"
	"github.com/vitalsync/vitalsync/internal/store"
)

// ErrMigrationInProgress is returned when an unfinished state record from a
// different migration is found. Manual intervention is required; running a
// second migration over a half-applied first one is never safe.
var ErrMigrationInProgress = errors.New("migrate: another migration is unfinished")

// Migration is one schema migration. Apply must be reversible by Rollback
// as long as Verify has not passed.
type Migration interface {
	ID() string
	FromVersion() int
	ToVersion() int
	// DryRun is a read-only feasibility check. It returns the number of
	// records the migration would touch, or the blocking problems found.
	DryRun(ctx context.Context) (int, []error)
	Apply(ctx context.Context) error
	Verify(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Runner executes migrations. One Runner per store.
type Runner struct {
	store     *store.Store
	backupDir string
	password  string
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithBackupPassword encrypts pre-migration backups.
func WithBackupPassword(password string) Option {
	return func(r *Runner) { r.password = password }
}

// NewRunner creates a Runner writing pre-migration backups under backupDir.
func NewRunner(s *store.Store, backupDir string, opts ...Option) *Runner {
	r := &Runner{
		store:     s,
		backupDir: backupDir,
		tracer:    otel.Tracer("vitalsync/migrate"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// canTransition is the exhaustive phase transition function. Every persisted
// phase change goes through it; an illegal transition is a programming error
// surfaced loudly rather than silently written.
func canTransition(from, to string) bool {
	switch from {
	case store.PhaseNotStarted:
		return to == store.PhaseBackupCreated || to == store.PhaseFailed
	case store.PhaseBackupCreated:
		return to == store.PhaseDryRunPassed || to == store.PhaseFailed
	case store.PhaseDryRunPassed:
		return to == store.PhaseMigrating || to == store.PhaseFailed
	case store.PhaseMigrating:
		return to == store.PhaseMigrated || to == store.PhaseRolledBack || to == store.PhaseFailed
	case store.PhaseMigrated:
		return to == store.PhaseVerifying || to == store.PhaseRolledBack || to == store.PhaseFailed
	case store.PhaseVerifying:
		return to == store.PhaseVerified || to == store.PhaseRolledBack || to == store.PhaseFailed
	case store.PhaseVerified:
		return to == store.PhaseCommitted || to == store.PhaseFailed
	case store.PhaseCommitted, store.PhaseRolledBack, store.PhaseFailed:
		return false
	default:
		return false
	}
}

// Run executes the migration to a terminal phase: committed, rolledBack or
// failed. It first recovers from any unfinished previous run.
func (r *Runner) Run(ctx context.Context, m Migration) error {
	ctx, span := r.tracer.Start(ctx, "migrate.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("migration.id", m.ID()),
		attribute.Int("migration.from", m.FromVersion()),
		attribute.Int("migration.to", m.ToVersion()),
	)

	prev, err := r.store.CurrentMigration()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load migration state: %w", err)
	}
	if prev != nil {
		if prev.MigrationID != m.ID() {
			return fmt.Errorf("%w: %s stopped at phase %s", ErrMigrationInProgress, prev.MigrationID, prev.Phase)
		}
		done, err := r.recover(ctx, m, prev)
		if done || err != nil {
			return err
		}
		// Recovery decided the previous run restarts from scratch.
	}
	return r.runFresh(ctx, m)
}

// recover resumes an unfinished run of the same migration. It returns
// done=false when the safe course is a full restart.
func (r *Runner) recover(ctx context.Context, m Migration, st *store.MigrationState) (bool, error) {
	slog.Warn("resuming unfinished migration", "migration", st.MigrationID, "phase", st.Phase)

	switch st.Phase {
	case store.PhaseNotStarted, store.PhaseBackupCreated, store.PhaseDryRunPassed:
		// Nothing was applied yet; restart from scratch.
		if err := r.store.ClearMigration(st.MigrationID); err != nil {
			return true, err
		}
		return false, nil

	case store.PhaseMigrating:
		// The crash interrupted Apply. Partial application is never trusted.
		return true, r.rollback(ctx, m, st, errors.New("interrupted during apply"))

	case store.PhaseMigrated, store.PhaseVerifying:
		if err := r.setPhase(st, store.PhaseVerifying); err != nil {
			return true, err
		}
		if err := m.Verify(ctx); err != nil {
			return true, r.rollback(ctx, m, st, fmt.Errorf("verify after recovery: %w", err))
		}
		if err := r.setPhase(st, store.PhaseVerified); err != nil {
			return true, err
		}
		return true, r.commit(m, st)

	case store.PhaseVerified:
		return true, r.commit(m, st)

	case store.PhaseCommitted:
		// The crash hit between persisting the phase and clearing the marker.
		return true, r.store.ClearMigration(st.MigrationID)

	case store.PhaseRolledBack, store.PhaseFailed:
		// Terminal; clear and allow a fresh attempt.
		if err := r.store.ClearMigration(st.MigrationID); err != nil {
			return true, err
		}
		return false, nil

	default:
		return true, fmt.Errorf("migration %s in unknown phase %q", st.MigrationID, st.Phase)
	}
}

func (r *Runner) runFresh(ctx context.Context, m Migration) error {
	st := &store.MigrationState{
		MigrationID: m.ID(),
		FromVersion: m.FromVersion(),
		ToVersion:   m.ToVersion(),
		Phase:       store.PhaseNotStarted,
		StartedAt:   r.now().UTC(),
	}
	if err := r.store.PutMigrationState(st); err != nil {
		return err
	}
	slog.Info("migration started", "migration", m.ID(),
		"from_version", m.FromVersion(), "to_version", m.ToVersion())

	if err := os.MkdirAll(r.backupDir, 0o700); err != nil {
		return r.fail(st, fmt.Errorf("create backup dir: %w", err))
	}
	st.BackupPath = filepath.Join(r.backupDir, fmt.Sprintf("pre-%s.vsb", m.ID()))
	if err := backup.Export(r.store, st.BackupPath, r.password); err != nil {
		return r.fail(st, fmt.Errorf("pre-migration backup: %w", err))
	}
	if err := r.setPhase(st, store.PhaseBackupCreated); err != nil {
		return err
	}

	count, problems := m.DryRun(ctx)
	if len(problems) > 0 {
		return r.fail(st, fmt.Errorf("dry run blocked: %w", errors.Join(problems...)))
	}
	slog.Info("dry run passed", "migration", m.ID(), "records", count)
	if err := r.setPhase(st, store.PhaseDryRunPassed); err != nil {
		return err
	}

	if err := r.setPhase(st, store.PhaseMigrating); err != nil {
		return err
	}
	if err := m.Apply(ctx); err != nil {
		return r.rollback(ctx, m, st, fmt.Errorf("apply: %w", err))
	}
	if err := r.setPhase(st, store.PhaseMigrated); err != nil {
		return err
	}

	if err := r.setPhase(st, store.PhaseVerifying); err != nil {
		return err
	}
	if err := m.Verify(ctx); err != nil {
		return r.rollback(ctx, m, st, fmt.Errorf("verify: %w", err))
	}
	if err := r.setPhase(st, store.PhaseVerified); err != nil {
		return err
	}

	return r.commit(m, st)
}

func (r *Runner) commit(m Migration, st *store.MigrationState) error {
	if err := r.store.SetSchemaVersion(m.ToVersion()); err != nil {
		return err
	}
	if err := r.setPhase(st, store.PhaseCommitted); err != nil {
		return err
	}
	if err := r.store.ClearMigration(st.MigrationID); err != nil {
		return err
	}
	slog.Info("migration committed", "migration", st.MigrationID, "schema_version", m.ToVersion())
	return nil
}

// rollback undoes a failed migration and reports the rollback outcome
// alongside the original cause, never instead of it.
func (r *Runner) rollback(ctx context.Context, m Migration, st *store.MigrationState, cause error) error {
	slog.Error("migration failed, rolling back", "migration", st.MigrationID, "error", cause)

	rbErr := m.Rollback(ctx)
	if rbErr != nil && st.BackupPath != "" {
		// Second line of defense: restore the pre-migration snapshot.
		if restoreErr := backup.Restore(r.store, st.BackupPath, r.password); restoreErr != nil {
			return r.fail(st, errors.Join(cause, fmt.Errorf("rollback: %w", rbErr), fmt.Errorf("restore backup: %w", restoreErr)))
		}
		rbErr = nil
	}
	if rbErr != nil {
		return r.fail(st, errors.Join(cause, fmt.Errorf("rollback: %w", rbErr)))
	}

	st.Error = cause.Error()
	if err := r.setPhase(st, store.PhaseRolledBack); err != nil {
		return errors.Join(cause, err)
	}
	slog.Warn("migration rolled back", "migration", st.MigrationID)
	return fmt.Errorf("migration %s rolled back: %w", st.MigrationID, cause)
}

// fail records the terminal failed phase and surfaces the cause.
func (r *Runner) fail(st *store.MigrationState, cause error) error {
	st.Error = cause.Error()
	if err := r.setPhase(st, store.PhaseFailed); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("migration %s failed: %w", st.MigrationID, cause)
}

// setPhase persists a phase transition synchronously before the caller
// proceeds. That synchronous write is the whole crash-safety story.
func (r *Runner) setPhase(st *store.MigrationState, phase string) error {
	if st.Phase == phase {
		return nil
	}
	if !canTransition(st.Phase, phase) {
		return fmt.Errorf("illegal migration transition %s -> %s", st.Phase, phase)
	}
	st.Phase = phase
	if err := r.store.PutMigrationState(st); err != nil {
		return fmt.Errorf("persist phase %s: %w", phase, err)
	}
	return nil
}
