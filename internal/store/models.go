package store

import (
	"time"
)

// Operation types
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpToggle  = "toggle"
	OpControl = "control"
)

// Collections are the logical groupings of records in the durable store.
// Watch subscriptions are keyed by collection name.
const (
	CollectionPending   = "pending"
	CollectionEmergency = "emergency"
	CollectionFailed    = "failed"
	CollectionConflicts = "conflicts"
)

// PendingOperation is a queued, not-yet-confirmed mutation awaiting
// transport to the remote system.
//
// The ID is time-sortable, but FIFO ordering is keyed on QueuedAt so a
// retried operation keeps its original queue position. IdempotencyKey is
// stable across retries of the same logical mutation: a transport replay
// with the same key is safely ignored by the remote side.
type PendingOperation struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	OpType         string         `json:"op_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempts       int            `json:"attempts"`
	QueuedAt       time.Time      `json:"queued_at"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// QueuedNs returns the queue position of the operation as nanoseconds since
// the epoch. Used to build the sortable store key.
func (op *PendingOperation) QueuedNs() uint64 {
	return uint64(op.QueuedAt.UnixNano())
}

// FailedOperation is a pending operation that exhausted its retry budget
// and was moved to the dead-letter collection.
type FailedOperation struct {
	PendingOperation
	ErrorMessage string    `json:"error_message"`
	FailedAt     time.Time `json:"failed_at"`
}

// LockRecord is the durable record behind a named processing lock.
// The record is actionable by its owner only while
// now - LastHeartbeat < staleness threshold; any other runner may
// reclaim it once stale.
type LockRecord struct {
	LockName      string            `json:"lock_name"`
	RunnerID      string            `json:"runner_id"`
	AcquiredAt    time.Time         `json:"acquired_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RenewalCount  int               `json:"renewal_count"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ConflictRecord is surfaced for manual resolution after repeated local-wins
// merges failed to converge against the remote.
type ConflictRecord struct {
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	OpType       string         `json:"op_type"`
	LocalPayload map[string]any `json:"local_payload,omitempty"`
	ServerEntity map[string]any `json:"server_entity,omitempty"`
	DetectedAt   time.Time      `json:"detected_at"`
	Attempts     int            `json:"attempts"`
}

// Migration phases
const (
	PhaseNotStarted    = "notStarted"
	PhaseBackupCreated = "backupCreated"
	PhaseDryRunPassed  = "dryRunPassed"
	PhaseMigrating     = "migrating"
	PhaseMigrated      = "migrated"
	PhaseVerifying     = "verifying"
	PhaseVerified      = "verified"
	PhaseCommitted     = "committed"
	PhaseRolledBack    = "rolledBack"
	PhaseFailed        = "failed"
)

// MigrationState is the sole source of truth for migration crash recovery.
// It is persisted synchronously after every phase transition and deleted
// only on commit.
type MigrationState struct {
	MigrationID string    `json:"migration_id"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Phase       string    `json:"phase"`
	StartedAt   time.Time `json:"started_at"`
	BackupPath  string    `json:"backup_path,omitempty"`
	Error       string    `json:"error,omitempty"`
}
