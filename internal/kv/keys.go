package kv

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixPending   = "p|"   // p|{queued_ns:8BE}{op_id}
	PrefixFailed    = "f|"   // f|{op_id}
	PrefixEmergency = "e|"   // e|{queued_ns:8BE}{op_id}
	PrefixLock      = "lk|"  // lk|{lock_name}
	PrefixConflict  = "cf|"  // cf|{entity_type}\x00{entity_id}
	PrefixEntity    = "en|"  // en|{entity_type}\x00{entity_id}
	PrefixMigration = "mg|"  // mg|{migration_id}
	KeyMigrationCur = "mgc|" // single in-progress migration marker
	KeySchemaVer    = "meta|schema_version"
)

const sep = '\x00'

// PendingKey returns the key for a pending operation.
// Sort order: queued_ns ASC, then op_id for uniqueness. Scanning the pending
// prefix therefore yields global FIFO order.
func PendingKey(queuedNs uint64, opID string) []byte {
	k := PutUint64BE([]byte(PrefixPending), queuedNs)
	return append(k, opID...)
}

// EmergencyKey returns the key for a priority operation, same layout as
// PendingKey under the emergency prefix.
func EmergencyKey(queuedNs uint64, opID string) []byte {
	k := PutUint64BE([]byte(PrefixEmergency), queuedNs)
	return append(k, opID...)
}

// OpIDFromQueueKey extracts the operation ID from a pending/emergency key.
func OpIDFromQueueKey(key []byte, prefix string) string {
	return string(key[len(prefix)+8:])
}

// FailedKey returns the key for a dead-letter operation: f|{op_id}
func FailedKey(opID string) []byte {
	return append([]byte(PrefixFailed), opID...)
}

// LockKey returns the key for a lock record: lk|{lock_name}
func LockKey(name string) []byte {
	return append([]byte(PrefixLock), name...)
}

// ConflictKey returns the key for a conflict record: cf|{entity_type}\x00{entity_id}
func ConflictKey(entityType, entityID string) []byte {
	k := append([]byte(PrefixConflict), entityType...)
	k = append(k, sep)
	return append(k, entityID...)
}

// EntityKey returns the key for a cached entity: en|{entity_type}\x00{entity_id}
func EntityKey(entityType, entityID string) []byte {
	k := append([]byte(PrefixEntity), entityType...)
	k = append(k, sep)
	return append(k, entityID...)
}

// EntityPrefix returns the scan prefix for all cached entities of a type.
func EntityPrefix(entityType string) []byte {
	k := append([]byte(PrefixEntity), entityType...)
	return append(k, sep)
}

// MigrationKey returns the key for a migration state record: mg|{migration_id}
func MigrationKey(migrationID string) []byte {
	return append([]byte(PrefixMigration), migrationID...)
}
