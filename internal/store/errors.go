package store

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorCodeStorage marks a durable-store write or read failure. Always
	// surfaced to the caller, never swallowed.
	ErrorCodeStorage ErrorCode = "STORAGE"
	// ErrorCodeRetryable marks a transient transport failure. The processor
	// increments attempts and re-queues.
	ErrorCodeRetryable ErrorCode = "RETRYABLE"
	// ErrorCodeConflict marks a remote divergence. Routed to the conflict
	// resolver instead of plain retry. ServerEntity carries the remote copy.
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeSchema marks a payload that failed schema validation and was
	// never enqueued.
	ErrorCodeSchema ErrorCode = "SCHEMA"
)

// ErrNotFound is returned when a record does not exist in its collection.
var ErrNotFound = errors.New("store: record not found")

type StoreError struct {
	Code ErrorCode
	Msg  string
	// ServerEntity is set only for CONFLICT errors.
	ServerEntity map[string]any
	Err          error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps a failed durable-store operation.
func NewStorageError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeStorage, Msg: msg, Err: err}
}

// NewRetryableError marks a transport failure as retryable.
func NewRetryableError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeRetryable, Msg: msg, Err: err}
}

// NewConflictError carries the server's current entity back to the resolver.
func NewConflictError(msg string, serverEntity map[string]any) error {
	return &StoreError{Code: ErrorCodeConflict, Msg: msg, ServerEntity: serverEntity}
}

// NewSchemaError marks a payload rejected by schema validation.
func NewSchemaError(msg string, err error) error {
	return &StoreError{Code: ErrorCodeSchema, Msg: msg, Err: err}
}

func codeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if !errors.As(err, &se) {
		return "", false
	}
	return se.Code, true
}

func IsStorageError(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeStorage
}

func IsRetryableError(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeRetryable
}

func IsConflictError(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeConflict
}

func IsSchemaError(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeSchema
}

// ConflictServerEntity extracts the server entity from a CONFLICT error.
func ConflictServerEntity(err error) (map[string]any, bool) {
	var se *StoreError
	if !errors.As(err, &se) {
		return nil, false
	}
	if se.Code != ErrorCodeConflict {
		return nil, false
	}
	return se.ServerEntity, true
}
