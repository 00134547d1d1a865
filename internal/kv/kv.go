// Package kv provides the durable key-value layer under the operation store.
// Two backends are supported: Badger (default) and Pebble. Both are opened
// with synchronous writes so a successful Put is on disk before it returns.
package kv

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get when no value exists for the key.
var ErrKeyNotFound = errors.New("kv: key not found")

// Txn is the view handed to Update closures. Reads observe writes made
// earlier in the same transaction.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Store is a durable, prefix-scannable key-value store.
// Update executes fn as a single atomic read-modify-write; either every
// write in fn lands or none do. This is the primitive the lock service
// relies on for compare-and-swap acquisition.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Scan calls fn for every key with the given prefix, in ascending key
	// order. Returning an error from fn stops the scan.
	Scan(prefix []byte, fn func(key, value []byte) error) error

	Update(fn func(tx Txn) error) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

// Open opens the store at dir using the named backend.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case BackendBadger, "":
		return OpenBadger(dir)
	case BackendPebble:
		return OpenPebble(dir)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if the prefix is all 0xFF bytes.
func prefixUpperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xFF {
			ub[i]++
			return ub[:i+1]
		}
	}
	return nil
}
