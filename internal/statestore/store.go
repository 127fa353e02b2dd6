// Package statestore provides the durable key/value store used for
// cross-process coordination. Keys hold named fields (a hash), all
// operations are atomic per key, and every write is immediately
// visible to other processes sharing the same database file.
//
// Keys follow a `domain:identifier` naming scheme, e.g.
// `execution:<id>` or `streaming:state`.
package statestore

import (
	"context"
	"errors"
	"fmt"
)

// ErrStoreUnavailable indicates the backing store could not be
// reached or a write could not be applied. Callers must propagate it
// rather than absorb it: the store is the only durable record of job
// and stream status, so silently dropping a write desynchronizes
// in-memory and persisted state.
var ErrStoreUnavailable = errors.New("state store unavailable")

// Store is the field-level hash contract shared by every component.
// An empty `expected` in CompareAndSet means "field absent".
type Store interface {
	// GetField returns the value of a single field, with a presence
	// flag distinguishing absent from empty.
	GetField(ctx context.Context, key, field string) (string, bool, error)

	// GetAll returns every field of a key. A missing key yields an
	// empty map, not an error.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// SetFields writes the given fields of a key in one atomic step,
	// creating the key if needed.
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// DeleteKey removes a key and all its fields.
	DeleteKey(ctx context.Context, key string) error

	// CompareAndSet atomically sets field to next if its current
	// value equals expected. Expected "" matches an absent field.
	// It reports whether the swap happened.
	CompareAndSet(ctx context.Context, key, field, expected, next string) (bool, error)

	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// unavailable wraps a driver error so that callers can classify it
// with errors.Is(err, ErrStoreUnavailable) while keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
