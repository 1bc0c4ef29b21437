// Package store defines the key-value contract the kernel persists through.
// The kernel never assumes a particular database: anything that can honor
// atomic conditional insert (SetNX) can back the idempotency ledger and the
// audit chain.
package store

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("store: closed")

// KV is the minimal durable key-value contract required by the kernel.
type KV interface {
	// Get returns the value for key. The boolean reports presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes key unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// SetNX writes key only if it does not already exist, atomically.
	// Returns true if the write won.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}
