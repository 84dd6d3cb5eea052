// Package kvstore defines the durable key-value store used to persist the
// server list, connection states, and capability catalogs across restarts.
//
// Values are opaque byte slices; callers own the encoding. Implementations
// live in the memstore, sqlitestore, and redisstore subpackages.
package kvstore

import (
	"context"
	"errors"
)

// Store is a flat key-value store.
type Store interface {
	// Get returns the value stored under key, or (nil, nil) when the key does
	// not exist. Errors are reserved for backend failures.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("kvstore: store closed")
