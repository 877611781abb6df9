// Package storage provides the key/value backends behind the session store.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Backend is a byte-oriented key/value store. Implementations must be safe for
// concurrent use; concurrent writers to one key are last-write-wins.
type Backend interface {
	// Get returns ErrNotFound when key is absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, returning ErrQuotaExceeded when the
	// backend has no room left
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases the underlying resources
	Close() error
}
