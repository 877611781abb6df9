package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryBackend keeps values in a bounded LRU with a total byte quota,
// mirroring the limits of browser local storage.
type MemoryBackend struct {
	cache      *lru.Cache[string, []byte]
	quotaBytes int64

	// mu serializes writes so the quota check and the cache update see the
	// same usedBytes.
	mu        sync.Mutex
	usedBytes atomic.Int64
}

// NewMemoryBackend creates a backend holding at most maxEntries keys and
// quotaBytes of values. A quotaBytes <= 0 disables the byte quota.
func NewMemoryBackend(maxEntries, quotaBytes int) (*MemoryBackend, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("memory backend needs a positive entry limit, got %d", maxEntries)
	}

	b := &MemoryBackend{quotaBytes: int64(quotaBytes)}
	cache, err := lru.NewWithEvict[string, []byte](maxEntries, func(_ string, value []byte) {
		b.usedBytes.Add(-int64(len(value)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	b.cache = cache
	return b, nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := b.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var previous int64
	if old, ok := b.cache.Peek(key); ok {
		previous = int64(len(old))
	}

	size := int64(len(value))
	if b.quotaBytes > 0 && b.usedBytes.Load()-previous+size > b.quotaBytes {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrQuotaExceeded, size, b.usedBytes.Load(), b.quotaBytes)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	// Replacing an existing key does not fire the evict callback.
	b.usedBytes.Add(size - previous)
	b.cache.Add(key, stored)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Remove(key)
	return nil
}

// Len returns the number of stored keys.
func (b *MemoryBackend) Len() int {
	return b.cache.Len()
}

// UsedBytes returns the total size of stored values.
func (b *MemoryBackend) UsedBytes() int64 {
	return b.usedBytes.Load()
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Purge()
	return nil
}
