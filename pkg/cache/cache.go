// Package cache provides a generic, thread-safe, size-bounded cache with
// time-to-live expiry.
//
// Entries are stamped with their write time. Once the cache is at capacity a
// new key evicts the entry with the oldest write time; reads never refresh
// an entry. Statistics are always collected; owners that export metrics
// observe evictions through WithEvictionCallback.
package cache

import (
	"time"

	"github.com/c360/chatrelay/errors"
)

// Cache represents a generic cache parameterized by value type V.
type Cache[V any] interface {
	// Get returns the value for key if present and younger than the TTL.
	Get(key string) (V, bool)

	// Entry returns the value and its write time, under the same rules as Get.
	Entry(key string) (Entry[V], bool)

	// Set stores value stamped with the current time. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// SetAt stores value stamped with writtenAt, which lets a caller
	// repopulate from a slower tier without extending the entry's life.
	SetAt(key string, value V, writtenAt time.Time) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Size returns the current number of entries, expired ones included.
	Size() int

	// Stats returns cache statistics.
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted for capacity or expiry.
type EvictCallback[V any] func(key string, value V)

// Entry is a cached value with its write time.
type Entry[V any] struct {
	Key       string
	Value     V
	WrittenAt time.Time
}

// Age reports how old the entry is at now.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
