// eviction.go bounds the number of entries in a store.
//
// Eviction policy:
//
//   - Entry-count limit: when a store holds more than maxEntries entries, the
//     oldest (size - maxEntries) by write order are deleted. Reads never move
//     an entry, so this is FIFO and not LRU.
//   - Byte budget: DefaultMaxCacheBytes is declared and reported but nothing
//     checks it. Only the entry count is enforced.
//
// System fit:
//
//   - The cache-first strategy calls EnforceLimit after every write-through;
//     the network-first strategy does the same for the dynamic store.
//   - Proxy.SweepStores applies the limit to every current store on a timer,
//     catching stores written by other replicas.
//
// Failure modes:
//
//   - A failed delete stops the pass and returns the count evicted so far.
//     Callers log it; the next write retries.

package sw

import (
	"context"
	"fmt"
)

const (
	// DefaultMaxEntries caps entries per store.
	DefaultMaxEntries = 100
	// DefaultMaxCacheBytes is reserved for size-based eviction. Not enforced.
	DefaultMaxCacheBytes int64 = 50 * 1024 * 1024
)

// EnforceLimit deletes the oldest entries of store until at most maxEntries
// remain and returns how many were deleted. maxEntries <= 0 disables the
// limit.
func EnforceLimit(ctx context.Context, store Store, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", store.Name(), err)
	}
	excess := len(keys) - maxEntries
	if excess <= 0 {
		return 0, nil
	}

	evicted := 0
	for _, key := range keys[:excess] {
		if err := store.Delete(ctx, key); err != nil {
			return evicted, fmt.Errorf("evict %s from %s: %w", key, store.Name(), err)
		}
		evicted++
	}
	return evicted, nil
}
