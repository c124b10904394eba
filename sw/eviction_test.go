package sw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceLimit(t *testing.T) {
	t.Run("evicts_oldest_writes", testEnforceLimitEvictsOldest)
	t.Run("reads_do_not_protect_entries", testEnforceLimitIgnoresReads)
	t.Run("disabled_limit", testEnforceLimitDisabled)
	t.Run("under_limit", testEnforceLimitUnderLimit)
	t.Run("delete_failure_stops_pass", testEnforceLimitDeleteFailure)
	t.Run("byte_budget_not_enforced", testEnforceLimitIgnoresBytes)
}

func fillStore(t *testing.T, store Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("GET https://app.test/%03d.js", i)
		require.NoError(t, store.Put(context.Background(), key, testResponse("application/javascript", key)))
	}
}

func testEnforceLimitEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("static-v1")
	fillStore(t, store, 5)

	evicted, err := EnforceLimit(ctx, store, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"GET https://app.test/002.js",
		"GET https://app.test/003.js",
		"GET https://app.test/004.js",
	}, keys)
}

func testEnforceLimitIgnoresReads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("static-v1")
	fillStore(t, store, 3)

	for i := 0; i < 5; i++ {
		_, err := store.Match(ctx, "GET https://app.test/000.js")
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, "GET https://app.test/new.js", testResponse("application/javascript", "new")))

	_, err := EnforceLimit(ctx, store, 3)
	require.NoError(t, err)

	_, err = store.Match(ctx, "GET https://app.test/000.js")
	require.ErrorIs(t, err, ErrEntryNotFound, "FIFO evicts the oldest write even when it was read recently")
}

func testEnforceLimitDisabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("static-v1")
	fillStore(t, store, 4)

	for _, limit := range []int{0, -1} {
		evicted, err := EnforceLimit(ctx, store, limit)
		require.NoError(t, err)
		assert.Zero(t, evicted)
	}
	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func testEnforceLimitUnderLimit(t *testing.T) {
	store := NewMemoryStore("static-v1")
	fillStore(t, store, 2)
	evicted, err := EnforceLimit(context.Background(), store, DefaultMaxEntries)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

type failingDeleteStore struct {
	Store
	failAfter int
	deletes   int
}

func (s *failingDeleteStore) Delete(ctx context.Context, key string) error {
	if s.deletes >= s.failAfter {
		return errors.New("disk full")
	}
	s.deletes++
	return s.Store.Delete(ctx, key)
}

func testEnforceLimitDeleteFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore("static-v1")
	fillStore(t, inner, 6)
	store := &failingDeleteStore{Store: inner, failAfter: 1}

	evicted, err := EnforceLimit(ctx, store, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "static-v1")
	assert.Equal(t, 1, evicted)

	keys, err := inner.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 5)
}

func testEnforceLimitIgnoresBytes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("runtime-v1")
	big := strings.Repeat("x", 1024*1024)
	for i := 0; i < 3; i++ {
		resp := testResponse("application/octet-stream", big)
		require.NoError(t, store.Put(ctx, fmt.Sprintf("k%d", i), resp))
	}

	evicted, err := EnforceLimit(ctx, store, 3)
	require.NoError(t, err)
	assert.Zero(t, evicted, "only the entry count is enforced; DefaultMaxCacheBytes is advisory")
}
