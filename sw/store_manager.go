// store_manager.go owns the set of cache stores for one generation.
//
// System fit:
//
//   - Strategies ask the manager for a role's store and never see the
//     provider. Creation and deletion of stores happen only here.
//   - Lifecycle activation calls PurgeStale with the active generation.
//   - The manager counts evictions, purges and fallbacks and renders them as
//     OpenMetrics text for /metrics/cache.
//
// Failure modes:
//
//   - Open never fails. A provider error is logged and an ephemeral
//     in-memory store is handed out, so the request still completes; what is
//     written to it is lost.
//   - PurgeStale keeps going after a failed delete and reports every failure
//     joined under ErrStorePurge.

package sw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// StoreManager opens current stores and purges stale ones.
type StoreManager struct {
	Provider   StoreProvider
	Generation string
	MaxEntries int

	logger *slog.Logger

	mu     sync.Mutex
	opened map[Role]Store

	evictionsTotal      map[Role]uint64
	evictionErrorsTotal uint64
	purgedStoresTotal   uint64
	purgeErrorsTotal    uint64
	fallbackStoresTotal uint64
}

// NewStoreManager creates a manager for generation. A nil logger uses
// slog.Default().
func NewStoreManager(provider StoreProvider, generation string, maxEntries int, logger *slog.Logger) *StoreManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreManager{
		Provider:       provider,
		Generation:     generation,
		MaxEntries:     maxEntries,
		logger:         logger,
		opened:         make(map[Role]Store),
		evictionsTotal: make(map[Role]uint64),
	}
}

// Open returns the current store for role, creating it when absent.
func (m *StoreManager) Open(ctx context.Context, role Role) Store {
	name := StoreName(role, m.Generation)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.opened[role]; ok {
		return s
	}

	s, err := m.Provider.Open(ctx, name)
	if err != nil {
		m.fallbackStoresTotal++
		m.logger.WarnContext(ctx, "cache store unavailable, using ephemeral store", "store", name, "error", err)
		return NewMemoryStore(name)
	}
	m.opened[role] = s
	return s
}

// PurgeStale deletes every store that does not belong to current and returns
// the deleted names. Names that do not parse as <role>-<generation> are
// treated as stale.
func (m *StoreManager) PurgeStale(ctx context.Context, current string) ([]string, error) {
	names, err := m.Provider.Names(ctx)
	if err != nil {
		m.recordPurge(0, 1)
		return nil, fmt.Errorf("%w: list stores: %v", ErrStorePurge, err)
	}

	deleted := make([]string, 0)
	var errs []error
	for _, name := range names {
		if _, generation, ok := ParseStoreName(name); ok && generation == current {
			continue
		}
		removed, err := m.Provider.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrStorePurge, name, err))
			continue
		}
		if removed {
			deleted = append(deleted, name)
		}
	}

	if current != m.Generation {
		// stores opened for our own generation were just deleted
		m.mu.Lock()
		clear(m.opened)
		m.mu.Unlock()
	}

	m.recordPurge(len(deleted), len(errs))
	if len(deleted) > 0 {
		m.logger.InfoContext(ctx, "purged stale cache stores", "current", current, "stores", strings.Join(deleted, ","))
	}
	return deleted, errors.Join(errs...)
}

// SizeOf sums the body bytes of every entry in the role's store. It reads
// every entry and is meant for diagnostics only.
func (m *StoreManager) SizeOf(ctx context.Context, role Role) (int64, error) {
	store := m.Open(ctx, role)
	keys, err := store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", store.Name(), err)
	}
	var total int64
	for _, key := range keys {
		entry, err := store.Match(ctx, key)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return 0, fmt.Errorf("size of %s: %w", store.Name(), err)
		}
		total += int64(len(entry.Response.Body))
	}
	return total, nil
}

// Trim applies the entry limit to store and records the outcome. Errors are
// logged, never returned; eviction is best effort.
func (m *StoreManager) Trim(ctx context.Context, store Store) int {
	evicted, err := EnforceLimit(ctx, store, m.MaxEntries)
	role, _, _ := ParseStoreName(store.Name())

	m.mu.Lock()
	m.evictionsTotal[role] += uint64(evicted)
	if err != nil {
		m.evictionErrorsTotal++
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.WarnContext(ctx, "cache eviction failed", "store", store.Name(), "evicted", evicted, "error", err)
	}
	return evicted
}

func (m *StoreManager) recordPurge(deleted, failed int) {
	m.mu.Lock()
	m.purgedStoresTotal += uint64(deleted)
	m.purgeErrorsTotal += uint64(failed)
	m.mu.Unlock()
}

// CacheMetricsSnapshot is a point-in-time copy of the manager counters.
type CacheMetricsSnapshot struct {
	EvictionsTotal      map[Role]uint64
	EvictionErrorsTotal uint64
	PurgedStoresTotal   uint64
	PurgeErrorsTotal    uint64
	FallbackStoresTotal uint64
	MaxEntries          int
	MaxCacheBytes       int64
}

func (m *StoreManager) CacheMetricsSnapshot() CacheMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CacheMetricsSnapshot{
		EvictionsTotal:      copyRoleCounts(m.evictionsTotal),
		EvictionErrorsTotal: m.evictionErrorsTotal,
		PurgedStoresTotal:   m.purgedStoresTotal,
		PurgeErrorsTotal:    m.purgeErrorsTotal,
		FallbackStoresTotal: m.fallbackStoresTotal,
		MaxEntries:          m.MaxEntries,
		MaxCacheBytes:       DefaultMaxCacheBytes,
	}
}

func copyRoleCounts(in map[Role]uint64) map[Role]uint64 {
	out := make(map[Role]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *StoreManager) CacheOpenMetricsText() string {
	s := m.CacheMetricsSnapshot()

	roles := make([]string, 0, len(Roles))
	for _, r := range Roles {
		roles = append(roles, string(r))
	}
	for r := range s.EvictionsTotal {
		if r != RoleStatic && r != RoleDynamic && r != RoleRuntime && r != "" {
			roles = append(roles, string(r))
		}
	}
	sort.Strings(roles)

	lines := []string{"# TYPE swcore_cache_evictions_total counter"}
	for _, r := range roles {
		lines = append(lines, fmt.Sprintf("swcore_cache_evictions_total{role=%q} %d", r, s.EvictionsTotal[Role(r)]))
	}
	lines = append(lines,
		"# TYPE swcore_cache_eviction_errors_total counter",
		fmt.Sprintf("swcore_cache_eviction_errors_total %d", s.EvictionErrorsTotal),
		"# TYPE swcore_cache_purged_stores_total counter",
		fmt.Sprintf("swcore_cache_purged_stores_total %d", s.PurgedStoresTotal),
		"# TYPE swcore_cache_purge_errors_total counter",
		fmt.Sprintf("swcore_cache_purge_errors_total %d", s.PurgeErrorsTotal),
		"# TYPE swcore_cache_fallback_stores_total counter",
		fmt.Sprintf("swcore_cache_fallback_stores_total %d", s.FallbackStoresTotal),
		"# TYPE swcore_cache_max_entries gauge",
		fmt.Sprintf("swcore_cache_max_entries %d", s.MaxEntries),
		"# TYPE swcore_cache_max_bytes gauge",
		fmt.Sprintf("swcore_cache_max_bytes %d", s.MaxCacheBytes),
	)
	return strings.Join(lines, "\n") + "\n"
}

// NewCacheOpenMetricsHandler exports cache eviction and purge counters.
func NewCacheOpenMetricsHandler(m *StoreManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "store manager is nil", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/openmetrics-text; version=1.0.0; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(m.CacheOpenMetricsText()))
	})
}
