package sw

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

type AppMetrics interface {
	RecordRequest(method, path string, status int, latencyMS int64)
	RecordStrategy(strategy, outcome string, latencyMS int64)
	RecordSync(tag string, queued int, err error)
	RecordLifecycle(event, version string, err error)
	Snapshot() MetricsSnapshot
}

type RouteStats struct {
	Count        int64 `json:"count"`
	ErrorCount   int64 `json:"error_count"`
	LatencySumMS int64 `json:"latency_sum_ms"`
	LatencyMinMS int64 `json:"latency_min_ms"`
	LatencyMaxMS int64 `json:"latency_max_ms"`
}

type StrategyStats struct {
	Count        int64            `json:"count"`
	Outcomes     map[string]int64 `json:"outcomes"`
	LatencySumMS int64            `json:"latency_sum_ms"`
	LatencyMaxMS int64            `json:"latency_max_ms"`
}

type SyncStats struct {
	Count       int64 `json:"count"`
	ErrorCount  int64 `json:"error_count"`
	EmptyCount  int64 `json:"empty_count"`
	TotalQueued int64 `json:"total_queued"`
}

type LifecycleStats struct {
	Count       int64  `json:"count"`
	ErrorCount  int64  `json:"error_count"`
	LastVersion string `json:"last_version"`
}

type RecentRequest struct {
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type RuntimeStats struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	Goroutines     int    `json:"goroutines"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNS      uint64 `json:"gc_pause_ns"`
}

type MetricsSnapshot struct {
	RouteStats     map[string]RouteStats     `json:"route_stats"`
	StrategyStats  map[string]StrategyStats  `json:"strategy_stats"`
	SyncStats      map[string]SyncStats      `json:"sync_stats"`
	LifecycleStats map[string]LifecycleStats `json:"lifecycle_stats"`
	RecentRequests []RecentRequest           `json:"recent_requests"`
	Runtime        RuntimeStats              `json:"runtime"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	StartTime      time.Time                 `json:"start_time"`
}

// noop implementation: used when metrics are disabled.
type NoopAppMetrics struct{}

func (NoopAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {}

func (NoopAppMetrics) RecordStrategy(strategy, outcome string, latencyMS int64) {}

func (NoopAppMetrics) RecordSync(tag string, queued int, err error) {}

func (NoopAppMetrics) RecordLifecycle(event, version string, err error) {}

func (NoopAppMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{}
}

const appMetricsRecentCapacity = 200

// in-memory implementation: records metrics into local maps and a ring buffer of recent requests.
type InMemAppMetrics struct {
	mu sync.Mutex

	routeStats     map[string]RouteStats
	strategyStats  map[string]StrategyStats
	syncStats      map[string]SyncStats
	lifecycleStats map[string]LifecycleStats

	recent      []RecentRequest
	recentNext  int
	recentCount int

	startTime time.Time
}

func NewInMemAppMetrics() *InMemAppMetrics {
	return &InMemAppMetrics{
		routeStats:     make(map[string]RouteStats),
		strategyStats:  make(map[string]StrategyStats),
		syncStats:      make(map[string]SyncStats),
		lifecycleStats: make(map[string]LifecycleStats),
		recent:         make([]RecentRequest, appMetricsRecentCapacity),
		startTime:      time.Now().UTC(),
	}
}

func (m *InMemAppMetrics) RecordRequest(method, path string, status int, latencyMS int64) {
	if m == nil {
		return
	}

	method = strings.TrimSpace(strings.ToUpper(method))
	path = strings.TrimSpace(path)
	if method == "" {
		method = "UNKNOWN"
	}
	if path == "" {
		path = "/"
	}
	if latencyMS < 0 {
		latencyMS = 0
	}

	key := method + " " + path

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.routeStats[key]
	v.Count++
	if status >= 400 {
		v.ErrorCount++
	}
	v.LatencySumMS += latencyMS
	if v.Count == 1 || latencyMS < v.LatencyMinMS {
		v.LatencyMinMS = latencyMS
	}
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.routeStats[key] = v

	m.appendRecentLocked(RecentRequest{
		Method:    method,
		Path:      path,
		Status:    status,
		LatencyMS: latencyMS,
		Timestamp: time.Now().UTC(),
	})
}

func (m *InMemAppMetrics) RecordStrategy(strategy, outcome string, latencyMS int64) {
	if m == nil {
		return
	}
	strategy = normalizeMetricsLabel(strategy)
	outcome = normalizeMetricsLabel(outcome)
	if latencyMS < 0 {
		latencyMS = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.strategyStats[strategy]
	v.Count++
	if v.Outcomes == nil {
		v.Outcomes = make(map[string]int64)
	}
	v.Outcomes[outcome]++
	v.LatencySumMS += latencyMS
	if latencyMS > v.LatencyMaxMS {
		v.LatencyMaxMS = latencyMS
	}
	m.strategyStats[strategy] = v
}

func (m *InMemAppMetrics) RecordSync(tag string, queued int, err error) {
	if m == nil {
		return
	}
	tag = normalizeMetricsLabel(tag)
	if queued < 0 {
		queued = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.syncStats[tag]
	v.Count++
	switch {
	case err != nil:
		v.ErrorCount++
	case queued == 0:
		v.EmptyCount++
	}
	v.TotalQueued += int64(queued)
	m.syncStats[tag] = v
}

func (m *InMemAppMetrics) RecordLifecycle(event, version string, err error) {
	if m == nil {
		return
	}
	event = normalizeMetricsLabel(event)

	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.lifecycleStats[event]
	v.Count++
	if err != nil {
		v.ErrorCount++
	} else {
		v.LastVersion = version
	}
	m.lifecycleStats[event] = v
}

func (m *InMemAppMetrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}

	m.mu.Lock()
	out := MetricsSnapshot{
		RouteStats:     copyMap(m.routeStats),
		StrategyStats:  copyStrategyStats(m.strategyStats),
		SyncStats:      copyMap(m.syncStats),
		LifecycleStats: copyMap(m.lifecycleStats),
		RecentRequests: m.recentSnapshotLocked(),
		StartTime:      m.startTime,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
	}
	m.mu.Unlock()

	// read mem stats outside the lock: runtime.ReadMemStats stops the world
	// and holding m.mu during that pause would block all record calls.
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	out.Runtime = RuntimeStats{
		HeapAllocBytes: rt.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		NumGC:          rt.NumGC,
		GCPauseNS:      rt.PauseTotalNs,
	}

	return out
}

func copyStrategyStats(in map[string]StrategyStats) map[string]StrategyStats {
	out := make(map[string]StrategyStats, len(in))
	for k, v := range in {
		v.Outcomes = copyMap(v.Outcomes)
		out[k] = v
	}
	return out
}

func (m *InMemAppMetrics) appendRecentLocked(entry RecentRequest) {
	m.recent[m.recentNext] = entry
	m.recentNext = (m.recentNext + 1) % len(m.recent)
	if m.recentCount < len(m.recent) {
		m.recentCount++
	}
}

func (m *InMemAppMetrics) recentSnapshotLocked() []RecentRequest {
	if m.recentCount == 0 {
		return []RecentRequest{}
	}
	out := make([]RecentRequest, 0, m.recentCount)
	start := (m.recentNext - m.recentCount + len(m.recent)) % len(m.recent)
	for i := 0; i < m.recentCount; i++ {
		idx := (start + i) % len(m.recent)
		out = append(out, m.recent[idx])
	}
	return out
}

func normalizeMetricsLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "default"
	}
	return v
}
