package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikills/swcore/sw"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOrigin struct {
	server *httptest.Server
	hits   atomic.Int64
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>shell</html>")
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "console.log('app')")
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Method", r.Method)
		_, _ = w.Write(body)
	})
	o.server = httptest.NewServer(mux)
	t.Cleanup(o.server.Close)
	return o
}

func newTestProxy(t *testing.T, origin *testOrigin, opts ...sw.Option) *sw.Proxy {
	t.Helper()
	base := []sw.Option{
		sw.WithOrigin(origin.server.URL),
		sw.WithFetcher(sw.NewHTTPFetcher(origin.server.Client(), 0)),
		sw.WithCoreFiles([]string{"/"}),
		sw.WithMetrics(sw.NewInMemAppMetrics()),
	}
	proxy, err := sw.NewProxy("v1", append(base, opts...)...)
	require.NoError(t, err)
	return proxy
}

func newTestApp(t *testing.T, opts ...sw.Option) (string, *App, *testOrigin) {
	t.Helper()
	origin := newTestOrigin(t)
	app := NewApp(newTestProxy(t, origin, opts...), AppConfig{Address: "127.0.0.1:0"})
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})
	require.NotEmpty(t, app.Address())
	return "http://" + app.Address(), app, origin
}

func TestAppHTTP(t *testing.T) {
	t.Run("endpoints", testAppEndpoints)
	t.Run("generation_middleware", testAppGenerationMiddleware)
	t.Run("lifecycle_routes", testAppLifecycleRoutes)
	t.Run("messages", testAppMessages)
	t.Run("proxy_serves_cache_offline", testAppProxyOffline)
	t.Run("proxy_forwards_method_and_body", testAppProxyForwards)
	t.Run("sync_queue_routes", testAppSyncQueueRoutes)
	t.Run("events_stream", testAppEventsStream)
	t.Run("stop_ends_event_streams", testAppStopEndsEventStreams)
	t.Run("background_install_and_sweep", testAppBackgroundLoops)
	t.Run("probe_restores_connectivity", testAppProbe)
}

func testAppEndpoints(t *testing.T) {
	base, _, _ := newTestApp(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "metrics_cache", method: http.MethodGet, path: "/metrics/cache", status: http.StatusOK},
		{name: "metrics_app", method: http.MethodGet, path: "/metrics/app", status: http.StatusOK},
		{name: "lifecycle_status", method: http.MethodGet, path: "/sw/lifecycle", status: http.StatusOK},
		{name: "activate_without_install", method: http.MethodPost, path: "/sw/lifecycle/activate", status: http.StatusConflict},
		{name: "stores_sweep", method: http.MethodPost, path: "/sw/stores/sweep", status: http.StatusOK},
		{name: "store_size", method: http.MethodGet, path: "/sw/stores/static/size", status: http.StatusOK},
		{name: "store_size_unknown_role", method: http.MethodGet, path: "/sw/stores/other/size", status: http.StatusBadRequest},
		{name: "sync_queue", method: http.MethodGet, path: "/sw/sync/queue", status: http.StatusOK},
		{name: "proxied_missing", method: http.MethodGet, path: "/missing", status: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, base+tc.path, nil)
			require.NoError(t, err)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func testAppGenerationMiddleware(t *testing.T) {
	base, _, _ := newTestApp(t)

	for _, path := range []string{"/healthz", "/app.js"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "v1", resp.Header.Get(generationHeader), path)
	}
}

func testAppLifecycleRoutes(t *testing.T) {
	base, _, _ := newTestApp(t)

	resp, err := postJSON(base+"/sw/lifecycle/install", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/sw/lifecycle")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status sw.LifecycleStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "v1", status.Version)
	assert.Equal(t, sw.PhaseActivated, status.Phase)
	assert.Equal(t, "v1", status.ActiveVersion)
	assert.Empty(t, status.WaitingVersion)

	resp, err = postJSON(base+"/sw/lifecycle/activate", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "activate is a no-op once active")

	resp, err = http.Get(base + "/sw/stores/static/size")
	require.NoError(t, err)
	defer resp.Body.Close()
	var size map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&size))
	assert.Equal(t, float64(len("<html>shell</html>")), size["bytes"])
}

func testAppMessages(t *testing.T) {
	base, _, _ := newTestApp(t)

	tests := []struct {
		name    string
		msgType string
		status  int
		version string
	}{
		{name: "get_version", msgType: "GET_VERSION", status: http.StatusOK, version: "v1"},
		{name: "get_version_lowercase", msgType: "get_version", status: http.StatusOK, version: "v1"},
		{name: "skip_waiting", msgType: "SKIP_WAITING", status: http.StatusAccepted},
		{name: "unknown", msgType: "REBOOT", status: http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := postJSON(base+"/sw/messages", map[string]any{"type": tc.msgType})
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.version == "" {
				return
			}
			var msg sw.Message
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
			assert.Equal(t, sw.MsgVersionInfo, msg.Type)
			assert.Equal(t, tc.version, msg.Version)
		})
	}
}

func testAppProxyOffline(t *testing.T) {
	base, _, origin := newTestApp(t)

	body := func(resp *http.Response) string {
		t.Helper()
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}

	resp, err := http.Get(base + "/app.js")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", body(resp))

	resp, err = http.Get(base + "/app.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log('app')", body(resp))
	assert.Equal(t, int64(1), origin.hits.Load(), "second read served from cache")

	origin.server.Close()

	resp, err = http.Get(base + "/app.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('app')", body(resp))

	resp, err = http.Get(base + "/data.json")
	require.NoError(t, err)
	assert.Equal(t, sw.OfflineStatus, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(sw.OfflineHeader))
	_ = body(resp)

	req, err := http.NewRequest(http.MethodGet, base+"/settings", nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, sw.OfflineStatus, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	_ = body(resp)
}

func testAppProxyForwards(t *testing.T) {
	base, _, _ := newTestApp(t)

	req, err := http.NewRequest(http.MethodPut, base+"/echo?x=1", strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.MethodPut, resp.Header.Get("X-Method"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}

func testAppSyncQueueRoutes(t *testing.T) {
	base, _, _ := newTestApp(t)

	resp, err := postJSON(base+"/sw/sync", map[string]any{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = postJSON(base+"/sw/sync", map[string]any{"tag": "unknown-tag"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(base+"/sw/sync/queue", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// one byte over the limit, and still a valid JSON string
	oversized := `"` + strings.Repeat("a", maxQueuePayloadBytes-1) + `"`
	resp, err = http.Post(base+"/sw/sync/queue", "application/json", strings.NewReader(oversized))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	for _, payload := range []map[string]any{{"op": "create"}, {"op": "delete"}} {
		resp, err := postJSON(base+"/sw/sync/queue", payload)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err = http.Get(base + "/sw/sync/queue")
	require.NoError(t, err)
	var queue struct {
		Queue []sw.SyncQueueItem `json:"queue"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queue))
	resp.Body.Close()
	require.Equal(t, 2, queue.Count)
	assert.JSONEq(t, `{"op":"create"}`, string(queue.Queue[0].Payload))
	assert.NotEmpty(t, queue.Queue[0].ID)

	resp, err = postJSON(base+"/sw/sync", map[string]any{"tag": sw.DefaultSyncTag})
	require.NoError(t, err)
	var report sw.SyncReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.True(t, report.Known)
	assert.Equal(t, 2, report.Queued)

	req, err := http.NewRequest(http.MethodDelete, base+"/sw/sync/queue", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(base + "/sw/sync/queue")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&queue))
	resp.Body.Close()
	assert.Zero(t, queue.Count)
}

func testAppEventsStream(t *testing.T) {
	base, _, _ := newTestApp(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/sw/events?version=v1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				return data
			}
		}
	}
	assert.NotEmpty(t, nextData(), "first event carries the client id")

	r, err := postJSON(base+"/sw/sync/queue", map[string]any{"op": "create"})
	require.NoError(t, err)
	r.Body.Close()
	r, err = postJSON(base+"/sw/sync", map[string]any{})
	require.NoError(t, err)
	r.Body.Close()

	var types []sw.MessageType
	for len(types) < 2 {
		var msg sw.Message
		require.NoError(t, json.Unmarshal([]byte(nextData()), &msg))
		types = append(types, msg.Type)
		if msg.Type == sw.MsgSyncNeeded {
			assert.Len(t, msg.Queue, 1)
		}
	}
	assert.Equal(t, []sw.MessageType{sw.MsgSyncStarted, sw.MsgSyncNeeded}, types)
}

func testAppStopEndsEventStreams(t *testing.T) {
	base, app, _ := newTestApp(t)

	resp, err := http.Get(base + "/sw/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: client\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(ctx))

	_, err = io.ReadAll(reader)
	require.NoError(t, err, "stream ends cleanly once the app stops")
}

func testAppBackgroundLoops(t *testing.T) {
	origin := newTestOrigin(t)
	proxy := newTestProxy(t, origin, sw.WithMaxEntries(1))

	// three entries over the limit of one; the sweep trims them
	ctx := context.Background()
	store := proxy.Stores().Open(ctx, sw.RoleDynamic)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, k, &sw.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(k)}))
	}

	app := NewApp(proxy, AppConfig{
		Address:       "127.0.0.1:0",
		SweepInterval: 20 * time.Millisecond,
		AutoInstall:   true,
	})
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})

	require.Eventually(t,
		func() bool {
			return proxy.Lifecycle().Phase() == sw.PhaseActivated
		},
		2*time.Second,
		20*time.Millisecond,
	)
	require.Eventually(t,
		func() bool {
			keys, err := store.Keys(ctx)
			return err == nil && len(keys) == 1 && keys[0] == "c"
		},
		2*time.Second,
		20*time.Millisecond,
	)
}

func testAppProbe(t *testing.T) {
	origin := newTestOrigin(t)

	var up atomic.Bool
	probeTarget := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(probeTarget.Close)

	proxy := newTestProxy(t, origin)
	app := NewApp(proxy, AppConfig{
		Address:       "127.0.0.1:0",
		ProbeInterval: 10 * time.Millisecond,
		ProbeURL:      probeTarget.URL,
	})
	require.NoError(t, app.Start())
	t.Cleanup(func() {
		_ = app.Stop(context.Background())
		_ = app.Wait()
	})

	require.Eventually(t,
		func() bool {
			online, _ := proxy.Online()
			return !online
		},
		2*time.Second,
		10*time.Millisecond,
	)

	up.Store(true)
	require.Eventually(t,
		func() bool {
			online, _ := proxy.Online()
			return online
		},
		2*time.Second,
		10*time.Millisecond,
	)
	require.Eventually(t,
		func() bool {
			return proxy.Metrics().Snapshot().SyncStats[sw.DefaultSyncTag].Count > 0
		},
		2*time.Second,
		10*time.Millisecond,
	)
}

func postJSON(url string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	return http.Post(url, "application/json", reader)
}
