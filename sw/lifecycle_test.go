package sw

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	t.Run("first_install_activates", testLifecycleFirstInstall)
	t.Run("install_waits_for_old_clients", testLifecycleWaits)
	t.Run("skip_waiting_activates", testLifecycleSkipWaiting)
	t.Run("skip_waiting_during_install", testLifecycleSkipWaitingDuringInstall)
	t.Run("last_old_client_leaving_activates", testLifecycleLastClientLeaves)
	t.Run("get_version_replies", testLifecycleGetVersion)
	t.Run("activate_without_install", testLifecycleActivateWithoutInstall)
	t.Run("failed_precache_is_redundant", testLifecycleFailedPrecache)
	t.Run("activation_purges_old_generation", testLifecyclePurgesOldStores)
	t.Run("install_is_idempotent", testLifecycleInstallIdempotent)
}

// generations builds proxies for several generations sharing one hub, one
// store provider and one lifecycle record, like successive deployments.
type generations struct {
	t        *testing.T
	net      *fakeNetwork
	hub      *Hub
	provider *MemoryStoreProvider
	state    *MemoryLifecycleStateStore
	metrics  *InMemAppMetrics
}

func newGenerations(t *testing.T) *generations {
	net := newFakeNetwork()
	net.route("https://app.test/", testResponse("text/html", "<html>shell</html>"))
	net.route("https://app.test/app.js", testResponse("application/javascript", "app"))
	return &generations{
		t:        t,
		net:      net,
		hub:      NewHub(32),
		provider: NewMemoryStoreProvider(),
		state:    NewMemoryLifecycleStateStore(),
		metrics:  NewInMemAppMetrics(),
	}
}

func (g *generations) proxy(version string, opts ...Option) *Proxy {
	g.t.Helper()
	opts = append([]Option{
		WithOrigin("https://app.test"),
		WithFetcher(g.net),
		WithHub(g.hub),
		WithStoreProvider(g.provider),
		WithStateStore(g.state),
		WithCoreFiles([]string{"/", "/app.js"}),
		WithMetrics(g.metrics),
	}, opts...)
	p, err := NewProxy(version, opts...)
	require.NoError(g.t, err)
	g.t.Cleanup(func() { _ = p.Close() })
	return p
}

func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func messageTypes(msgs []Message) []MessageType {
	out := make([]MessageType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func testLifecycleFirstInstall(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	client := g.hub.Subscribe("")
	p := g.proxy("v1")

	require.NoError(t, p.Lifecycle().Install(ctx))
	assert.Equal(t, PhaseActivated, p.Lifecycle().Phase())
	assert.Equal(t, "v1", client.Version(), "activation claims connected clients")

	msgs := drain(client)
	assert.Equal(t, []MessageType{MsgUpdateAvailable, MsgUpdateAvailable}, messageTypes(msgs))
	assert.Equal(t, "v1", msgs[0].Version)

	entry, err := p.Stores().Open(ctx, RoleStatic).Match(ctx, "GET https://app.test/app.js")
	require.NoError(t, err)
	assert.Equal(t, "app", string(entry.Response.Body))

	status, err := p.Lifecycle().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", status.ActiveVersion)
	assert.Empty(t, status.WaitingVersion)
	assert.Equal(t, 1, status.Clients)

	snap := g.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.LifecycleStats["install"].Count)
	assert.EqualValues(t, 1, snap.LifecycleStats["activate"].Count)
}

func testLifecycleWaits(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	old := g.proxy("v1")
	require.NoError(t, old.Lifecycle().Install(ctx))
	client := g.hub.Subscribe("v1")

	next := g.proxy("v2")
	require.NoError(t, next.Lifecycle().Install(ctx))
	assert.Equal(t, PhaseInstalled, next.Lifecycle().Phase())

	msgs := drain(client)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgUpdateAvailable, msgs[0].Type)
	assert.Equal(t, "v2", msgs[0].Version)

	status, err := next.Lifecycle().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", status.ActiveVersion)
	assert.Equal(t, "v2", status.WaitingVersion)
	assert.Equal(t, 1, status.OldClients)
	assert.Equal(t, "v1", client.Version())
}

func testLifecycleSkipWaiting(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	old := g.proxy("v1")
	require.NoError(t, old.Lifecycle().Install(ctx))
	client := g.hub.Subscribe("v1")

	next := g.proxy("v2")
	require.NoError(t, next.Lifecycle().Install(ctx))
	drain(client)

	next.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgSkipWaiting})
	assert.Equal(t, PhaseActivated, next.Lifecycle().Phase())
	assert.Equal(t, "v2", client.Version())

	msgs := drain(client)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{Type: MsgUpdateAvailable, Version: "v2"}, msgs[0])

	// a second SKIP_WAITING on an active generation changes nothing
	next.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgSkipWaiting})
	assert.Empty(t, drain(client))
}

func testLifecycleSkipWaitingDuringInstall(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	old := g.proxy("v1")
	require.NoError(t, old.Lifecycle().Install(ctx))
	client := g.hub.Subscribe("v1")

	fetching := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gated := FetcherFunc(func(ctx context.Context, req *http.Request) (*Response, error) {
		once.Do(func() { close(fetching) })
		<-release
		return g.net.Fetch(ctx, req)
	})
	next := g.proxy("v2", WithFetcher(gated))

	installed := make(chan error, 1)
	go func() { installed <- next.Lifecycle().Install(ctx) }()

	<-fetching
	assert.Equal(t, PhaseInstalling, next.Lifecycle().Phase())
	next.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgSkipWaiting})
	close(release)

	require.NoError(t, <-installed)
	assert.Equal(t, PhaseActivated, next.Lifecycle().Phase())
	assert.Equal(t, "v2", client.Version())

	status, err := next.Lifecycle().Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", status.ActiveVersion)
	assert.Empty(t, status.WaitingVersion)
}

func testLifecycleLastClientLeaves(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	old := g.proxy("v1")
	require.NoError(t, old.Lifecycle().Install(ctx))
	first := g.hub.Subscribe("v1")
	second := g.hub.Subscribe("v1")

	next := g.proxy("v2")
	require.NoError(t, next.Lifecycle().Install(ctx))

	g.hub.Unsubscribe(first)
	assert.Equal(t, PhaseInstalled, next.Lifecycle().Phase())

	g.hub.Unsubscribe(second)
	require.Eventually(t, func() bool {
		return next.Lifecycle().Phase() == PhaseActivated
	}, 2*time.Second, 10*time.Millisecond)
}

func testLifecycleGetVersion(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	p := g.proxy("v7")

	reply := make(chan Message, 1)
	p.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgGetVersion, Reply: reply})
	select {
	case msg := <-reply:
		assert.Equal(t, Message{Type: MsgVersionInfo, Version: "v7"}, msg)
	default:
		t.Fatal("expected a VERSION_INFO reply")
	}

	// a reply channel nobody reads must not block the handler
	full := make(chan Message)
	p.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgGetVersion, Reply: full})
	p.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgGetVersion})
}

func testLifecycleActivateWithoutInstall(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	p := g.proxy("v1")

	err := p.Lifecycle().Activate(ctx)
	require.ErrorIs(t, err, ErrNoPendingInstall)
	assert.Equal(t, PhaseParsed, p.Lifecycle().Phase())

	p.Lifecycle().HandleMessage(ctx, InboundMessage{Type: MsgSkipWaiting})
	assert.Equal(t, PhaseParsed, p.Lifecycle().Phase())
}

func testLifecycleFailedPrecache(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	g.net.route("https://app.test/app.js", &Response{Status: http.StatusInternalServerError, Header: http.Header{}})
	client := g.hub.Subscribe("")
	p := g.proxy("v1")

	err := p.Lifecycle().Install(ctx)
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, PhaseRedundant, p.Lifecycle().Phase())
	assert.Empty(t, drain(client))

	keys, err := p.Stores().Open(ctx, RoleStatic).Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "precache is all or nothing")

	g.net.route("https://app.test/app.js", testResponse("application/javascript", "app"))
	require.NoError(t, p.Lifecycle().Install(ctx))
	assert.Equal(t, PhaseActivated, p.Lifecycle().Phase())
}

func testLifecyclePurgesOldStores(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	old := g.proxy("v1")
	require.NoError(t, old.Lifecycle().Install(ctx))
	old.Stores().Open(ctx, RoleDynamic)

	next := g.proxy("v2")
	require.NoError(t, next.Lifecycle().Install(ctx))
	assert.Equal(t, PhaseActivated, next.Lifecycle().Phase())

	names, err := g.provider.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v2"}, names)
}

func testLifecycleInstallIdempotent(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	p := g.proxy("v1")
	require.NoError(t, p.Lifecycle().Install(ctx))
	calls := g.net.callsTo("https://app.test/app.js")

	require.NoError(t, p.Lifecycle().Install(ctx))
	assert.Equal(t, calls, g.net.callsTo("https://app.test/app.js"))
	require.NoError(t, p.Lifecycle().Activate(ctx))
}
