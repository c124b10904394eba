package sw

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingQueueSlot struct {
	*MemoryQueueSlot
}

func (failingQueueSlot) Read(ctx context.Context) ([]byte, error) {
	return nil, errors.New("storage quota exceeded")
}

func TestSyncBridge(t *testing.T) {
	t.Run("unknown_tag_is_ignored", testSyncBridgeUnknownTag)
	t.Run("empty_queue_emits_nothing", testSyncBridgeEmptyQueue)
	t.Run("queued_items_announced", testSyncBridgeQueued)
	t.Run("host_items_forwarded_verbatim", testSyncBridgeHostItems)
	t.Run("malformed_queue_reports_error", testSyncBridgeMalformed)
	t.Run("read_failure_reports_error", testSyncBridgeReadFailure)
	t.Run("custom_tags", testSyncBridgeCustomTags)
}

func newTestBridge(slot QueueSlot) (*SyncBridge, *Client, *InMemAppMetrics) {
	hub := NewHub(8)
	client := hub.Subscribe("v1")
	metrics := NewInMemAppMetrics()
	return NewSyncBridge(slot, hub, nil, nil, metrics), client, metrics
}

func testSyncBridgeUnknownTag(t *testing.T) {
	slot := NewMemoryQueueSlot()
	require.NoError(t, slot.Append(context.Background(), NewSyncQueueItem(json.RawMessage(`1`))))
	bridge, client, metrics := newTestBridge(slot)

	report := bridge.OnConnectivityRestored(context.Background(), "periodic-refresh")
	assert.False(t, report.Known)
	assert.Empty(t, drain(client))
	assert.Empty(t, metrics.Snapshot().SyncStats)
}

func testSyncBridgeEmptyQueue(t *testing.T) {
	for _, raw := range []string{"", "[]", "null"} {
		slot := NewMemoryQueueSlot()
		if raw != "" {
			slot.Set([]byte(raw))
		}
		bridge, client, metrics := newTestBridge(slot)

		report := bridge.OnConnectivityRestored(context.Background(), DefaultSyncTag)
		assert.True(t, report.Known)
		assert.Zero(t, report.Queued)
		assert.Empty(t, report.Error)
		assert.Empty(t, drain(client), "raw=%q", raw)
		assert.EqualValues(t, 1, metrics.Snapshot().SyncStats[DefaultSyncTag].EmptyCount)
	}
}

func testSyncBridgeQueued(t *testing.T) {
	ctx := context.Background()
	slot := NewMemoryQueueSlot()
	first := NewSyncQueueItem(json.RawMessage(`{"op":"create"}`))
	second := NewSyncQueueItem(json.RawMessage(`{"op":"update"}`))
	require.NoError(t, slot.Append(ctx, first))
	require.NoError(t, slot.Append(ctx, second))
	before, err := slot.Read(ctx)
	require.NoError(t, err)

	bridge, client, _ := newTestBridge(slot)
	report := bridge.OnConnectivityRestored(ctx, DefaultSyncTag)
	assert.Equal(t, 2, report.Queued)

	msgs := drain(client)
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgSyncStarted, msgs[0].Type)
	assert.Equal(t, 2, msgs[0].Count)
	assert.Equal(t, MsgSyncNeeded, msgs[1].Type)
	require.Len(t, msgs[1].Queue, 2)
	var got []SyncQueueItem
	for _, raw := range msgs[1].Queue {
		var item SyncQueueItem
		require.NoError(t, json.Unmarshal(raw, &item))
		got = append(got, item)
	}
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)

	after, err := slot.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the bridge never mutates the queue")
}

func testSyncBridgeHostItems(t *testing.T) {
	host := `{"type":"workout.save","data":{"reps":12},"timestamp":1700000000}`
	slot := NewMemoryQueueSlot()
	slot.Set([]byte(`[` + host + `,"bare string"]`))
	bridge, client, _ := newTestBridge(slot)

	report := bridge.OnConnectivityRestored(context.Background(), DefaultSyncTag)
	assert.Equal(t, 2, report.Queued)

	msgs := drain(client)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Queue, 2)
	assert.JSONEq(t, host, string(msgs[1].Queue[0]))
	assert.JSONEq(t, `"bare string"`, string(msgs[1].Queue[1]))

	wire, err := json.Marshal(msgs[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SYNC_NEEDED","queue":[`+host+`,"bare string"]}`, string(wire))
}

func testSyncBridgeMalformed(t *testing.T) {
	slot := NewMemoryQueueSlot()
	slot.Set([]byte(`{"not":"an array"`))
	bridge, client, metrics := newTestBridge(slot)

	report := bridge.OnConnectivityRestored(context.Background(), DefaultSyncTag)
	assert.NotEmpty(t, report.Error)

	msgs := drain(client)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgSyncError, msgs[0].Type)
	assert.NotEmpty(t, msgs[0].Message)
	assert.EqualValues(t, 1, metrics.Snapshot().SyncStats[DefaultSyncTag].ErrorCount)
}

func testSyncBridgeReadFailure(t *testing.T) {
	bridge, client, _ := newTestBridge(failingQueueSlot{NewMemoryQueueSlot()})

	report := bridge.OnConnectivityRestored(context.Background(), DefaultSyncTag)
	assert.Contains(t, report.Error, "storage quota exceeded")

	msgs := drain(client)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgSyncError, msgs[0].Type)
}

func testSyncBridgeCustomTags(t *testing.T) {
	bridge := NewSyncBridge(NewMemoryQueueSlot(), NewHub(0), []string{" outbox ", ""}, nil, nil)
	assert.True(t, bridge.Handles("outbox"))
	assert.False(t, bridge.Handles(DefaultSyncTag))
}
