package sw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/mikills/swcore/sw/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueSlot(t *testing.T) {
	runQueueSlotTests(t, func(t *testing.T) QueueSlot {
		return NewMemoryQueueSlot()
	})
}

func TestQueueSlotAppendKeepsHostItems(t *testing.T) {
	ctx := context.Background()
	host := `{"type":"workout.save","data":{"reps":12},"timestamp":1700000000}`
	slot := NewMemoryQueueSlot()
	slot.Set([]byte("[" + host + "]"))

	require.NoError(t, slot.Append(ctx, NewSyncQueueItem(json.RawMessage(`1`))))

	raw, err := slot.Read(ctx)
	require.NoError(t, err)
	items, err := ParseSyncQueue(raw)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, host, string(items[0]))
}

func TestRedisQueueSlot(t *testing.T) {
	runQueueSlotTests(t, func(t *testing.T) QueueSlot {
		_, client := testutil.StartMiniRedis(t)
		slot, err := NewRedisQueueSlot(client, "")
		require.NoError(t, err)
		return slot
	})
}

func TestBlobQueueSlot(t *testing.T) {
	runQueueSlotTests(t, func(t *testing.T) QueueSlot {
		return NewBlobQueueSlot(NewLocalBlobStore(t.TempDir()), "")
	})
}

func TestParseSyncQueue(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		count   int
		wantErr bool
	}{
		{name: "absent", raw: "", count: 0},
		{name: "null", raw: " null ", count: 0},
		{name: "empty_array", raw: "[]", count: 0},
		{name: "items", raw: `[{"id":"a","payload":{"x":1}},{"id":"b","payload":"y"}]`, count: 2},
		{name: "host_shaped_items", raw: `[{"type":"workout.save","data":{"reps":12}},42,"note"]`, count: 3},
		{name: "object_is_invalid", raw: `{"id":"a"}`, wantErr: true},
		{name: "truncated", raw: `[{"id":`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items, err := ParseSyncQueue([]byte(tc.raw))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrQueueRead)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, items)
			assert.Len(t, items, tc.count)
		})
	}
}

func runQueueSlotTests(t *testing.T, newSlot func(t *testing.T) QueueSlot) {
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T, slot QueueSlot)
	}{
		{
			name: "empty_slot_reads_nil",
			run: func(t *testing.T, slot QueueSlot) {
				raw, err := slot.Read(ctx)
				require.NoError(t, err)
				assert.Empty(t, raw)
			},
		},
		{
			name: "append_preserves_order",
			run: func(t *testing.T, slot QueueSlot) {
				first := NewSyncQueueItem(json.RawMessage(`{"op":"create","id":1}`))
				second := NewSyncQueueItem(json.RawMessage(`{"op":"delete","id":1}`))
				require.NoError(t, slot.Append(ctx, first))
				require.NoError(t, slot.Append(ctx, second))

				raw, err := slot.Read(ctx)
				require.NoError(t, err)
				items, err := ParseSyncQueue(raw)
				require.NoError(t, err)
				require.Len(t, items, 2)
				var got []SyncQueueItem
				require.NoError(t, json.Unmarshal(raw, &got))
				require.Len(t, got, 2)
				assert.Equal(t, first.ID, got[0].ID)
				assert.JSONEq(t, `{"op":"delete","id":1}`, string(got[1].Payload))
			},
		},
		{
			name: "clear",
			run: func(t *testing.T, slot QueueSlot) {
				require.NoError(t, slot.Append(ctx, NewSyncQueueItem(json.RawMessage(`1`))))
				require.NoError(t, slot.Clear(ctx))
				require.NoError(t, slot.Clear(ctx))

				raw, err := slot.Read(ctx)
				require.NoError(t, err)
				items, err := ParseSyncQueue(raw)
				require.NoError(t, err)
				assert.Empty(t, items)
			},
		},
		{
			name: "concurrent_appends",
			run: func(t *testing.T, slot QueueSlot) {
				const writers = 4
				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						errs <- slot.Append(ctx, NewSyncQueueItem(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}

				raw, err := slot.Read(ctx)
				require.NoError(t, err)
				items, err := ParseSyncQueue(raw)
				require.NoError(t, err)
				assert.Len(t, items, writers)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newSlot(t))
		})
	}
}
