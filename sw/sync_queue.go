package sw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncQueueItem is one write the host recorded while offline. Payload is
// opaque to the proxy.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewSyncQueueItem stamps payload with a fresh id and the current time.
func NewSyncQueueItem(payload json.RawMessage) SyncQueueItem {
	return SyncQueueItem{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now().UTC()}
}

// QueueSlot is the single durable key holding the offline queue as a JSON
// array. The bridge only calls Read; Append and Clear belong to the host.
type QueueSlot interface {
	// Read returns the raw slot value, or nil when the slot is empty.
	Read(ctx context.Context) ([]byte, error)
	Append(ctx context.Context, item SyncQueueItem) error
	Clear(ctx context.Context) error
}

// ParseSyncQueue splits a slot value into its raw elements. Elements are
// returned verbatim whatever their shape; the host owns their schema. An
// absent or null value is an empty queue; anything that is not a JSON array
// is ErrQueueRead.
func ParseSyncQueue(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueRead, err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

func appendSyncQueue(raw []byte, item SyncQueueItem) ([]byte, error) {
	items, err := ParseSyncQueue(raw)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(append(items, encoded))
}

// MemoryQueueSlot keeps the queue in process memory.
type MemoryQueueSlot struct {
	mu  sync.Mutex
	raw []byte
}

func NewMemoryQueueSlot() *MemoryQueueSlot {
	return &MemoryQueueSlot{}
}

func (s *MemoryQueueSlot) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return nil, nil
	}
	return append([]byte(nil), s.raw...), nil
}

func (s *MemoryQueueSlot) Append(ctx context.Context, item SyncQueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := appendSyncQueue(s.raw, item)
	if err != nil {
		return err
	}
	s.raw = next
	return nil
}

func (s *MemoryQueueSlot) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = nil
	s.mu.Unlock()
	return nil
}

// Set replaces the raw slot value, as a host writing the key directly would.
func (s *MemoryQueueSlot) Set(raw []byte) {
	s.mu.Lock()
	s.raw = append([]byte(nil), raw...)
	s.mu.Unlock()
}
