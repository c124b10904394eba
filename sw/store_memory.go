package sw

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStoreProvider keeps stores in process memory.
type MemoryStoreProvider struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryStoreProvider creates an empty provider.
func NewMemoryStoreProvider() *MemoryStoreProvider {
	return &MemoryStoreProvider{stores: make(map[string]*MemoryStore)}
}

func (p *MemoryStoreProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[name]; ok {
		return s, nil
	}
	s := NewMemoryStore(name)
	p.stores[name] = s
	return s, nil
}

func (p *MemoryStoreProvider) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stores[name]; !ok {
		return false, nil
	}
	delete(p.stores, name)
	return true, nil
}

func (p *MemoryStoreProvider) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.stores))
	for name := range p.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MemoryStore is a mutex-guarded map plus a write sequence.
type MemoryStore struct {
	name string
	seq  atomic.Uint64

	mu      sync.Mutex
	entries map[string]CachedEntry
}

// NewMemoryStore creates an empty standalone store. The manager also uses it
// as an ephemeral fallback when the configured provider fails.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, entries: make(map[string]CachedEntry)}
}

func (s *MemoryStore) Name() string { return s.name }

func (s *MemoryStore) Match(ctx context.Context, key string) (*CachedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrEntryNotFound
	}
	entry.Response = entry.Response.Clone()
	return &entry, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("%w: nil response for %s", ErrStoreWrite, key)
	}
	entry := CachedEntry{
		Key:      key,
		Response: resp.Clone(),
		StoredAt: time.Now().UTC(),
	}
	s.mu.Lock()
	entry.Seq = s.seq.Add(1)
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ordered := make([]CachedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	s.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })
	keys := make([]string, len(ordered))
	for i, e := range ordered {
		keys[i] = e.Key
	}
	return keys, nil
}
