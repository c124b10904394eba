package sw

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBlobStorePrefix = "stores/"
	storeMarkerObject      = ".store"
	storeEntriesDir        = "entries/"

	// encoded keys are split into path segments so no segment exceeds the
	// file name limit of a local filesystem.
	blobKeySegmentLen = 128
	// S3 rejects object keys longer than this.
	maxBlobObjectKeyLen = 1024
)

// BlobStoreProvider persists stores in a BlobStore.
//
// Layout under Prefix:
//
//	<store>/.store                                  marker, lists the store
//	<store>/entries/<base64url(key)>/<seq>.json     one CachedEntry per write
//
// A write lands as a new seq object before older seq objects of the same key
// are removed, so a reader never sees a key vanish during an overwrite.
//
// Names lists every store root holding any object, marker or not. A replica
// still writing into a store another replica purged leaves entries without
// a marker; they stay listed and the next purge removes them.
type BlobStoreProvider struct {
	Blob   BlobStore
	Prefix string

	mu     sync.Mutex
	stores map[string]*BlobCacheStore
}

// NewBlobStoreProvider creates a provider rooted at prefix ("stores/" when empty).
func NewBlobStoreProvider(blob BlobStore, prefix string) *BlobStoreProvider {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultBlobStorePrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobStoreProvider{
		Blob:   blob,
		Prefix: prefix,
		stores: make(map[string]*BlobCacheStore),
	}
}

func (p *BlobStoreProvider) storeRoot(name string) string {
	return p.Prefix + name + "/"
}

func (p *BlobStoreProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid store name %q", name)
	}

	marker := p.storeRoot(name) + storeMarkerObject
	if _, err := p.Blob.Head(ctx, marker); err != nil {
		if !errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("open store %s: %w", name, err)
		}
		if _, err := p.Blob.PutIfMatch(ctx, marker, []byte(name), ""); err != nil {
			return nil, fmt.Errorf("create store %s: %w", name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[name]; ok {
		return s, nil
	}
	s := &BlobCacheStore{name: name, blob: p.Blob, root: p.storeRoot(name)}
	p.stores[name] = s
	return s, nil
}

// Delete removes every entry and then the marker, so a partially deleted
// store is still listed and the next purge finishes the job.
func (p *BlobStoreProvider) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	root := p.storeRoot(name)
	items, err := p.Blob.List(ctx, root)
	if err != nil {
		return false, fmt.Errorf("list store %s: %w", name, err)
	}
	if len(items) == 0 {
		return false, nil
	}

	marker := root + storeMarkerObject
	for _, item := range items {
		if item.Key == marker {
			continue
		}
		if err := p.Blob.Delete(ctx, item.Key); err != nil {
			return false, fmt.Errorf("delete %s: %w", item.Key, err)
		}
	}
	if err := p.Blob.Delete(ctx, marker); err != nil {
		return false, fmt.Errorf("delete %s: %w", marker, err)
	}

	p.mu.Lock()
	delete(p.stores, name)
	p.mu.Unlock()
	return true, nil
}

func (p *BlobStoreProvider) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := p.Blob.List(ctx, p.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	seen := make(map[string]struct{})
	names := make([]string, 0)
	for _, item := range items {
		rest := strings.TrimPrefix(item.Key, p.Prefix)
		name, obj, ok := strings.Cut(rest, "/")
		if !ok || obj == "" || name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// BlobCacheStore is one store inside a BlobStoreProvider.
type BlobCacheStore struct {
	name string
	blob BlobStore
	root string
	seq  atomic.Uint64
}

func (s *BlobCacheStore) Name() string { return s.name }

func encodeEntryKey(key string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(enc) <= blobKeySegmentLen {
		return enc
	}
	var b strings.Builder
	for len(enc) > blobKeySegmentLen {
		b.WriteString(enc[:blobKeySegmentLen])
		b.WriteByte('/')
		enc = enc[blobKeySegmentLen:]
	}
	b.WriteString(enc)
	return b.String()
}

func decodeEntryKey(enc string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.ReplaceAll(enc, "/", ""))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *BlobCacheStore) entryDir(key string) string {
	return s.root + storeEntriesDir + encodeEntryKey(key) + "/"
}

// nextSeq never goes backwards within a process and keeps increasing across
// restarts because it is seeded from the wall clock.
func (s *BlobCacheStore) nextSeq() uint64 {
	for {
		last := s.seq.Load()
		next := uint64(time.Now().UnixNano())
		if next <= last {
			next = last + 1
		}
		if s.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// parseSeqObject splits "<encoded key>/<seq>.json" (relative to the entries
// dir). Encoded segments never contain a dot.
func parseSeqObject(rel string) (string, uint64, bool) {
	idx := strings.LastIndex(rel, "/")
	if idx <= 0 {
		return "", 0, false
	}
	enc, file := rel[:idx], rel[idx+1:]
	digits, ok := strings.CutSuffix(file, ".json")
	if !ok {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return enc, seq, true
}

// versions lists the seq objects of one key, newest last.
func (s *BlobCacheStore) versions(ctx context.Context, key string) ([]string, []uint64, error) {
	dir := s.entryDir(key)
	items, err := s.blob.List(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	type version struct {
		object string
		seq    uint64
	}
	found := make([]version, 0, len(items))
	for _, item := range items {
		rel := strings.TrimPrefix(item.Key, dir)
		if strings.Contains(rel, "/") {
			// a longer key sharing this key's leading segments
			continue
		}
		digits, ok := strings.CutSuffix(rel, ".json")
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, version{object: item.Key, seq: seq})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	objects := make([]string, len(found))
	seqs := make([]uint64, len(found))
	for i, v := range found {
		objects[i] = v.object
		seqs[i] = v.seq
	}
	return objects, seqs, nil
}

func (s *BlobCacheStore) Match(ctx context.Context, key string) (*CachedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objects, _, err := s.versions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("match %s in %s: %w", key, s.name, err)
	}
	if len(objects) == 0 {
		return nil, ErrEntryNotFound
	}

	data, _, err := s.blob.Get(ctx, objects[len(objects)-1])
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			// superseded by a concurrent write between list and get
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("match %s in %s: %w", key, s.name, err)
	}

	var entry CachedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode entry %s in %s: %w", key, s.name, err)
	}
	if entry.Response == nil {
		return nil, ErrEntryNotFound
	}
	if entry.Response.Header == nil {
		entry.Response.Header = map[string][]string{}
	}
	return &entry, nil
}

func (s *BlobCacheStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("%w: nil response for %s", ErrStoreWrite, key)
	}

	seq := s.nextSeq()
	object := fmt.Sprintf("%s%020d.json", s.entryDir(key), seq)
	if len(object) > maxBlobObjectKeyLen {
		return fmt.Errorf("%w: key too long for blob store: %d bytes", ErrStoreWrite, len(key))
	}

	data, err := json.Marshal(CachedEntry{
		Key:      key,
		Response: resp,
		Seq:      seq,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrStoreWrite, key, err)
	}
	if _, err := s.blob.PutIfMatch(ctx, object, data, ""); err != nil {
		return fmt.Errorf("%w: %s in %s: %v", ErrStoreWrite, key, s.name, err)
	}

	objects, seqs, err := s.versions(ctx, key)
	if err != nil {
		return nil
	}
	for i, old := range objects {
		if seqs[i] >= seq {
			continue
		}
		_ = s.blob.Delete(ctx, old)
	}
	return nil
}

func (s *BlobCacheStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	objects, _, err := s.versions(ctx, key)
	if err != nil {
		return fmt.Errorf("delete %s in %s: %w", key, s.name, err)
	}
	for _, object := range objects {
		if err := s.blob.Delete(ctx, object); err != nil {
			return fmt.Errorf("delete %s in %s: %w", key, s.name, err)
		}
	}
	return nil
}

func (s *BlobCacheStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := s.root + storeEntriesDir
	items, err := s.blob.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list keys in %s: %w", s.name, err)
	}

	latest := make(map[string]uint64)
	for _, item := range items {
		enc, seq, ok := parseSeqObject(strings.TrimPrefix(item.Key, dir))
		if !ok {
			continue
		}
		if seq > latest[enc] {
			latest[enc] = seq
		}
	}

	type keySeq struct {
		key string
		seq uint64
	}
	ordered := make([]keySeq, 0, len(latest))
	for enc, seq := range latest {
		key, err := decodeEntryKey(enc)
		if err != nil {
			continue
		}
		ordered = append(ordered, keySeq{key: key, seq: seq})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	keys := make([]string, len(ordered))
	for i, ks := range ordered {
		keys[i] = ks.key
	}
	return keys, nil
}
