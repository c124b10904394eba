package sw

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalBlobStore keeps blobs as files under Root. Versions are the sha256 of
// the content, so a rewrite with identical bytes keeps its version.
type LocalBlobStore struct {
	Root string

	// mu makes the version check and write in PutIfMatch atomic within
	// this process.
	mu sync.Mutex
}

func NewLocalBlobStore(root string) *LocalBlobStore {
	return &LocalBlobStore{Root: root}
}

// path maps key under Root. Keys that would escape Root are rejected.
func (l *LocalBlobStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(l.Root, clean), nil
}

// read returns the content and metadata of key.
func (l *LocalBlobStore) read(key string) ([]byte, *BlobObjectInfo, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", key, err)
	}
	data := make([]byte, stat.Size())
	if _, err := f.ReadAt(data, 0); err != nil && stat.Size() > 0 {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, &BlobObjectInfo{
		Key:       key,
		Version:   contentSHA256(data),
		UpdatedAt: stat.ModTime().UTC(),
		Size:      stat.Size(),
	}, nil
}

func (l *LocalBlobStore) Head(ctx context.Context, key string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, info, err := l.read(key)
	return info, err
}

func (l *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, *BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return l.read(key)
}

func (l *LocalBlobStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedVersion string) (*BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest, err := l.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if expectedVersion != "" {
		_, current, err := l.read(key)
		switch {
		case errors.Is(err, ErrBlobNotFound):
			return nil, fmt.Errorf("%w: %s does not exist", ErrBlobVersionMismatch, key)
		case err != nil:
			return nil, err
		case current.Version != expectedVersion:
			return nil, fmt.Errorf("%w: %s", ErrBlobVersionMismatch, key)
		}
	}

	if err := writeFileAtomic(dest, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	stat, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &BlobObjectInfo{
		Key:       key,
		Version:   contentSHA256(data),
		UpdatedAt: stat.ModTime().UTC(),
		Size:      int64(len(data)),
	}, nil
}

// Delete removes key. A missing file is not an error.
func (l *LocalBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List walks Root for keys starting with prefix. Versions in the listing
// are mtime and size, which is enough to notice a change without hashing
// every object; they are not comparable with Head versions.
func (l *LocalBlobStore) List(ctx context.Context, prefix string) ([]BlobObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]BlobObjectInfo, 0)
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// a missing root or a directory purged mid-walk
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || isTempBlob(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(l.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		items = append(items, BlobObjectInfo{
			Key:       key,
			Version:   fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size()),
			UpdatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// isTempBlob matches the in-flight files of writeFileAtomic.
func isTempBlob(name string) bool {
	return strings.Contains(name, ".tmp-")
}
