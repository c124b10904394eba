// store.go defines the cache store abstraction shared by every strategy.
//
// System fit:
//
//   - A Store is one named, versioned collection of request key → response
//     snapshot. Names embed the generation (static-v4), so a new deployment
//     writes to fresh stores while old ones wait to be purged.
//   - StoreProvider is the only way stores come into existence or go away.
//     The StoreManager is its sole caller; strategies only see Store.
//   - Entry order is insertion order of the latest write. Re-writing a key
//     moves it to the newest position. Reads never change order.
//
// Implementations:
//
//   - MemoryStoreProvider: process-local maps; tests and single-run setups.
//   - BlobStoreProvider: entries as JSON objects in a BlobStore (local disk
//     or S3), surviving restarts and shared across replicas.

package sw

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role is the logical purpose of a store.
type Role string

const (
	RoleStatic  Role = "static"
	RoleDynamic Role = "dynamic"
	RoleRuntime Role = "runtime"
)

// Roles lists every role the manager knows about.
var Roles = []Role{RoleStatic, RoleDynamic, RoleRuntime}

// CachedEntry is one stored response. Seq orders entries by write.
type CachedEntry struct {
	Key      string    `json:"key"`
	Response *Response `json:"response"`
	Seq      uint64    `json:"seq"`
	StoredAt time.Time `json:"stored_at"`
}

// Store is a single named cache. Match returns ErrEntryNotFound on miss and
// always hands back a copy the caller may mutate.
type Store interface {
	Name() string
	Match(ctx context.Context, key string) (*CachedEntry, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) error
	// Keys returns keys oldest-write first.
	Keys(ctx context.Context) ([]string, error)
}

// StoreProvider creates, enumerates and deletes stores by name.
type StoreProvider interface {
	Open(ctx context.Context, name string) (Store, error)
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
}

// StoreName joins role and generation into the external store name.
func StoreName(role Role, generation string) string {
	return fmt.Sprintf("%s-%s", role, generation)
}

// ParseStoreName splits a store name produced by StoreName. Names without a
// separator return ok=false.
func ParseStoreName(name string) (Role, string, bool) {
	role, generation, ok := strings.Cut(name, "-")
	if !ok || role == "" || generation == "" {
		return "", "", false
	}
	return Role(role), generation, true
}
