package sw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// cacheFirst serves static assets. An HTML entry under a static key is a
// fallback page that was cached by mistake; it is deleted and refetched.
func (p *Proxy) cacheFirst(ctx context.Context, req *http.Request, desc RequestDescriptor) (*Response, string) {
	store := p.stores.Open(ctx, RoleStatic)
	key := desc.Key()

	outcome := "network"
	entry, err := store.Match(ctx, key)
	switch {
	case err == nil && entry.Response.IsHTML():
		p.logger.WarnContext(ctx, "evicting poisoned static entry", "store", store.Name(), "key", key,
			"error", fmt.Errorf("%w: cached %s", ErrContentMismatch, entry.Response.MediaType()))
		if err := store.Delete(ctx, key); err != nil {
			p.logger.WarnContext(ctx, "poisoned entry delete failed", "store", store.Name(), "key", key, "error", err)
		}
		outcome = "poisoned"
	case err == nil:
		return entry.Response, "cache_hit"
	case !errors.Is(err, ErrEntryNotFound):
		p.logger.WarnContext(ctx, "cache read failed", "store", store.Name(), "key", key, "error", err)
	}

	resp, err := p.fetch(ctx, req)
	if err != nil {
		p.logger.InfoContext(ctx, "static asset unavailable offline", "key", key, "error", err)
		return offlineTextResponse(), "offline"
	}
	if !resp.Cacheable() {
		return resp, "uncached"
	}
	if resp.IsHTML() {
		p.logger.WarnContext(ctx, "refusing to cache html for static key", "key", key,
			"error", fmt.Errorf("%w: got %s", ErrContentMismatch, resp.MediaType()))
		return resp, "refused"
	}

	p.writeThrough(ctx, store, key, resp)
	return resp, outcome
}

// writeThrough stores resp and trims the store. Failures only get logged.
func (p *Proxy) writeThrough(ctx context.Context, store Store, key string, resp *Response) {
	if err := store.Put(ctx, key, resp); err != nil {
		p.logger.WarnContext(ctx, "cache write failed", "store", store.Name(), "key", key, "error", err)
		return
	}
	p.stores.Trim(ctx, store)
}
