package sw

import (
	"context"
	"errors"
	"net/http"
)

// document serves navigations from the cached root document and refreshes
// it in the background. Every navigation shares the one root entry: the
// cached page is the application shell.
func (p *Proxy) document(ctx context.Context, req *http.Request) (*Response, string) {
	store := p.stores.Open(ctx, RoleStatic)

	entry, err := store.Match(ctx, p.rootKey)
	if err == nil {
		p.revalidate(ctx, store, req)
		return entry.Response, "cache_hit"
	}
	if !errors.Is(err, ErrEntryNotFound) {
		p.logger.WarnContext(ctx, "cache read failed", "store", store.Name(), "key", p.rootKey, "error", err)
	}

	resp, err := p.fetch(ctx, req)
	if err != nil {
		p.logger.InfoContext(ctx, "document unavailable offline", "url", req.URL.String(), "error", err)
		return offlineDocumentResponse(), "offline"
	}
	if resp.Cacheable() {
		if err := store.Put(ctx, p.rootKey, resp); err != nil {
			p.logger.WarnContext(ctx, "cache write failed", "store", store.Name(), "key", p.rootKey, "error", err)
		}
	}
	return resp, "network"
}

// revalidate refreshes the root entry without the caller waiting. The work
// is detached from ctx so an aborted navigation still updates the cache, and
// concurrent navigations share a single fetch.
func (p *Proxy) revalidate(ctx context.Context, store Store, req *http.Request) {
	bg := context.WithoutCancel(ctx)
	refresh := req.Clone(bg)
	refresh.Body = http.NoBody

	p.goBackground(func() {
		_, _, _ = p.revalidations.Do(p.rootKey, func() (any, error) {
			fetchCtx, cancel := bg, context.CancelFunc(func() {})
			if p.revalidateTimeout > 0 {
				fetchCtx, cancel = context.WithTimeout(bg, p.revalidateTimeout)
			}
			defer cancel()

			resp, err := p.fetch(fetchCtx, refresh.WithContext(fetchCtx))
			if err != nil {
				p.logger.DebugContext(fetchCtx, "document revalidation failed", "key", p.rootKey, "error", err)
				return nil, nil
			}
			if !resp.Cacheable() {
				return nil, nil
			}
			if err := store.Put(fetchCtx, p.rootKey, resp); err != nil {
				p.logger.WarnContext(fetchCtx, "document revalidation write failed", "store", store.Name(), "error", err)
			}
			return nil, nil
		})
	})
}
