package sw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// networkFirst serves remote API calls. The dynamic store is only read when
// the network is unreachable; an HTTP error from the API is returned as is.
func (p *Proxy) networkFirst(ctx context.Context, req *http.Request, desc RequestDescriptor) (*Response, string) {
	store := p.stores.Open(ctx, RoleDynamic)
	key := desc.Key()

	resp, err := p.fetch(ctx, req)
	if err == nil {
		switch {
		case !resp.Cacheable():
			return resp, "uncached"
		case resp.IsHTML():
			p.logger.WarnContext(ctx, "refusing to cache html api response", "key", key,
				"error", fmt.Errorf("%w: got %s", ErrContentMismatch, resp.MediaType()))
			return resp, "refused"
		}
		p.writeThrough(ctx, store, key, resp)
		return resp, "network"
	}

	entry, merr := store.Match(ctx, key)
	if merr == nil {
		p.logger.InfoContext(ctx, "serving stale api response", "store", store.Name(), "key", key, "error", err)
		return entry.Response, "stale"
	}
	if !errors.Is(merr, ErrEntryNotFound) {
		p.logger.WarnContext(ctx, "cache read failed", "store", store.Name(), "key", key, "error", merr)
	}
	return offlineJSONResponse(), "offline"
}
