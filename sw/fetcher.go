package sw

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Fetcher performs the network half of a strategy. Any transport failure is
// returned wrapped in ErrNetworkUnavailable; an HTTP error status is a
// response, not an error. When the caller's context ends first, its bare
// ctx.Err() is returned instead.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPFetcher fetches with an http.Client. Timeout bounds each fetch; zero
// leaves the client and transport defaults in charge.
type HTTPFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPFetcher uses http.DefaultClient when client is nil.
func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, Timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	caller := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	out := req.Clone(ctx)
	out.RequestURI = ""
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewind body: %v", ErrNetworkUnavailable, err)
		}
		out.Body = body
	}

	resp, err := f.Client.Do(out)
	if err != nil {
		if cerr := caller.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, req.Method, req.URL, err)
	}
	snap, err := SnapshotResponse(resp)
	if err != nil {
		if cerr := caller.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: read body of %s: %v", ErrNetworkUnavailable, req.URL, err)
	}
	return snap, nil
}
