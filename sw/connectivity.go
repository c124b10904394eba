package sw

import (
	"errors"
	"sync"
	"time"
)

// connectivityTracker follows fetch outcomes. Only transport failures count
// as offline; an HTTP 500 still proves the network is up. Any other error,
// such as the caller abandoning the request, says nothing either way.
type connectivityTracker struct {
	mu        sync.Mutex
	online    bool
	changedAt time.Time
}

func newConnectivityTracker() *connectivityTracker {
	return &connectivityTracker{online: true, changedAt: time.Now().UTC()}
}

// observe records one fetch outcome and reports whether it moved the state
// from offline to online.
func (c *connectivityTracker) observe(fetchErr error) bool {
	if fetchErr != nil && !errors.Is(fetchErr, ErrNetworkUnavailable) {
		return false
	}
	online := fetchErr == nil

	c.mu.Lock()
	defer c.mu.Unlock()
	if online == c.online {
		return false
	}
	c.online = online
	c.changedAt = time.Now().UTC()
	return online
}

func (c *connectivityTracker) state() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online, c.changedAt
}
