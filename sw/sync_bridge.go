package sw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultSyncTag is the sync identifier fired when connectivity returns.
const DefaultSyncTag = "sync-offline-writes"

// SyncReport describes what one sync trigger did. It is informational: the
// host learns the outcome from the broadcast messages.
type SyncReport struct {
	Tag    string `json:"tag"`
	Known  bool   `json:"known"`
	Queued int    `json:"queued"`
	Error  string `json:"error,omitempty"`
}

// SyncBridge tells the host to replay its offline queue once connectivity is
// back. It reads the queue and never changes it; replay and removal are the
// host's job.
type SyncBridge struct {
	slot    QueueSlot
	hub     *Hub
	tags    map[string]struct{}
	logger  *slog.Logger
	metrics AppMetrics
}

// NewSyncBridge registers tags (DefaultSyncTag when empty).
func NewSyncBridge(slot QueueSlot, hub *Hub, tags []string, logger *slog.Logger, metrics AppMetrics) *SyncBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopAppMetrics{}
	}
	known := make(map[string]struct{})
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			known[tag] = struct{}{}
		}
	}
	if len(known) == 0 {
		known[DefaultSyncTag] = struct{}{}
	}
	return &SyncBridge{slot: slot, hub: hub, tags: known, logger: logger, metrics: metrics}
}

// Handles reports whether tag is a registered sync identifier.
func (b *SyncBridge) Handles(tag string) bool {
	_, ok := b.tags[tag]
	return ok
}

// OnConnectivityRestored handles a sync trigger. Unknown tags and an empty
// queue emit nothing. Otherwise SYNC_STARTED is followed by SYNC_NEEDED with
// the whole queue. A read or parse failure becomes SYNC_ERROR.
func (b *SyncBridge) OnConnectivityRestored(ctx context.Context, tag string) SyncReport {
	report := SyncReport{Tag: tag, Known: b.Handles(tag)}
	if !report.Known {
		b.logger.DebugContext(ctx, "ignoring unknown sync tag", "tag", tag)
		return report
	}

	items, err := b.readQueue(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "sync queue unreadable", "tag", tag, "error", err)
		report.Error = err.Error()
		b.hub.Broadcast(Message{Type: MsgSyncError, Message: err.Error()})
		b.metrics.RecordSync(tag, 0, err)
		return report
	}

	report.Queued = len(items)
	b.metrics.RecordSync(tag, len(items), nil)
	if len(items) == 0 {
		return report
	}

	b.hub.Broadcast(Message{Type: MsgSyncStarted, Count: len(items)})
	b.hub.Broadcast(Message{Type: MsgSyncNeeded, Queue: items})
	b.logger.InfoContext(ctx, "sync needed", "tag", tag, "count", len(items))
	return report
}

func (b *SyncBridge) readQueue(ctx context.Context) ([]json.RawMessage, error) {
	raw, err := b.slot.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueRead, err)
	}
	return ParseSyncQueue(raw)
}
