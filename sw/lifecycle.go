// lifecycle.go moves one proxy generation from parsed to activated and
// tells clients about it.
//
// Phases:
//
//	parsed -> installing -> installed (waiting) -> activating -> activated
//	installing -> redundant (core file fetch or write failed; Install may retry)
//
// System fit:
//
//   - Install precaches the core files into this generation's static store,
//     records the generation as waiting and broadcasts UPDATE_AVAILABLE.
//   - A waiting generation activates right away when nothing else is active
//     or no connected client is bound to an older generation. Otherwise it
//     waits for SKIP_WAITING, an explicit Activate, or the last old client
//     to disconnect. SKIP_WAITING received during the install is kept and
//     applied once the install completes.
//   - Activate purges every store of other generations, records the
//     generation as active, broadcasts UPDATE_AVAILABLE again and claims
//     every connected client.
//   - Both transitions hold the transition lease for the scope, and the
//     lifecycle record is updated with CAS retry.

package sw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// LifecyclePhase is the install state of this proxy generation.
type LifecyclePhase string

const (
	PhaseParsed     LifecyclePhase = "parsed"
	PhaseInstalling LifecyclePhase = "installing"
	PhaseInstalled  LifecyclePhase = "installed"
	PhaseActivating LifecyclePhase = "activating"
	PhaseActivated  LifecyclePhase = "activated"
	PhaseRedundant  LifecyclePhase = "redundant"
)

const defaultLifecycleScope = "default"

// LifecycleConfig wires a Lifecycle. CoreFiles are absolute URLs.
type LifecycleConfig struct {
	Version   string
	Scope     string
	CoreFiles []string
	Stores    *StoreManager
	Fetcher   Fetcher
	Hub       *Hub
	State     LifecycleStateStore
	Leases    TransitionLeaseManager
	LeaseTTL  time.Duration
	Logger    *slog.Logger
	Metrics   AppMetrics
	// Spawn runs background activations; defaults to a bare goroutine.
	Spawn func(func())
}

// Lifecycle is the version and update notifier for one generation.
type Lifecycle struct {
	version   string
	scope     string
	coreFiles []string
	stores    *StoreManager
	fetcher   Fetcher
	hub       *Hub
	state     LifecycleStateStore
	leases    TransitionLeaseManager
	leaseTTL  time.Duration
	logger    *slog.Logger
	metrics   AppMetrics
	spawn     func(func())

	// transition serializes Install and Activate within the process.
	transition sync.Mutex

	mu    sync.Mutex
	phase LifecyclePhase
	// skipWaiting is set by SKIP_WAITING while an install is in flight.
	skipWaiting bool
}

func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	lc := &Lifecycle{
		version:   cfg.Version,
		scope:     cfg.Scope,
		coreFiles: append([]string(nil), cfg.CoreFiles...),
		stores:    cfg.Stores,
		fetcher:   cfg.Fetcher,
		hub:       cfg.Hub,
		state:     cfg.State,
		leases:    cfg.Leases,
		leaseTTL:  cfg.LeaseTTL,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		spawn:     cfg.Spawn,
		phase:     PhaseParsed,
	}
	if lc.scope == "" {
		lc.scope = defaultLifecycleScope
	}
	if lc.state == nil {
		lc.state = NewMemoryLifecycleStateStore()
	}
	if lc.leases == nil {
		lc.leases = NewInMemoryTransitionLeaseManager()
	}
	if lc.logger == nil {
		lc.logger = slog.Default()
	}
	if lc.metrics == nil {
		lc.metrics = NoopAppMetrics{}
	}
	if lc.spawn == nil {
		lc.spawn = func(fn func()) { go fn() }
	}
	if lc.hub != nil {
		lc.hub.OnDisconnect(lc.clientLeft)
	}
	return lc
}

// Version returns the generation this lifecycle manages.
func (lc *Lifecycle) Version() string { return lc.version }

// Phase returns the current phase.
func (lc *Lifecycle) Phase() LifecyclePhase {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.phase
}

func (lc *Lifecycle) setPhase(phase LifecyclePhase) {
	lc.mu.Lock()
	lc.phase = phase
	lc.mu.Unlock()
}

// Install precaches the core files and records this generation as waiting.
// Calling it again after a successful install is a no-op.
func (lc *Lifecycle) Install(ctx context.Context) error {
	lc.transition.Lock()
	defer lc.transition.Unlock()

	switch lc.Phase() {
	case PhaseInstalled, PhaseActivating, PhaseActivated:
		return nil
	}
	lc.setPhase(PhaseInstalling)
	lc.logger.InfoContext(ctx, "installing", "version", lc.version, "core_files", len(lc.coreFiles))

	if err := lc.precache(ctx); err != nil {
		lc.takeSkipWaiting()
		lc.setPhase(PhaseRedundant)
		lc.metrics.RecordLifecycle("install", lc.version, err)
		lc.logger.ErrorContext(ctx, "install failed", "version", lc.version, "error", err)
		return err
	}

	var previous string
	err := lc.withLease(ctx, func(ctx context.Context) error {
		_, err := lc.updateState(ctx, func(s *LifecycleState) {
			previous = s.ActiveVersion
			s.WaitingVersion = lc.version
			s.InstalledAt = time.Now().UTC()
		})
		return err
	})
	if err != nil {
		lc.takeSkipWaiting()
		lc.setPhase(PhaseRedundant)
		err = fmt.Errorf("%w: record waiting version: %v", ErrInstallFailed, err)
		lc.metrics.RecordLifecycle("install", lc.version, err)
		lc.logger.ErrorContext(ctx, "install failed", "version", lc.version, "error", err)
		return err
	}

	lc.setPhase(PhaseInstalled)
	lc.metrics.RecordLifecycle("install", lc.version, nil)
	lc.broadcast(Message{Type: MsgUpdateAvailable, Version: lc.version})

	if lc.takeSkipWaiting() || previous == "" || previous == lc.version || lc.oldClients() == 0 {
		return lc.activateLocked(ctx)
	}
	lc.logger.InfoContext(ctx, "installed, waiting for old clients", "version", lc.version, "active", previous, "old_clients", lc.oldClients())
	return nil
}

func (lc *Lifecycle) takeSkipWaiting() bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	skip := lc.skipWaiting
	lc.skipWaiting = false
	return skip
}

// precache fetches every core file before writing any, so a failed fetch
// leaves the static store untouched.
func (lc *Lifecycle) precache(ctx context.Context) error {
	if len(lc.coreFiles) == 0 {
		return nil
	}
	fetched := make([]*Response, len(lc.coreFiles))
	for i, rawURL := range lc.coreFiles {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, err)
		}
		resp, err := lc.fetcher.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, err)
		}
		if !resp.Cacheable() {
			return fmt.Errorf("%w: %s: status %d", ErrInstallFailed, rawURL, resp.Status)
		}
		fetched[i] = resp
	}

	store := lc.stores.Open(ctx, RoleStatic)
	for i, rawURL := range lc.coreFiles {
		key := RequestDescriptor{Method: http.MethodGet, URL: rawURL}.Key()
		if err := store.Put(ctx, key, fetched[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrInstallFailed, err)
		}
	}
	return nil
}

// Activate makes the installed generation the active one. Without a waiting
// install it returns ErrNoPendingInstall; when already active it is a no-op.
func (lc *Lifecycle) Activate(ctx context.Context) error {
	lc.transition.Lock()
	defer lc.transition.Unlock()
	return lc.activateLocked(ctx)
}

func (lc *Lifecycle) activateLocked(ctx context.Context) error {
	switch lc.Phase() {
	case PhaseActivated:
		return nil
	case PhaseInstalled:
	default:
		return ErrNoPendingInstall
	}
	lc.setPhase(PhaseActivating)

	err := lc.withLease(ctx, func(ctx context.Context) error {
		if _, err := lc.stores.PurgeStale(ctx, lc.version); err != nil {
			lc.logger.WarnContext(ctx, "stale store purge incomplete", "version", lc.version, "error", err)
		}
		_, err := lc.updateState(ctx, func(s *LifecycleState) {
			s.ActiveVersion = lc.version
			if s.WaitingVersion == lc.version {
				s.WaitingVersion = ""
			}
			s.ActivatedAt = time.Now().UTC()
		})
		return err
	})
	if err != nil {
		lc.setPhase(PhaseInstalled)
		lc.metrics.RecordLifecycle("activate", lc.version, err)
		lc.logger.ErrorContext(ctx, "activate failed", "version", lc.version, "error", err)
		return fmt.Errorf("activate %s: %w", lc.version, err)
	}

	lc.setPhase(PhaseActivated)
	lc.metrics.RecordLifecycle("activate", lc.version, nil)
	lc.broadcast(Message{Type: MsgUpdateAvailable, Version: lc.version})
	claimed := 0
	if lc.hub != nil {
		claimed = lc.hub.Claim(lc.version)
	}
	lc.logger.InfoContext(ctx, "activated", "version", lc.version, "claimed_clients", claimed)
	return nil
}

// HandleMessage processes one inbound control message.
func (lc *Lifecycle) HandleMessage(ctx context.Context, msg InboundMessage) {
	switch msg.Type {
	case MsgSkipWaiting:
		lc.mu.Lock()
		phase := lc.phase
		if phase == PhaseInstalling {
			lc.skipWaiting = true
		}
		lc.mu.Unlock()
		if phase != PhaseInstalled {
			return
		}
		if err := lc.Activate(ctx); err != nil && !errors.Is(err, ErrNoPendingInstall) {
			lc.logger.WarnContext(ctx, "skip waiting failed", "version", lc.version, "error", err)
		}
	case MsgGetVersion:
		if msg.Reply == nil {
			return
		}
		select {
		case msg.Reply <- Message{Type: MsgVersionInfo, Version: lc.version}:
		default:
			lc.logger.DebugContext(ctx, "version reply dropped", "version", lc.version)
		}
	default:
		lc.logger.DebugContext(ctx, "ignoring unknown message", "type", string(msg.Type))
	}
}

// LifecycleStatus is the externally visible lifecycle view.
type LifecycleStatus struct {
	Version        string         `json:"version"`
	Phase          LifecyclePhase `json:"phase"`
	ActiveVersion  string         `json:"active_version"`
	WaitingVersion string         `json:"waiting_version,omitempty"`
	Clients        int            `json:"clients"`
	OldClients     int            `json:"old_clients"`
}

func (lc *Lifecycle) Status(ctx context.Context) (LifecycleStatus, error) {
	status := LifecycleStatus{Version: lc.version, Phase: lc.Phase(), OldClients: lc.oldClients()}
	if lc.hub != nil {
		status.Clients = lc.hub.Len()
	}
	doc, err := lc.state.Get(ctx, lc.scope)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return status, nil
		}
		return status, err
	}
	status.ActiveVersion = doc.State.ActiveVersion
	status.WaitingVersion = doc.State.WaitingVersion
	return status, nil
}

// clientLeft activates a waiting install once no client is bound to an
// older generation.
func (lc *Lifecycle) clientLeft(*Client) {
	if lc.Phase() != PhaseInstalled || lc.oldClients() > 0 {
		return
	}
	lc.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTransitionLeaseTTL)
		defer cancel()
		if err := lc.Activate(ctx); err != nil && !errors.Is(err, ErrNoPendingInstall) {
			lc.logger.WarnContext(ctx, "activation after last old client left failed", "version", lc.version, "error", err)
		}
	})
}

func (lc *Lifecycle) oldClients() int {
	if lc.hub == nil {
		return 0
	}
	return lc.hub.CountBoundElsewhere(lc.version)
}

func (lc *Lifecycle) broadcast(msg Message) {
	if lc.hub != nil {
		lc.hub.Broadcast(msg)
	}
}

// withLease runs fn while holding the transition lease. fn's context ends
// early if the lease is lost, and the loss is returned as the error.
func (lc *Lifecycle) withLease(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := lc.acquireTransitionLease(ctx)
	if err != nil {
		return err
	}
	held, stop := lc.holdTransitionLease(ctx, lease)
	defer func() {
		stop()
		if err := lc.leases.Release(context.Background(), lease); err != nil {
			lc.logger.WarnContext(ctx, "transition lease release failed", "scope", lc.scope, "error", err)
		}
	}()

	err = fn(held)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(held); cause != nil && held.Err() != nil {
			return cause
		}
	}
	return err
}

func (lc *Lifecycle) updateState(ctx context.Context, mutate func(*LifecycleState)) (LifecycleState, error) {
	var out LifecycleState
	stats, err := runWithCASRetry(ctx, "lifecycle_state", defaultCASRetries, func() error {
		var (
			state    LifecycleState
			expected string
		)
		doc, err := lc.state.Get(ctx, lc.scope)
		switch {
		case err == nil:
			state, expected = doc.State, doc.Version
		case !errors.Is(err, ErrStateNotFound):
			return err
		}
		mutate(&state)
		if _, err := lc.state.UpsertIfMatch(ctx, lc.scope, state, expected); err != nil {
			return err
		}
		out = state
		return nil
	})
	if stats.ConflictCount > 0 {
		lc.logger.DebugContext(ctx, "lifecycle state conflicts", "scope", lc.scope, "conflicts", stats.ConflictCount, "success", stats.Success)
	}
	return out, err
}
