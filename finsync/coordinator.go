package finsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CoordinatorConfig tunes the steady-state sync loop.
type CoordinatorConfig struct {
	BackoffMin time.Duration // first retry delay, doubled per failure
	BackoffMax time.Duration // retry delay cap
	Debounce   time.Duration // batches rapid local writes into one trigger
}

// DefaultCoordinatorConfig returns the production tuning.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
		Debounce:   500 * time.Millisecond,
	}
}

// Coordinator owns the steady-state sync loop: a coalescing request set
// drained by a single worker goroutine. Triggers arriving while a pass runs
// are retained and picked up by the next pass, so at most one pass executes
// at a time by construction; that single-flight discipline is also what
// serializes access to the watermark and dependency state.
type Coordinator struct {
	syncers    map[SyncType]Syncer
	gate       *DependencyGate
	watermarks *WatermarkStore
	state      StateStore
	local      LocalStore
	network    NetworkState
	identity   Identity
	clock      Clock
	logger     *slog.Logger
	config     *CoordinatorConfig

	// Pause switches (atomic): callers can suspend sync activity
	// deterministically without tearing the worker down.
	uploadPaused   int32
	downloadPaused int32

	mu      sync.Mutex
	pending map[SyncType]struct{}
	closed  bool
	started bool

	kick   chan struct{}
	status *feed[SyncStatus]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator wires the coordinator over its collaborators. Call Start
// to launch the worker.
func NewCoordinator(
	syncers map[SyncType]Syncer,
	gate *DependencyGate,
	watermarks *WatermarkStore,
	state StateStore,
	local LocalStore,
	network NetworkState,
	identity Identity,
	clock Clock,
	config *CoordinatorConfig,
	logger *slog.Logger,
) *Coordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		syncers:    syncers,
		gate:       gate,
		watermarks: watermarks,
		state:      state,
		local:      local,
		network:    network,
		identity:   identity,
		clock:      clock,
		logger:     logger,
		config:     config,
		pending:    make(map[SyncType]struct{}),
		kick:       make(chan struct{}, 1),
		status:     newFeed(SyncStatus{Online: network.IsOnline()}),
	}
}

// Start launches the worker and the network/local-change watchers. The
// coordinator runs until Close or until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.worker(ctx)
	go c.watch(ctx)
	return nil
}

// Close stops the worker; the in-flight pass (if any) is cancelled.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// TriggerSync enqueues t into the pending set. Re-adding an already-pending
// type is a no-op; duplicates coalesce into one processing in the next pass.
func (c *Coordinator) TriggerSync(t SyncType) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[t] = struct{}{}
	n := len(c.pending)
	c.mu.Unlock()

	c.status.update(func(s *SyncStatus) { s.PendingCount = n })

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// PauseUploads suspends the upload half of every pass until ResumeUploads.
func (c *Coordinator) PauseUploads() { atomic.StoreInt32(&c.uploadPaused, 1) }

// ResumeUploads resumes upload activity.
func (c *Coordinator) ResumeUploads() { atomic.StoreInt32(&c.uploadPaused, 0) }

// PauseDownloads suspends the download half of every pass until
// ResumeDownloads.
func (c *Coordinator) PauseDownloads() { atomic.StoreInt32(&c.downloadPaused, 1) }

// ResumeDownloads resumes download activity.
func (c *Coordinator) ResumeDownloads() { atomic.StoreInt32(&c.downloadPaused, 0) }

// Status returns the current engine snapshot.
func (c *Coordinator) Status() SyncStatus { return c.status.current() }

// SubscribeStatus yields the current snapshot and every transition after
// it, until ctx is cancelled.
func (c *Coordinator) SubscribeStatus(ctx context.Context) <-chan SyncStatus {
	return c.status.subscribe(ctx)
}

// SyncInfo is the diagnostic snapshot returned by GetSyncInfo.
type SyncInfo struct {
	Watermarks    map[SyncType]int64
	UnsyncedCount int
	RetryCount    int
	LastSyncTime  int64
	LastFullSync  int64
}

// GetSyncInfo reports watermarks, pending work and retry state for the
// current user.
func (c *Coordinator) GetSyncInfo(ctx context.Context) (*SyncInfo, error) {
	userID, ok := c.identity.CurrentUserID()
	if !ok {
		return nil, ErrNoUser
	}

	info := &SyncInfo{Watermarks: make(map[SyncType]int64, len(leafTypes))}
	for _, t := range leafTypes {
		wm, err := c.watermarks.Get(ctx, t, userID)
		if err != nil {
			return nil, err
		}
		info.Watermarks[t] = wm
	}

	cnt, err := c.local.UnsyncedCount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unsynced records: %w", err)
	}
	info.UnsyncedCount = cnt

	if info.RetryCount, err = c.state.RetryCount(ctx); err != nil {
		return nil, fmt.Errorf("failed to read retry count: %w", err)
	}
	if info.LastSyncTime, err = c.state.LastSyncTime(ctx); err != nil {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if info.LastFullSync, err = c.watermarks.LastFullSync(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to read last full sync: %w", err)
	}
	return info, nil
}

// worker is the single goroutine that drains the pending set. One pass at
// a time; a kick arriving mid-pass is retained by the buffered channel.
func (c *Coordinator) worker(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			c.runPass(ctx)
		}
	}
}

// runPass drains the pending set and processes it in priority order.
func (c *Coordinator) runPass(ctx context.Context) {
	userID, ok := c.identity.CurrentUserID()
	if !ok {
		c.logger.Debug("Skipping sync pass, no authenticated user")
		return
	}
	if !c.network.IsOnline() {
		// Leave the set intact; the online transition re-kicks us.
		c.logger.Debug("Skipping sync pass, offline")
		return
	}

	c.mu.Lock()
	types := make([]SyncType, 0, len(c.pending))
	for t := range c.pending {
		types = append(types, t)
	}
	c.pending = make(map[SyncType]struct{})
	c.mu.Unlock()

	if len(types) == 0 {
		return
	}

	// SyncAll subsumes everything else queued for this pass.
	subsumed := false
	for _, t := range types {
		if t == SyncAll {
			subsumed = true
			break
		}
	}
	if subsumed {
		types = []SyncType{SyncAll}
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Priority() < types[j].Priority() })

	c.status.update(func(s *SyncStatus) {
		s.Syncing = true
		s.PendingCount = 0
		s.LastError = ""
	})

	var failed []SyncType
	var lastErr error
	ran := 0
	for _, t := range types {
		allowed, err := c.gate.CanSync(ctx, t, userID)
		if err != nil {
			lastErr = err
			failed = append(failed, t)
			continue
		}
		if !allowed {
			// Dependency violation is not an error; the caller may
			// re-trigger once prerequisites are initialized.
			c.logger.Info("Dropping sync request, prerequisites not initialized",
				"type", t.String(), "user", userID)
			continue
		}
		if err := c.syncOne(ctx, t, userID); err != nil {
			c.logger.Warn("Sync failed", "type", t.String(), "error", err)
			lastErr = err
			failed = append(failed, t)
			continue
		}
		ran++
	}

	if len(failed) > 0 {
		c.scheduleRetry(ctx, failed, lastErr)
	} else if ran > 0 {
		// Only a pass that actually synced something counts as a success;
		// a fully gated pass must not reset retry state or stamp the last
		// sync time.
		now := millis(c.clock.Now())
		if err := c.state.SetRetryCount(ctx, 0); err != nil {
			c.logger.Warn("Failed to reset retry count", "error", err)
		}
		if err := c.state.SetLastSyncTime(ctx, now); err != nil {
			c.logger.Warn("Failed to persist last sync time", "error", err)
		}
		c.status.update(func(s *SyncStatus) {
			s.Syncing = false
			s.LastSyncTime = time.UnixMilli(now)
		})
		return
	}

	c.status.update(func(s *SyncStatus) { s.Syncing = false })
}

// syncOne runs upload then download for one type. SyncAll expands to every
// leaf type in dependency order and stamps the full-sync watermark.
func (c *Coordinator) syncOne(ctx context.Context, t SyncType, userID string) error {
	if t == SyncAll {
		for _, leaf := range leafTypes {
			if err := c.syncOne(ctx, leaf, userID); err != nil {
				return err
			}
		}
		return c.watermarks.Set(ctx, SyncAll, userID, millis(c.clock.Now()))
	}

	syncer, ok := c.syncers[t]
	if !ok {
		return fmt.Errorf("no syncer registered for %s", t)
	}
	if atomic.LoadInt32(&c.uploadPaused) == 0 {
		if _, err := syncer.Upload(ctx, userID); err != nil {
			return err
		}
	}
	if atomic.LoadInt32(&c.downloadPaused) == 0 {
		if _, err := syncer.Download(ctx, userID, DownloadOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// scheduleRetry re-enqueues the failed types after an exponential backoff:
// min(BackoffMin * 2^retries, BackoffMax). The retry re-enters through
// TriggerSync so it stays subject to dependency gating.
func (c *Coordinator) scheduleRetry(ctx context.Context, failed []SyncType, cause error) {
	retries, err := c.state.RetryCount(ctx)
	if err != nil {
		c.logger.Warn("Failed to read retry count", "error", err)
		retries = 0
	}

	delay := backoffDelay(c.config.BackoffMin, c.config.BackoffMax, retries)
	if err := c.state.SetRetryCount(ctx, retries+1); err != nil {
		c.logger.Warn("Failed to persist retry count", "error", err)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.status.update(func(s *SyncStatus) { s.LastError = msg })
	c.logger.Info("Scheduling sync retry", "delay", delay, "retries", retries+1, "types", len(failed))

	time.AfterFunc(delay, func() {
		for _, t := range failed {
			if err := c.TriggerSync(t); err != nil {
				return
			}
		}
	})
}

// backoffDelay is min(min * 2^retries, max), guarding shift overflow.
func backoffDelay(min, max time.Duration, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	delay := min
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// watch reacts to the two external trigger streams: network transitions and
// local-store change notifications (debounced).
func (c *Coordinator) watch(ctx context.Context) {
	netCh, err := c.network.Subscribe(ctx)
	if err != nil {
		c.logger.Warn("Failed to subscribe to network state", "error", err)
		netCh = nil
	}

	// The change stream is store-wide; the current user is resolved per
	// trigger, so a user signing in after Start still gets local-change
	// triggers.
	cntCh, err := c.local.SubscribeUnsyncedCount(ctx, "")
	if err != nil {
		c.logger.Warn("Failed to subscribe to local changes", "error", err)
		cntCh = nil
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-netCh:
			if !ok {
				netCh = nil
				continue
			}
			c.status.update(func(s *SyncStatus) { s.Online = online })
			if online {
				c.triggerUnsyncedTypes(ctx)
			}
		case n, ok := <-cntCh:
			if !ok {
				cntCh = nil
				continue
			}
			if n == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(c.config.Debounce, func() {
				c.triggerUnsyncedTypes(ctx)
			})
		}
	}
}

// triggerUnsyncedTypes enqueues every leaf type that has local records
// awaiting upload.
func (c *Coordinator) triggerUnsyncedTypes(ctx context.Context) {
	userID, ok := c.identity.CurrentUserID()
	if !ok {
		return
	}
	for _, t := range leafTypes {
		syncer, ok := c.syncers[t]
		if !ok {
			continue
		}
		cnt, err := c.entityUnsyncedCount(ctx, syncer.Type(), userID)
		if err != nil {
			c.logger.Warn("Failed to count unsynced records", "type", t.String(), "error", err)
			continue
		}
		if cnt > 0 {
			if err := c.TriggerSync(t); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) entityUnsyncedCount(ctx context.Context, t SyncType, userID string) (int, error) {
	switch t {
	case SyncCategories:
		return c.local.Categories().UnsyncedCount(ctx, userID)
	case SyncPersons:
		return c.local.Persons().UnsyncedCount(ctx, userID)
	case SyncExpenses:
		return c.local.Expenses().UnsyncedCount(ctx, userID)
	case SyncIncomes:
		return c.local.Incomes().UnsyncedCount(ctx, userID)
	default:
		return 0, fmt.Errorf("no unsynced count for sync type %s", t)
	}
}
