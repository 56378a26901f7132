package finsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// fallbackWindow bounds how far back an incremental download reaches when no
// watermark and no unsynced local records exist for an entity type.
const fallbackWindow = 30 * 24 * time.Hour

// WatermarkStore tracks, per entity type and user, the last successfully
// processed remote timestamp. Reads fall back to a computed timestamp when
// no watermark has been stored yet, and all watermarks are dropped when the
// engine is asked about a different user than the one they were recorded
// for (stale cross-account sync windows must never be reused).
//
// The store itself never compares timestamps on write; advancing only
// forward is the downloader's job.
type WatermarkStore struct {
	state  StateStore
	local  LocalStore
	clock  Clock
	logger *slog.Logger

	mu sync.Mutex // serializes the user-switch check against reads/writes
}

// NewWatermarkStore wires a watermark store over the persisted engine state.
func NewWatermarkStore(state StateStore, local LocalStore, clock Clock, logger *slog.Logger) *WatermarkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermarkStore{state: state, local: local, clock: clock, logger: logger}
}

// Get returns the watermark for (t, userID), computing the fallback when no
// entry is stored.
func (w *WatermarkStore) Get(ctx context.Context, t SyncType, userID string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureUser(ctx, userID); err != nil {
		return 0, err
	}

	ts, ok, err := w.state.Watermark(ctx, t, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", t, err)
	}
	if ok {
		return ts, nil
	}
	return w.fallback(ctx, t, userID)
}

// Set stores the watermark for (t, userID). Setting SyncAll additionally
// records the standalone "last full sync" value.
func (w *WatermarkStore) Set(ctx context.Context, t SyncType, userID string, ts int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureUser(ctx, userID); err != nil {
		return err
	}

	if err := w.state.SetWatermark(ctx, t, userID, ts); err != nil {
		return fmt.Errorf("failed to store watermark for %s: %w", t, err)
	}
	if t == SyncAll {
		if err := w.state.SetLastFullSync(ctx, userID, ts); err != nil {
			return fmt.Errorf("failed to store last full sync: %w", err)
		}
	}
	return nil
}

// Stored returns the raw persisted watermark without fallback computation,
// with ok=false when no entry exists. Downloaders use it to compute
// max(existing, candidate) before advancing.
func (w *WatermarkStore) Stored(ctx context.Context, t SyncType, userID string) (int64, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureUser(ctx, userID); err != nil {
		return 0, false, err
	}
	return w.state.Watermark(ctx, t, userID)
}

// LastFullSync returns when a full (SyncAll) pass last completed, 0 if never.
func (w *WatermarkStore) LastFullSync(ctx context.Context, userID string) (int64, error) {
	return w.state.LastFullSync(ctx, userID)
}

// ensureUser clears every watermark when the caller's user differs from the
// user the stored watermarks belong to, then records the new user.
func (w *WatermarkStore) ensureUser(ctx context.Context, userID string) error {
	owner, err := w.state.WatermarkUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermark owner: %w", err)
	}
	if owner == userID {
		return nil
	}
	if owner != "" {
		w.logger.Info("User changed, clearing watermarks", "previous", owner, "current", userID)
		if err := w.state.ClearWatermarks(ctx); err != nil {
			return fmt.Errorf("failed to clear watermarks on user switch: %w", err)
		}
	}
	if err := w.state.SetWatermarkUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to record watermark owner: %w", err)
	}
	return nil
}

// fallback computes the download window start for a type with no stored
// watermark. Categories are global and always re-synced from epoch zero.
// For the user-scoped types the window opens at the oldest locally-unsynced
// record, or 30 days back when the local store is clean. SyncAll uses the
// minimum of the user-scoped fallbacks.
func (w *WatermarkStore) fallback(ctx context.Context, t SyncType, userID string) (int64, error) {
	switch t {
	case SyncCategories:
		return 0, nil
	case SyncPersons, SyncExpenses, SyncIncomes:
		return w.scopedFallback(ctx, t, userID)
	case SyncAll:
		min := int64(-1)
		for _, leaf := range []SyncType{SyncPersons, SyncExpenses, SyncIncomes} {
			ts, err := w.scopedFallback(ctx, leaf, userID)
			if err != nil {
				return 0, err
			}
			if min < 0 || ts < min {
				min = ts
			}
		}
		return min, nil
	default:
		return 0, fmt.Errorf("no fallback defined for sync type %d", t)
	}
}

func (w *WatermarkStore) scopedFallback(ctx context.Context, t SyncType, userID string) (int64, error) {
	var (
		ts  int64
		ok  bool
		err error
	)
	switch t {
	case SyncPersons:
		ts, ok, err = w.local.Persons().OldestUnsyncedUpdatedAt(ctx, userID)
	case SyncExpenses:
		ts, ok, err = w.local.Expenses().OldestUnsyncedUpdatedAt(ctx, userID)
	case SyncIncomes:
		ts, ok, err = w.local.Incomes().OldestUnsyncedUpdatedAt(ctx, userID)
	default:
		return 0, fmt.Errorf("no scoped fallback for sync type %s", t)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query oldest unsynced %s: %w", t, err)
	}
	if ok {
		return ts, nil
	}
	return millis(w.clock.Now().Add(-fallbackWindow)), nil
}
