package finsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// initSteps is the strict bootstrap order with the progress published after
// each step completes. Categories and persons are the critical prerequisite
// steps; expenses and incomes depend on them.
var initSteps = []struct {
	typ      SyncType
	progress float64
}{
	{SyncCategories, 0.25},
	{SyncPersons, 0.50},
	{SyncExpenses, 0.75},
	{SyncIncomes, 1.00},
}

// Initializer runs the one-shot, strictly ordered bootstrap download for a
// user session: categories, persons, expenses, incomes, each in
// initialization mode (full historical download), marking the dependency
// gate as stages complete. It bypasses the steady-state queue and invokes
// the entity syncers directly.
type Initializer struct {
	syncers  map[SyncType]Syncer
	gate     *DependencyGate
	network  NetworkState
	identity Identity
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	status  *feed[InitializationStatus]
}

// NewInitializer wires the bootstrap orchestrator.
func NewInitializer(syncers map[SyncType]Syncer, gate *DependencyGate, network NetworkState, identity Identity, logger *slog.Logger) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{
		syncers:  syncers,
		gate:     gate,
		network:  network,
		identity: identity,
		logger:   logger,
		status:   newFeed(InitializationStatus{}),
	}
}

// Status returns the current bootstrap snapshot.
func (in *Initializer) Status() InitializationStatus { return in.status.current() }

// SubscribeStatus yields the current snapshot and every change after it.
func (in *Initializer) SubscribeStatus(ctx context.Context) <-chan InitializationStatus {
	return in.status.subscribe(ctx)
}

// InitializeApp runs the bootstrap sequence. It short-circuits to completed
// when the gate already reports SyncAll initialized, fails immediately with
// ErrNoUser or ErrOffline when preconditions are unmet, and on any step
// error halts with IsInitializing=false so the caller can retry or skip.
func (in *Initializer) InitializeApp(ctx context.Context) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return ErrInitializationRunning
	}
	in.running = true
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.running = false
		in.mu.Unlock()
	}()

	userID, ok := in.identity.CurrentUserID()
	if !ok {
		in.fail(ErrNoUser)
		return ErrNoUser
	}

	done, err := in.gate.IsInitialized(ctx, SyncAll, userID)
	if err != nil {
		in.fail(err)
		return err
	}
	if done {
		in.publishCompleted()
		return nil
	}

	if !in.network.IsOnline() {
		in.fail(ErrOffline)
		return ErrOffline
	}

	in.status.publish(InitializationStatus{
		IsInitializing: true,
		PendingSteps:   stepLabels(),
	})

	var completed []string
	for _, step := range initSteps {
		in.status.update(func(s *InitializationStatus) {
			s.CurrentStep = step.typ.String()
			s.PendingSteps = pendingAfter(completed)
		})

		if err := in.runStep(ctx, step.typ, userID); err != nil {
			err = fmt.Errorf("bootstrap of %s failed: %w", step.typ, err)
			in.fail(err)
			return err
		}

		completed = append(completed, step.typ.String())
		progress := step.progress
		in.status.update(func(s *InitializationStatus) {
			s.CompletedSteps = append([]string(nil), completed...)
			s.PendingSteps = pendingAfter(completed)
			s.Progress = progress
		})
	}

	if err := in.gate.MarkInitialized(ctx, SyncAll, userID); err != nil {
		in.fail(err)
		return err
	}

	in.publishCompleted()
	in.logger.Info("Bootstrap completed", "user", userID)
	return nil
}

// runStep performs one bootstrap stage: full download, then mark the type
// initialized. Already-initialized stages are skipped, which is what makes
// a retry after a mid-sequence failure resume where it stopped.
func (in *Initializer) runStep(ctx context.Context, t SyncType, userID string) error {
	done, err := in.gate.IsInitialized(ctx, t, userID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	syncer, ok := in.syncers[t]
	if !ok {
		return fmt.Errorf("no syncer registered for %s", t)
	}
	if _, err := syncer.Download(ctx, userID, DownloadOptions{Initialization: true}); err != nil {
		return err
	}
	return in.gate.MarkInitialized(ctx, t, userID)
}

// RetryInitialization re-invokes the whole sequence; completed steps are
// skipped because they are already marked initialized.
func (in *Initializer) RetryInitialization(ctx context.Context) error {
	return in.InitializeApp(ctx)
}

// SkipInitialization is the explicit offline escape hatch for first run: it
// force-marks categories, persons and SyncAll initialized without any
// network I/O and publishes a completed status. Expense/income bootstrap
// happens later, once connectivity exists.
func (in *Initializer) SkipInitialization(ctx context.Context, userID string) error {
	for _, t := range []SyncType{SyncCategories, SyncPersons, SyncAll} {
		if err := in.gate.MarkInitialized(ctx, t, userID); err != nil {
			return err
		}
	}
	in.publishCompleted()
	in.logger.Info("Bootstrap skipped for offline use", "user", userID)
	return nil
}

func (in *Initializer) fail(err error) {
	in.status.update(func(s *InitializationStatus) {
		s.IsInitializing = false
		s.Error = err.Error()
	})
}

func (in *Initializer) publishCompleted() {
	in.status.publish(InitializationStatus{
		IsInitializing: false,
		CompletedSteps: stepLabels(),
		Progress:       1.0,
		IsCompleted:    true,
	})
}

func stepLabels() []string {
	labels := make([]string, len(initSteps))
	for i, s := range initSteps {
		labels[i] = s.typ.String()
	}
	return labels
}

func pendingAfter(completed []string) []string {
	seen := make(map[string]bool, len(completed))
	for _, s := range completed {
		seen[s] = true
	}
	var pending []string
	for _, s := range initSteps {
		if !seen[s.typ.String()] {
			pending = append(pending, s.typ.String())
		}
	}
	return pending
}
