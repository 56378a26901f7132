package finsync

import (
	"context"
	"fmt"
	"log/slog"
)

// DependencyGate tracks which entity types have completed at least one full
// bootstrap download per user, and vetoes sync attempts whose prerequisites
// are unmet. The dependency graph is a fixed two-level DAG: categories and
// persons have no prerequisites; expenses and incomes require both; SyncAll
// requires all four leaves. The levels are hard-coded on purpose.
type DependencyGate struct {
	state  StateStore
	logger *slog.Logger
}

// NewDependencyGate wires a gate over the persisted engine state.
func NewDependencyGate(state StateStore, logger *slog.Logger) *DependencyGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyGate{state: state, logger: logger}
}

// IsInitialized reports whether t has completed a bootstrap sync for userID.
func (g *DependencyGate) IsInitialized(ctx context.Context, t SyncType, userID string) (bool, error) {
	ok, err := g.state.Initialized(ctx, t, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read initialization state for %s: %w", t, err)
	}
	return ok, nil
}

// MarkInitialized records that t has completed a bootstrap sync for userID.
func (g *DependencyGate) MarkInitialized(ctx context.Context, t SyncType, userID string) error {
	if err := g.state.SetInitialized(ctx, t, userID); err != nil {
		return fmt.Errorf("failed to mark %s initialized: %w", t, err)
	}
	g.logger.Debug("Marked entity type initialized", "type", t.String(), "user", userID)
	return nil
}

// CanSync reports whether a sync of t is currently permitted for userID.
func (g *DependencyGate) CanSync(ctx context.Context, t SyncType, userID string) (bool, error) {
	switch t {
	case SyncCategories, SyncPersons:
		return true, nil
	case SyncExpenses, SyncIncomes:
		for _, dep := range []SyncType{SyncCategories, SyncPersons} {
			ok, err := g.IsInitialized(ctx, dep, userID)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case SyncAll:
		for _, leaf := range leafTypes {
			ok, err := g.IsInitialized(ctx, leaf, userID)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown sync type %d", t)
	}
}

// PendingInitializations lists the leaf types that have not yet completed a
// bootstrap sync for userID, in dependency order.
func (g *DependencyGate) PendingInitializations(ctx context.Context, userID string) ([]SyncType, error) {
	var pending []SyncType
	for _, t := range leafTypes {
		ok, err := g.IsInitialized(ctx, t, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			pending = append(pending, t)
		}
	}
	return pending, nil
}
