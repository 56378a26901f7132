package finsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateLeafTypesAlwaysAllowed(t *testing.T) {
	gate := NewDependencyGate(newMemStateStore(), nil)
	ctx := context.Background()

	for _, typ := range []SyncType{SyncCategories, SyncPersons} {
		ok, err := gate.CanSync(ctx, typ, "u1")
		require.NoError(t, err)
		require.True(t, ok, "%s must not require prerequisites", typ)
	}
}

func TestGateDependentTypesRequireBothPrerequisites(t *testing.T) {
	ctx := context.Background()

	// Regardless of the order prerequisites arrive in, expenses and
	// incomes stay blocked until both categories and persons are done.
	orders := [][]SyncType{
		{SyncCategories, SyncPersons},
		{SyncPersons, SyncCategories},
	}
	for _, order := range orders {
		gate := NewDependencyGate(newMemStateStore(), nil)

		for _, dependent := range []SyncType{SyncExpenses, SyncIncomes} {
			ok, err := gate.CanSync(ctx, dependent, "u1")
			require.NoError(t, err)
			require.False(t, ok)
		}

		require.NoError(t, gate.MarkInitialized(ctx, order[0], "u1"))
		ok, err := gate.CanSync(ctx, SyncExpenses, "u1")
		require.NoError(t, err)
		require.False(t, ok, "one prerequisite is not enough")

		require.NoError(t, gate.MarkInitialized(ctx, order[1], "u1"))
		for _, dependent := range []SyncType{SyncExpenses, SyncIncomes} {
			ok, err := gate.CanSync(ctx, dependent, "u1")
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
}

func TestGateAllRequiresEveryLeaf(t *testing.T) {
	gate := NewDependencyGate(newMemStateStore(), nil)
	ctx := context.Background()

	for _, typ := range leafTypes {
		ok, err := gate.CanSync(ctx, SyncAll, "u1")
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, gate.MarkInitialized(ctx, typ, "u1"))
	}

	ok, err := gate.CanSync(ctx, SyncAll, "u1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGateStateIsPerUser(t *testing.T) {
	gate := NewDependencyGate(newMemStateStore(), nil)
	ctx := context.Background()

	require.NoError(t, gate.MarkInitialized(ctx, SyncCategories, "u1"))
	require.NoError(t, gate.MarkInitialized(ctx, SyncPersons, "u1"))

	ok, err := gate.CanSync(ctx, SyncExpenses, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = gate.CanSync(ctx, SyncExpenses, "u2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGatePendingInitializations(t *testing.T) {
	gate := NewDependencyGate(newMemStateStore(), nil)
	ctx := context.Background()

	pending, err := gate.PendingInitializations(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []SyncType{SyncCategories, SyncPersons, SyncExpenses, SyncIncomes}, pending)

	require.NoError(t, gate.MarkInitialized(ctx, SyncPersons, "u1"))
	pending, err = gate.PendingInitializations(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []SyncType{SyncCategories, SyncExpenses, SyncIncomes}, pending)
}
