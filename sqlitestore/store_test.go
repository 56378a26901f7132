package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobilefin/finsync/finsync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "finsync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestInsertAssignsLocalIDAndRoundTrips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	exp := &finsync.Expense{
		SyncMeta: finsync.SyncMeta{
			UserID:    "u1",
			CreatedAt: 100,
			UpdatedAt: 100,
			NeedsSync: true,
		},
		Amount:     1250,
		Currency:   "USD",
		OccurredAt: 90,
		Note:       "groceries",
		CategoryID: 7,
	}
	id, err := store.Expenses().Insert(ctx, exp)
	require.NoError(t, err)
	require.Positive(t, id)
	require.Equal(t, id, exp.LocalID)

	got, ok, err := store.Expenses().ByLocalID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, exp, got)
}

func TestByLocalIDMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.Categories().ByLocalID(context.Background(), 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnsyncedOrderedByUpdatedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, p := range []*finsync.Person{
		{SyncMeta: finsync.SyncMeta{UserID: "u1", UpdatedAt: 300, NeedsSync: true}, Name: "late"},
		{SyncMeta: finsync.SyncMeta{UserID: "u1", UpdatedAt: 100, NeedsSync: true}, Name: "early"},
		{SyncMeta: finsync.SyncMeta{UserID: "u1", UpdatedAt: 200, IsSynced: true}, Name: "done"},
		{SyncMeta: finsync.SyncMeta{UserID: "u2", UpdatedAt: 150, NeedsSync: true}, Name: "other user"},
	} {
		_, err := store.Persons().Insert(ctx, p)
		require.NoError(t, err)
	}

	recs, err := store.Persons().Unsynced(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "early", recs[0].Name)
	require.Equal(t, "late", recs[1].Name)
}

func TestUnsyncedIncludesGlobalRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Categories carry no owner; a user-scoped query must still see them.
	_, err := store.Categories().Insert(ctx, &finsync.Category{
		SyncMeta: finsync.SyncMeta{UpdatedAt: 10, NeedsSync: true},
		Name:     "food", Kind: "expense",
	})
	require.NoError(t, err)

	recs, err := store.Categories().Unsynced(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "food", recs[0].Name)
}

func TestMarkSyncedClearsPendingFlag(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inc := &finsync.Income{
		SyncMeta: finsync.SyncMeta{UserID: "u1", UpdatedAt: 50, NeedsSync: true},
		Amount:   90000, Currency: "EUR", CategoryID: 1,
	}
	id, err := store.Incomes().Insert(ctx, inc)
	require.NoError(t, err)

	require.NoError(t, store.Incomes().MarkSynced(ctx, id, "doc-42", 777))

	got, ok, err := store.Incomes().ByRemoteID(ctx, "u1", "doc-42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got.LocalID)
	require.True(t, got.IsSynced)
	require.False(t, got.NeedsSync)
	require.Equal(t, int64(777), got.LastSyncedAt)

	n, err := store.Incomes().UnsyncedCount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpdateReplacesContent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cat := &finsync.Category{
		SyncMeta: finsync.SyncMeta{UpdatedAt: 10, NeedsSync: true},
		Name:     "misc", Kind: "expense",
	}
	id, err := store.Categories().Insert(ctx, cat)
	require.NoError(t, err)

	cat.Name = "household"
	cat.UpdatedAt = 20
	require.NoError(t, store.Categories().Update(ctx, cat))

	got, ok, err := store.Categories().ByLocalID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "household", got.Name)
	require.Equal(t, int64(20), got.UpdatedAt)

	missing := &finsync.Category{SyncMeta: finsync.SyncMeta{LocalID: 12345}}
	require.Error(t, store.Categories().Update(ctx, missing))
}

func TestOldestUnsyncedUpdatedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Expenses().OldestUnsyncedUpdatedAt(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)

	for _, ts := range []int64{500, 200, 900} {
		_, err := store.Expenses().Insert(ctx, &finsync.Expense{
			SyncMeta: finsync.SyncMeta{UserID: "u1", UpdatedAt: ts, NeedsSync: true},
			Amount:   1, Currency: "USD", CategoryID: 1,
		})
		require.NoError(t, err)
	}

	oldest, ok, err := store.Expenses().OldestUnsyncedUpdatedAt(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), oldest)
}

func TestUnsyncedCountSpansAllTables(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Categories().Insert(ctx, &finsync.Category{
		SyncMeta: finsync.SyncMeta{NeedsSync: true}, Name: "a", Kind: "expense"})
	require.NoError(t, err)
	_, err = store.Persons().Insert(ctx, &finsync.Person{
		SyncMeta: finsync.SyncMeta{UserID: "u1", NeedsSync: true}, Name: "b"})
	require.NoError(t, err)
	_, err = store.Expenses().Insert(ctx, &finsync.Expense{
		SyncMeta: finsync.SyncMeta{UserID: "u1", NeedsSync: true},
		Amount:   1, Currency: "USD", CategoryID: 1})
	require.NoError(t, err)

	total, err := store.UnsyncedCount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, total)
}

func TestSubscribeUnsyncedCountEmitsOnWrites(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.SubscribeUnsyncedCount(ctx, "u1")
	require.NoError(t, err)

	id, err := store.Persons().Insert(ctx, &finsync.Person{
		SyncMeta: finsync.SyncMeta{UserID: "u1", NeedsSync: true}, Name: "x"})
	require.NoError(t, err)

	select {
	case n := <-ch:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no notification after insert")
	}

	require.NoError(t, store.Persons().MarkSynced(ctx, id, "doc-1", 10))
	select {
	case n := <-ch:
		require.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("no notification after mark-synced")
	}
}
