package remotehttp

import (
	"context"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mobilefin/finsync/finsync"
	"github.com/mobilefin/finsync/internal/auth"
)

// memStore is a minimal in-process remote store backing the handler under
// test.
type memStore struct {
	mu   sync.Mutex
	docs map[string]map[string]finsync.RemoteDocument
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]map[string]finsync.RemoteDocument)}
}

func (s *memStore) put(col, id string, data map[string]any) {
	m, ok := s.docs[col]
	if !ok {
		m = make(map[string]finsync.RemoteDocument)
		s.docs[col] = m
	}
	m[id] = finsync.RemoteDocument{ID: id, Data: data, UpdatedAt: wireUpdatedAt(data)}
}

func (s *memStore) Collection(path string) finsync.RemoteCollection {
	return &memCol{store: s, path: path}
}

func (s *memStore) Batch() finsync.RemoteBatch { return &memBatch{store: s} }

type memCol struct {
	store *memStore
	path  string
}

func (c *memCol) Path() string     { return c.path }
func (c *memCol) NewDocID() string { return uuid.NewString() }

func (c *memCol) Get(ctx context.Context) ([]finsync.RemoteDocument, error) {
	return c.QueryUpdatedAfter(ctx, -1)
}

func (c *memCol) QueryUpdatedAfter(_ context.Context, ts int64) ([]finsync.RemoteDocument, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var out []finsync.RemoteDocument
	for _, d := range c.store.docs[c.path] {
		if d.UpdatedAt > ts {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out, nil
}

func (c *memCol) Set(_ context.Context, id string, data map[string]any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.put(c.path, id, data)
	return nil
}

type memBatch struct {
	store *memStore
	ops   []BatchOperation
}

func (b *memBatch) Set(col, id string, data map[string]any) {
	b.ops = append(b.ops, BatchOperation{Collection: col, ID: id, Data: data})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Commit(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		b.store.put(op.Collection, op.ID, op.Data)
	}
	return nil
}

type fixture struct {
	store  *memStore
	server *httptest.Server
	jwt    *auth.JWTAuth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), jwt: auth.NewJWTAuth("test-secret")}
	handler := NewHandler(f.store, nil)
	f.server = httptest.NewServer(f.jwt.Middleware(handler.Routes()))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) clientFor(t *testing.T, userID, deviceID string) *Client {
	t.Helper()
	return NewClient(f.server.URL, func(ctx context.Context) (string, error) {
		return f.jwt.GenerateToken(userID, deviceID, time.Hour)
	})
}

func TestSetAndQueryRoundTrip(t *testing.T) {
	f := newFixture(t)
	client := f.clientFor(t, "u1", "d1")
	ctx := context.Background()

	col := client.Collection("users/u1/expenses")
	require.NoError(t, col.Set(ctx, "exp-1", map[string]any{
		"amount": 1200, "currency": "EUR", "updatedAt": 100,
	}))
	require.NoError(t, col.Set(ctx, "exp-2", map[string]any{
		"amount": 900, "currency": "EUR", "updatedAt": 300,
	}))

	docs, err := col.QueryUpdatedAfter(ctx, 100)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "exp-2", docs[0].ID)
	require.Equal(t, int64(300), docs[0].UpdatedAt)

	all, err := col.Get(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestBatchCommitAppliesAllOperations(t *testing.T) {
	f := newFixture(t)
	client := f.clientFor(t, "u1", "d1")
	ctx := context.Background()

	batch := client.Batch()
	batch.Set("users/u1/persons", "p-1", map[string]any{"name": "Alice", "updatedAt": 10})
	batch.Set("users/u1/persons", "p-2", map[string]any{"name": "Bob", "updatedAt": 20})
	batch.Set("categories", "c-1", map[string]any{"name": "Rent", "updatedAt": 5})
	require.Equal(t, 3, batch.Len())
	require.NoError(t, batch.Commit(ctx))

	docs, err := client.Collection("users/u1/persons").Get(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestBatchRejectsOversizeBeforeSending(t *testing.T) {
	f := newFixture(t)
	client := f.clientFor(t, "u1", "d1")

	batch := client.Batch()
	for i := 0; i <= finsync.RemoteBatchLimit; i++ {
		batch.Set("users/u1/persons", "p", map[string]any{"updatedAt": 1})
	}
	require.ErrorIs(t, batch.Commit(context.Background()), finsync.ErrBatchTooLarge)
}

func TestForeignUserCollectionForbidden(t *testing.T) {
	f := newFixture(t)
	client := f.clientFor(t, "u1", "d1")
	ctx := context.Background()

	err := client.Collection("users/u2/expenses").Set(ctx, "x", map[string]any{"updatedAt": 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")

	batch := client.Batch()
	batch.Set("users/u2/expenses", "x", map[string]any{"updatedAt": 1})
	require.Error(t, batch.Commit(ctx))
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	f := newFixture(t)
	client := NewClient(f.server.URL, func(ctx context.Context) (string, error) {
		return "not-a-token", nil
	})

	_, err := client.Collection("categories").Get(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}

func TestSharedCategoriesAccessibleToEveryUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.clientFor(t, "u1", "d1").Collection("categories").
		Set(ctx, "c-1", map[string]any{"name": "Rent", "updatedAt": 50}))

	docs, err := f.clientFor(t, "u2", "d2").Collection("categories").Get(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Rent", docs[0].Data["name"])
}
