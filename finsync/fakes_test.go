package finsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// In-memory fakes for the engine's ports. They mirror the behavior the real
// sqlitestore/pgdocstore implementations provide, without I/O.

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIdentity struct {
	mu     sync.Mutex
	userID string
}

func (f *fakeIdentity) CurrentUserID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.userID != ""
}

func (f *fakeIdentity) setUser(id string) {
	f.mu.Lock()
	f.userID = id
	f.mu.Unlock()
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

func (n *fakeNetwork) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) Subscribe(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 8)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (n *fakeNetwork) setOnline(v bool) {
	n.mu.Lock()
	n.online = v
	subs := append([]chan bool(nil), n.subs...)
	n.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// memEntityStore is the in-memory EntityStore. copyRec must deep-copy a
// record so callers cannot mutate stored state through aliased pointers.
type memEntityStore[T Record] struct {
	mu      sync.Mutex
	nextID  int64
	recs    map[int64]T
	copyRec func(T) T
	onWrite func()
}

func newMemEntityStore[T Record](copyRec func(T) T) *memEntityStore[T] {
	return &memEntityStore[T]{nextID: 1, recs: make(map[int64]T), copyRec: copyRec}
}

func (s *memEntityStore[T]) notify() {
	if s.onWrite != nil {
		s.onWrite()
	}
}

func (s *memEntityStore[T]) Unsynced(_ context.Context, userID string) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, r := range s.recs {
		m := r.Meta()
		if m.NeedsSync && (userID == "" || m.UserID == userID || m.UserID == "") {
			out = append(out, s.copyRec(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().UpdatedAt < out[j].Meta().UpdatedAt })
	return out, nil
}

func (s *memEntityStore[T]) ByLocalID(_ context.Context, localID int64) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	r, ok := s.recs[localID]
	if !ok {
		return zero, false, nil
	}
	return s.copyRec(r), true, nil
}

func (s *memEntityStore[T]) ByRemoteID(_ context.Context, _ string, remoteID string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if remoteID == "" {
		return zero, false, nil
	}
	for _, r := range s.recs {
		if r.Meta().RemoteID == remoteID {
			return s.copyRec(r), true, nil
		}
	}
	return zero, false, nil
}

func (s *memEntityStore[T]) Insert(_ context.Context, rec T) (int64, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	rec.Meta().LocalID = id
	s.recs[id] = s.copyRec(rec)
	s.mu.Unlock()
	s.notify()
	return id, nil
}

func (s *memEntityStore[T]) Update(_ context.Context, rec T) error {
	s.mu.Lock()
	id := rec.Meta().LocalID
	if _, ok := s.recs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("record %d not found", id)
	}
	s.recs[id] = s.copyRec(rec)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *memEntityStore[T]) MarkSynced(_ context.Context, localID int64, remoteID string, syncedAt int64) error {
	s.mu.Lock()
	r, ok := s.recs[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("record %d not found", localID)
	}
	m := r.Meta()
	m.RemoteID = remoteID
	m.IsSynced = true
	m.NeedsSync = false
	m.LastSyncedAt = syncedAt
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *memEntityStore[T]) OldestUnsyncedUpdatedAt(ctx context.Context, userID string) (int64, bool, error) {
	recs, err := s.Unsynced(ctx, userID)
	if err != nil || len(recs) == 0 {
		return 0, false, err
	}
	return recs[0].Meta().UpdatedAt, true, nil
}

func (s *memEntityStore[T]) UnsyncedCount(ctx context.Context, userID string) (int, error) {
	recs, err := s.Unsynced(ctx, userID)
	return len(recs), err
}

type memLocalStore struct {
	categories *memEntityStore[*Category]
	persons    *memEntityStore[*Person]
	expenses   *memEntityStore[*Expense]
	incomes    *memEntityStore[*Income]

	mu   sync.Mutex
	subs []chan int
}

func newMemLocalStore() *memLocalStore {
	ls := &memLocalStore{
		categories: newMemEntityStore(func(c *Category) *Category { cp := *c; return &cp }),
		persons:    newMemEntityStore(func(p *Person) *Person { cp := *p; return &cp }),
		expenses:   newMemEntityStore(func(e *Expense) *Expense { cp := *e; return &cp }),
		incomes:    newMemEntityStore(func(i *Income) *Income { cp := *i; return &cp }),
	}
	notify := ls.notifyAll
	ls.categories.onWrite = notify
	ls.persons.onWrite = notify
	ls.expenses.onWrite = notify
	ls.incomes.onWrite = notify
	return ls
}

func (ls *memLocalStore) Categories() EntityStore[*Category] { return ls.categories }
func (ls *memLocalStore) Persons() EntityStore[*Person]      { return ls.persons }
func (ls *memLocalStore) Expenses() EntityStore[*Expense]    { return ls.expenses }
func (ls *memLocalStore) Incomes() EntityStore[*Income]      { return ls.incomes }

func (ls *memLocalStore) UnsyncedCount(ctx context.Context, userID string) (int, error) {
	total := 0
	for _, f := range []func(context.Context, string) (int, error){
		ls.categories.UnsyncedCount, ls.persons.UnsyncedCount,
		ls.expenses.UnsyncedCount, ls.incomes.UnsyncedCount,
	} {
		n, err := f(ctx, userID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (ls *memLocalStore) SubscribeUnsyncedCount(ctx context.Context, userID string) (<-chan int, error) {
	ch := make(chan int, 16)
	ls.mu.Lock()
	ls.subs = append(ls.subs, ch)
	ls.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (ls *memLocalStore) notifyAll() {
	n, _ := ls.UnsyncedCount(context.Background(), "")
	ls.mu.Lock()
	subs := append([]chan int(nil), ls.subs...)
	ls.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// memRemoteStore is the in-memory document store with atomic batches.
type memRemoteStore struct {
	mu          sync.Mutex
	collections map[string]map[string]RemoteDocument
	nextID      int
	commits     int
	failCommits int // fail the next N batch commits
	queries     int
}

func newMemRemoteStore() *memRemoteStore {
	return &memRemoteStore{collections: make(map[string]map[string]RemoteDocument)}
}

func (r *memRemoteStore) Collection(path string) RemoteCollection {
	return &memCollection{store: r, path: path}
}

func (r *memRemoteStore) Batch() RemoteBatch { return &memBatch{store: r} }

func (r *memRemoteStore) put(path, id string, data map[string]any) {
	col, ok := r.collections[path]
	if !ok {
		col = make(map[string]RemoteDocument)
		r.collections[path] = col
	}
	col[id] = RemoteDocument{ID: id, Data: data, UpdatedAt: docInt64(data, "updatedAt")}
}

func (r *memRemoteStore) seed(path, id string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(path, id, data)
}

func (r *memRemoteStore) doc(path, id string) (RemoteDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.collections[path][id]
	return d, ok
}

func (r *memRemoteStore) size(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collections[path])
}

type memCollection struct {
	store *memRemoteStore
	path  string
}

func (c *memCollection) Path() string { return c.path }

func (c *memCollection) NewDocID() string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.nextID++
	return fmt.Sprintf("doc-%04d", c.store.nextID)
}

func (c *memCollection) Get(_ context.Context) ([]RemoteDocument, error) {
	return c.QueryUpdatedAfter(context.Background(), -1)
}

func (c *memCollection) QueryUpdatedAfter(_ context.Context, ts int64) ([]RemoteDocument, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.queries++
	var out []RemoteDocument
	for _, d := range c.store.collections[c.path] {
		if d.UpdatedAt > ts {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out, nil
}

func (c *memCollection) Set(_ context.Context, id string, data map[string]any) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.put(c.path, id, data)
	return nil
}

type memBatch struct {
	store *memRemoteStore
	ops   []struct {
		col, id string
		data    map[string]any
	}
}

func (b *memBatch) Set(col, id string, data map[string]any) {
	b.ops = append(b.ops, struct {
		col, id string
		data    map[string]any
	}{col, id, data})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Commit(_ context.Context) error {
	if len(b.ops) > RemoteBatchLimit {
		return ErrBatchTooLarge
	}
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.failCommits > 0 {
		b.store.failCommits--
		return fmt.Errorf("simulated commit failure")
	}
	for _, op := range b.ops {
		b.store.put(op.col, op.id, op.data)
	}
	b.store.commits++
	b.ops = nil
	return nil
}

// memStateStore is the in-memory StateStore.
type memStateStore struct {
	mu            sync.Mutex
	watermarks    map[string]int64
	watermarkUser string
	lastFull      map[string]int64
	initialized   map[string]bool
	retryCount    int
	lastSync      int64
}

func newMemStateStore() *memStateStore {
	return &memStateStore{
		watermarks:  make(map[string]int64),
		lastFull:    make(map[string]int64),
		initialized: make(map[string]bool),
	}
}

func stateKey(t SyncType, userID string) string { return t.String() + "/" + userID }

func (s *memStateStore) Watermark(_ context.Context, t SyncType, userID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.watermarks[stateKey(t, userID)]
	return ts, ok, nil
}

func (s *memStateStore) SetWatermark(_ context.Context, t SyncType, userID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[stateKey(t, userID)] = ts
	return nil
}

func (s *memStateStore) WatermarkUser(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarkUser, nil
}

func (s *memStateStore) SetWatermarkUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarkUser = userID
	return nil
}

func (s *memStateStore) ClearWatermarks(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks = make(map[string]int64)
	return nil
}

func (s *memStateStore) LastFullSync(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFull[userID], nil
}

func (s *memStateStore) SetLastFullSync(_ context.Context, userID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFull[userID] = ts
	return nil
}

func (s *memStateStore) Initialized(_ context.Context, t SyncType, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized[stateKey(t, userID)], nil
}

func (s *memStateStore) SetInitialized(_ context.Context, t SyncType, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized[stateKey(t, userID)] = true
	return nil
}

func (s *memStateStore) RetryCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount, nil
}

func (s *memStateStore) SetRetryCount(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = n
	return nil
}

func (s *memStateStore) LastSyncTime(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, nil
}

func (s *memStateStore) SetLastSyncTime(_ context.Context, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = ts
	return nil
}
