package finsync

import (
	"context"
	"time"
)

// RemoteBatchLimit is the maximum number of operations the remote store
// accepts in one atomic batch commit. Uploads are chunked at this boundary.
const RemoteBatchLimit = 500

// EntityStore is the per-entity-type local persistence contract. One
// instance exists per concrete record shape; a syncer owns the read/write
// access to exactly one of them per invocation.
type EntityStore[T Record] interface {
	// Unsynced returns all records with NeedsSync set for the user,
	// ordered by UpdatedAt ascending.
	Unsynced(ctx context.Context, userID string) ([]T, error)

	// ByLocalID looks a record up by its device-assigned primary key.
	ByLocalID(ctx context.Context, localID int64) (T, bool, error)

	// ByRemoteID looks a record up by its remote document id.
	ByRemoteID(ctx context.Context, userID, remoteID string) (T, bool, error)

	// Insert stores a new record and returns its assigned local id.
	Insert(ctx context.Context, rec T) (int64, error)

	// Update replaces a record's content, keyed by its local id.
	Update(ctx context.Context, rec T) error

	// MarkSynced flags a record as matching remote state: IsSynced=true,
	// NeedsSync=false, RemoteID and LastSyncedAt set.
	MarkSynced(ctx context.Context, localID int64, remoteID string, syncedAt int64) error

	// OldestUnsyncedUpdatedAt returns the UpdatedAt of the oldest record
	// still awaiting upload, with ok=false when none exists.
	OldestUnsyncedUpdatedAt(ctx context.Context, userID string) (int64, bool, error)

	// UnsyncedCount returns how many records still await upload.
	UnsyncedCount(ctx context.Context, userID string) (int, error)
}

// LocalStore aggregates the per-entity stores plus the cross-type queries
// the engine needs (watermark fallbacks, change notification).
type LocalStore interface {
	Categories() EntityStore[*Category]
	Persons() EntityStore[*Person]
	Expenses() EntityStore[*Expense]
	Incomes() EntityStore[*Income]

	// UnsyncedCount is the total number of unsynced records across all
	// entity types for the user.
	UnsyncedCount(ctx context.Context, userID string) (int, error)

	// SubscribeUnsyncedCount emits the unsynced total after every local
	// mutation. The channel is closed when ctx is cancelled.
	SubscribeUnsyncedCount(ctx context.Context, userID string) (<-chan int, error)
}

// RemoteDocument is one document fetched from the remote store.
type RemoteDocument struct {
	ID        string
	Data      map[string]any
	UpdatedAt int64 // unix milliseconds, mirrors Data["updatedAt"]
}

// RemoteCollection is a document collection addressed by a path such as
// "users/{userId}/expenses" or the global "categories".
type RemoteCollection interface {
	Path() string

	// NewDocID allocates a fresh document id without writing anything.
	// Used to assign remote ids to records before their first upload.
	NewDocID() string

	Get(ctx context.Context) ([]RemoteDocument, error)

	// QueryUpdatedAfter returns documents with UpdatedAt strictly greater
	// than ts, ordered by UpdatedAt ascending.
	QueryUpdatedAfter(ctx context.Context, ts int64) ([]RemoteDocument, error)

	// Set writes a single document (full replace).
	Set(ctx context.Context, id string, data map[string]any) error
}

// RemoteBatch accumulates document writes and commits them atomically.
// Implementations reject batches larger than RemoteBatchLimit.
type RemoteBatch interface {
	Set(collection, id string, data map[string]any)
	Len() int
	Commit(ctx context.Context) error
}

// RemoteStore is the document-oriented remote side of the sync.
type RemoteStore interface {
	Collection(path string) RemoteCollection
	Batch() RemoteBatch
}

// NetworkState reports connectivity. Subscribe yields a value on every
// online/offline transition; the channel closes when ctx is cancelled.
type NetworkState interface {
	IsOnline() bool
	Subscribe(ctx context.Context) (<-chan bool, error)
}

// Identity resolves the currently authenticated user.
type Identity interface {
	CurrentUserID() (string, bool)
}

// Clock supplies wall-clock time; injected so tests control timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// StateStore persists the engine's own bookkeeping: watermarks, dependency
// initialization flags, retry counters and sync timestamps. Implemented by
// sqlitestore next to the business tables, and by an in-memory fake in tests.
type StateStore interface {
	// Watermark returns the stored watermark for (entity type, user),
	// with ok=false when no entry exists yet.
	Watermark(ctx context.Context, t SyncType, userID string) (int64, bool, error)
	SetWatermark(ctx context.Context, t SyncType, userID string, ts int64) error

	// WatermarkUser is the user the stored watermarks belong to. A user
	// switch clears them all; see WatermarkStore.
	WatermarkUser(ctx context.Context) (string, error)
	SetWatermarkUser(ctx context.Context, userID string) error
	ClearWatermarks(ctx context.Context) error

	LastFullSync(ctx context.Context, userID string) (int64, error)
	SetLastFullSync(ctx context.Context, userID string, ts int64) error

	Initialized(ctx context.Context, t SyncType, userID string) (bool, error)
	SetInitialized(ctx context.Context, t SyncType, userID string) error

	RetryCount(ctx context.Context) (int, error)
	SetRetryCount(ctx context.Context, n int) error

	LastSyncTime(ctx context.Context) (int64, error)
	SetLastSyncTime(ctx context.Context, ts int64) error
}
