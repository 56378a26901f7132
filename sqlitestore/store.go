// Package sqlitestore persists the finance tracker's local data and the
// sync engine's own bookkeeping in a single SQLite database. It implements
// both finsync.LocalStore (business tables plus the reactive unsynced-count
// subscription) and finsync.StateStore (watermarks, dependency flags, retry
// state).
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobilefin/finsync/finsync"
)

// Store is the SQLite-backed local store.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	notifier *notifier

	categories *entityTable[*finsync.Category]
	persons    *entityTable[*finsync.Person]
	expenses   *entityTable[*finsync.Expense]
	incomes    *entityTable[*finsync.Income]
}

var _ finsync.LocalStore = (*Store)(nil)
var _ finsync.StateStore = (*Store)(nil)

// Open opens (or creates) the database at path and initializes the schema.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	store, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing connection, creating the schema if needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logger, notifier: newNotifier()}
	notify := s.notifyUnsynced

	s.categories = &entityTable[*finsync.Category]{
		db: db, table: "categories", notify: notify,
		cols:   []string{"name", "kind", "icon", "color"},
		values: func(c *finsync.Category) []any { return []any{c.Name, c.Kind, c.Icon, c.Color} },
		scan: func(row rowScanner) (*finsync.Category, error) {
			c := &finsync.Category{}
			err := scanMeta(row, &c.SyncMeta, &c.Name, &c.Kind, &c.Icon, &c.Color)
			return c, err
		},
	}
	s.persons = &entityTable[*finsync.Person]{
		db: db, table: "persons", notify: notify,
		cols:   []string{"name", "note"},
		values: func(p *finsync.Person) []any { return []any{p.Name, p.Note} },
		scan: func(row rowScanner) (*finsync.Person, error) {
			p := &finsync.Person{}
			err := scanMeta(row, &p.SyncMeta, &p.Name, &p.Note)
			return p, err
		},
	}
	s.expenses = &entityTable[*finsync.Expense]{
		db: db, table: "expenses", notify: notify,
		cols: []string{"amount", "currency", "occurred_at", "note", "category_id", "person_id"},
		values: func(e *finsync.Expense) []any {
			return []any{e.Amount, e.Currency, e.OccurredAt, e.Note, e.CategoryID, e.PersonID}
		},
		scan: func(row rowScanner) (*finsync.Expense, error) {
			e := &finsync.Expense{}
			err := scanMeta(row, &e.SyncMeta, &e.Amount, &e.Currency, &e.OccurredAt, &e.Note, &e.CategoryID, &e.PersonID)
			return e, err
		},
	}
	s.incomes = &entityTable[*finsync.Income]{
		db: db, table: "incomes", notify: notify,
		cols: []string{"amount", "currency", "occurred_at", "note", "category_id", "person_id"},
		values: func(i *finsync.Income) []any {
			return []any{i.Amount, i.Currency, i.OccurredAt, i.Note, i.CategoryID, i.PersonID}
		},
		scan: func(row rowScanner) (*finsync.Income, error) {
			i := &finsync.Income{}
			err := scanMeta(row, &i.SyncMeta, &i.Amount, &i.Currency, &i.OccurredAt, &i.Note, &i.CategoryID, &i.PersonID)
			return i, err
		},
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection for callers that manage their own
// application tables alongside the synced ones.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Categories() finsync.EntityStore[*finsync.Category] { return s.categories }
func (s *Store) Persons() finsync.EntityStore[*finsync.Person]      { return s.persons }
func (s *Store) Expenses() finsync.EntityStore[*finsync.Expense]    { return s.expenses }
func (s *Store) Incomes() finsync.EntityStore[*finsync.Income]      { return s.incomes }

// UnsyncedCount totals the records awaiting upload across all entity types.
func (s *Store) UnsyncedCount(ctx context.Context, userID string) (int, error) {
	total := 0
	for _, table := range []string{"categories", "persons", "expenses", "incomes"} {
		query, args, err := sq.Select("COUNT(*)").From(table).
			Where(sq.Eq{"needs_sync": 1}).
			Where(userScope(userID)).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("failed to build count query: %w", err)
		}
		var n int
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count unsynced %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// SubscribeUnsyncedCount emits the unsynced total after every local write.
// The channel closes when ctx is cancelled.
func (s *Store) SubscribeUnsyncedCount(ctx context.Context, userID string) (<-chan int, error) {
	return s.notifier.subscribe(ctx), nil
}

// notifyUnsynced recomputes the total and fans it out to subscribers.
// Counting failures only lose a notification, never a write.
func (s *Store) notifyUnsynced() {
	n, err := s.UnsyncedCount(context.Background(), "")
	if err != nil {
		s.logger.Warn("Failed to count unsynced records for notification", "error", err)
		return
	}
	s.notifier.publish(n)
}

// userScope matches records owned by userID plus global (unowned) records
// such as shared categories. An empty userID matches everything.
func userScope(userID string) sq.Sqlizer {
	if userID == "" {
		return sq.Expr("1=1")
	}
	return sq.Or{sq.Eq{"user_id": userID}, sq.Eq{"user_id": ""}}
}
