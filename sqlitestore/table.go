package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mobilefin/finsync/finsync"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// entityTable is the shared EntityStore implementation. Each instance is
// parameterized with its table name, business columns and the functions
// that bridge between a record and its column values.
type entityTable[T finsync.Record] struct {
	db     *sql.DB
	table  string
	cols   []string
	values func(T) []any
	scan   func(rowScanner) (T, error)
	notify func()
}

func (t *entityTable[T]) allColumns() []string {
	return append(append([]string{}, syncMetaColumns...), t.cols...)
}

// scanMeta scans one full row: the sync bookkeeping columns followed by the
// caller's business fields.
func scanMeta(row rowScanner, m *finsync.SyncMeta, rest ...any) error {
	dest := []any{
		&m.LocalID, &m.RemoteID, &m.UserID,
		&m.CreatedAt, &m.UpdatedAt,
		&m.IsSynced, &m.NeedsSync, &m.LastSyncedAt, &m.Deleted,
	}
	dest = append(dest, rest...)
	return row.Scan(dest...)
}

func (t *entityTable[T]) Unsynced(ctx context.Context, userID string) ([]T, error) {
	query, args, err := sq.Select(t.allColumns()...).From(t.table).
		Where(sq.Eq{"needs_sync": 1}).
		Where(userScope(userID)).
		OrderBy("updated_at ASC", "local_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build unsynced query: %w", err)
	}
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced %s: %w", t.table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *entityTable[T]) ByLocalID(ctx context.Context, localID int64) (T, bool, error) {
	return t.one(ctx, sq.Eq{"local_id": localID})
}

func (t *entityTable[T]) ByRemoteID(ctx context.Context, userID, remoteID string) (T, bool, error) {
	return t.one(ctx, sq.And{sq.Eq{"remote_id": remoteID}, userScope(userID)})
}

func (t *entityTable[T]) one(ctx context.Context, pred sq.Sqlizer) (T, bool, error) {
	var zero T
	query, args, err := sq.Select(t.allColumns()...).From(t.table).
		Where(pred).Limit(1).ToSql()
	if err != nil {
		return zero, false, fmt.Errorf("failed to build lookup query: %w", err)
	}
	rec, err := t.scan(t.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("failed to look up %s record: %w", t.table, err)
	}
	return rec, true, nil
}

func (t *entityTable[T]) Insert(ctx context.Context, rec T) (int64, error) {
	m := rec.Meta()
	cols := append([]string{
		"remote_id", "user_id", "created_at", "updated_at",
		"is_synced", "needs_sync", "last_synced_at", "deleted",
	}, t.cols...)
	vals := append([]any{
		m.RemoteID, m.UserID, m.CreatedAt, m.UpdatedAt,
		m.IsSynced, m.NeedsSync, m.LastSyncedAt, m.Deleted,
	}, t.values(rec)...)

	query, args, err := sq.Insert(t.table).Columns(cols...).Values(vals...).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build insert: %w", err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", t.table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	m.LocalID = id
	t.notify()
	return id, nil
}

func (t *entityTable[T]) Update(ctx context.Context, rec T) error {
	m := rec.Meta()
	builder := sq.Update(t.table).
		Set("remote_id", m.RemoteID).
		Set("user_id", m.UserID).
		Set("created_at", m.CreatedAt).
		Set("updated_at", m.UpdatedAt).
		Set("is_synced", m.IsSynced).
		Set("needs_sync", m.NeedsSync).
		Set("last_synced_at", m.LastSyncedAt).
		Set("deleted", m.Deleted)
	vals := t.values(rec)
	for i, col := range t.cols {
		builder = builder.Set(col, vals[i])
	}
	query, args, err := builder.Where(sq.Eq{"local_id": m.LocalID}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s record: %w", t.table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no %s record with local id %d", t.table, m.LocalID)
	}
	t.notify()
	return nil
}

func (t *entityTable[T]) MarkSynced(ctx context.Context, localID int64, remoteID string, syncedAt int64) error {
	query, args, err := sq.Update(t.table).
		Set("remote_id", remoteID).
		Set("is_synced", 1).
		Set("needs_sync", 0).
		Set("last_synced_at", syncedAt).
		Where(sq.Eq{"local_id": localID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build mark-synced update: %w", err)
	}
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s record synced: %w", t.table, err)
	}
	t.notify()
	return nil
}

func (t *entityTable[T]) OldestUnsyncedUpdatedAt(ctx context.Context, userID string) (int64, bool, error) {
	query, args, err := sq.Select("MIN(updated_at)").From(t.table).
		Where(sq.Eq{"needs_sync": 1}).
		Where(userScope(userID)).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("failed to build oldest-unsynced query: %w", err)
	}
	var ts sql.NullInt64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("failed to query oldest unsynced %s: %w", t.table, err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

func (t *entityTable[T]) UnsyncedCount(ctx context.Context, userID string) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From(t.table).
		Where(sq.Eq{"needs_sync": 1}).
		Where(userScope(userID)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var n int
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsynced %s: %w", t.table, err)
	}
	return n, nil
}
