package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/mobilefin/finsync/finsync"
)

// StateStore implementation. The engine's bookkeeping lives in the same
// database as the business tables so a device backup stays consistent.

func (s *Store) Watermark(ctx context.Context, t finsync.SyncType, userID string) (int64, bool, error) {
	query, args, err := sq.Select("ts").From("sync_watermarks").
		Where(sq.Eq{"entity": t.String(), "user_id": userID}).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("failed to build watermark query: %w", err)
	}
	var ts int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return ts, true, nil
}

func (s *Store) SetWatermark(ctx context.Context, t finsync.SyncType, userID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_watermarks (entity, user_id, ts) VALUES (?, ?, ?)
		 ON CONFLICT(entity, user_id) DO UPDATE SET ts = excluded.ts`,
		t.String(), userID, ts)
	if err != nil {
		return fmt.Errorf("failed to store watermark: %w", err)
	}
	return nil
}

func (s *Store) WatermarkUser(ctx context.Context) (string, error) {
	var user string
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark_user FROM sync_state WHERE id = 1`).Scan(&user)
	if err != nil {
		return "", fmt.Errorf("failed to read watermark user: %w", err)
	}
	return user, nil
}

func (s *Store) SetWatermarkUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET watermark_user = ? WHERE id = 1`, userID); err != nil {
		return fmt.Errorf("failed to store watermark user: %w", err)
	}
	return nil
}

func (s *Store) ClearWatermarks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_watermarks`); err != nil {
		return fmt.Errorf("failed to clear watermarks: %w", err)
	}
	return nil
}

func (s *Store) LastFullSync(ctx context.Context, userID string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ts FROM sync_full_runs WHERE user_id = ?`, userID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last full sync: %w", err)
	}
	return ts, nil
}

func (s *Store) SetLastFullSync(ctx context.Context, userID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_full_runs (user_id, ts) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET ts = excluded.ts`,
		userID, ts)
	if err != nil {
		return fmt.Errorf("failed to store last full sync: %w", err)
	}
	return nil
}

func (s *Store) Initialized(ctx context.Context, t finsync.SyncType, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sync_initialized WHERE entity = ? AND user_id = ?`,
		t.String(), userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read initialization flag: %w", err)
	}
	return true, nil
}

func (s *Store) SetInitialized(ctx context.Context, t finsync.SyncType, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_initialized (entity, user_id) VALUES (?, ?)`,
		t.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to store initialization flag: %w", err)
	}
	return nil
}

func (s *Store) RetryCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT retry_count FROM sync_state WHERE id = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return n, nil
}

func (s *Store) SetRetryCount(ctx context.Context, n int) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET retry_count = ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("failed to store retry count: %w", err)
	}
	return nil
}

func (s *Store) LastSyncTime(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_time FROM sync_state WHERE id = 1`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sync time: %w", err)
	}
	return ts, nil
}

func (s *Store) SetLastSyncTime(ctx context.Context, ts int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET last_sync_time = ? WHERE id = 1`, ts); err != nil {
		return fmt.Errorf("failed to store last sync time: %w", err)
	}
	return nil
}

// EnsureSourceID returns the persisted device id for userID, generating and
// storing one on first use. The id survives restarts so the device can
// recognize its own uploads echoing back in downloads.
func (s *Store) EnsureSourceID(ctx context.Context, userID string) (string, error) {
	var sourceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id FROM sync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if err == sql.ErrNoRows {
		sourceID = uuid.NewString()
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO sync_client_info (user_id, source_id) VALUES (?, ?)`,
			userID, sourceID); err != nil {
			return "", fmt.Errorf("failed to persist source id: %w", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source id: %w", err)
	}
	return sourceID, nil
}
