package sqlitestore

import (
	"database/sql"
	"fmt"
)

// syncMetaColumns are the bookkeeping columns every synced table starts
// with, in the order scanMeta and the builders expect.
var syncMetaColumns = []string{
	"local_id", "remote_id", "user_id",
	"created_at", "updated_at",
	"is_synced", "needs_sync", "last_synced_at", "deleted",
}

const syncMetaDDL = `
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	is_synced INTEGER NOT NULL DEFAULT 0,
	needs_sync INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0`

func initializeSchema(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS categories (` + syncMetaDDL + `,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			icon TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS persons (` + syncMetaDDL + `,
			name TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS expenses (` + syncMetaDDL + `,
			amount INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			occurred_at INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			category_id INTEGER NOT NULL DEFAULT 0,
			person_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS incomes (` + syncMetaDDL + `,
			amount INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			occurred_at INTEGER NOT NULL DEFAULT 0,
			note TEXT NOT NULL DEFAULT '',
			category_id INTEGER NOT NULL DEFAULT 0,
			person_id INTEGER NOT NULL DEFAULT 0
		)`,

		// Singleton row carrying engine-wide state.
		`CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			watermark_user TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_sync_time INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO sync_state (id) VALUES (1)`,

		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			entity TEXT NOT NULL,
			user_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			PRIMARY KEY (entity, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_initialized (
			entity TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (entity, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_full_runs (
			user_id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_client_info (
			user_id   TEXT PRIMARY KEY,
			source_id TEXT NOT NULL
		)`,
	}
	for _, table := range []string{"categories", "persons", "expenses", "incomes"} {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_needs_sync ON %s(needs_sync, updated_at)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_remote_id ON %s(remote_id)`, table, table),
		)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
