package pgdocstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mobilefin/finsync/finsync"
)

// transientTxSQLStates are the Postgres error classes worth retrying a
// whole batch for: serialization failures, deadlocks and lock timeouts.
var transientTxSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func transientTxError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transientTxSQLStates[pgErr.SQLState()]
}

type batchOp struct {
	collection string
	id         string
	data       map[string]any
}

// batch buffers document writes and commits them in one transaction, so a
// mid-upload crash leaves the remote store without a partial chunk.
type batch struct {
	store *Store
	ops   []batchOp
}

func (b *batch) Set(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{collection: collection, id: id, data: data})
}

func (b *batch) Len() int { return len(b.ops) }

func (b *batch) Commit(ctx context.Context) error {
	if len(b.ops) > finsync.RemoteBatchLimit {
		return fmt.Errorf("%w: %d operations, limit %d",
			finsync.ErrBatchTooLarge, len(b.ops), finsync.RemoteBatchLimit)
	}
	if len(b.ops) == 0 {
		return nil
	}

	var err error
	for attempt := 0; attempt <= b.store.maxTxRetries; attempt++ {
		if attempt > 0 {
			b.store.logger.Warn("Retrying batch commit after transient error",
				"attempt", attempt, "ops", len(b.ops), "error", err)
			select {
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = b.commitOnce(ctx)
		if err == nil || !transientTxError(err) {
			return err
		}
	}
	return fmt.Errorf("batch commit failed after retries: %w", err)
}

func (b *batch) commitOnce(ctx context.Context) error {
	return pgx.BeginFunc(ctx, b.store.pool, func(tx pgx.Tx) error {
		pb := &pgx.Batch{}
		for _, op := range b.ops {
			pb.Queue(upsertSQL, op.collection, op.id, op.data, docUpdatedAt(op.data))
		}
		br := tx.SendBatch(ctx, pb)
		defer br.Close()
		for range b.ops {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("failed to apply batch operation: %w", err)
			}
		}
		return nil
	})
}
