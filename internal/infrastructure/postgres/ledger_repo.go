package postgres

import (
	"context"
	"fmt"

	"eventgate/internal/domain/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// UpsertBatch commits the whole batch in a single transaction. The unique
// index on message_id turns a replayed batch into a no-op for rows that
// already landed, so a retry after partial failure cannot double-apply.
func (r *LedgerRepository) UpsertBatch(ctx context.Context, entries []*ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger batch: %w", err)
	}
	defer tx.Rollback(ctx)

	const sql = `
		INSERT INTO ledger_entries (message_id, event_type, entity_key, sequence, payload, request_id, out_of_order, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(sql, e.MessageID, e.EventType, e.EntityKey, e.Sequence, e.Payload, e.RequestID, e.OutOfOrder, e.ReceivedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert ledger entry: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close ledger batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger batch: %w", err)
	}
	return nil
}
