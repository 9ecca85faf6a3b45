package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

var batchColumns = postgres.ExtractDBColumns[stock.Batch]()

// CreateBatch inserts a batch. A live batch with the same receipt key is a conflict.
func (r *LedgerRepo) CreateBatch(ctx context.Context, b *stock.Batch) error {
	q := r.builder.Insert(batchesTable).SetMap(postgres.StructToMap(b))
	if _, err := r.exec(ctx, q, "insert batch"); err != nil {
		return conflictFrom(err, fmt.Sprintf("receipt %s already recorded", b.ReceiptKey()))
	}
	return nil
}

// GetBatch returns a batch by id.
func (r *LedgerRepo) GetBatch(ctx context.Context, batchID id.ID) (*stock.Batch, error) {
	q := r.builder.Select(batchColumns...).From(batchesTable).
		Where(squirrel.Eq{"id": batchID})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var b stock.Batch
	if err := pgxscan.Get(ctx, r.querier(ctx), &b, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("batch", batchID)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

// FindBatch returns the batch created by key, preferring the live one.
func (r *LedgerRepo) FindBatch(ctx context.Context, key stock.ReceiptKey, includeReversed bool) (*stock.Batch, error) {
	q := r.builder.Select(batchColumns...).From(batchesTable).
		Where(squirrel.Eq{
			"source_type": key.Source.Type,
			"source_id":   key.Source.ID,
			"product_id":  key.ProductID,
		})
	if !includeReversed {
		q = q.Where(squirrel.Eq{"reversed_at": nil})
	}
	q = q.OrderBy("reversed_at DESC NULLS FIRST", "created_at DESC").Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var b stock.Batch
	if err := pgxscan.Get(ctx, r.querier(ctx), &b, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find batch: %w", err)
	}
	return &b, nil
}

// ListOpenBatches returns allocatable batches in FIFO order.
func (r *LedgerRepo) ListOpenBatches(ctx context.Context, productID, locationID id.ID) ([]stock.Batch, error) {
	q := r.builder.Select(batchColumns...).From(batchesTable).
		Where(squirrel.Eq{"product_id": productID, "location_id": locationID, "reversed_at": nil}).
		Where(squirrel.Gt{"remaining_quantity": 0}).
		OrderBy("received_at", "id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var batches []stock.Batch
	if err := pgxscan.Select(ctx, r.querier(ctx), &batches, sql, args...); err != nil {
		return nil, fmt.Errorf("select open batches: %w", err)
	}
	return batches, nil
}

// ListBatches returns batches matching filter in FIFO order.
func (r *LedgerRepo) ListBatches(ctx context.Context, filter stock.BatchFilter) ([]stock.Batch, error) {
	q := r.builder.Select(batchColumns...).From(batchesTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocationID != nil {
		q = q.Where(squirrel.Eq{"location_id": *filter.LocationID})
	}
	if filter.OpenOnly {
		q = q.Where(squirrel.Eq{"reversed_at": nil}).Where(squirrel.Gt{"remaining_quantity": 0})
	}

	q = q.OrderBy("product_id", "location_id", "received_at", "id")
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var batches []stock.Batch
	if err := pgxscan.Select(ctx, r.querier(ctx), &batches, sql, args...); err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	return batches, nil
}

// UpdateRemaining sets the remaining quantity of a batch.
func (r *LedgerRepo) UpdateRemaining(ctx context.Context, batchID id.ID, remaining types.Quantity) error {
	q := r.builder.Update(batchesTable).
		Set("remaining_quantity", remaining).
		Where(squirrel.Eq{"id": batchID})

	n, err := r.exec(ctx, q, "update remaining")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewNotFound("batch", batchID)
	}
	return nil
}

// MarkReversed stamps the batch as reversed, freeing its receipt key.
func (r *LedgerRepo) MarkReversed(ctx context.Context, batchID id.ID, at time.Time) error {
	q := r.builder.Update(batchesTable).
		Set("reversed_at", at).
		Where(squirrel.Eq{"id": batchID, "reversed_at": nil})

	n, err := r.exec(ctx, q, "mark batch reversed")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewAlreadyProcessed("batch", batchID, "reversed")
	}
	return nil
}
