package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

var allocationColumns = postgres.ExtractDBColumns[stock.Allocation]()

// CreateAllocation inserts an allocation header. A live allocation with the same key is a conflict.
func (r *LedgerRepo) CreateAllocation(ctx context.Context, a *stock.Allocation) error {
	q := r.builder.Insert(allocationsTable).SetMap(postgres.StructToMap(a))
	if _, err := r.exec(ctx, q, "insert allocation"); err != nil {
		return conflictFrom(err, fmt.Sprintf("allocation %s already recorded", a.Key()))
	}
	return nil
}

// FindAllocation returns the allocation for key, preferring the live one.
func (r *LedgerRepo) FindAllocation(ctx context.Context, key stock.AllocationKey, includeReversed bool) (*stock.Allocation, error) {
	q := r.builder.Select(allocationColumns...).From(allocationsTable).
		Where(squirrel.Eq{
			"reference_type": key.Reference.Type,
			"reference_id":   key.Reference.ID,
			"product_id":     key.ProductID,
			"location_id":    key.LocationID,
		})
	if !includeReversed {
		q = q.Where(squirrel.Eq{"reversed_at": nil})
	}
	q = q.OrderBy("reversed_at DESC NULLS FIRST", "created_at DESC").Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var a stock.Allocation
	if err := pgxscan.Get(ctx, r.querier(ctx), &a, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find allocation: %w", err)
	}
	return &a, nil
}

// MarkAllocationReversed stamps the allocation as reversed, freeing its key.
func (r *LedgerRepo) MarkAllocationReversed(ctx context.Context, allocationID id.ID, at time.Time) error {
	q := r.builder.Update(allocationsTable).
		Set("reversed_at", at).
		Where(squirrel.Eq{"id": allocationID, "reversed_at": nil})

	n, err := r.exec(ctx, q, "mark allocation reversed")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperror.NewAlreadyProcessed("allocation", allocationID, "reversed")
	}
	return nil
}
