package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

var movementColumns = postgres.ExtractDBColumns[stock.Movement]()

// AppendMovements inserts ledger entries. Large appends go through COPY.
func (r *LedgerRepo) AppendMovements(ctx context.Context, movements []stock.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	// Fast path: COPY when inside a transaction.
	if len(movements) >= postgres.CopyThreshold && r.txManager.GetTx(ctx) != nil {
		rows := make([][]any, 0, len(movements))
		for i := range movements {
			rows = append(rows, copyRow(postgres.StructToRow(&movements[i])))
		}
		if _, err := r.inserter.CopyFromSlice(ctx, movementsTable, movementColumns, rows); err != nil {
			return fmt.Errorf("copy movements: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(movementsTable).Columns(movementColumns...)
	for i := range movements {
		q = q.Values(postgres.StructToRow(&movements[i])...)
	}
	if _, err := r.exec(ctx, q, "insert movements"); err != nil {
		return conflictFrom(err, "movement already reversed")
	}
	return nil
}

// copyRow converts decimals to pgtype.Numeric for the binary COPY protocol.
func copyRow(row []any) []any {
	for i, v := range row {
		if d, ok := v.(decimal.Decimal); ok {
			var n pgtype.Numeric
			if err := n.Scan(d.String()); err == nil {
				row[i] = n
			}
		}
	}
	return row
}

// ListMovements returns ledger entries matching filter, newest first.
func (r *LedgerRepo) ListMovements(ctx context.Context, filter stock.MovementFilter) ([]stock.Movement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocationID != nil {
		q = q.Where(squirrel.Eq{"location_id": *filter.LocationID})
	}
	if filter.Reference != nil {
		q = q.Where(squirrel.Eq{
			"reference_type": filter.Reference.Type,
			"reference_id":   filter.Reference.ID,
		})
	}
	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"occurred_at": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"occurred_at": *filter.ToDate})
	}

	q = q.OrderBy("occurred_at DESC", "id DESC")

	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []stock.Movement
	if err := pgxscan.Select(ctx, r.querier(ctx), &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}
	return movements, nil
}

// ListAllocationMovements returns the consumption entries of one allocation.
func (r *LedgerRepo) ListAllocationMovements(ctx context.Context, allocationID id.ID) ([]stock.Movement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable).
		Where(squirrel.Eq{"allocation_id": allocationID, "direction": stock.DirectionOut}).
		Where(squirrel.NotEq{"kind": stock.KindReversal}).
		OrderBy("id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var movements []stock.Movement
	if err := pgxscan.Select(ctx, r.querier(ctx), &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("select allocation movements: %w", err)
	}
	return movements, nil
}

// GetReceiptMovement returns the in entry that created the batch.
func (r *LedgerRepo) GetReceiptMovement(ctx context.Context, batchID id.ID) (*stock.Movement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable).
		Where(squirrel.Eq{"batch_id": batchID, "direction": stock.DirectionIn}).
		Where(squirrel.NotEq{"kind": stock.KindReversal}).
		OrderBy("id").
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var m stock.Movement
	if err := pgxscan.Get(ctx, r.querier(ctx), &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("receipt movement", batchID)
		}
		return nil, fmt.Errorf("get receipt movement: %w", err)
	}
	return &m, nil
}

// OutstandingConsumption sums consumption from the batch that no reversal compensates.
func (r *LedgerRepo) OutstandingConsumption(ctx context.Context, batchID id.ID) (types.Quantity, error) {
	sql := `
		SELECT COALESCE(SUM(m.quantity), 0)
		FROM stock_movements m
		WHERE m.batch_id = $1
		  AND m.direction = 'out'
		  AND m.kind <> 'reversal'
		  AND NOT EXISTS (
			SELECT 1 FROM stock_movements r WHERE r.reverses_id = m.id
		  )
	`

	var qty types.Quantity
	if err := r.querier(ctx).QueryRow(ctx, sql, batchID).Scan(&qty); err != nil {
		return types.Zero(), fmt.Errorf("outstanding consumption: %w", err)
	}
	return qty, nil
}
