package ledger_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

var balanceColumns = postgres.ExtractDBColumns[stock.Balance]()

// LockPair takes the pair's advisory locks, then the balance row lock.
// The row is created on first touch so there is always something to lock.
func (r *LedgerRepo) LockPair(ctx context.Context, productID, locationID id.ID) (*stock.Balance, error) {
	if err := r.requireTx(ctx, "LockPair"); err != nil {
		return nil, err
	}
	if err := r.lockPairShared(ctx, productID, locationID); err != nil {
		return nil, err
	}

	_, err := r.querier(ctx).Exec(ctx, `
		INSERT INTO stock_balances (product_id, location_id)
		VALUES ($1, $2)
		ON CONFLICT (product_id, location_id) DO NOTHING
	`, productID, locationID)
	if err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}

	sql := `
		SELECT product_id, location_id, quantity, cost_value, last_movement_at, updated_at
		FROM stock_balances
		WHERE product_id = $1 AND location_id = $2
		FOR UPDATE
	`

	var b stock.Balance
	if err := pgxscan.Get(ctx, r.querier(ctx), &b, sql, productID, locationID); err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	return &b, nil
}

// GetBalance returns the cached balance, or nil when the pair was never touched.
func (r *LedgerRepo) GetBalance(ctx context.Context, productID, locationID id.ID) (*stock.Balance, error) {
	q := r.builder.Select(balanceColumns...).From(balancesTable).
		Where(squirrel.Eq{"product_id": productID, "location_id": locationID})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var b stock.Balance
	if err := pgxscan.Get(ctx, r.querier(ctx), &b, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &b, nil
}

// SaveBalance upserts the cached balance.
func (r *LedgerRepo) SaveBalance(ctx context.Context, b *stock.Balance) error {
	q := r.builder.Insert(balancesTable).SetMap(postgres.StructToMap(b)).
		Suffix(`ON CONFLICT (product_id, location_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			cost_value = EXCLUDED.cost_value,
			last_movement_at = EXCLUDED.last_movement_at,
			updated_at = EXCLUDED.updated_at`)

	_, err := r.exec(ctx, q, "save balance")
	return err
}

// ListBalances returns cached balances matching filter.
func (r *LedgerRepo) ListBalances(ctx context.Context, filter stock.BalanceFilter) ([]stock.Balance, error) {
	q := r.builder.Select(balanceColumns...).From(balancesTable)

	if filter.ProductID != nil {
		q = q.Where(squirrel.Eq{"product_id": *filter.ProductID})
	}
	if filter.LocationID != nil {
		q = q.Where(squirrel.Eq{"location_id": *filter.LocationID})
	}
	if filter.ExcludeZero {
		q = q.Where(squirrel.NotEq{"quantity": 0})
	}

	q = q.OrderBy("product_id", "location_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var balances []stock.Balance
	if err := pgxscan.Select(ctx, r.querier(ctx), &balances, sql, args...); err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	return balances, nil
}

// SumOpenBatches computes on-hand quantity and value of the pair from live batches.
func (r *LedgerRepo) SumOpenBatches(ctx context.Context, productID, locationID id.ID) (types.Quantity, types.Money, error) {
	sql := `
		SELECT COALESCE(SUM(remaining_quantity), 0),
		       COALESCE(SUM(remaining_quantity * unit_cost), 0)
		FROM stock_batches
		WHERE product_id = $1 AND location_id = $2 AND reversed_at IS NULL
	`

	var qty types.Quantity
	var value types.Money
	if err := r.querier(ctx).QueryRow(ctx, sql, productID, locationID).Scan(&qty, &value); err != nil {
		return types.Zero(), types.Zero(), fmt.Errorf("sum open batches: %w", err)
	}
	return qty, value, nil
}
