package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

// reconcileSQL aggregates the ledger, the batches and the cache per pair.
// $1 and $2 are optional product and location filters.
const reconcileSQL = `
	WITH ledger AS (
		SELECT product_id, location_id,
		       SUM(CASE WHEN direction = 'in' THEN quantity ELSE 0 END) AS ledger_in,
		       SUM(CASE WHEN direction = 'out' THEN quantity ELSE 0 END) AS ledger_out
		FROM stock_movements
		WHERE ($1::uuid IS NULL OR product_id = $1) AND ($2::uuid IS NULL OR location_id = $2)
		GROUP BY product_id, location_id
	), batches AS (
		SELECT product_id, location_id,
		       SUM(remaining_quantity) AS batch_remaining,
		       SUM(remaining_quantity * unit_cost) AS batch_cost
		FROM stock_batches
		WHERE reversed_at IS NULL
		  AND ($1::uuid IS NULL OR product_id = $1) AND ($2::uuid IS NULL OR location_id = $2)
		GROUP BY product_id, location_id
	), cached AS (
		SELECT product_id, location_id, quantity, cost_value
		FROM stock_balances
		WHERE ($1::uuid IS NULL OR product_id = $1) AND ($2::uuid IS NULL OR location_id = $2)
	), pairs AS (
		SELECT product_id, location_id FROM ledger
		UNION SELECT product_id, location_id FROM batches
		UNION SELECT product_id, location_id FROM cached
	)
	SELECT p.product_id, p.location_id,
	       COALESCE(l.ledger_in, 0) AS ledger_in,
	       COALESCE(l.ledger_out, 0) AS ledger_out,
	       COALESCE(b.batch_remaining, 0) AS batch_remaining,
	       COALESCE(b.batch_cost, 0) AS batch_cost,
	       c.quantity AS cached_quantity,
	       c.cost_value AS cached_cost
	FROM pairs p
	LEFT JOIN ledger l USING (product_id, location_id)
	LEFT JOIN batches b USING (product_id, location_id)
	LEFT JOIN cached c USING (product_id, location_id)
	ORDER BY p.product_id, p.location_id
`

// ReconcileScope returns ledger, batch and cache totals of every pair inside scope.
func (r *LedgerRepo) ReconcileScope(ctx context.Context, scope stock.Scope) ([]stock.PairTotals, error) {
	var totals []stock.PairTotals
	if err := pgxscan.Select(ctx, r.querier(ctx), &totals, reconcileSQL, scope.ProductID, scope.LocationID); err != nil {
		return nil, fmt.Errorf("reconcile scope: %w", err)
	}
	return totals, nil
}

// SnapshotScope reads every derived row of scope.
func (r *LedgerRepo) SnapshotScope(ctx context.Context, scope stock.Scope) (*stock.Snapshot, error) {
	snap := &stock.Snapshot{Scope: scope, TakenAt: time.Now().UTC()}
	where := scopeWhere(scope)

	parts := []struct {
		table   string
		columns []string
		order   string
		dest    any
	}{
		{batchesTable, batchColumns, "id", &snap.Batches},
		{movementsTable, movementColumns, "id", &snap.Movements},
		{allocationsTable, allocationColumns, "id", &snap.Allocations},
		{balancesTable, balanceColumns, "product_id, location_id", &snap.Balances},
	}

	for _, p := range parts {
		sql, args, err := r.builder.Select(p.columns...).From(p.table).Where(where).OrderBy(p.order).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build snapshot %s: %w", p.table, err)
		}
		if err := pgxscan.Select(ctx, r.querier(ctx), p.dest, sql, args...); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", p.table, err)
		}
	}
	return snap, nil
}

// PurgeScope deletes every derived row of scope in one round trip.
// Movements go first because they reference batches and allocations.
func (r *LedgerRepo) PurgeScope(ctx context.Context, scope stock.Scope) (stock.PurgeStats, error) {
	if err := r.requireTx(ctx, "PurgeScope"); err != nil {
		return stock.PurgeStats{}, err
	}
	where := scopeWhere(scope)

	tables := []string{movementsTable, allocationsTable, batchesTable, balancesTable}
	queries := make([]postgres.BatchQuery, 0, len(tables))
	for _, table := range tables {
		sql, args, err := r.builder.Delete(table).Where(where).ToSql()
		if err != nil {
			return stock.PurgeStats{}, fmt.Errorf("build purge %s: %w", table, err)
		}
		queries = append(queries, postgres.BatchQuery{SQL: sql, Args: args})
	}

	affected, err := r.executor.ExecuteBatch(ctx, queries)
	if err != nil {
		return stock.PurgeStats{}, fmt.Errorf("purge scope: %w", err)
	}

	return stock.PurgeStats{
		Movements:   affected[0],
		Allocations: affected[1],
		Batches:     affected[2],
		Balances:    affected[3],
	}, nil
}
