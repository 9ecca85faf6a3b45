// Package ledger_repo provides the PostgreSQL implementation of the stock ledger storage.
// Every write method expects the caller's transaction in ctx; reads fall back to the pool.
package ledger_repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	batchesTable     = "stock_batches"
	movementsTable   = "stock_movements"
	allocationsTable = "stock_allocations"
	balancesTable    = "stock_balances"
)

// pgUniqueViolation is the SQLSTATE of a unique index violation.
const pgUniqueViolation = "23505"

// LedgerRepo implements stock.Repository.
type LedgerRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
	inserter  *postgres.BatchInserter
	executor  *postgres.BatchExecutor
}

// NewLedgerRepo creates a new ledger repository.
func NewLedgerRepo(txManager *postgres.TxManager) *LedgerRepo {
	return &LedgerRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		inserter:  postgres.NewBatchInserter(txManager),
		executor:  postgres.NewBatchExecutor(txManager),
	}
}

func (r *LedgerRepo) querier(ctx context.Context) postgres.Querier {
	return r.txManager.GetQuerier(ctx)
}

// exec builds and runs a write statement, returning rows affected.
func (r *LedgerRepo) exec(ctx context.Context, q squirrel.Sqlizer, what string) (int64, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s: %w", what, err)
	}
	tag, err := r.querier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func conflictFrom(err error, message string) error {
	if isUniqueViolation(err) {
		return apperror.NewConflict(message).WithCause(err)
	}
	return err
}

// scopeWhere restricts a query to the pairs inside scope.
func scopeWhere(scope stock.Scope) squirrel.Eq {
	eq := squirrel.Eq{}
	if scope.ProductID != nil {
		eq["product_id"] = *scope.ProductID
	}
	if scope.LocationID != nil {
		eq["location_id"] = *scope.LocationID
	}
	return eq
}

// Ensure interface compliance.
var _ stock.Repository = (*LedgerRepo)(nil)
